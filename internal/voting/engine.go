package voting

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cinematch/backend/internal/models"
	"github.com/cinematch/backend/internal/sessions"
)

// Notifier is the push surface the voting engine needs.
type Notifier interface {
	SessionUpdated(code, updateType string, payload any)
	TinderResults(code string, payload any)
	Winner(code string, movie models.Movie)
}

// Ballot is one participant's verdict on one candidate of the current batch.
type Ballot struct {
	MovieID string           `json:"movie_id"`
	Vote    models.VoteValue `json:"vote"`
}

// Service accumulates per-participant per-batch ballots, detects batch
// completion and reduces the ballots of the final round to a single winner.
// All completion checks re-read state; concurrent and duplicate submissions
// are expected and harmless.
type Service struct {
	store    sessions.Store
	notifier Notifier
	logger   *zap.Logger
}

// NewService creates the batch voting engine.
func NewService(store sessions.Store, notifier Notifier, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, notifier: notifier, logger: logger}
}

// trackedParticipants returns the profiles whose ballots gate completion.
// Computed fresh on every check as a pure function of mode and profiles, so a
// late joiner is counted from their first ballot on and never blocks forever.
func trackedParticipants(mode models.ViewingMode, adminID uuid.UUID, profiles []models.Profile) []models.Profile {
	if mode != models.ViewingModeSolo {
		return profiles
	}
	for i := range profiles {
		if profiles[i].UserID == adminID {
			return profiles[i : i+1]
		}
	}
	return nil
}

// batchWindow returns the candidate ids of the batch starting at index.
func batchWindow(candidates []models.Movie, index int) []string {
	if index < 0 || index >= len(candidates) {
		return nil
	}
	end := index + models.BatchSize
	if end > len(candidates) {
		end = len(candidates)
	}
	ids := make([]string, 0, end-index)
	for _, m := range candidates[index:end] {
		ids = append(ids, m.ID)
	}
	return ids
}

// matchedSet intersects all participants' positive picks, preserving the
// candidate-list order of the batch.
func matchedSet(batchOrder []string, lists [][]string) []string {
	var matched []string
	for _, id := range batchOrder {
		inAll := true
		for _, list := range lists {
			found := false
			for _, pick := range list {
				if pick == id {
					found = true
					break
				}
			}
			if !found {
				inAll = false
				break
			}
		}
		if inAll {
			matched = append(matched, id)
		}
	}
	return matched
}

// determineWinner reduces the final-round ballots to one movie id:
// most votes wins; a vote tie goes to the smallest summed decision time
// (fastest consensus); an exact time tie goes to the lexicographically
// smallest movie id, so the result never depends on iteration order.
func determineWinner(ballots []models.FinalPick) string {
	votes := make(map[string]int)
	timeSum := make(map[string]int64)
	for _, b := range ballots {
		votes[b.MovieID]++
		timeSum[b.MovieID] += b.TimeTakenMs
	}

	candidates := make([]string, 0, len(votes))
	for id := range votes {
		candidates = append(candidates, id)
	}
	sort.Strings(candidates)

	winner := ""
	for _, id := range candidates {
		if winner == "" {
			winner = id
			continue
		}
		switch {
		case votes[id] > votes[winner]:
			winner = id
		case votes[id] == votes[winner] && timeSum[id] < timeSum[winner]:
			winner = id
		}
	}
	return winner
}

// SubmitBatch records one participant's ballots for the current batch and
// runs the completion check. Re-submitting a completed batch is a no-op.
func (s *Service) SubmitBatch(ctx context.Context, code string, userID uuid.UUID, batch int, ballots []Ballot) (*sessions.Snapshot, error) {
	sess, err := s.store.GetSession(ctx, code)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, sessions.ErrNotFound
	}
	if sess.CurrentStep != models.StepMovieTinder {
		return nil, fmt.Errorf("%w: no batch is open for voting", sessions.ErrConflict)
	}
	round := sess.MovieTinderIndex / models.BatchSize
	if batch != round {
		return nil, fmt.Errorf("%w: batch %d is not the current round", sessions.ErrConflict, batch)
	}
	window := batchWindow(sess.CandidateMovies, sess.MovieTinderIndex)
	if len(ballots) == 0 {
		return nil, fmt.Errorf("%w: ballots required", sessions.ErrValidation)
	}
	inWindow := make(map[string]bool, len(window))
	for _, id := range window {
		inWindow[id] = true
	}
	var picks []string
	for _, b := range ballots {
		if !b.Vote.Valid() {
			return nil, fmt.Errorf("%w: unknown vote value %q", sessions.ErrValidation, b.Vote)
		}
		if !inWindow[b.MovieID] {
			return nil, fmt.Errorf("%w: movie %q is not in the current batch", sessions.ErrValidation, b.MovieID)
		}
		if b.Vote == models.VoteNotWatched {
			picks = append(picks, b.MovieID)
		}
	}
	if err := s.requireTracked(ctx, sess, userID); err != nil {
		return nil, err
	}

	if picks == nil {
		picks = []string{}
	}
	written, err := s.store.AddBatchPicks(ctx, code, userID, models.BatchKey(round), picks)
	if err != nil {
		return nil, fmt.Errorf("save ballots: %w", err)
	}
	if written {
		s.notifier.SessionUpdated(code, "batch_vote_saved", map[string]any{"user_id": userID, "batch": round})
	}

	// Completion is rechecked even after a duplicate submission: the check
	// only reads, and a concurrent first-writer may have made it true.
	if err := s.checkBatchComplete(ctx, code, round); err != nil {
		s.logger.Error("batch completion check failed", zap.Error(err), zap.String("session_code", code))
	}
	return s.snapshot(ctx, code)
}

func (s *Service) requireTracked(ctx context.Context, sess *models.Session, userID uuid.UUID) error {
	p, err := s.store.GetProfile(ctx, sess.Code, userID)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("%w: unknown participant", sessions.ErrNotAuthorized)
	}
	if sess.ViewingMode == models.ViewingModeSolo && userID != sess.AdminID {
		return fmt.Errorf("%w: only the admin votes in solo mode", sessions.ErrNotAuthorized)
	}
	return nil
}

// checkBatchComplete re-reads all profiles and, when every tracked
// participant has voted the batch, computes the matched set and commits the
// one resulting transition. The step CAS makes sure only the first caller to
// observe completion broadcasts it.
func (s *Service) checkBatchComplete(ctx context.Context, code string, round int) error {
	sess, err := s.store.GetSession(ctx, code)
	if err != nil || sess == nil {
		return err
	}
	if sess.CurrentStep != models.StepMovieTinder || sess.MovieTinderIndex/models.BatchSize != round {
		return nil
	}
	profiles, err := s.store.ListProfiles(ctx, code)
	if err != nil {
		return err
	}
	tracked := trackedParticipants(sess.ViewingMode, sess.AdminID, profiles)
	if len(tracked) == 0 {
		return nil
	}
	key := models.BatchKey(round)
	lists := make([][]string, 0, len(tracked))
	for i := range tracked {
		if !tracked[i].Picks.Has(key) {
			return nil
		}
		lists = append(lists, tracked[i].Picks.Batch(key))
	}

	matched := matchedSet(batchWindow(sess.CandidateMovies, sess.MovieTinderIndex), lists)

	if len(matched) == 1 {
		return s.declareWinner(ctx, sess, matched[0])
	}

	// The outcome is persisted in the step: no match parks the round on
	// movie_tinder_results so the admin can advance, two or more matches open
	// a final round that must resolve before anything else moves.
	next := models.StepMovieTinderResults
	if len(matched) >= 2 {
		next = models.StepFinalRound
	}
	ok, err := s.store.SetStep(ctx, code, models.StepMovieTinder, next)
	if err != nil {
		return err
	}
	if !ok {
		// Another request already committed this round's result.
		return nil
	}
	moreCandidates := sess.MovieTinderIndex+models.BatchSize < len(sess.CandidateMovies)
	s.logger.Info("batch complete",
		zap.String("session_code", code),
		zap.Int("batch", round),
		zap.Int("matched", len(matched)))
	s.notifier.TinderResults(code, map[string]any{
		"batch":           round,
		"matched":         s.movieRecords(sess, matched),
		"no_match":        len(matched) == 0,
		"final_round":     len(matched) >= 2,
		"more_candidates": moreCandidates,
	})
	return nil
}

// SubmitFinal records one participant's final-round choice and, once every
// tracked participant has chosen, determines and broadcasts the winner.
func (s *Service) SubmitFinal(ctx context.Context, code string, userID uuid.UUID, movieID string, timeTakenMs int64) (*sessions.Snapshot, error) {
	if movieID == "" || timeTakenMs <= 0 {
		return nil, fmt.Errorf("%w: movie_id and time_taken_ms required", sessions.ErrValidation)
	}
	sess, err := s.store.GetSession(ctx, code)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, sessions.ErrNotFound
	}
	if sess.CurrentStep != models.StepFinalRound {
		return nil, fmt.Errorf("%w: no final round is open", sessions.ErrConflict)
	}
	if err := s.requireTracked(ctx, sess, userID); err != nil {
		return nil, err
	}
	matched, err := s.currentMatchedSet(ctx, sess)
	if err != nil {
		return nil, err
	}
	valid := false
	for _, id := range matched {
		if id == movieID {
			valid = true
			break
		}
	}
	if !valid {
		return nil, fmt.Errorf("%w: movie %q is not in the matched set", sessions.ErrValidation, movieID)
	}

	pick := models.FinalPick{MovieID: movieID, TimeTakenMs: timeTakenMs}
	written, err := s.store.AddBatchPicks(ctx, code, userID, models.FinalBatchKey, pick)
	if err != nil {
		return nil, fmt.Errorf("save final pick: %w", err)
	}
	if written {
		s.notifier.SessionUpdated(code, "final_vote_saved", map[string]any{"user_id": userID})
	}

	if err := s.checkFinalComplete(ctx, code); err != nil {
		s.logger.Error("final completion check failed", zap.Error(err), zap.String("session_code", code))
	}
	return s.snapshot(ctx, code)
}

// currentMatchedSet recomputes the matched set of the round that just
// completed, from the stored picks.
func (s *Service) currentMatchedSet(ctx context.Context, sess *models.Session) ([]string, error) {
	profiles, err := s.store.ListProfiles(ctx, sess.Code)
	if err != nil {
		return nil, err
	}
	tracked := trackedParticipants(sess.ViewingMode, sess.AdminID, profiles)
	round := sess.MovieTinderIndex / models.BatchSize
	key := models.BatchKey(round)
	lists := make([][]string, 0, len(tracked))
	for i := range tracked {
		lists = append(lists, tracked[i].Picks.Batch(key))
	}
	return matchedSet(batchWindow(sess.CandidateMovies, sess.MovieTinderIndex), lists), nil
}

func (s *Service) checkFinalComplete(ctx context.Context, code string) error {
	sess, err := s.store.GetSession(ctx, code)
	if err != nil || sess == nil {
		return err
	}
	if sess.CurrentStep != models.StepFinalRound {
		return nil
	}
	profiles, err := s.store.ListProfiles(ctx, code)
	if err != nil {
		return err
	}
	tracked := trackedParticipants(sess.ViewingMode, sess.AdminID, profiles)
	if len(tracked) == 0 {
		return nil
	}
	ballots := make([]models.FinalPick, 0, len(tracked))
	for i := range tracked {
		fp := tracked[i].Picks.Final()
		if fp == nil {
			return nil
		}
		ballots = append(ballots, *fp)
	}
	return s.declareWinner(ctx, sess, determineWinner(ballots))
}

// declareWinner persists the winner exactly once and broadcasts the full
// movie record. Losing the CAS means another request already declared it.
func (s *Service) declareWinner(ctx context.Context, sess *models.Session, movieID string) error {
	ok, err := s.store.SetFinalWinner(ctx, sess.Code, movieID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	movie := models.Movie{ID: movieID}
	if m := sess.FindCandidate(movieID); m != nil {
		movie = *m
	}
	s.logger.Info("winner declared",
		zap.String("session_code", sess.Code),
		zap.String("movie_id", movieID))
	s.notifier.Winner(sess.Code, movie)
	return nil
}

func (s *Service) movieRecords(sess *models.Session, ids []string) []models.Movie {
	out := make([]models.Movie, 0, len(ids))
	for _, id := range ids {
		if m := sess.FindCandidate(id); m != nil {
			out = append(out, *m)
		} else {
			out = append(out, models.Movie{ID: id})
		}
	}
	return out
}

func (s *Service) snapshot(ctx context.Context, code string) (*sessions.Snapshot, error) {
	sess, err := s.store.GetSession(ctx, code)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, sessions.ErrNotFound
	}
	profiles, err := s.store.ListProfiles(ctx, code)
	if err != nil {
		return nil, err
	}
	return &sessions.Snapshot{Session: sess, Profiles: profiles}, nil
}
