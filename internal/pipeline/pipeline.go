// Package pipeline drives the chain of background analysis stages. Advance
// re-checks every stage precondition in dependency order; each stage guards
// itself by the presence of its own persisted output, so redundant triggers
// from any call site are harmless.
package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/cinematch/backend/internal/clients"
	"github.com/cinematch/backend/internal/models"
	"github.com/cinematch/backend/internal/sessions"
	"github.com/cinematch/backend/pkg/queue"
)

// Notifier is the push surface for stage-completed events.
type Notifier interface {
	SessionUpdated(code, updateType string, payload any)
}

// QuizAnalyzer runs the personality analysis over all quiz results.
type QuizAnalyzer interface {
	Analyze(ctx context.Context, participants []clients.QuizParticipant) (*clients.QuizAnalysisResult, error)
}

// SocialAnalyzer fetches social snippets for one participant.
type SocialAnalyzer interface {
	Analyze(ctx context.Context, userID, platform, username string) ([]string, error)
}

// Recommender characterizes participants and generates movie recommendations.
type Recommender interface {
	CharacterizeUser(ctx context.Context, userID string, snippets []string) (json.RawMessage, error)
	RecommendMovies(ctx context.Context, sessionCode string) (json.RawMessage, error)
}

// CandidateSearcher runs the vector search for the session's candidate list.
type CandidateSearcher interface {
	Candidates(ctx context.Context, sessionCode string) ([]models.Movie, error)
}

// JobQueue hands advance work to the background worker.
type JobQueue interface {
	EnqueuePipelineAdvance(ctx context.Context, payload queue.PipelineAdvancePayload) error
}

// Trigger is the single entry point call sites invoke after any write that
// might newly satisfy a downstream precondition.
type Trigger struct {
	store    sessions.Store
	notifier Notifier
	quiz     QuizAnalyzer
	social   SocialAnalyzer
	recs     Recommender
	search   CandidateSearcher
	jobs     JobQueue
	timeout  time.Duration
	logger   *zap.Logger
}

// NewTrigger creates the pipeline trigger. jobs may be nil; Kick then runs
// the advance in-process instead of through the worker.
func NewTrigger(store sessions.Store, notifier Notifier, quiz QuizAnalyzer, social SocialAnalyzer, recs Recommender, search CandidateSearcher, jobs JobQueue, timeoutSec int, logger *zap.Logger) *Trigger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trigger{
		store:    store,
		notifier: notifier,
		quiz:     quiz,
		social:   social,
		recs:     recs,
		search:   search,
		jobs:     jobs,
		timeout:  time.Duration(timeoutSec) * time.Second,
		logger:   logger,
	}
}

// Kick schedules an advance for the session off the caller's critical path.
// The triggering request never waits on external service latency; failures
// here are logged and the request still succeeds.
func (t *Trigger) Kick(ctx context.Context, code string) {
	if t.jobs != nil {
		err := t.jobs.EnqueuePipelineAdvance(ctx, queue.PipelineAdvancePayload{SessionCode: code})
		if err == nil {
			return
		}
		t.logger.Warn("enqueue pipeline advance failed, running in-process", zap.Error(err), zap.String("session_code", code))
	}
	go func() {
		if err := t.Advance(context.Background(), code); err != nil {
			t.logger.Error("pipeline advance failed", zap.Error(err), zap.String("session_code", code))
		}
	}()
}

// Advance re-checks all stage preconditions for one session in dependency
// order. A stage that fails is logged and skipped; it does not roll back
// upstream state and a later trigger may attempt it again (social analysis
// excepted, whose failure is terminal per profile).
func (t *Trigger) Advance(ctx context.Context, code string) error {
	sess, err := t.store.GetSession(ctx, code)
	if err != nil {
		return err
	}
	if sess == nil {
		return nil
	}

	t.advanceSocial(ctx, sess)

	sess, err = t.refresh(ctx, code, sess)
	if err != nil {
		return err
	}
	t.advanceGroupAnalysis(ctx, sess)

	sess, err = t.refresh(ctx, code, sess)
	if err != nil {
		return err
	}
	t.advanceRecommendations(ctx, sess)

	sess, err = t.refresh(ctx, code, sess)
	if err != nil {
		return err
	}
	t.advanceCandidates(ctx, sess)
	return nil
}

// refresh re-reads the session between stages so each precondition check sees
// the previous stage's writes, including those of concurrent advances.
func (t *Trigger) refresh(ctx context.Context, code string, prev *models.Session) (*models.Session, error) {
	sess, err := t.store.GetSession(ctx, code)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return prev, nil
	}
	return sess, nil
}

// advanceSocial runs the social analysis for every participant whose stage
// was never requested. The in_progress CAS keeps concurrent advances from
// double-calling the service for the same profile.
func (t *Trigger) advanceSocial(ctx context.Context, sess *models.Session) {
	profiles, err := t.store.ListProfiles(ctx, sess.Code)
	if err != nil {
		t.logger.Error("list profiles", zap.Error(err), zap.String("session_code", sess.Code))
		return
	}
	for i := range profiles {
		p := &profiles[i]
		if p.SocialAnalysisStatus != "" || !p.HasRealUsername() || p.Platform == "" {
			continue
		}
		claimed, err := t.store.SetSocialStatus(ctx, sess.Code, p.UserID, "", models.SocialInProgress, nil)
		if err != nil || !claimed {
			continue
		}

		callCtx, cancel := context.WithTimeout(ctx, t.timeout)
		characterization, err := t.characterize(callCtx, p)
		cancel()

		outcome := models.SocialCompleted
		if err != nil {
			// Terminal per profile: a failed social analysis is recorded and
			// never retried by this chain.
			outcome = models.SocialFailed
			t.logger.Warn("social analysis failed",
				zap.Error(err),
				zap.String("session_code", sess.Code),
				zap.String("user_id", p.UserID.String()))
		}
		if _, err := t.store.SetSocialStatus(ctx, sess.Code, p.UserID, models.SocialInProgress, outcome, characterization); err != nil {
			t.logger.Error("save social outcome", zap.Error(err), zap.String("user_id", p.UserID.String()))
			continue
		}
		t.notifier.SessionUpdated(sess.Code, "social_analysis_done", map[string]any{
			"user_id": p.UserID,
			"status":  outcome,
		})
	}
}

func (t *Trigger) characterize(ctx context.Context, p *models.Profile) (json.RawMessage, error) {
	snippets, err := t.social.Analyze(ctx, p.UserID.String(), p.Platform, p.Username)
	if err != nil {
		return nil, err
	}
	return t.recs.CharacterizeUser(ctx, p.UserID.String(), snippets)
}

// advanceGroupAnalysis runs the quiz analysis once every participant's quiz
// result is complete. Presence of group_analysis is the idempotency guard.
func (t *Trigger) advanceGroupAnalysis(ctx context.Context, sess *models.Session) {
	if len(sess.GroupAnalysis) > 0 {
		return
	}
	profiles, err := t.store.ListProfiles(ctx, sess.Code)
	if err != nil {
		t.logger.Error("list profiles", zap.Error(err), zap.String("session_code", sess.Code))
		return
	}
	if len(profiles) == 0 {
		return
	}
	participants := make([]clients.QuizParticipant, 0, len(profiles))
	for i := range profiles {
		p := &profiles[i]
		if !p.QuizResult.Complete() {
			return
		}
		participants = append(participants, clients.QuizParticipant{
			UserID:      p.UserID.String(),
			DisplayName: p.Username,
			Answers:     p.QuizResult.Answers,
			TotalTimeMs: p.QuizResult.TotalTimeMs,
		})
	}

	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	result, err := t.quiz.Analyze(callCtx, participants)
	cancel()
	if err != nil {
		t.logger.Warn("quiz analysis failed", zap.Error(err), zap.String("session_code", sess.Code))
		return
	}

	for i := range profiles {
		p := &profiles[i]
		if insight, ok := result.Individual[p.UserID.String()]; ok {
			if err := t.store.SetIndividualAnalysis(ctx, sess.Code, p.UserID, insight); err != nil {
				t.logger.Error("save individual analysis", zap.Error(err), zap.String("user_id", p.UserID.String()))
			}
		}
	}
	if err := t.store.UpdateSessionFields(ctx, sess.Code, map[string]any{"group_analysis": []byte(result.Group)}); err != nil {
		t.logger.Error("save group analysis", zap.Error(err), zap.String("session_code", sess.Code))
		return
	}
	t.logger.Info("group analysis ready", zap.String("session_code", sess.Code))
	t.notifier.SessionUpdated(sess.Code, "insights_generated", nil)
}

// advanceRecommendations generates the recommendation payload once the group
// analysis exists and at least one social analysis reached an outcome
// (success or failure both count: the stage must not wait on a profile whose
// social analysis failed).
func (t *Trigger) advanceRecommendations(ctx context.Context, sess *models.Session) {
	if len(sess.LLMMovies) > 0 || len(sess.GroupAnalysis) == 0 {
		return
	}
	profiles, err := t.store.ListProfiles(ctx, sess.Code)
	if err != nil {
		t.logger.Error("list profiles", zap.Error(err), zap.String("session_code", sess.Code))
		return
	}
	anyOutcome := false
	for i := range profiles {
		if profiles[i].SocialAnalysisStatus.Done() {
			anyOutcome = true
			break
		}
	}
	if !anyOutcome {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	movies, err := t.recs.RecommendMovies(callCtx, sess.Code)
	cancel()
	if err != nil {
		t.logger.Warn("recommendation failed", zap.Error(err), zap.String("session_code", sess.Code))
		return
	}
	if err := t.store.UpdateSessionFields(ctx, sess.Code, map[string]any{"llm_movies": []byte(movies)}); err != nil {
		t.logger.Error("save recommendations", zap.Error(err), zap.String("session_code", sess.Code))
		return
	}
	t.logger.Info("recommendations ready", zap.String("session_code", sess.Code))
	t.notifier.SessionUpdated(sess.Code, "recommendations_ready", nil)
}

// advanceCandidates runs the vector search once recommendations and the
// admin's movie preferences are both present.
func (t *Trigger) advanceCandidates(ctx context.Context, sess *models.Session) {
	if len(sess.CandidateMovies) > 0 || len(sess.LLMMovies) == 0 || len(sess.MoviePreferences) == 0 {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	movies, err := t.search.Candidates(callCtx, sess.Code)
	cancel()
	if err != nil {
		t.logger.Warn("candidate search failed", zap.Error(err), zap.String("session_code", sess.Code))
		return
	}
	if len(movies) == 0 {
		t.logger.Warn("candidate search returned no movies", zap.String("session_code", sess.Code))
		return
	}
	body, err := json.Marshal(movies)
	if err != nil {
		t.logger.Error("marshal candidates", zap.Error(err))
		return
	}
	if err := t.store.UpdateSessionFields(ctx, sess.Code, map[string]any{"candidate_movies": body}); err != nil {
		t.logger.Error("save candidates", zap.Error(err), zap.String("session_code", sess.Code))
		return
	}
	t.logger.Info("candidates ready", zap.String("session_code", sess.Code), zap.Int("count", len(movies)))
	t.notifier.SessionUpdated(sess.Code, "movies_ready", map[string]any{"total_movies": len(movies)})
}
