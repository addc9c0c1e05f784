package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cinematch/backend/internal/models"
)

// Notifier delivers domain events to every live push channel of a session.
// Implemented by realtime.Broadcaster; tests use a recording fake.
type Notifier interface {
	StatusChanged(code string, oldStatus, newStatus models.SessionStatus, step string)
	SessionUpdated(code, updateType string, payload any)
}

// Snapshot is the full client-facing view of a session.
type Snapshot struct {
	Session  *models.Session  `json:"session"`
	Profiles []models.Profile `json:"profiles"`
}

// Admin action identifiers accepted by AdminAction.
const (
	ActionCloseRegistration = "close_registration"
	ActionStartQuiz         = "start_quiz"
	ActionReleaseInsights   = "release_insights"
	ActionStartMovieTinder  = "start_movie_tinder"
	ActionNextBatch         = "next_batch"
	ActionFinishSession     = "finish_session"
)

// Service validates and applies session state transitions. Every committed
// transition is pushed to all connected clients. Preconditions are always
// re-checked against freshly read rows, never a cached copy, so concurrent
// requests for the same session stay safe without cross-request locks.
type Service struct {
	store          Store
	notifier       Notifier
	logger         *zap.Logger
	ttl            time.Duration
	maxGroupGuests int
}

// NewService creates the session state machine service.
func NewService(store Store, notifier Notifier, ttlHours, maxGroupGuests int, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:          store,
		notifier:       notifier,
		logger:         logger,
		ttl:            time.Duration(ttlHours) * time.Hour,
		maxGroupGuests: maxGroupGuests,
	}
}

// Create starts a new watch party and registers the admin's placeholder profile.
func (s *Service) Create(ctx context.Context, adminID uuid.UUID, mode models.ViewingMode, platforms []string) (*models.Session, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("%w: unknown viewing mode %q", ErrValidation, mode)
	}
	code, err := newCode(ctx, s.store)
	if err != nil {
		return nil, err
	}
	sess := &models.Session{
		Code:              code,
		AdminID:           adminID,
		ViewingMode:       mode,
		SelectedPlatforms: platforms,
		Status:            models.StatusSetup,
		CurrentStep:       string(models.StatusSetup),
		ExpiresAt:         time.Now().Add(s.ttl),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	admin := &models.Profile{SessionCode: code, UserID: adminID, IsAdmin: true}
	if err := s.store.UpsertProfile(ctx, admin); err != nil {
		return nil, fmt.Errorf("create admin profile: %w", err)
	}
	s.logger.Info("session created",
		zap.String("code", code),
		zap.String("viewing_mode", string(mode)))
	return sess, nil
}

// Get returns the current snapshot of a session.
func (s *Service) Get(ctx context.Context, code string) (*Snapshot, error) {
	sess, err := s.store.GetSession(ctx, code)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	profiles, err := s.store.ListProfiles(ctx, code)
	if err != nil {
		return nil, err
	}
	return &Snapshot{Session: sess, Profiles: profiles}, nil
}

// guestCapacity returns how many non-admin participants a mode admits.
func (s *Service) guestCapacity(mode models.ViewingMode) int {
	switch mode {
	case models.ViewingModeSolo:
		return 0
	case models.ViewingModeCouple:
		return 2
	default:
		return s.maxGroupGuests
	}
}

// Join adds a new guest to a session, subject to status gating and capacity.
// Returns the fresh snapshot and the new participant's id.
func (s *Service) Join(ctx context.Context, code string) (*Snapshot, uuid.UUID, error) {
	sess, err := s.store.GetSession(ctx, code)
	if err != nil {
		return nil, uuid.Nil, err
	}
	if sess == nil {
		return nil, uuid.Nil, ErrNotFound
	}
	switch sess.Status {
	case models.StatusSetup, models.StatusRecruiting, models.StatusCollectingProfiles:
	default:
		return nil, uuid.Nil, fmt.Errorf("%w: registration is closed", ErrConflict)
	}
	guests, err := s.store.CountGuests(ctx, code)
	if err != nil {
		return nil, uuid.Nil, err
	}
	if guests >= s.guestCapacity(sess.ViewingMode) {
		return nil, uuid.Nil, ErrSessionFull
	}
	userID := uuid.New()
	if err := s.store.UpsertProfile(ctx, &models.Profile{SessionCode: code, UserID: userID}); err != nil {
		return nil, uuid.Nil, fmt.Errorf("create guest profile: %w", err)
	}
	s.notifier.SessionUpdated(code, "participant_joined", map[string]any{"user_id": userID})
	snap, err := s.Get(ctx, code)
	return snap, userID, err
}

// SubmitProfile saves a participant's own profile and fires the derived
// transitions that a profile write can newly satisfy.
func (s *Service) SubmitProfile(ctx context.Context, code string, userID uuid.UUID, platform, username, picURL string) (*Snapshot, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: username required", ErrValidation)
	}
	sess, err := s.store.GetSession(ctx, code)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	existing, err := s.store.GetProfile(ctx, code, userID)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, fmt.Errorf("%w: unknown participant", ErrNotAuthorized)
	}
	p := &models.Profile{
		SessionCode: code,
		UserID:      userID,
		IsAdmin:     existing.IsAdmin,
		Platform:    platform,
		Username:    username,
		PicURL:      picURL,
	}
	if err := s.store.UpsertProfile(ctx, p); err != nil {
		return nil, fmt.Errorf("save profile: %w", err)
	}
	s.notifier.SessionUpdated(code, "profile_saved", map[string]any{"user_id": userID})

	if err := s.afterProfileSave(ctx, sess, existing.IsAdmin); err != nil {
		return nil, err
	}
	return s.Get(ctx, code)
}

// afterProfileSave re-evaluates the profile-driven transitions against fresh
// state. Both checks are idempotent: the conditional update makes sure only
// one concurrent caller commits each transition.
func (s *Service) afterProfileSave(ctx context.Context, sess *models.Session, isAdmin bool) error {
	// Admin's own profile leaves setup. Solo parties skip recruiting and go
	// straight to the quiz.
	if isAdmin && sess.Status == models.StatusSetup {
		next := models.StatusRecruiting
		if sess.ViewingMode == models.ViewingModeSolo {
			next = models.StatusQuizActive
		}
		return s.transition(ctx, sess.Code, models.StatusSetup, next)
	}

	// A guest profile save may complete the roster: every guest needs a real
	// username. Recomputed from a fresh read on every write, not cached.
	if sess.Status == models.StatusRecruiting || sess.Status == models.StatusCollectingProfiles {
		profiles, err := s.store.ListProfiles(ctx, sess.Code)
		if err != nil {
			return err
		}
		guests := 0
		for i := range profiles {
			if profiles[i].IsAdmin {
				continue
			}
			guests++
			if !profiles[i].HasRealUsername() {
				return nil
			}
		}
		if guests == 0 {
			return nil
		}
		return s.transition(ctx, sess.Code, sess.Status, models.StatusReadyForQuiz)
	}
	return nil
}

// transition commits a status change and broadcasts it. A lost race is not an
// error here: the state already moved on, which is what the caller wanted.
func (s *Service) transition(ctx context.Context, code string, from, to models.SessionStatus) error {
	ok, err := s.store.TransitionStatus(ctx, code, from, to, string(to))
	if err != nil {
		return fmt.Errorf("transition %s -> %s: %w", from, to, err)
	}
	if ok {
		s.logger.Info("session transitioned",
			zap.String("code", code),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		s.notifier.StatusChanged(code, from, to, string(to))
	}
	return nil
}

// SetPreferences stores the admin's movie preferences.
func (s *Service) SetPreferences(ctx context.Context, code string, userID uuid.UUID, prefs json.RawMessage) (*Snapshot, error) {
	sess, err := s.store.GetSession(ctx, code)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	if sess.AdminID != userID {
		return nil, fmt.Errorf("%w: only the admin can set preferences", ErrNotAuthorized)
	}
	if len(prefs) == 0 {
		return nil, fmt.Errorf("%w: preferences required", ErrValidation)
	}
	if err := s.store.UpdateSessionFields(ctx, code, map[string]any{"movie_preferences": []byte(prefs)}); err != nil {
		return nil, fmt.Errorf("save preferences: %w", err)
	}
	s.notifier.SessionUpdated(code, "preferences_set", nil)
	return s.Get(ctx, code)
}

// AdminAction applies an explicit admin-only transition. Unknown action names
// fail with ErrUnsupportedAction; a caller other than the admin gets
// ErrNotAuthorized before any state is touched.
func (s *Service) AdminAction(ctx context.Context, code string, userID uuid.UUID, action string) (*Snapshot, error) {
	sess, err := s.store.GetSession(ctx, code)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrNotFound
	}
	if sess.AdminID != userID {
		return nil, fmt.Errorf("%w: admin action requires the session admin", ErrNotAuthorized)
	}

	switch action {
	case ActionCloseRegistration:
		err = s.guardedTransition(ctx, sess, models.StatusRecruiting, models.StatusCollectingProfiles)
	case ActionStartQuiz:
		err = s.startQuiz(ctx, sess)
	case ActionReleaseInsights:
		err = s.releaseInsights(ctx, sess)
	case ActionStartMovieTinder:
		err = s.startMovieTinder(ctx, sess)
	case ActionNextBatch:
		err = s.nextBatch(ctx, sess)
	case ActionFinishSession:
		err = s.finish(ctx, sess)
	default:
		err = fmt.Errorf("%w: %q", ErrUnsupportedAction, action)
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, code)
}

// guardedTransition requires the session to be in the expected status; a lost
// race surfaces as a state conflict because the admin asked for this exact move.
func (s *Service) guardedTransition(ctx context.Context, sess *models.Session, from, to models.SessionStatus) error {
	if sess.Status != from {
		return fmt.Errorf("%w: session is %s", ErrConflict, sess.Status)
	}
	ok, err := s.store.TransitionStatus(ctx, sess.Code, from, to, string(to))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: session is no longer %s", ErrConflict, from)
	}
	s.notifier.StatusChanged(sess.Code, from, to, string(to))
	return nil
}

func (s *Service) startQuiz(ctx context.Context, sess *models.Session) error {
	if sess.Status != models.StatusReadyForQuiz {
		return fmt.Errorf("%w: session is %s", ErrConflict, sess.Status)
	}
	// Re-validate the roster at call time rather than trusting the status.
	profiles, err := s.store.ListProfiles(ctx, sess.Code)
	if err != nil {
		return err
	}
	for i := range profiles {
		if !profiles[i].HasRealUsername() {
			return fmt.Errorf("%w: not all participants have a profile", ErrConflict)
		}
	}
	return s.guardedTransition(ctx, sess, models.StatusReadyForQuiz, models.StatusQuizActive)
}

func (s *Service) releaseInsights(ctx context.Context, sess *models.Session) error {
	if sess.Status != models.StatusInsightsReady {
		return fmt.Errorf("%w: session is %s", ErrConflict, sess.Status)
	}
	if len(sess.GroupAnalysis) == 0 {
		return fmt.Errorf("%w: group analysis is not ready yet", ErrConflict)
	}
	return s.guardedTransition(ctx, sess, models.StatusInsightsReady, models.StatusInsightsReleased)
}

func (s *Service) startMovieTinder(ctx context.Context, sess *models.Session) error {
	if sess.Status != models.StatusInsightsReleased || sess.CurrentStep != string(models.StatusInsightsReleased) {
		return fmt.Errorf("%w: session is not ready for movie tinder", ErrConflict)
	}
	if len(sess.MoviePreferences) == 0 {
		return fmt.Errorf("%w: movie preferences are not set", ErrConflict)
	}
	if len(sess.CandidateMovies) == 0 {
		return fmt.Errorf("%w: candidates are not ready yet", ErrConflict)
	}
	ok, err := s.store.SetStep(ctx, sess.Code, sess.CurrentStep, models.StepMovieTinder)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: session already moved on", ErrConflict)
	}
	s.notifier.SessionUpdated(sess.Code, "movie_tinder_started", map[string]any{
		"movie_tinder_index": sess.MovieTinderIndex,
		"batch_size":         models.BatchSize,
	})
	return nil
}

// nextBatch advances the tinder offset after a no-match round. Only the
// movie_tinder_results step qualifies: a pending final round (final_round
// step) must resolve to a winner first, otherwise a ballot already cast there
// could bleed into the next round's tie-break.
func (s *Service) nextBatch(ctx context.Context, sess *models.Session) error {
	if sess.CurrentStep == models.StepFinalRound {
		return fmt.Errorf("%w: a final round is still pending", ErrConflict)
	}
	if sess.CurrentStep != models.StepMovieTinderResults {
		return fmt.Errorf("%w: no finished round to advance from", ErrConflict)
	}
	next := sess.MovieTinderIndex + models.BatchSize
	if next >= len(sess.CandidateMovies) {
		return fmt.Errorf("%w: no candidates left", ErrConflict)
	}
	ok, err := s.store.AdvanceTinderIndex(ctx, sess.Code, sess.MovieTinderIndex, next)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: round already advanced", ErrConflict)
	}
	s.notifier.SessionUpdated(sess.Code, "next_batch", map[string]any{"movie_tinder_index": next})
	return nil
}

func (s *Service) finish(ctx context.Context, sess *models.Session) error {
	if sess.Status == models.StatusFinished {
		return fmt.Errorf("%w: session already finished", ErrConflict)
	}
	return s.guardedTransition(ctx, sess, sess.Status, models.StatusFinished)
}
