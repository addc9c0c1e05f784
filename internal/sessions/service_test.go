package sessions

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cinematch/backend/internal/models"
	"github.com/cinematch/backend/internal/sessions/sessionstest"
)

type recordingNotifier struct {
	mu          sync.Mutex
	transitions []string
	updates     []string
}

func (n *recordingNotifier) StatusChanged(_ string, _, newStatus models.SessionStatus, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitions = append(n.transitions, string(newStatus))
}

func (n *recordingNotifier) SessionUpdated(_ string, updateType string, _ any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, updateType)
}

func newTestService(t *testing.T) (*Service, *sessionstest.Store, *recordingNotifier) {
	t.Helper()
	store := sessionstest.NewStore()
	notifier := &recordingNotifier{}
	return NewService(store, notifier, 24, 10, nil), store, notifier
}

func TestCreateSession(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	adminID := uuid.New()
	sess, err := svc.Create(ctx, adminID, models.ViewingModeCouple, []string{"netflix"})
	require.NoError(t, err)
	require.Len(t, sess.Code, CodeLength)
	require.Equal(t, models.StatusSetup, sess.Status)

	// The admin gets a placeholder profile immediately.
	p, err := store.GetProfile(ctx, sess.Code, adminID)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.True(t, p.IsAdmin)
	require.False(t, p.HasRealUsername())
}

type collidingStore struct {
	*sessionstest.Store
}

func (collidingStore) CodeExists(context.Context, string) (bool, error) {
	return true, nil
}

func TestCreateGivesUpAfterCodeCollisions(t *testing.T) {
	store := collidingStore{sessionstest.NewStore()}
	svc := NewService(store, &recordingNotifier{}, 24, 10, nil)

	_, err := svc.Create(context.Background(), uuid.New(), models.ViewingModeSolo, nil)
	require.ErrorIs(t, err, ErrCodeExhausted)
}

func TestRandomCodeAlphabet(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := randomCode()
		require.NoError(t, err)
		require.Len(t, code, CodeLength)
		for _, r := range code {
			require.Contains(t, codeAlphabet, string(r))
		}
	}
}

func TestCreateRejectsUnknownMode(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Create(context.Background(), uuid.New(), "cinema", nil)
	require.ErrorIs(t, err, ErrValidation)
}

func TestJoinCapacityCouple(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, uuid.New(), models.ViewingModeCouple, nil)
	require.NoError(t, err)

	_, _, err = svc.Join(ctx, sess.Code)
	require.NoError(t, err)
	_, _, err = svc.Join(ctx, sess.Code)
	require.NoError(t, err)

	// Third guest of a couple party is over capacity.
	_, _, err = svc.Join(ctx, sess.Code)
	require.ErrorIs(t, err, ErrSessionFull)
}

func TestJoinSoloRejected(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.Create(ctx, uuid.New(), models.ViewingModeSolo, nil)
	require.NoError(t, err)

	_, _, err = svc.Join(ctx, sess.Code)
	require.ErrorIs(t, err, ErrSessionFull)
}

func TestJoinUnknownCode(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, _, err := svc.Join(context.Background(), "ZZZZZZ")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestAdminProfileLeavesSetup(t *testing.T) {
	svc, store, notifier := newTestService(t)
	ctx := context.Background()

	adminID := uuid.New()
	sess, err := svc.Create(ctx, adminID, models.ViewingModeGroup, nil)
	require.NoError(t, err)

	_, err = svc.SubmitProfile(ctx, sess.Code, adminID, "instagram", "host", "")
	require.NoError(t, err)

	got, err := store.GetSession(ctx, sess.Code)
	require.NoError(t, err)
	require.Equal(t, models.StatusRecruiting, got.Status)
	require.Contains(t, notifier.transitions, string(models.StatusRecruiting))
}

func TestSoloSkipsRecruiting(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	adminID := uuid.New()
	sess, err := svc.Create(ctx, adminID, models.ViewingModeSolo, nil)
	require.NoError(t, err)

	_, err = svc.SubmitProfile(ctx, sess.Code, adminID, "instagram", "host", "")
	require.NoError(t, err)

	got, err := store.GetSession(ctx, sess.Code)
	require.NoError(t, err)
	require.Equal(t, models.StatusQuizActive, got.Status)
}

func TestRosterCompletionFiresReadyForQuiz(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	adminID := uuid.New()
	sess, err := svc.Create(ctx, adminID, models.ViewingModeCouple, nil)
	require.NoError(t, err)
	_, err = svc.SubmitProfile(ctx, sess.Code, adminID, "instagram", "host", "")
	require.NoError(t, err)

	_, g1, err := svc.Join(ctx, sess.Code)
	require.NoError(t, err)
	_, g2, err := svc.Join(ctx, sess.Code)
	require.NoError(t, err)

	_, err = svc.SubmitProfile(ctx, sess.Code, g1, "tiktok", "alice", "")
	require.NoError(t, err)
	got, err := store.GetSession(ctx, sess.Code)
	require.NoError(t, err)
	require.Equal(t, models.StatusRecruiting, got.Status, "one guest still placeholder")

	_, err = svc.SubmitProfile(ctx, sess.Code, g2, "tiktok", "bob", "")
	require.NoError(t, err)
	got, err = store.GetSession(ctx, sess.Code)
	require.NoError(t, err)
	require.Equal(t, models.StatusReadyForQuiz, got.Status)
}

func TestAdminActionAuthz(t *testing.T) {
	svc, store, notifier := newTestService(t)
	ctx := context.Background()

	adminID := uuid.New()
	sess, err := svc.Create(ctx, adminID, models.ViewingModeCouple, nil)
	require.NoError(t, err)
	_, err = svc.SubmitProfile(ctx, sess.Code, adminID, "instagram", "host", "")
	require.NoError(t, err)
	_, guestID, err := svc.Join(ctx, sess.Code)
	require.NoError(t, err)

	before := len(notifier.transitions)
	_, err = svc.AdminAction(ctx, sess.Code, guestID, ActionCloseRegistration)
	require.ErrorIs(t, err, ErrNotAuthorized)

	// No state change and no broadcast from the rejected attempt.
	got, err := store.GetSession(ctx, sess.Code)
	require.NoError(t, err)
	require.Equal(t, models.StatusRecruiting, got.Status)
	require.Len(t, notifier.transitions, before)

	_, err = svc.AdminAction(ctx, sess.Code, adminID, "self_destruct")
	require.ErrorIs(t, err, ErrUnsupportedAction)

	_, err = svc.AdminAction(ctx, sess.Code, adminID, ActionCloseRegistration)
	require.NoError(t, err)
	got, err = store.GetSession(ctx, sess.Code)
	require.NoError(t, err)
	require.Equal(t, models.StatusCollectingProfiles, got.Status)
}

func TestStartQuizRevalidatesRoster(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	adminID := uuid.New()
	sess, err := svc.Create(ctx, adminID, models.ViewingModeCouple, nil)
	require.NoError(t, err)
	_, err = svc.SubmitProfile(ctx, sess.Code, adminID, "instagram", "host", "")
	require.NoError(t, err)
	_, g1, err := svc.Join(ctx, sess.Code)
	require.NoError(t, err)
	_, err = svc.SubmitProfile(ctx, sess.Code, g1, "tiktok", "alice", "")
	require.NoError(t, err)

	got, err := store.GetSession(ctx, sess.Code)
	require.NoError(t, err)
	require.Equal(t, models.StatusReadyForQuiz, got.Status)

	// A placeholder guest sneaking in between readiness and start blocks it.
	_, g2, err := svc.Join(ctx, sess.Code)
	require.NoError(t, err)
	_, err = svc.AdminAction(ctx, sess.Code, adminID, ActionStartQuiz)
	require.ErrorIs(t, err, ErrConflict)

	_, err = svc.SubmitProfile(ctx, sess.Code, g2, "tiktok", "bob", "")
	require.NoError(t, err)
	_, err = svc.AdminAction(ctx, sess.Code, adminID, ActionStartQuiz)
	require.NoError(t, err)

	got, err = store.GetSession(ctx, sess.Code)
	require.NoError(t, err)
	require.Equal(t, models.StatusQuizActive, got.Status)
}

func TestStartMovieTinderPreconditions(t *testing.T) {
	svc, store, notifier := newTestService(t)
	ctx := context.Background()

	adminID := uuid.New()
	sess, err := svc.Create(ctx, adminID, models.ViewingModeSolo, nil)
	require.NoError(t, err)

	_, err = store.TransitionStatus(ctx, sess.Code, models.StatusSetup, models.StatusInsightsReleased, string(models.StatusInsightsReleased))
	require.NoError(t, err)

	_, err = svc.AdminAction(ctx, sess.Code, adminID, ActionStartMovieTinder)
	require.ErrorIs(t, err, ErrConflict, "preferences and candidates missing")

	require.NoError(t, store.UpdateSessionFields(ctx, sess.Code, map[string]any{
		"movie_preferences": []byte(`{"genres":["thriller"]}`),
		"candidate_movies":  []byte(`[{"id":"m1","title":"Movie 1"}]`),
	}))

	_, err = svc.AdminAction(ctx, sess.Code, adminID, ActionStartMovieTinder)
	require.NoError(t, err)

	got, err := store.GetSession(ctx, sess.Code)
	require.NoError(t, err)
	require.Equal(t, models.StepMovieTinder, got.CurrentStep)
	require.Equal(t, models.StatusInsightsReleased, got.Status, "status does not change during tinder")
	require.Contains(t, notifier.updates, "movie_tinder_started")
}

func TestNextBatch(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	adminID := uuid.New()
	sess, err := svc.Create(ctx, adminID, models.ViewingModeSolo, nil)
	require.NoError(t, err)
	_, err = store.TransitionStatus(ctx, sess.Code, models.StatusSetup, models.StatusInsightsReleased, models.StepMovieTinderResults)
	require.NoError(t, err)

	candidates := make([]map[string]string, 0, models.BatchSize+2)
	for i := 0; i < models.BatchSize+2; i++ {
		candidates = append(candidates, map[string]string{"id": uuid.NewString()})
	}
	body, err := json.Marshal(candidates)
	require.NoError(t, err)
	require.NoError(t, store.UpdateSessionFields(ctx, sess.Code, map[string]any{"candidate_movies": body}))

	_, err = svc.AdminAction(ctx, sess.Code, adminID, ActionNextBatch)
	require.NoError(t, err)

	got, err := store.GetSession(ctx, sess.Code)
	require.NoError(t, err)
	require.Equal(t, models.BatchSize, got.MovieTinderIndex)
	require.Equal(t, models.StepMovieTinder, got.CurrentStep)

	// Only two candidates remain past the first batch, so a further advance
	// has nothing to show.
	require.NoError(t, store.UpdateSessionFields(ctx, sess.Code, map[string]any{"current_step": models.StepMovieTinderResults}))
	_, err = svc.AdminAction(ctx, sess.Code, adminID, ActionNextBatch)
	require.ErrorIs(t, err, ErrConflict)
}

func TestNextBatchRequiresNoMatchOutcome(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	adminID := uuid.New()
	sess, err := svc.Create(ctx, adminID, models.ViewingModeSolo, nil)
	require.NoError(t, err)
	_, err = store.TransitionStatus(ctx, sess.Code, models.StatusSetup, models.StatusInsightsReleased, models.StepFinalRound)
	require.NoError(t, err)

	body, err := json.Marshal([]map[string]string{
		{"id": "m1"}, {"id": "m2"}, {"id": "m3"}, {"id": "m4"}, {"id": "m5"}, {"id": "m6"},
	})
	require.NoError(t, err)
	require.NoError(t, store.UpdateSessionFields(ctx, sess.Code, map[string]any{"candidate_movies": body}))

	// A pending final round blocks the advance even with candidates left.
	_, err = svc.AdminAction(ctx, sess.Code, adminID, ActionNextBatch)
	require.ErrorIs(t, err, ErrConflict)

	got, err := store.GetSession(ctx, sess.Code)
	require.NoError(t, err)
	require.Equal(t, 0, got.MovieTinderIndex)
	require.Equal(t, models.StepFinalRound, got.CurrentStep)
}

func TestExpiredSessionIsGone(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	sess := &models.Session{
		Code:        "OLDOLD",
		AdminID:     uuid.New(),
		ViewingMode: models.ViewingModeSolo,
		Status:      models.StatusSetup,
		ExpiresAt:   time.Now().Add(-time.Minute),
	}
	require.NoError(t, store.CreateSession(ctx, sess))

	_, err := svc.Get(ctx, "OLDOLD")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFinishFromAnyStatus(t *testing.T) {
	svc, store, _ := newTestService(t)
	ctx := context.Background()

	adminID := uuid.New()
	sess, err := svc.Create(ctx, adminID, models.ViewingModeGroup, nil)
	require.NoError(t, err)

	_, err = svc.AdminAction(ctx, sess.Code, adminID, ActionFinishSession)
	require.NoError(t, err)

	got, err := store.GetSession(ctx, sess.Code)
	require.NoError(t, err)
	require.Equal(t, models.StatusFinished, got.Status)

	// Finishing twice is a conflict, not a silent success.
	_, err = svc.AdminAction(ctx, sess.Code, adminID, ActionFinishSession)
	require.ErrorIs(t, err, ErrConflict)
}
