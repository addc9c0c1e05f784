package quiz

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cinematch/backend/internal/models"
	"github.com/cinematch/backend/internal/sessions"
	"github.com/cinematch/backend/internal/sessions/sessionstest"
)

type fakeNotifier struct {
	mu          sync.Mutex
	transitions []string
	updates     []string
}

func (n *fakeNotifier) StatusChanged(_ string, _, newStatus models.SessionStatus, _ string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transitions = append(n.transitions, string(newStatus))
}

func (n *fakeNotifier) SessionUpdated(_ string, updateType string, _ any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, updateType)
}

type fakeKicker struct {
	mu    sync.Mutex
	codes []string
}

func (k *fakeKicker) Kick(_ context.Context, code string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.codes = append(k.codes, code)
}

func quizFixture(t *testing.T, participants int) (*sessionstest.Store, *fakeNotifier, *fakeKicker, *Service, string, []uuid.UUID) {
	t.Helper()
	store := sessionstest.NewStore()
	notifier := &fakeNotifier{}
	kicker := &fakeKicker{}
	svc := NewService(store, notifier, kicker, nil)

	adminID := uuid.New()
	sess := &models.Session{
		Code:        "QUIZ01",
		AdminID:     adminID,
		ViewingMode: models.ViewingModeCouple,
		Status:      models.StatusQuizActive,
		CurrentStep: string(models.StatusQuizActive),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	require.NoError(t, store.CreateSession(context.Background(), sess))

	ids := []uuid.UUID{adminID}
	require.NoError(t, store.UpsertProfile(context.Background(), &models.Profile{
		SessionCode: sess.Code, UserID: adminID, IsAdmin: true, Username: "admin",
	}))
	for i := 1; i < participants; i++ {
		id := uuid.New()
		ids = append(ids, id)
		require.NoError(t, store.UpsertProfile(context.Background(), &models.Profile{
			SessionCode: sess.Code, UserID: id, Username: "guest",
		}))
	}
	return store, notifier, kicker, svc, sess.Code, ids
}

func answers() []int {
	return []int{0, 1, 2, 3, 0, 1, 2, 3, 0, 1}
}

func TestSubmitValidation(t *testing.T) {
	_, _, _, svc, code, ids := quizFixture(t, 1)
	ctx := context.Background()

	_, err := svc.Submit(ctx, code, ids[0], []int{1, 2, 3}, 5000)
	require.ErrorIs(t, err, sessions.ErrValidation, "wrong answer count")

	_, err = svc.Submit(ctx, code, ids[0], answers(), 0)
	require.ErrorIs(t, err, sessions.ErrValidation, "missing total time")

	_, err = svc.Submit(ctx, code, uuid.New(), answers(), 5000)
	require.ErrorIs(t, err, sessions.ErrNotAuthorized, "unknown participant")
}

func TestSubmitRequiresQuizActive(t *testing.T) {
	store, _, _, svc, code, ids := quizFixture(t, 1)
	ctx := context.Background()

	_, err := store.TransitionStatus(ctx, code, models.StatusQuizActive, models.StatusRecruiting, "recruiting")
	require.NoError(t, err)

	_, err = svc.Submit(ctx, code, ids[0], answers(), 5000)
	require.ErrorIs(t, err, sessions.ErrConflict)
}

func TestLastSubmissionFiresInsightsReady(t *testing.T) {
	store, notifier, kicker, svc, code, ids := quizFixture(t, 2)
	ctx := context.Background()

	_, err := svc.Submit(ctx, code, ids[0], answers(), 4000)
	require.NoError(t, err)

	got, err := store.GetSession(ctx, code)
	require.NoError(t, err)
	require.Equal(t, models.StatusQuizActive, got.Status, "one result still missing")
	require.Empty(t, kicker.codes)

	_, err = svc.Submit(ctx, code, ids[1], answers(), 6000)
	require.NoError(t, err)

	got, err = store.GetSession(ctx, code)
	require.NoError(t, err)
	require.Equal(t, models.StatusInsightsReady, got.Status)
	require.Equal(t, []string{string(models.StatusInsightsReady)}, notifier.transitions)
	require.Equal(t, []string{code}, kicker.codes)
}

func TestResubmissionDoesNotOverwrite(t *testing.T) {
	store, _, _, svc, code, ids := quizFixture(t, 2)
	ctx := context.Background()

	_, err := svc.Submit(ctx, code, ids[0], answers(), 4000)
	require.NoError(t, err)

	second := answers()
	second[0] = 3
	_, err = svc.Submit(ctx, code, ids[0], second, 9000)
	require.NoError(t, err)

	p, err := store.GetProfile(ctx, code, ids[0])
	require.NoError(t, err)
	require.Equal(t, int64(4000), p.QuizResult.TotalTimeMs)
	require.Equal(t, answers(), p.QuizResult.Answers)
}

func TestTransitionFiresOnceUnderRetry(t *testing.T) {
	_, notifier, kicker, svc, code, ids := quizFixture(t, 1)
	ctx := context.Background()

	_, err := svc.Submit(ctx, code, ids[0], answers(), 4000)
	require.NoError(t, err)

	// Once the party is in insights_ready the retry fails the status gate,
	// so the transition and the pipeline kick stay exactly-once.
	_, err = svc.Submit(ctx, code, ids[0], answers(), 4000)
	require.ErrorIs(t, err, sessions.ErrConflict)

	require.Len(t, notifier.transitions, 1)
	require.Len(t, kicker.codes, 1)
}

// faultyTransitionStore fails the status transition so the follow-on check
// breaks while the result write itself succeeds.
type faultyTransitionStore struct {
	*sessionstest.Store
	fail bool
}

func (s *faultyTransitionStore) TransitionStatus(ctx context.Context, code string, from, to models.SessionStatus, step string) (bool, error) {
	if s.fail {
		return false, errors.New("connection reset")
	}
	return s.Store.TransitionStatus(ctx, code, from, to, step)
}

func TestSaveSucceedsWhenTransitionFails(t *testing.T) {
	store := &faultyTransitionStore{Store: sessionstest.NewStore(), fail: true}
	notifier := &fakeNotifier{}
	kicker := &fakeKicker{}
	svc := NewService(store, notifier, kicker, nil)
	ctx := context.Background()

	adminID := uuid.New()
	sess := &models.Session{
		Code:        "QUIZ02",
		AdminID:     adminID,
		ViewingMode: models.ViewingModeSolo,
		Status:      models.StatusQuizActive,
		CurrentStep: string(models.StatusQuizActive),
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	require.NoError(t, store.CreateSession(ctx, sess))
	require.NoError(t, store.UpsertProfile(ctx, &models.Profile{
		SessionCode: sess.Code, UserID: adminID, IsAdmin: true, Username: "admin",
	}))

	// The result is saved, so the caller gets a success even though the
	// follow-on transition blew up.
	_, err := svc.Submit(ctx, sess.Code, adminID, answers(), 4000)
	require.NoError(t, err)

	p, err := store.GetProfile(ctx, sess.Code, adminID)
	require.NoError(t, err)
	require.True(t, p.QuizResult.Complete())

	got, err := store.GetSession(ctx, sess.Code)
	require.NoError(t, err)
	require.Equal(t, models.StatusQuizActive, got.Status)
	require.Empty(t, kicker.codes)

	// A retry after the store recovers re-runs the check and fires the
	// transition that the failed attempt dropped.
	store.fail = false
	_, err = svc.Submit(ctx, sess.Code, adminID, answers(), 4000)
	require.NoError(t, err)

	got, err = store.GetSession(ctx, sess.Code)
	require.NoError(t, err)
	require.Equal(t, models.StatusInsightsReady, got.Status)
	require.Equal(t, []string{sess.Code}, kicker.codes)
}
