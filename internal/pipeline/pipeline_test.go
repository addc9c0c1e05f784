package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/cinematch/backend/internal/clients"
	"github.com/cinematch/backend/internal/models"
	"github.com/cinematch/backend/internal/sessions/sessionstest"
)

type fakeNotifier struct {
	mu      sync.Mutex
	updates []string
}

func (n *fakeNotifier) SessionUpdated(_ string, updateType string, _ any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.updates = append(n.updates, updateType)
}

type fakeQuiz struct {
	calls  int
	result *clients.QuizAnalysisResult
}

func (f *fakeQuiz) Analyze(_ context.Context, _ []clients.QuizParticipant) (*clients.QuizAnalysisResult, error) {
	f.calls++
	return f.result, nil
}

type fakeSocial struct {
	calls int
	err   error
}

func (f *fakeSocial) Analyze(_ context.Context, _, _, _ string) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []string{"loves slow cinema"}, nil
}

type fakeRecommender struct {
	charCalls int
	recCalls  int
}

func (f *fakeRecommender) CharacterizeUser(_ context.Context, _ string, _ []string) (json.RawMessage, error) {
	f.charCalls++
	return json.RawMessage(`{"vibe":"arthouse"}`), nil
}

func (f *fakeRecommender) RecommendMovies(_ context.Context, _ string) (json.RawMessage, error) {
	f.recCalls++
	return json.RawMessage(`[{"title":"Stalker"}]`), nil
}

type fakeSearch struct {
	calls int
}

func (f *fakeSearch) Candidates(_ context.Context, _ string) ([]models.Movie, error) {
	f.calls++
	return []models.Movie{{ID: "m1", Title: "Stalker"}}, nil
}

type fixture struct {
	store    *sessionstest.Store
	notifier *fakeNotifier
	quiz     *fakeQuiz
	social   *fakeSocial
	recs     *fakeRecommender
	search   *fakeSearch
	trigger  *Trigger
	code     string
	users    []uuid.UUID
}

func newFixture(t *testing.T, participants int) *fixture {
	t.Helper()
	f := &fixture{
		store:    sessionstest.NewStore(),
		notifier: &fakeNotifier{},
		social:   &fakeSocial{},
		recs:     &fakeRecommender{},
		search:   &fakeSearch{},
		code:     "PIPE01",
	}

	individual := make(map[string]json.RawMessage)
	sess := &models.Session{
		Code:        f.code,
		AdminID:     uuid.New(),
		ViewingMode: models.ViewingModeCouple,
		Status:      models.StatusQuizActive,
		ExpiresAt:   time.Now().Add(time.Hour),
	}
	require.NoError(t, f.store.CreateSession(context.Background(), sess))

	for i := 0; i < participants; i++ {
		id := uuid.New()
		if i == 0 {
			id = sess.AdminID
		}
		f.users = append(f.users, id)
		individual[id.String()] = json.RawMessage(`{"archetype":"explorer"}`)
		require.NoError(t, f.store.UpsertProfile(context.Background(), &models.Profile{
			SessionCode: f.code,
			UserID:      id,
			IsAdmin:     i == 0,
			Platform:    "instagram",
			Username:    "user",
		}))
	}
	f.quiz = &fakeQuiz{result: &clients.QuizAnalysisResult{
		Individual: individual,
		Group:      json.RawMessage(`{"dynamic":"cozy"}`),
	}}
	f.trigger = NewTrigger(f.store, f.notifier, f.quiz, f.social, f.recs, f.search, nil, 5, nil)
	return f
}

func (f *fixture) completeQuiz(t *testing.T, users ...uuid.UUID) {
	t.Helper()
	now := time.Now()
	for _, id := range users {
		_, err := f.store.SetQuizResult(context.Background(), f.code, id, &models.QuizResult{
			Answers:     []int{1, 2, 3, 1, 2, 3, 1, 2, 3, 1},
			CompletedAt: &now,
			TotalTimeMs: 30000,
		})
		require.NoError(t, err)
	}
}

func TestAdvanceRunsAllStagesOnce(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	f.completeQuiz(t, f.users...)
	require.NoError(t, f.store.UpdateSessionFields(ctx, f.code, map[string]any{
		"movie_preferences": []byte(`{"genres":["sci-fi"]}`),
	}))

	require.NoError(t, f.trigger.Advance(ctx, f.code))

	require.Equal(t, 2, f.social.calls, "one social call per participant")
	require.Equal(t, 2, f.recs.charCalls)
	require.Equal(t, 1, f.quiz.calls)
	require.Equal(t, 1, f.recs.recCalls)
	require.Equal(t, 1, f.search.calls)

	sess, err := f.store.GetSession(ctx, f.code)
	require.NoError(t, err)
	require.NotEmpty(t, sess.GroupAnalysis)
	require.NotEmpty(t, sess.LLMMovies)
	require.Len(t, sess.CandidateMovies, 1)

	profiles, err := f.store.ListProfiles(ctx, f.code)
	require.NoError(t, err)
	for _, p := range profiles {
		require.Equal(t, models.SocialCompleted, p.SocialAnalysisStatus)
		require.NotEmpty(t, p.IndividualAnalysis)
		require.NotEmpty(t, p.LLMCharacterization)
	}

	// Re-running finds every stage output present and calls nothing again.
	require.NoError(t, f.trigger.Advance(ctx, f.code))
	require.Equal(t, 2, f.social.calls)
	require.Equal(t, 1, f.quiz.calls)
	require.Equal(t, 1, f.recs.recCalls)
	require.Equal(t, 1, f.search.calls)
}

func TestGroupAnalysisWaitsForAllResults(t *testing.T) {
	f := newFixture(t, 2)
	ctx := context.Background()

	f.completeQuiz(t, f.users[0])
	require.NoError(t, f.trigger.Advance(ctx, f.code))
	require.Equal(t, 0, f.quiz.calls)

	f.completeQuiz(t, f.users[1])
	require.NoError(t, f.trigger.Advance(ctx, f.code))
	require.Equal(t, 1, f.quiz.calls)
}

func TestSocialFailureIsTerminalButNotBlocking(t *testing.T) {
	f := newFixture(t, 1)
	f.social.err = errors.New("profile is private")
	ctx := context.Background()

	f.completeQuiz(t, f.users...)
	require.NoError(t, f.store.UpdateSessionFields(ctx, f.code, map[string]any{
		"movie_preferences": []byte(`{"genres":["drama"]}`),
	}))
	require.NoError(t, f.trigger.Advance(ctx, f.code))

	p, err := f.store.GetProfile(ctx, f.code, f.users[0])
	require.NoError(t, err)
	require.Equal(t, models.SocialFailed, p.SocialAnalysisStatus)
	require.Equal(t, 0, f.recs.charCalls)

	// A failed outcome still satisfies the recommendation precondition.
	require.Equal(t, 1, f.recs.recCalls)
	require.Equal(t, 1, f.search.calls)

	// And it is never retried.
	require.NoError(t, f.trigger.Advance(ctx, f.code))
	require.Equal(t, 1, f.social.calls)
}

func TestCandidatesWaitForPreferences(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	f.completeQuiz(t, f.users...)
	require.NoError(t, f.trigger.Advance(ctx, f.code))
	require.Equal(t, 1, f.recs.recCalls)
	require.Equal(t, 0, f.search.calls, "preferences not set yet")

	require.NoError(t, f.store.UpdateSessionFields(ctx, f.code, map[string]any{
		"movie_preferences": []byte(`{"genres":["comedy"]}`),
	}))
	require.NoError(t, f.trigger.Advance(ctx, f.code))
	require.Equal(t, 1, f.search.calls)
}

func TestAdvanceUnknownSessionIsNoop(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.trigger.Advance(context.Background(), "NOPE99"))
	require.Equal(t, 0, f.social.calls)
	require.Equal(t, 0, f.quiz.calls)
}
