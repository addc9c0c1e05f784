// Package quiz accepts personality quiz submissions and fires the automatic
// transition to insights_ready once the whole roster is done.
package quiz

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cinematch/backend/internal/models"
	"github.com/cinematch/backend/internal/sessions"
)

// AnswerCount is the fixed length of a quiz submission.
const AnswerCount = 10

// Kicker schedules a background pipeline advance.
type Kicker interface {
	Kick(ctx context.Context, code string)
}

// Service validates and stores quiz results. Submissions are first write
// wins per participant; a resubmission is accepted but changes nothing.
type Service struct {
	store    sessions.Store
	notifier sessions.Notifier
	pipeline Kicker
	logger   *zap.Logger
}

// NewService creates the quiz service.
func NewService(store sessions.Store, notifier sessions.Notifier, pipeline Kicker, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, notifier: notifier, pipeline: pipeline, logger: logger}
}

// Submit stores a participant's quiz result and, when it is the last one
// missing, moves the session to insights_ready and kicks the pipeline.
func (s *Service) Submit(ctx context.Context, code string, userID uuid.UUID, answers []int, totalTimeMs int64) (*sessions.Snapshot, error) {
	if len(answers) != AnswerCount {
		return nil, fmt.Errorf("%w: expected %d answers, got %d", sessions.ErrValidation, AnswerCount, len(answers))
	}
	for _, a := range answers {
		if a < 0 {
			return nil, fmt.Errorf("%w: negative answer choice", sessions.ErrValidation)
		}
	}
	if totalTimeMs <= 0 {
		return nil, fmt.Errorf("%w: total time must be positive", sessions.ErrValidation)
	}

	sess, err := s.store.GetSession(ctx, code)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, sessions.ErrNotFound
	}
	if sess.Status != models.StatusQuizActive {
		return nil, fmt.Errorf("%w: quiz is not active", sessions.ErrConflict)
	}
	profile, err := s.store.GetProfile(ctx, code, userID)
	if err != nil {
		return nil, err
	}
	if profile == nil {
		return nil, fmt.Errorf("%w: unknown participant", sessions.ErrNotAuthorized)
	}

	now := time.Now()
	result := &models.QuizResult{Answers: answers, CompletedAt: &now, TotalTimeMs: totalTimeMs}
	wrote, err := s.store.SetQuizResult(ctx, code, userID, result)
	if err != nil {
		return nil, fmt.Errorf("save quiz result: %w", err)
	}
	if wrote {
		s.notifier.SessionUpdated(code, "quiz_submitted", map[string]any{"user_id": userID})
	} else {
		s.logger.Debug("quiz result already stored",
			zap.String("session_code", code),
			zap.String("user_id", userID.String()))
	}

	// The completion check runs on every submission, stored or not, so a
	// retried request can still fire a transition an earlier crash dropped.
	// Its failures are logged, not returned: the result is already saved and
	// the next submission re-runs the same check.
	if err := s.checkAllComplete(ctx, code); err != nil {
		s.logger.Error("quiz completion check failed",
			zap.Error(err),
			zap.String("session_code", code))
	}
	snap, err := s.store.GetSession(ctx, code)
	if err != nil {
		return nil, err
	}
	profiles, err := s.store.ListProfiles(ctx, code)
	if err != nil {
		return nil, err
	}
	return &sessions.Snapshot{Session: snap, Profiles: profiles}, nil
}

// checkAllComplete fires quiz_active -> insights_ready once every profile
// holds a complete quiz result. The conditional update makes the transition
// and the pipeline kick exactly-once across concurrent submissions.
func (s *Service) checkAllComplete(ctx context.Context, code string) error {
	profiles, err := s.store.ListProfiles(ctx, code)
	if err != nil {
		return err
	}
	if len(profiles) == 0 {
		return nil
	}
	for i := range profiles {
		if !profiles[i].QuizResult.Complete() {
			return nil
		}
	}
	ok, err := s.store.TransitionStatus(ctx, code, models.StatusQuizActive, models.StatusInsightsReady, string(models.StatusInsightsReady))
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	s.logger.Info("all quiz results in", zap.String("session_code", code))
	s.notifier.StatusChanged(code, models.StatusQuizActive, models.StatusInsightsReady, string(models.StatusInsightsReady))
	s.pipeline.Kick(ctx, code)
	return nil
}
