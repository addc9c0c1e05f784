package sessions

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/cinematch/backend/internal/models"
)

// Store is the persistence gateway for sessions and profiles. Implemented by
// Repository (PostgreSQL); tests use an in-memory fake. All conditional
// writes return whether this caller's write took effect, so concurrent
// callers can detect who won a race without cross-request locks.
type Store interface {
	CreateSession(ctx context.Context, s *models.Session) error
	// GetSession returns (nil, nil) for absent sessions; a session past its
	// TTL is purged and reported absent.
	GetSession(ctx context.Context, code string) (*models.Session, error)
	CodeExists(ctx context.Context, code string) (bool, error)
	DeleteSession(ctx context.Context, code string) error

	// TransitionStatus atomically moves status from->to and sets current_step,
	// only if the row still holds the expected status.
	TransitionStatus(ctx context.Context, code string, from, to models.SessionStatus, step string) (bool, error)
	// SetStep atomically moves current_step from->to without touching status.
	SetStep(ctx context.Context, code, from, to string) (bool, error)
	// SetFinalWinner records the winner only if none is set yet.
	SetFinalWinner(ctx context.Context, code, movieID string) (bool, error)
	// AdvanceTinderIndex moves the batch offset from->to.
	AdvanceTinderIndex(ctx context.Context, code string, from, to int) (bool, error)
	// UpdateSessionFields applies a partial update of whitelisted columns.
	UpdateSessionFields(ctx context.Context, code string, fields map[string]any) error

	UpsertProfile(ctx context.Context, p *models.Profile) error
	// ListProfiles returns the admin first, then guests by creation order.
	ListProfiles(ctx context.Context, code string) ([]models.Profile, error)
	GetProfile(ctx context.Context, code string, userID uuid.UUID) (*models.Profile, error)
	CountGuests(ctx context.Context, code string) (int, error)

	// AddBatchPicks stores a picks entry only if the key is absent
	// (first write wins). Returns whether the entry was written.
	AddBatchPicks(ctx context.Context, code string, userID uuid.UUID, key string, payload any) (bool, error)
	// SetQuizResult stores the quiz result only if none is stored yet.
	SetQuizResult(ctx context.Context, code string, userID uuid.UUID, r *models.QuizResult) (bool, error)
	// SetSocialStatus moves the social analysis stage from->to, optionally
	// attaching the characterization payload.
	SetSocialStatus(ctx context.Context, code string, userID uuid.UUID, from, to models.SocialAnalysisStatus, characterization json.RawMessage) (bool, error)
	SetIndividualAnalysis(ctx context.Context, code string, userID uuid.UUID, analysis json.RawMessage) error
}
