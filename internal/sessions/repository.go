package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cinematch/backend/internal/models"
)

// Repository handles session and profile persistence.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a sessions repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const sessionColumns = `code, admin_id, viewing_mode, selected_platforms, status, current_step,
	movie_tinder_index, movie_preferences, llm_movies, group_analysis, candidate_movies,
	final_winner_movie_id, created_at, expires_at`

// CreateSession inserts a new session row.
func (r *Repository) CreateSession(ctx context.Context, s *models.Session) error {
	const q = `INSERT INTO sessions (code, admin_id, viewing_mode, selected_platforms, status, current_step, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`
	return r.pool.QueryRow(ctx, q, s.Code, s.AdminID, s.ViewingMode, s.SelectedPlatforms, s.Status, s.CurrentStep, s.ExpiresAt).
		Scan(&s.CreatedAt)
}

// GetSession returns a session by code, or (nil, nil) when absent.
// A session past its TTL is deleted on the spot and reported absent.
func (r *Repository) GetSession(ctx context.Context, code string) (*models.Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE code = $1`
	s, err := scanSession(r.pool.QueryRow(ctx, q, code))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if s.Expired(time.Now()) {
		if err := r.DeleteSession(ctx, code); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return s, nil
}

func scanSession(row pgx.Row) (*models.Session, error) {
	var s models.Session
	var candidates []byte
	err := row.Scan(&s.Code, &s.AdminID, &s.ViewingMode, &s.SelectedPlatforms, &s.Status, &s.CurrentStep,
		&s.MovieTinderIndex, &s.MoviePreferences, &s.LLMMovies, &s.GroupAnalysis, &candidates,
		&s.FinalWinnerMovieID, &s.CreatedAt, &s.ExpiresAt)
	if err != nil {
		return nil, err
	}
	if len(candidates) > 0 {
		if err := json.Unmarshal(candidates, &s.CandidateMovies); err != nil {
			return nil, fmt.Errorf("decode candidate_movies: %w", err)
		}
	}
	return &s, nil
}

// CodeExists reports whether a session row uses the given code.
func (r *Repository) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE code = $1)`, code).Scan(&exists)
	return exists, err
}

// DeleteSession removes a session; profiles cascade.
func (r *Repository) DeleteSession(ctx context.Context, code string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE code = $1`, code)
	return err
}

// TransitionStatus performs the conditional status+step update that backs
// every state machine transition. Returns whether this caller's update
// applied (false means another request transitioned first).
func (r *Repository) TransitionStatus(ctx context.Context, code string, from, to models.SessionStatus, step string) (bool, error) {
	const q = `UPDATE sessions SET status = $3, current_step = $4 WHERE code = $1 AND status = $2`
	tag, err := r.pool.Exec(ctx, q, code, from, to, step)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetStep moves current_step only, used for the movie tinder phases where the
// status stays insights_released.
func (r *Repository) SetStep(ctx context.Context, code, from, to string) (bool, error) {
	const q = `UPDATE sessions SET current_step = $3 WHERE code = $1 AND current_step = $2`
	tag, err := r.pool.Exec(ctx, q, code, from, to)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetFinalWinner records the winning movie exactly once.
func (r *Repository) SetFinalWinner(ctx context.Context, code, movieID string) (bool, error) {
	const q = `UPDATE sessions SET final_winner_movie_id = $2, current_step = $3
		WHERE code = $1 AND final_winner_movie_id IS NULL`
	tag, err := r.pool.Exec(ctx, q, code, movieID, models.StepFinalVerdict)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AdvanceTinderIndex moves the batch offset, guarded against concurrent advances.
func (r *Repository) AdvanceTinderIndex(ctx context.Context, code string, from, to int) (bool, error) {
	const q = `UPDATE sessions SET movie_tinder_index = $3, current_step = $4
		WHERE code = $1 AND movie_tinder_index = $2`
	tag, err := r.pool.Exec(ctx, q, code, from, to, models.StepMovieTinder)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// sessionFieldColumns whitelists the columns UpdateSessionFields may touch.
var sessionFieldColumns = map[string]bool{
	"movie_preferences": true,
	"llm_movies":        true,
	"group_analysis":    true,
	"candidate_movies":  true,
	"current_step":      true,
}

// UpdateSessionFields applies a partial update of whitelisted session columns.
func (r *Repository) UpdateSessionFields(ctx context.Context, code string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	set := ""
	args := []any{code}
	for col, val := range fields {
		if !sessionFieldColumns[col] {
			return fmt.Errorf("column %q not updatable", col)
		}
		if set != "" {
			set += ", "
		}
		args = append(args, val)
		set += fmt.Sprintf("%s = $%d", col, len(args))
	}
	_, err := r.pool.Exec(ctx, `UPDATE sessions SET `+set+` WHERE code = $1`, args...)
	return err
}

// UpsertProfile inserts or updates a participant's profile fields. Quiz
// results, analyses and picks are owned by their dedicated writers and are
// never touched here.
func (r *Repository) UpsertProfile(ctx context.Context, p *models.Profile) error {
	const q = `INSERT INTO profiles (session_code, user_id, is_admin, platform, username, pic_url)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_code, user_id) DO UPDATE
			SET platform = EXCLUDED.platform, username = EXCLUDED.username, pic_url = EXCLUDED.pic_url
		RETURNING created_at`
	return r.pool.QueryRow(ctx, q, p.SessionCode, p.UserID, p.IsAdmin, p.Platform, p.Username, p.PicURL).
		Scan(&p.CreatedAt)
}

const profileColumns = `session_code, user_id, is_admin, platform, username, pic_url,
	quiz_result, social_analysis_status, individual_analysis, llm_characterization, picks, created_at`

func scanProfile(row pgx.Row) (*models.Profile, error) {
	var p models.Profile
	var quiz, picks []byte
	var social *string
	err := row.Scan(&p.SessionCode, &p.UserID, &p.IsAdmin, &p.Platform, &p.Username, &p.PicURL,
		&quiz, &social, &p.IndividualAnalysis, &p.LLMCharacterization, &picks, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	if len(quiz) > 0 {
		var qr models.QuizResult
		if err := json.Unmarshal(quiz, &qr); err != nil {
			return nil, fmt.Errorf("decode quiz_result: %w", err)
		}
		p.QuizResult = &qr
	}
	if social != nil {
		p.SocialAnalysisStatus = models.SocialAnalysisStatus(*social)
	}
	if len(picks) > 0 {
		if err := json.Unmarshal(picks, &p.Picks); err != nil {
			return nil, fmt.Errorf("decode picks: %w", err)
		}
	}
	return &p, nil
}

// ListProfiles returns all profiles of a session, admin first, then guests by
// creation order.
func (r *Repository) ListProfiles(ctx context.Context, code string) ([]models.Profile, error) {
	q := `SELECT ` + profileColumns + ` FROM profiles WHERE session_code = $1
		ORDER BY is_admin DESC, created_at ASC`
	rows, err := r.pool.Query(ctx, q, code)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []models.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *p)
	}
	return list, rows.Err()
}

// GetProfile returns one participant's profile, or (nil, nil) when absent.
func (r *Repository) GetProfile(ctx context.Context, code string, userID uuid.UUID) (*models.Profile, error) {
	q := `SELECT ` + profileColumns + ` FROM profiles WHERE session_code = $1 AND user_id = $2`
	p, err := scanProfile(r.pool.QueryRow(ctx, q, code, userID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	return p, err
}

// CountGuests returns the number of non-admin profiles in a session.
func (r *Repository) CountGuests(ctx context.Context, code string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM profiles WHERE session_code = $1 AND NOT is_admin`, code).Scan(&n)
	return n, err
}

// AddBatchPicks merges one picks entry into the profile's picks map, only if
// the batch key is absent. First write wins; redundant submissions no-op.
func (r *Repository) AddBatchPicks(ctx context.Context, code string, userID uuid.UUID, key string, payload any) (bool, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("marshal picks: %w", err)
	}
	const q = `UPDATE profiles SET picks = picks || jsonb_build_object($3::text, $4::jsonb)
		WHERE session_code = $1 AND user_id = $2 AND NOT (picks ? $3)`
	tag, err := r.pool.Exec(ctx, q, code, userID, key, body)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetQuizResult stores the quiz result only if none is stored yet.
func (r *Repository) SetQuizResult(ctx context.Context, code string, userID uuid.UUID, qr *models.QuizResult) (bool, error) {
	body, err := json.Marshal(qr)
	if err != nil {
		return false, fmt.Errorf("marshal quiz result: %w", err)
	}
	const q = `UPDATE profiles SET quiz_result = $3
		WHERE session_code = $1 AND user_id = $2 AND quiz_result IS NULL`
	tag, err := r.pool.Exec(ctx, q, code, userID, body)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetSocialStatus moves the social analysis stage from->to. The empty "from"
// matches a NULL column (stage never requested).
func (r *Repository) SetSocialStatus(ctx context.Context, code string, userID uuid.UUID, from, to models.SocialAnalysisStatus, characterization json.RawMessage) (bool, error) {
	var q string
	args := []any{code, userID, string(to)}
	if from == "" {
		q = `UPDATE profiles SET social_analysis_status = $3, llm_characterization = COALESCE($4, llm_characterization)
			WHERE session_code = $1 AND user_id = $2 AND social_analysis_status IS NULL`
	} else {
		q = `UPDATE profiles SET social_analysis_status = $3, llm_characterization = COALESCE($4, llm_characterization)
			WHERE session_code = $1 AND user_id = $2 AND social_analysis_status = $5`
	}
	var payload any
	if len(characterization) > 0 {
		payload = []byte(characterization)
	}
	args = append(args, payload)
	if from != "" {
		args = append(args, string(from))
	}
	tag, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// SetIndividualAnalysis attaches the per-participant quiz insight payload.
func (r *Repository) SetIndividualAnalysis(ctx context.Context, code string, userID uuid.UUID, analysis json.RawMessage) error {
	const q = `UPDATE profiles SET individual_analysis = $3 WHERE session_code = $1 AND user_id = $2`
	_, err := r.pool.Exec(ctx, q, code, userID, []byte(analysis))
	return err
}
