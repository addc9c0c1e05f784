// Package sessionstest provides an in-memory sessions.Store for tests. It
// mirrors the conditional-write semantics of the PostgreSQL repository so
// race-sensitive service logic can be exercised without a database.
package sessionstest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cinematch/backend/internal/models"
)

// Store is an in-memory sessions.Store.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*models.Session
	profiles map[string][]*models.Profile
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*models.Session),
		profiles: make(map[string][]*models.Profile),
	}
}

func (s *Store) CreateSession(_ context.Context, sess *models.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.Code]; ok {
		return fmt.Errorf("duplicate code %s", sess.Code)
	}
	cp := *sess
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.sessions[sess.Code] = &cp
	return nil
}

func (s *Store) GetSession(_ context.Context, code string) (*models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[code]
	if !ok {
		return nil, nil
	}
	if sess.Expired(time.Now()) {
		delete(s.sessions, code)
		delete(s.profiles, code)
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (s *Store) CodeExists(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[code]
	return ok, nil
}

func (s *Store) DeleteSession(_ context.Context, code string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, code)
	delete(s.profiles, code)
	return nil
}

func (s *Store) TransitionStatus(_ context.Context, code string, from, to models.SessionStatus, step string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[code]
	if !ok || sess.Status != from {
		return false, nil
	}
	sess.Status = to
	sess.CurrentStep = step
	return true, nil
}

func (s *Store) SetStep(_ context.Context, code, from, to string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[code]
	if !ok || sess.CurrentStep != from {
		return false, nil
	}
	sess.CurrentStep = to
	return true, nil
}

func (s *Store) SetFinalWinner(_ context.Context, code, movieID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[code]
	if !ok || sess.FinalWinnerMovieID != nil {
		return false, nil
	}
	sess.FinalWinnerMovieID = &movieID
	sess.CurrentStep = models.StepFinalVerdict
	return true, nil
}

func (s *Store) AdvanceTinderIndex(_ context.Context, code string, from, to int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[code]
	if !ok || sess.MovieTinderIndex != from {
		return false, nil
	}
	sess.MovieTinderIndex = to
	sess.CurrentStep = models.StepMovieTinder
	return true, nil
}

func (s *Store) UpdateSessionFields(_ context.Context, code string, fields map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[code]
	if !ok {
		return fmt.Errorf("session %s not found", code)
	}
	for col, val := range fields {
		switch col {
		case "movie_preferences":
			sess.MoviePreferences = toRaw(val)
		case "llm_movies":
			sess.LLMMovies = toRaw(val)
		case "group_analysis":
			sess.GroupAnalysis = toRaw(val)
		case "candidate_movies":
			var movies []models.Movie
			if err := json.Unmarshal(toRaw(val), &movies); err != nil {
				return err
			}
			sess.CandidateMovies = movies
		case "current_step":
			sess.CurrentStep = val.(string)
		default:
			return fmt.Errorf("column %q not updatable", col)
		}
	}
	return nil
}

func toRaw(v any) json.RawMessage {
	switch t := v.(type) {
	case []byte:
		return t
	case json.RawMessage:
		return t
	default:
		b, _ := json.Marshal(v)
		return b
	}
}

func (s *Store) UpsertProfile(_ context.Context, p *models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.profiles[p.SessionCode] {
		if existing.UserID == p.UserID {
			existing.Platform = p.Platform
			existing.Username = p.Username
			existing.PicURL = p.PicURL
			return nil
		}
	}
	cp := *p
	cp.CreatedAt = time.Now()
	if cp.Picks == nil {
		cp.Picks = models.Picks{}
	}
	s.profiles[p.SessionCode] = append(s.profiles[p.SessionCode], &cp)
	return nil
}

func (s *Store) ListProfiles(_ context.Context, code string) ([]models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Profile
	for _, p := range s.profiles[code] {
		if p.IsAdmin {
			out = append([]models.Profile{*p}, out...)
		} else {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (s *Store) GetProfile(_ context.Context, code string, userID uuid.UUID) (*models.Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.profiles[code] {
		if p.UserID == userID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *Store) CountGuests(_ context.Context, code string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, p := range s.profiles[code] {
		if !p.IsAdmin {
			n++
		}
	}
	return n, nil
}

func (s *Store) AddBatchPicks(_ context.Context, code string, userID uuid.UUID, key string, payload any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.profiles[code] {
		if p.UserID != userID {
			continue
		}
		if p.Picks == nil {
			p.Picks = models.Picks{}
		}
		if p.Picks.Has(key) {
			return false, nil
		}
		b, err := json.Marshal(payload)
		if err != nil {
			return false, err
		}
		p.Picks[key] = b
		return true, nil
	}
	return false, fmt.Errorf("profile %s not found", userID)
}

func (s *Store) SetQuizResult(_ context.Context, code string, userID uuid.UUID, r *models.QuizResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.profiles[code] {
		if p.UserID != userID {
			continue
		}
		if p.QuizResult != nil {
			return false, nil
		}
		cp := *r
		p.QuizResult = &cp
		return true, nil
	}
	return false, fmt.Errorf("profile %s not found", userID)
}

func (s *Store) SetSocialStatus(_ context.Context, code string, userID uuid.UUID, from, to models.SocialAnalysisStatus, characterization json.RawMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.profiles[code] {
		if p.UserID != userID {
			continue
		}
		if p.SocialAnalysisStatus != from {
			return false, nil
		}
		p.SocialAnalysisStatus = to
		if characterization != nil {
			p.LLMCharacterization = characterization
		}
		return true, nil
	}
	return false, nil
}

func (s *Store) SetIndividualAnalysis(_ context.Context, code string, userID uuid.UUID, analysis json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.profiles[code] {
		if p.UserID == userID {
			p.IndividualAnalysis = analysis
			return nil
		}
	}
	return fmt.Errorf("profile %s not found", userID)
}
