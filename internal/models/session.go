package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ViewingMode determines capacity and which participants are tracked for voting.
type ViewingMode string

const (
	ViewingModeSolo   ViewingMode = "solo"
	ViewingModeCouple ViewingMode = "couple"
	ViewingModeGroup  ViewingMode = "group"
)

// Valid reports whether the viewing mode is a known value.
func (m ViewingMode) Valid() bool {
	switch m {
	case ViewingModeSolo, ViewingModeCouple, ViewingModeGroup:
		return true
	}
	return false
}

// SessionStatus is the lifecycle state of a watch party.
type SessionStatus string

const (
	StatusSetup              SessionStatus = "setup"
	StatusRecruiting         SessionStatus = "recruiting"
	StatusCollectingProfiles SessionStatus = "collecting_profiles"
	StatusReadyForQuiz       SessionStatus = "ready_for_quiz"
	StatusQuizActive         SessionStatus = "quiz_active"
	StatusInsightsReady      SessionStatus = "insights_ready"
	StatusInsightsReleased   SessionStatus = "insights_released"
	StatusFinished           SessionStatus = "session_finished"
)

// CurrentStep labels for the movie tinder phases. While the party is in one of
// these phases the status stays insights_released; only current_step moves.
// A finished batch lands on movie_tinder_results (no match, admin may advance)
// or final_round (two or more matches, a tie-break ballot is pending).
const (
	StepMovieTinder        = "movie_tinder"
	StepMovieTinderResults = "movie_tinder_results"
	StepFinalRound         = "final_round"
	StepFinalVerdict       = "final_verdict"
)

// Session is one watch party, identified by its 6-character join code.
type Session struct {
	Code               string          `json:"code"`
	AdminID            uuid.UUID       `json:"admin_id"`
	ViewingMode        ViewingMode     `json:"viewing_mode"`
	SelectedPlatforms  []string        `json:"selected_platforms"`
	Status             SessionStatus   `json:"status"`
	CurrentStep        string          `json:"current_step"`
	MovieTinderIndex   int             `json:"movie_tinder_index"`
	MoviePreferences   json.RawMessage `json:"movie_preferences,omitempty"`
	LLMMovies          json.RawMessage `json:"llm_movies,omitempty"`
	GroupAnalysis      json.RawMessage `json:"group_analysis,omitempty"`
	CandidateMovies    []Movie         `json:"candidate_movies,omitempty"`
	FinalWinnerMovieID *string         `json:"final_winner_movie_id,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	ExpiresAt          time.Time       `json:"expires_at"`
}

// Expired reports whether the session is past its TTL.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// FindCandidate returns the candidate movie with the given id, if present.
func (s *Session) FindCandidate(movieID string) *Movie {
	for i := range s.CandidateMovies {
		if s.CandidateMovies[i].ID == movieID {
			return &s.CandidateMovies[i]
		}
	}
	return nil
}
