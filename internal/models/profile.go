package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SocialAnalysisStatus tracks the per-participant social analysis stage.
// Empty string means the stage has never been requested.
type SocialAnalysisStatus string

const (
	SocialPending    SocialAnalysisStatus = "pending"
	SocialInProgress SocialAnalysisStatus = "in_progress"
	SocialCompleted  SocialAnalysisStatus = "completed"
	SocialFailed     SocialAnalysisStatus = "failed"
)

// Done reports whether the stage reached a terminal outcome (success or failure).
func (s SocialAnalysisStatus) Done() bool {
	return s == SocialCompleted || s == SocialFailed
}

// QuizResult is one participant's completed personality quiz.
type QuizResult struct {
	Answers     []int      `json:"answers"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	TotalTimeMs int64      `json:"total_time_ms"`
}

// Complete reports whether the result carries everything the analysis stage
// needs: a non-empty answer list, a completion timestamp and a total time.
func (q *QuizResult) Complete() bool {
	return q != nil && len(q.Answers) > 0 && q.CompletedAt != nil && q.TotalTimeMs > 0
}

// FinalBatchKey is the picks key for the tie-breaking final round.
const FinalBatchKey = "batch_final"

// BatchKey returns the picks key for a regular voting batch.
func BatchKey(n int) string {
	return fmt.Sprintf("batch_%d", n)
}

// FinalPick is the single-choice ballot of the final round.
type FinalPick struct {
	MovieID     string `json:"movie_id"`
	TimeTakenMs int64  `json:"time_taken_ms"`
}

// Picks maps a batch key to either a list of positively voted movie ids
// (regular batches) or a FinalPick (batch_final). Existing keys are never
// overwritten, which keeps completion checks idempotent under retries.
type Picks map[string]json.RawMessage

// Has reports whether a batch key is present.
func (p Picks) Has(key string) bool {
	_, ok := p[key]
	return ok
}

// Batch decodes the positive-pick list stored under a regular batch key.
func (p Picks) Batch(key string) []string {
	raw, ok := p[key]
	if !ok {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(raw, &ids); err != nil {
		return nil
	}
	return ids
}

// Final decodes the final-round ballot, if present.
func (p Picks) Final() *FinalPick {
	raw, ok := p[FinalBatchKey]
	if !ok {
		return nil
	}
	var fp FinalPick
	if err := json.Unmarshal(raw, &fp); err != nil {
		return nil
	}
	return &fp
}

// Profile is one participant's per-session record (admin or guest).
type Profile struct {
	SessionCode          string               `json:"session_code"`
	UserID               uuid.UUID            `json:"user_id"`
	IsAdmin              bool                 `json:"is_admin"`
	Platform             string               `json:"platform,omitempty"`
	Username             string               `json:"username,omitempty"`
	PicURL               string               `json:"pic_url,omitempty"`
	QuizResult           *QuizResult          `json:"quiz_result,omitempty"`
	SocialAnalysisStatus SocialAnalysisStatus `json:"social_analysis_status,omitempty"`
	IndividualAnalysis   json.RawMessage      `json:"individual_analysis,omitempty"`
	LLMCharacterization  json.RawMessage      `json:"llm_characterization,omitempty"`
	Picks                Picks                `json:"picks,omitempty"`
	CreatedAt            time.Time            `json:"created_at"`
}

// HasRealUsername reports whether the participant saved a real profile.
// A joiner gets a placeholder row with an empty username until they do.
func (p *Profile) HasRealUsername() bool {
	return p.Username != ""
}

// VoteValue is a participant's verdict on one candidate in a batch.
type VoteValue string

const (
	// VoteNotWatched marks a candidate the participant wants to watch.
	VoteNotWatched VoteValue = "not_watched"
	// VoteWatched marks a candidate the participant has already seen.
	VoteWatched VoteValue = "watched"
)

// Valid reports whether the vote value is a known enum member.
func (v VoteValue) Valid() bool {
	return v == VoteNotWatched || v == VoteWatched
}
