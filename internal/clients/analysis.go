package clients

import (
	"context"
	"encoding/json"
	"time"
)

// QuizParticipant is one participant's completed quiz, as sent to the
// personality analysis service.
type QuizParticipant struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	Answers     []int  `json:"answers"`
	TotalTimeMs int64  `json:"total_time_ms"`
}

// QuizAnalysisResult carries one insight object per participant plus one
// group-level insight. Both are opaque to the orchestrator.
type QuizAnalysisResult struct {
	Individual map[string]json.RawMessage `json:"individual"`
	Group      json.RawMessage            `json:"group"`
}

// QuizAnalysisClient calls the quiz/personality analysis service. Invoked
// once per session, only when every participant's quiz is complete.
type QuizAnalysisClient struct {
	httpClient
}

// NewQuizAnalysisClient creates a quiz analysis client.
func NewQuizAnalysisClient(baseURL string, timeout time.Duration) *QuizAnalysisClient {
	return &QuizAnalysisClient{newHTTPClient(baseURL, timeout)}
}

// Analyze submits all participants' quiz results for analysis.
func (c *QuizAnalysisClient) Analyze(ctx context.Context, participants []QuizParticipant) (*QuizAnalysisResult, error) {
	var out QuizAnalysisResult
	if err := c.postJSON(ctx, "/v1/analyze", map[string]any{"participants": participants}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
