package clients

import (
	"context"
	"encoding/json"
	"time"
)

// RecommenderClient calls the LLM characterization/recommendation service.
// Its payloads are black boxes: the orchestrator only ever checks whether
// they are present.
type RecommenderClient struct {
	httpClient
}

// NewRecommenderClient creates a recommendation client.
func NewRecommenderClient(baseURL string, timeout time.Duration) *RecommenderClient {
	return &RecommenderClient{newHTTPClient(baseURL, timeout)}
}

// CharacterizeUser turns a participant's social snippets into an opaque
// characterization payload.
func (c *RecommenderClient) CharacterizeUser(ctx context.Context, userID string, snippets []string) (json.RawMessage, error) {
	var out json.RawMessage
	req := map[string]any{"user_id": userID, "snippets": snippets}
	if err := c.postJSON(ctx, "/v1/characterize", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RecommendMovies generates the session's movie recommendation payload.
func (c *RecommenderClient) RecommendMovies(ctx context.Context, sessionCode string) (json.RawMessage, error) {
	var out json.RawMessage
	req := map[string]string{"session_code": sessionCode}
	if err := c.postJSON(ctx, "/v1/recommend", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}
