package clients

import (
	"context"
	"time"

	"github.com/cinematch/backend/internal/models"
)

// SearchClient calls the candidate vector search service, which ranks movie
// candidates for a session. The orchestrator only consumes the list and the
// per-movie id/title/poster needed for voting and winner display.
type SearchClient struct {
	httpClient
}

// NewSearchClient creates a candidate search client.
func NewSearchClient(baseURL string, timeout time.Duration) *SearchClient {
	return &SearchClient{newHTTPClient(baseURL, timeout)}
}

// Candidates returns the ranked candidate list for a session.
func (c *SearchClient) Candidates(ctx context.Context, sessionCode string) ([]models.Movie, error) {
	var out struct {
		Movies []models.Movie `json:"movies"`
		Count  int            `json:"count"`
	}
	req := map[string]string{"session_code": sessionCode}
	if err := c.postJSON(ctx, "/v1/candidates", req, &out); err != nil {
		return nil, err
	}
	return out.Movies, nil
}
