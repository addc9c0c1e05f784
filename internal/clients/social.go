package clients

import (
	"context"
	"time"
)

// SocialClient calls the social analysis service, which turns a public
// profile into a list of text snippets. A failed call is a terminal
// per-profile outcome; the orchestrator does not retry it.
type SocialClient struct {
	httpClient
}

// NewSocialClient creates a social analysis client.
func NewSocialClient(baseURL string, timeout time.Duration) *SocialClient {
	return &SocialClient{newHTTPClient(baseURL, timeout)}
}

// Analyze fetches text snippets for one participant's social profile.
func (c *SocialClient) Analyze(ctx context.Context, userID, platform, username string) ([]string, error) {
	var out struct {
		Snippets []string `json:"snippets"`
	}
	req := map[string]string{"user_id": userID, "platform": platform, "username": username}
	if err := c.postJSON(ctx, "/v1/analyze", req, &out); err != nil {
		return nil, err
	}
	return out.Snippets, nil
}
