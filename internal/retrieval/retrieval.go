package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client answers free-text queries with a supporting passage. An empty
// passage means nothing relevant was found.
type Client interface {
	Query(ctx context.Context, text string) (string, error)
}

// HTTPClient queries a document retrieval service over JSON.
type HTTPClient struct {
	url    string
	client *http.Client
}

// NewHTTPClient executes the newHTTPClient function.
func NewHTTPClient(url string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	return &HTTPClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
	}
}

// Query posts the text and returns the best matching passage.
func (c *HTTPClient) Query(ctx context.Context, text string) (string, error) {
	payload, err := json.Marshal(map[string]string{"query": text})
	if err != nil {
		return "", fmt.Errorf("encode retrieval query: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build retrieval request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("retrieval query: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("retrieval query: status %d", resp.StatusCode)
	}

	var body struct {
		Passage string `json:"passage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode retrieval response: %w", err)
	}
	return body.Passage, nil
}

// Noop never returns a passage. Used when no retrieval service is configured.
type Noop struct{}

// Query implements Client.
func (Noop) Query(context.Context, string) (string, error) { return "", nil }
