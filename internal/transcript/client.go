// Package transcript reads the agent's own transcript over HTTP. The bridge
// uses it to recover the prompt behind a run another client started, since
// the gateway broadcast carries only the assistant side.
package transcript

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	cberrors "github.com/markc/clawbridge/internal/errors"
	"github.com/markc/clawbridge/internal/lru"
	"github.com/markc/clawbridge/internal/retry"
)

// HTTPClient abstracts HTTP calls for testing.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// promptTTL bounds how long a looked-up prompt may be reused. External runs
// on the same session can arrive seconds apart with different prompts.
const promptTTL = 5 * time.Second

type cachedPrompt struct {
	prompt    string
	fetchedAt time.Time
}

// Client queries the agent transcript API.
type Client struct {
	baseURL    string
	token      string
	httpClient HTTPClient
	retryCfg   retry.Config
	cache      *lru.Cache[string, cachedPrompt]
	logger     zerolog.Logger
}

// NewClient creates a transcript client. baseURL is the agent's HTTP API
// root, e.g. "http://localhost:18789".
func NewClient(baseURL, token string, logger zerolog.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		retryCfg:   retry.DefaultConfig(),
		cache:      lru.New[string, cachedPrompt](64),
		logger:     logger.With().Str("component", "transcript").Logger(),
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(hc HTTPClient) {
	c.httpClient = hc
}

// LastPrompt returns the most recent user message on the session. Results
// are cached briefly so a burst of external runs does not hammer the agent.
func (c *Client) LastPrompt(ctx context.Context, sessionKey string) (string, error) {
	if cached, ok := c.cache.Get(sessionKey); ok && time.Since(cached.fetchedAt) < promptTTL {
		return cached.prompt, nil
	}

	var prompt string
	err := retry.Do(ctx, c.retryCfg, func(ctx context.Context) error {
		var err error
		prompt, err = c.fetchLastPrompt(ctx, sessionKey)
		return err
	})
	if err != nil {
		return "", err
	}

	c.cache.Put(sessionKey, cachedPrompt{prompt: prompt, fetchedAt: time.Now()})
	return prompt, nil
}

type transcriptMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type transcriptResponse struct {
	Messages []transcriptMessage `json:"messages"`
}

func (c *Client) fetchLastPrompt(ctx context.Context, sessionKey string) (string, error) {
	path := fmt.Sprintf("/api/sessions/%s/messages?roles=user&limit=1&order=desc", url.PathEscape(sessionKey))
	resp, err := c.do(ctx, http.MethodGet, path)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var tr transcriptResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("decoding transcript response: %w", err)
	}
	for _, m := range tr.Messages {
		if m.Role == "user" && m.Content != "" {
			return m.Content, nil
		}
	}
	return "", cberrors.NewAPIError("transcript", resp.StatusCode, "no user message on session")
}

// do executes an authenticated transcript API request.
func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, cberrors.NewAPIError("transcript", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}
