package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// DefaultEndpoint is where uploads are negotiated when none is configured.
const DefaultEndpoint = "https://analytics-api.buildkite.com/v1/uploads"

const (
	collectorName  = "collector-go"
	requestTimeout = 30 * time.Second
	maxErrorBody   = 4 << 10
)

var (
	// ErrUnauthorized means the service refused the token.
	ErrUnauthorized = errors.New("bootstrap: token rejected")

	// ErrIncompleteResponse means the service answered without a socket URL or channel.
	ErrIncompleteResponse = errors.New("bootstrap: response is missing cable or channel")
)

// AuthorizationHeader returns the header every request to the service,
// including the socket upgrade, must carry.
func AuthorizationHeader(token string) http.Header {
	return http.Header{"Authorization": {fmt.Sprintf("Token token=%q", token)}}
}

// RunEnv identifies the run being uploaded. Key groups every record of one
// run on the service side; NewRunEnv fills it with a random UUID.
type RunEnv struct {
	Key       string `json:"key"`
	CI        string `json:"ci,omitempty"`
	Collector string `json:"collector"`
}

// NewRunEnv returns a run description with a fresh key.
func NewRunEnv(ci string) RunEnv {
	return RunEnv{Key: uuid.NewString(), CI: ci, Collector: collectorName}
}

type request struct {
	Format string `json:"format"`
	RunEnv RunEnv `json:"run_env"`
}

// Upload is what the service hands back: where to connect and which
// channel to subscribe to.
type Upload struct {
	SocketURL string `json:"cable"`
	Channel   string `json:"channel"`
}

// Client negotiates uploads. The zero value uses DefaultEndpoint and
// http.DefaultClient but has no token.
type Client struct {
	Endpoint   string
	Token      string
	HTTPClient *http.Client
}

// Start asks the service for a socket URL and channel for run.
func (c *Client) Start(ctx context.Context, run RunEnv) (*Upload, error) {
	body, err := json.Marshal(request{Format: "websocket", RunEnv: run})
	if err != nil {
		return nil, fmt.Errorf("bootstrap: encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("bootstrap: build request: %w", err)
	}
	for k, v := range AuthorizationHeader(c.Token) {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("bootstrap: unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var up Upload
	if err := json.NewDecoder(resp.Body).Decode(&up); err != nil {
		return nil, fmt.Errorf("bootstrap: decode response: %w", err)
	}
	if up.SocketURL == "" || up.Channel == "" {
		return nil, ErrIncompleteResponse
	}
	return &up, nil
}

func (c *Client) endpoint() string {
	if c.Endpoint == "" {
		return DefaultEndpoint
	}
	return c.Endpoint
}

func (c *Client) client() *http.Client {
	if c.HTTPClient == nil {
		return http.DefaultClient
	}
	return c.HTTPClient
}
