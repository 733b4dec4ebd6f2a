package beeps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/gorilla/websocket"
)

// SyncClient talks to the sync server. Zero-value auth means only
// register, login, and health work; set Token (or call Register/Login,
// which set it) before pushing or pulling.
type SyncClient struct {
	// Server is the base URL, e.g. "https://beeps.example.com".
	Server string

	// Token is the bearer token for authenticated calls.
	Token string

	httpClient *http.Client
}

// NewSyncClient creates a client for the given server base URL.
func NewSyncClient(server string) *SyncClient {
	return &SyncClient{
		Server:     strings.TrimRight(server, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *SyncClient) endpoint(p string) string {
	return c.Server + p
}

// do sends a JSON request and decodes a JSON response, mapping status
// codes onto the package's error kinds.
func (c *SyncClient) do(ctx context.Context, method, path string, body, into any) error {
	var reqBody io.Reader
	headers := http.Header{}

	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(snappy.Encode(nil, raw))
		headers.Set("Content-Type", "application/json")
		headers.Set("Content-Encoding", "snappy")
	}

	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header = headers
	req.Header.Set("Accept-Encoding", "snappy")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.Header.Get("Content-Encoding") == "snappy" {
		raw, err = snappy.Decode(nil, raw)
		if err != nil {
			return fmt.Errorf("snappy decode response: %w", err)
		}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if into == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, into); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	case resp.StatusCode == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s", ErrAuth, errorMessage(raw))
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return fmt.Errorf("%w: %s", ErrBadRequest, errorMessage(raw))
	default:
		return fmt.Errorf("%w: status %d", ErrServer, resp.StatusCode)
	}
}

func errorMessage(body []byte) string {
	var resp ErrorResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Error != "" {
		return resp.Error
	}
	return strings.TrimSpace(string(body))
}

// Register creates an account and stores the returned token on the
// client.
func (c *SyncClient) Register(ctx context.Context, email, password string) error {
	var resp TokenResponse
	err := c.do(ctx, http.MethodPost, "/api/register",
		RegisterRequest{Email: email, Password: password}, &resp)
	if err != nil {
		return err
	}
	c.Token = resp.Token
	return nil
}

// Login authenticates and stores the returned token on the client.
func (c *SyncClient) Login(ctx context.Context, email, password string) error {
	var resp TokenResponse
	err := c.do(ctx, http.MethodPost, "/api/login",
		LoginRequest{Email: email, Password: password}, &resp)
	if err != nil {
		return err
	}
	c.Token = resp.Token
	return nil
}

// Whoami returns the authenticated principal.
func (c *SyncClient) Whoami(ctx context.Context) (WhoamiResponse, error) {
	var resp WhoamiResponse
	err := c.do(ctx, http.MethodGet, "/api/whoami", nil, &resp)
	return resp, err
}

// Push appends operations to the server's log. Pushing the same ops
// twice is harmless.
func (c *SyncClient) Push(ctx context.Context, ops []TimestampedOp) error {
	return c.do(ctx, http.MethodPost, "/api/push", ops, nil)
}

// Pull fetches every op strictly above the given per-node watermarks.
func (c *SyncClient) Pull(ctx context.Context, since map[NodeID]Watermark) ([]TimestampedOp, error) {
	if since == nil {
		since = map[NodeID]Watermark{}
	}
	var ops []TimestampedOp
	err := c.do(ctx, http.MethodPost, "/api/pull", PullRequest{Since: since}, &ops)
	return ops, err
}

// Watch opens the watch socket and invokes notify for every event until
// ctx is canceled or the connection drops. Returns the connection error;
// callers reconnect with backoff.
func (c *SyncClient) Watch(ctx context.Context, notify func(WatchEvent)) error {
	u, err := url.Parse(c.endpoint("/api/watch"))
	if err != nil {
		return fmt.Errorf("parse watch url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.Token)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		return fmt.Errorf("dial watch: %w", err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var event WatchEvent
		if err := conn.ReadJSON(&event); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read watch event: %w", err)
		}
		notify(event)
	}
}
