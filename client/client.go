// Package client talks to a hosted quire content server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"quire/internal/errors"
	"quire/shared/types"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	defaultBaseDelay  = 100 * time.Millisecond
	defaultMaxDelay   = 2 * time.Second
)

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

type Option func(*Client)

func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetries sets how often idempotent-safe failures (network errors, 429
// and 5xx) are retried.
func WithRetries(n int, base, max time.Duration) Option {
	return func(c *Client) {
		c.maxRetries, c.baseDelay, c.maxDelay = n, base, max
	}
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultTimeout},
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// GetTree fetches the hosted tree. It returns nil, nil when known is the
// current sha.
func (c *Client) GetTree(ctx context.Context, known string) (*shared.TreeResponse, error) {
	path := "/api/tree"
	if known != "" {
		path += "?known=" + url.QueryEscape(known)
	}
	var resp shared.TreeResponse
	status, err := c.do(ctx, http.MethodGet, path, nil, "", &resp)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotModified {
		return nil, nil
	}
	return &resp, nil
}

func (c *Client) GetBlobs(ctx context.Context, hashes []string) (map[string][]byte, error) {
	body, err := json.Marshal(shared.BlobsRequest{Hashes: hashes})
	if err != nil {
		return nil, errors.Internal("encode blob request", err)
	}
	var resp shared.BlobsResponse
	if _, err := c.do(ctx, http.MethodPost, "/api/blobs", body, "application/json", &resp); err != nil {
		return nil, err
	}
	return resp.Blobs, nil
}

func (c *Client) PutBlob(ctx context.Context, data []byte) (string, error) {
	var resp shared.BlobResponse
	if _, err := c.do(ctx, http.MethodPut, "/api/blobs", data, "application/octet-stream", &resp); err != nil {
		return "", err
	}
	return resp.Hash, nil
}

func (c *Client) Commit(ctx context.Context, req *shared.CommitRequest) (*shared.CommitResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Internal("encode commit", err)
	}
	var resp shared.CommitResult
	if _, err := c.do(ctx, http.MethodPost, "/api/commit", body, "application/json", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Commits(ctx context.Context) ([]*shared.CommitRecord, error) {
	var resp []*shared.CommitRecord
	if _, err := c.do(ctx, http.MethodGet, "/api/commits", nil, "", &resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Subscribe streams tree change events until ctx is done or the connection
// drops; either way the channel is closed.
func (c *Client) Subscribe(ctx context.Context) (<-chan shared.Event, error) {
	u, err := url.Parse(c.baseURL + "/api/events")
	if err != nil {
		return nil, errors.ValidationError("invalid server url", err.Error())
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, errors.FromStatus(resp.StatusCode, "subscribe rejected")
		}
		return nil, errors.Transport("subscribe", err)
	}

	out := make(chan shared.Event, 8)
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var ev shared.Event
			if err := conn.ReadJSON(&ev); err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, contentType string, out any) (int, error) {
	for attempt := 0; ; attempt++ {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return 0, errors.Internal("build request", err)
		}
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < c.maxRetries {
				if werr := wait(ctx, c.retryDelay(attempt+1, "")); werr != nil {
					return 0, errors.Transport(fmt.Sprintf("%s %s", method, path), werr)
				}
				continue
			}
			return 0, errors.Transport(fmt.Sprintf("%s %s", method, path), err)
		}
		payload, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			return 0, errors.Transport("read response", readErr)
		}

		switch {
		case resp.StatusCode == http.StatusNotModified:
			return resp.StatusCode, nil
		case resp.StatusCode >= 200 && resp.StatusCode <= 299:
			if out != nil && len(payload) > 0 {
				if err := json.Unmarshal(payload, out); err != nil {
					return 0, errors.Transport("decode response", err)
				}
			}
			return resp.StatusCode, nil
		}

		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		if retryable && attempt < c.maxRetries {
			if werr := wait(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); werr != nil {
				return 0, errors.Transport(fmt.Sprintf("%s %s", method, path), werr)
			}
			continue
		}
		return resp.StatusCode, decodeError(resp.StatusCode, payload)
	}
}

func decodeError(status int, payload []byte) error {
	var body errors.Error
	if err := json.Unmarshal(payload, &body); err != nil || body.Message == "" {
		body.Message = strings.TrimSpace(string(payload))
	}
	if body.Message == "" {
		body.Message = http.StatusText(status)
	}
	e := errors.FromStatus(status, body.Message)
	if body.Type != "" {
		e.Type = body.Type
	}
	e.Details = body.Details
	return e
}

func (c *Client) retryDelay(attempt int, retryAfter string) time.Duration {
	if d := parseRetryAfter(retryAfter); d > 0 {
		return min(d, c.maxDelay)
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return min(delay, c.maxDelay)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := http.ParseTime(header); err == nil {
		return time.Until(ts)
	}
	return 0
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
