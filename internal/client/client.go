package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/lazypower/radguard/internal/engine"
)

const (
	DefaultServerURL = "http://127.0.0.1:37778"
	httpTimeout      = 5 * time.Second
)

// Client talks to a running radguard server.
type Client struct {
	http      *http.Client
	serverURL string
}

// New creates a client for serverURL. An empty serverURL falls back to
// RADGUARD_URL, then to DefaultServerURL.
func New(serverURL string) *Client {
	if serverURL == "" {
		serverURL = os.Getenv("RADGUARD_URL")
	}
	if serverURL == "" {
		serverURL = DefaultServerURL
	}
	return &Client{
		http:      &http.Client{Timeout: httpTimeout},
		serverURL: serverURL,
	}
}

// Healthy checks if the server is reachable.
func (c *Client) Healthy(ctx context.Context) bool {
	var out map[string]any
	return c.do(ctx, http.MethodGet, "/api/health", nil, &out) == nil
}

// Protection returns the server's protection status.
func (c *Client) Protection(ctx context.Context) (engine.Status, error) {
	var st engine.Status
	err := c.do(ctx, http.MethodGet, "/api/protection", nil, &st)
	return st, err
}

// Regions lists the protected regions.
func (c *Client) Regions(ctx context.Context) ([]engine.RegionStatus, error) {
	var out struct {
		Regions []engine.RegionStatus `json:"regions"`
	}
	err := c.do(ctx, http.MethodGet, "/api/regions", nil, &out)
	return out.Regions, err
}

// Report sends externally observed error counts and returns the level the
// server settled on.
func (c *Client) Report(ctx context.Context, bitFlips, computeErrors uint32) (string, error) {
	req := map[string]uint32{"bit_flips": bitFlips, "compute_errors": computeErrors}
	var out struct {
		Level string `json:"level"`
	}
	err := c.do(ctx, http.MethodPost, "/api/telemetry", req, &out)
	return out.Level, err
}

// Boost raises the server's protection level for d.
func (c *Client) Boost(ctx context.Context, d time.Duration) (string, error) {
	req := map[string]int64{"duration_ms": d.Milliseconds()}
	var out struct {
		Level string `json:"level"`
	}
	err := c.do(ctx, http.MethodPost, "/api/protection/boost", req, &out)
	return out.Level, err
}

// SetLevel pins the server's protection level.
func (c *Client) SetLevel(ctx context.Context, level string) (string, error) {
	var out struct {
		Level string `json:"level"`
	}
	err := c.do(ctx, http.MethodPut, "/api/protection", map[string]string{"level": level}, &out)
	return out.Level, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, rd)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response %s: %w", path, err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
