// Package client talks to a running modelrm server. Requests that fail with a
// connection error or a retryable status (502, 503, 504) are retried with
// backoff; a 503 from a load is a lost race for memory and usually succeeds
// on a later attempt.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"

	"modelrm/pkg/types"
)

const applicationJSON = "application/json"

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
}

// Option configures a Client.
type Option func(*retryablehttp.Client)

// WithRetryMax sets how many times a request is retried.
func WithRetryMax(n int) Option {
	return func(c *retryablehttp.Client) { c.RetryMax = n }
}

// WithBackoff sets the minimum and maximum wait between retries.
func WithBackoff(lo, hi time.Duration) Option {
	return func(c *retryablehttp.Client) { c.RetryWaitMin, c.RetryWaitMax = lo, hi }
}

// WithLogger routes retry diagnostics to l at debug level.
func WithLogger(l zerolog.Logger) Option {
	return func(c *retryablehttp.Client) { c.Logger = leveled{l} }
}

// WithTimeout bounds each attempt.
func WithTimeout(d time.Duration) Option {
	return func(c *retryablehttp.Client) { c.HTTPClient.Timeout = d }
}

// New returns a client for the server at baseURL, e.g. http://localhost:8080.
func New(baseURL string, opts ...Option) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	rc.CheckRetry = checkRetry
	// keep the server's error body instead of retryablehttp's generic error
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler
	for _, o := range opts {
		o(rc)
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: rc}
}

// checkRetry retries transport errors and gateway/unavailable statuses but
// never a 500: a failed mode switch has already changed what is loaded.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return retryablehttp.DefaultRetryPolicy(ctx, resp, err)
	}
	switch resp.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true, nil
	}
	return false, nil
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
	// Unrestored lists models a failed mode switch could not bring back.
	Unrestored []string
}

func (e *APIError) Error() string {
	if len(e.Unrestored) > 0 {
		return fmt.Sprintf("server returned %d: %s (unrestored: %s)", e.Status, e.Message, strings.Join(e.Unrestored, ", "))
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var ae *APIError
	if errors.As(err, &ae) {
		return ae.Status
	}
	return 0
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = bytes.NewReader(data)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", applicationJSON)
	}
	req.Header.Set("Accept", applicationJSON)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var er types.ErrorResponse
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if json.Unmarshal(data, &er) != nil || er.Error == "" {
			er.Error = strings.TrimSpace(string(data))
		}
		return &APIError{Status: resp.StatusCode, Message: er.Error, Unrestored: er.Unrestored}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func modelPath(id string, suffix string) string {
	return "/models/" + url.PathEscape(id) + suffix
}

// Models lists registered models, optionally filtered.
func (c *Client) Models(ctx context.Context, provider string, t types.ModelType) ([]types.ModelMetadata, error) {
	q := url.Values{}
	if provider != "" {
		q.Set("provider", provider)
	}
	if t != "" {
		q.Set("type", string(t))
	}
	path := "/models"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp types.ModelsResponse
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp.Models, err
}

// Model fetches one model's metadata.
func (c *Client) Model(ctx context.Context, id string) (types.ModelMetadata, error) {
	var m types.ModelMetadata
	err := c.do(ctx, http.MethodGet, modelPath(id, ""), nil, &m)
	return m, err
}

// Best returns the largest model of a type that fits current headroom.
func (c *Client) Best(ctx context.Context, provider string, t types.ModelType) (types.ModelMetadata, error) {
	q := url.Values{"type": {string(t)}}
	if provider != "" {
		q.Set("provider", provider)
	}
	var m types.ModelMetadata
	err := c.do(ctx, http.MethodGet, "/models/best?"+q.Encode(), nil, &m)
	return m, err
}

// Load reserves memory for id and runs its load handler.
func (c *Client) Load(ctx context.Context, id string, req types.LoadRequest) (types.LoadResponse, error) {
	var resp types.LoadResponse
	err := c.do(ctx, http.MethodPost, modelPath(id, "/load"), req, &resp)
	return resp, err
}

// Activate marks a reserved model active.
func (c *Client) Activate(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, modelPath(id, "/active"), nil, nil)
}

// Touch marks a loaded model as recently used.
func (c *Client) Touch(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, modelPath(id, "/touch"), nil, nil)
}

// Unload releases id. Unloading a model that is not loaded succeeds.
func (c *Client) Unload(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, modelPath(id, ""), nil, nil)
}

// Profile returns the server's hardware snapshot and allocator accounting.
func (c *Client) Profile(ctx context.Context) (types.ProfileResponse, error) {
	var resp types.ProfileResponse
	err := c.do(ctx, http.MethodGet, "/profile", nil, &resp)
	return resp, err
}

// RefreshProfile asks the server to re-measure its hardware and rebase the
// allocator budgets.
func (c *Client) RefreshProfile(ctx context.Context) (types.ProfileResponse, error) {
	var resp types.ProfileResponse
	err := c.do(ctx, http.MethodPost, "/profile/refresh", nil, &resp)
	return resp, err
}

// Allocations lists current reservations.
func (c *Client) Allocations(ctx context.Context) ([]types.Allocation, error) {
	var resp types.AllocationsResponse
	err := c.do(ctx, http.MethodGet, "/allocations", nil, &resp)
	return resp.Allocations, err
}

// Status returns the server status.
func (c *Client) Status(ctx context.Context) (types.StatusResponse, error) {
	var resp types.StatusResponse
	err := c.do(ctx, http.MethodGet, "/status", nil, &resp)
	return resp, err
}

// Pressure reports per-device pressure; threshold <= 0 uses the server default.
func (c *Client) Pressure(ctx context.Context, threshold float64) (types.PressureResponse, error) {
	path := "/pressure"
	if threshold > 0 {
		path += "?threshold=" + strconv.FormatFloat(threshold, 'f', -1, 64)
	}
	var resp types.PressureResponse
	err := c.do(ctx, http.MethodGet, path, nil, &resp)
	return resp, err
}

// Modes describes the balancer's modes.
func (c *Client) Modes(ctx context.Context) (types.ModesResponse, error) {
	var resp types.ModesResponse
	err := c.do(ctx, http.MethodGet, "/modes", nil, &resp)
	return resp, err
}

// SwitchMode switches the balancer to mode.
func (c *Client) SwitchMode(ctx context.Context, mode string) (types.ModeResponse, error) {
	var resp types.ModeResponse
	err := c.do(ctx, http.MethodPost, "/modes/"+url.PathEscape(mode), nil, &resp)
	return resp, err
}

// Healthy reports whether /healthz answers 200.
func (c *Client) Healthy(ctx context.Context) bool {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// leveled adapts zerolog to retryablehttp.LeveledLogger.
type leveled struct{ l zerolog.Logger }

func (z leveled) Error(msg string, kv ...interface{}) { z.l.Debug().Fields(kv).Msg(msg) }
func (z leveled) Info(msg string, kv ...interface{})  { z.l.Debug().Fields(kv).Msg(msg) }
func (z leveled) Debug(msg string, kv ...interface{}) { z.l.Debug().Fields(kv).Msg(msg) }
func (z leveled) Warn(msg string, kv ...interface{})  { z.l.Debug().Fields(kv).Msg(msg) }
