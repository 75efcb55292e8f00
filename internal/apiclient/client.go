// Package apiclient talks to a running vigil daemon over its HTTP API. The CLI
// uses it for every command that needs daemon state.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"vigil/internal/api"
)

// ErrUnavailable reports that no daemon is reachable at the configured bind.
var ErrUnavailable = errors.New("vigil API unavailable")

const defaultTimeout = 30 * time.Second

// Error is a non-2xx API response.
type Error struct {
	Status  int
	Message string
	Kind    string
}

func (e *Error) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("api returned %d (%s): %s", e.Status, e.Kind, e.Message)
	}
	return fmt.Sprintf("api returned %d: %s", e.Status, e.Message)
}

// Client is a bearer-token HTTP client for the daemon API.
type Client struct {
	base  *url.URL
	token string
	http  *http.Client
}

// New returns a client for bind, which may be host:port or a full URL.
func New(bind, token string) (*Client, error) {
	bind = strings.TrimSpace(bind)
	if bind == "" {
		return nil, ErrUnavailable
	}
	if !strings.Contains(bind, "://") {
		bind = "http://" + bind
	}
	base, err := url.Parse(bind)
	if err != nil {
		return nil, err
	}
	base.Path = ""
	base.RawQuery = ""
	base.Fragment = ""

	return &Client{
		base:  base,
		token: strings.TrimSpace(token),
		http:  &http.Client{Timeout: defaultTimeout},
	}, nil
}

// ListQuery filters ListJobs.
type ListQuery struct {
	Statuses []string
	Kind     string
	Limit    int
	Offset   int
}

func (q ListQuery) values() url.Values {
	values := url.Values{}
	if len(q.Statuses) > 0 {
		values.Set("status", strings.Join(q.Statuses, ","))
	}
	if strings.TrimSpace(q.Kind) != "" {
		values.Set("kind", q.Kind)
	}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Offset > 0 {
		values.Set("offset", strconv.Itoa(q.Offset))
	}
	return values
}

func (c *Client) Status(ctx context.Context) (api.DaemonStatus, error) {
	var out api.DaemonStatus
	err := c.do(ctx, http.MethodGet, "/status", nil, nil, &out)
	return out, err
}

// Health returns the health payload. A degraded daemon answers 503 with a
// body, which is returned without an error.
func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	var out api.HealthResponse
	err := c.do(ctx, http.MethodGet, "/health", nil, nil, &out)
	var apiErr *Error
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusServiceUnavailable && out.Status != "" {
		return out, nil
	}
	return out, err
}

func (c *Client) CreateJob(ctx context.Context, req api.CreateJobRequest) (api.JobStateResponse, error) {
	var out api.JobStateResponse
	err := c.do(ctx, http.MethodPost, "/jobs", nil, req, &out)
	return out, err
}

func (c *Client) ListJobs(ctx context.Context, q ListQuery) (api.JobListResponse, error) {
	var out api.JobListResponse
	err := c.do(ctx, http.MethodGet, "/jobs", q.values(), nil, &out)
	return out, err
}

func (c *Client) GetJob(ctx context.Context, id string) (api.Job, error) {
	var out api.Job
	err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

func (c *Client) CancelJob(ctx context.Context, id string) (api.JobStateResponse, error) {
	var out api.JobStateResponse
	err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil, nil, &out)
	return out, err
}

func (c *Client) DeleteJob(ctx context.Context, id string) (api.DeletedResponse, error) {
	var out api.DeletedResponse
	err := c.do(ctx, http.MethodDelete, "/jobs/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

func (c *Client) StartStream(ctx context.Context, req api.StartStreamRequest) (api.StartStreamResponse, error) {
	var out api.StartStreamResponse
	err := c.do(ctx, http.MethodPost, "/stream/start", nil, req, &out)
	return out, err
}

func (c *Client) StopStream(ctx context.Context, id string) (api.StoppedResponse, error) {
	var out api.StoppedResponse
	err := c.do(ctx, http.MethodPost, "/stream/stop/"+url.PathEscape(id), nil, nil, &out)
	return out, err
}

func (c *Client) ListStreams(ctx context.Context) (api.StreamListResponse, error) {
	var out api.StreamListResponse
	err := c.do(ctx, http.MethodGet, "/stream", nil, nil, &out)
	return out, err
}

// Snapshot returns the latest JPEG frame for a stream.
func (c *Client) Snapshot(ctx context.Context, id string) ([]byte, error) {
	resp, err := c.send(ctx, http.MethodGet, "/stream/snapshot/"+url.PathEscape(id), nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, decodeError(resp)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	resp, err := c.send(ctx, method, path, query, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if out != nil && resp.StatusCode == http.StatusServiceUnavailable {
			_ = json.Unmarshal(raw, out)
		}
		return errorFromBody(resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	if c == nil {
		return nil, ErrUnavailable
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	endpoint := c.base.ResolveReference(&url.URL{Path: path, RawQuery: query.Encode()})
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.http.Do(req)
}

func decodeError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return errorFromBody(resp.StatusCode, raw)
}

func errorFromBody(status int, raw []byte) error {
	apiErr := &Error{Status: status}
	var payload api.ErrorResponse
	if json.Unmarshal(raw, &payload) == nil && payload.Error != "" {
		apiErr.Message = payload.Error
		apiErr.Kind = payload.Kind
	} else {
		apiErr.Message = strings.TrimSpace(string(raw))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
	}
	return apiErr
}

// IsUnavailable reports whether err means the daemon could not be reached.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Err != nil {
		err = urlErr.Err
	}
	var opErr *net.OpError
	return errors.Is(err, ErrUnavailable) || errors.As(err, &opErr)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Status
	}
	return 0
}
