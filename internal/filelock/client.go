package filelock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/autobuildhq/autobuild/internal/errors"
)

// defaultClientTimeout bounds every lock service call. The service is
// local, so anything slower than this means it is wedged.
const defaultClientTimeout = 10 * time.Second

// Client talks to a lock service over HTTP and implements Coordinator.
// Any transport or protocol failure surfaces as a CoordinatorError, which
// callers treat as a session-fatal infrastructure fault. A denied grant is
// a normal response, never an error.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client, e.g. to shorten
// timeouts in tests.
func WithHTTPClient(httpc *http.Client) ClientOption {
	return func(c *Client) {
		if httpc != nil {
			c.httpc = httpc
		}
	}
}

// NewClient creates a client for the lock service at baseURL
// (e.g. "http://127.0.0.1:7420").
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: defaultClientTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Acquire implements Coordinator.
func (c *Client) Acquire(ctx context.Context, workerID string, paths []string) (bool, error) {
	var resp acquireResponse
	req := acquireRequest{WorkerID: workerID, Paths: paths}
	if err := c.post(ctx, "/v1/acquire", "acquire", req, &resp); err != nil {
		return false, err
	}
	return resp.Granted, nil
}

// Release implements Coordinator.
func (c *Client) Release(ctx context.Context, workerID string) (int, error) {
	var resp releaseResponse
	req := releaseRequest{WorkerID: workerID}
	if err := c.post(ctx, "/v1/release", "release", req, &resp); err != nil {
		return 0, err
	}
	return resp.Released, nil
}

// Renew implements Coordinator.
func (c *Client) Renew(ctx context.Context, workerID string) (int, error) {
	var resp renewResponse
	req := releaseRequest{WorkerID: workerID}
	if err := c.post(ctx, "/v1/renew", "renew", req, &resp); err != nil {
		return 0, err
	}
	return resp.Renewed, nil
}

// Locks fetches the live lease table, for status surfaces.
func (c *Client) Locks(ctx context.Context) ([]Lease, error) {
	url := c.baseURL + "/v1/locks"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.NewCoordinatorError("build locks request", err).
			WithEndpoint(url).WithOp("locks")
	}
	httpResp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, errors.NewCoordinatorError("lock service unreachable",
			fmt.Errorf("%w: %v", errors.ErrCoordinatorUnavailable, err)).
			WithEndpoint(url).WithOp("locks")
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return nil, c.statusError(httpResp, url, "locks")
	}
	var resp locksResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, errors.NewCoordinatorError("decode locks response",
			errors.ErrCoordinatorProtocol).WithEndpoint(url).WithOp("locks")
	}
	return resp.Locks, nil
}

// Health checks that the lock service is reachable and answering.
func (c *Client) Health(ctx context.Context) error {
	url := c.baseURL + "/health"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.NewCoordinatorError("build health request", err).
			WithEndpoint(url).WithOp("health")
	}
	httpResp, err := c.httpc.Do(httpReq)
	if err != nil {
		return errors.NewCoordinatorError("lock service unreachable",
			fmt.Errorf("%w: %v", errors.ErrCoordinatorUnavailable, err)).
			WithEndpoint(url).WithOp("health")
	}
	defer httpResp.Body.Close()
	_, _ = io.Copy(io.Discard, httpResp.Body)
	if httpResp.StatusCode != http.StatusOK {
		return errors.NewCoordinatorError(
			fmt.Sprintf("health check returned %d", httpResp.StatusCode),
			errors.ErrCoordinatorProtocol).WithEndpoint(url).WithOp("health")
	}
	return nil
}

// post sends a JSON request and decodes a JSON response, translating every
// failure mode into a CoordinatorError.
func (c *Client) post(ctx context.Context, path, op string, in, out any) error {
	url := c.baseURL + path
	body, err := json.Marshal(in)
	if err != nil {
		return errors.NewCoordinatorError("encode request", err).
			WithEndpoint(url).WithOp(op)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return errors.NewCoordinatorError("build request", err).
			WithEndpoint(url).WithOp(op)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpc.Do(httpReq)
	if err != nil {
		return errors.NewCoordinatorError("lock service unreachable",
			fmt.Errorf("%w: %v", errors.ErrCoordinatorUnavailable, err)).
			WithEndpoint(url).WithOp(op)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return c.statusError(httpResp, url, op)
	}
	if err := json.NewDecoder(httpResp.Body).Decode(out); err != nil {
		return errors.NewCoordinatorError("decode response",
			errors.ErrCoordinatorProtocol).WithEndpoint(url).WithOp(op)
	}
	return nil
}

// statusError builds a CoordinatorError from a non-200 response, folding
// in the service's error message when it sent one.
func (c *Client) statusError(resp *http.Response, url, op string) error {
	msg := fmt.Sprintf("lock service returned %d", resp.StatusCode)
	var body struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body); err == nil && body.Error != "" {
		msg = fmt.Sprintf("%s: %s", msg, body.Error)
	}
	return errors.NewCoordinatorError(msg, errors.ErrCoordinatorProtocol).
		WithEndpoint(url).WithOp(op)
}

var _ Coordinator = (*Client)(nil)
