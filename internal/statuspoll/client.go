// Package statuspoll fetches a task's authoritative status over plain
// request/response. It is the resynchronization path for tasks with no live
// stream: after a restart or an exhausted reconnect budget the tracker polls
// here instead of trusting a stale snapshot.
package statuspoll

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fable/internal/errors"
	"fable/internal/logging"
)

// State is the backend's view of a task.
type State string

const (
	StatePending State = "PENDING"
	StateStarted State = "STARTED"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
	StateRetry   State = "RETRY"
)

// Terminal reports whether the backend will never advance this state again.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure
}

// Status is one polled snapshot. Result is set on SUCCESS, the error fields
// on FAILURE.
type Status struct {
	State        State
	Result       json.RawMessage
	ErrorCode    string
	ErrorMessage string
}

// Failure returns the backend-reported failure as an error, or nil when the
// snapshot is not a failure.
func (s *Status) Failure() error {
	if s.State != StateFailure {
		return nil
	}
	code := s.ErrorCode
	if code == "" {
		code = "TASK_FAILED"
	}
	return errors.NewBusinessError(code, s.ErrorMessage)
}

const defaultRequestTimeout = 15 * time.Second

// Client polls the task status endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	header     http.Header
	logger     logging.Logger
}

type Option func(*Client)

// WithHTTPClient swaps the underlying HTTP client, e.g. for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithHeader attaches headers (typically auth) to every poll request.
func WithHeader(header http.Header) Option {
	return func(c *Client) { c.header = header }
}

func WithLogger(logger logging.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// NewClient creates a poll client against the given API base URL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: defaultRequestTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	if logging.IsNil(c.logger) {
		c.logger = logging.NewComponentLogger("statuspoll")
	}
	return c
}

// wire shapes
type statusResponse struct {
	State  string          `json:"state"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *errorBody      `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Status fetches the current backend state of a task. Non-2xx responses come
// back as *errors.StatusError so the classifier can map them.
func (c *Client) Status(ctx context.Context, taskID string) (*Status, error) {
	url := fmt.Sprintf("%s/api/v1/tasks/%s/status", c.baseURL, taskID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	for key, values := range c.header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("poll task %s: %w", taskID, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read status response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := errors.NewStatusError(resp.StatusCode, resp.Status, string(body))
		var eb errorBody
		if json.Unmarshal(body, &eb) == nil {
			statusErr.BusinessCode = eb.Code
		}
		return nil, statusErr
	}

	var parsed statusResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse status response: %w", err)
	}

	state := State(strings.ToUpper(parsed.State))
	switch state {
	case StatePending, StateStarted, StateSuccess, StateFailure, StateRetry:
	default:
		return nil, fmt.Errorf("unknown task state %q", parsed.State)
	}

	status := &Status{State: state, Result: parsed.Result}
	if parsed.Error != nil {
		status.ErrorCode = parsed.Error.Code
		status.ErrorMessage = parsed.Error.Message
	}
	c.logger.Debug("task %s: polled state %s", taskID, status.State)
	return status, nil
}
