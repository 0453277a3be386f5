package errors

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"fable/internal/async"
	"fable/internal/logging"
)

// kindMessage is the per-kind fallback when no business code matches.
type kindMessage struct {
	friendly   string
	suggestion string
}

var kindMessages = map[Kind]kindMessage{
	KindNetwork:    {"Network issue — check your connection.", "Verify your internet connection and try again."},
	KindTimeout:    {"The request timed out.", "The service may be busy. Try again shortly."},
	KindValidation: {"The request was rejected as invalid.", "Review the job parameters and try again."},
	KindPermission: {"You are not allowed to perform this action.", "Sign in again or check your account permissions."},
	KindServer:     {"The server hit an internal error.", "This is usually temporary — retry in a moment."},
	KindBusiness:   {"The request could not be processed.", "Adjust the request and try again."},
	KindUnknown:    {"Something went wrong.", "Try again. Contact support if the problem persists."},
}

// codeMessage is one row of the fixed business-code lookup table.
type codeMessage struct {
	friendly   string
	suggestion string
	retryable  bool
}

var codeMessages = map[string]codeMessage{
	"QUOTA_EXCEEDED":   {"Generation quota exceeded.", "Try again tomorrow or upgrade your plan.", false},
	"TEXT_TOO_LONG":    {"The source text is too long for this job.", "Shorten the text and try again.", false},
	"CONTENT_BLOCKED":  {"The content was blocked by moderation.", "Revise the content and resubmit.", false},
	"TASK_NOT_FOUND":   {"The task no longer exists on the server.", "Create a new task.", false},
	"MODEL_OVERLOADED": {"The generation model is overloaded.", "The request will be retried automatically.", true},
}

// Classifier turns raw failures into Classified records. The optional
// onSessionInvalid callback is scheduled (never run inline) when a 401
// permission failure is seen; the classifier itself never touches auth state.
type Classifier struct {
	logger           logging.Logger
	onSessionInvalid func()
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithSessionInvalidSignal registers the callback scheduled on 401 failures.
func WithSessionInvalidSignal(fn func()) Option {
	return func(c *Classifier) { c.onSessionInvalid = fn }
}

// WithLogger overrides the component logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Classifier) { c.logger = logger }
}

// NewClassifier creates a Classifier.
func NewClassifier(opts ...Option) *Classifier {
	c := &Classifier{logger: logging.NewComponentLogger("classifier")}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify maps a raw failure into a Classified record. It never panics; any
// unrecognized shape degrades to kind unknown, non-retryable, with the
// generic message.
func (c *Classifier) Classify(err error) *Classified {
	if err == nil {
		return nil
	}

	// Already classified: pass through untouched so synthesized errors
	// (interrupted, connection lost) keep their verdicts.
	var classified *Classified
	if errors.As(err, &classified) {
		return classified
	}

	// Application-raised business error with an explicit code.
	var bizErr *BusinessError
	if errors.As(err, &bizErr) {
		return c.fromBusinessCode(bizErr.Code, err.Error(), 0, err)
	}

	// Response-bearing failure: map the numeric status.
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return c.fromStatus(statusErr, err)
	}

	// No response, request attempted: connection-level failure.
	if kind, ok := transportKind(err); ok {
		return c.generic(kind, err)
	}

	c.logger.Debug("unrecognized error shape, degrading to unknown: %v", err)
	return c.generic(KindUnknown, err)
}

func (c *Classifier) fromStatus(statusErr *StatusError, cause error) *Classified {
	status := statusErr.StatusCode

	var kind Kind
	retryable := false
	switch {
	case status >= 500 && status != 504:
		kind, retryable = KindServer, true
	case status == 401 || status == 403:
		kind = KindPermission
	case status == 400 || status == 422:
		kind = KindValidation
	case status == 408 || status == 504:
		kind, retryable = KindTimeout, true
	case status == 429:
		kind, retryable = KindBusiness, true
	default:
		kind = KindBusiness
	}

	if kind == KindPermission && status == 401 {
		c.scheduleSessionInvalid()
	}

	if kind == KindBusiness && statusErr.BusinessCode != "" {
		out := c.fromBusinessCode(statusErr.BusinessCode, cause.Error(), status, cause)
		// A known code keeps its table verdict even on 429: QUOTA_EXCEEDED
		// stays non-retryable no matter how the backend throttles it.
		if _, known := codeMessages[statusErr.BusinessCode]; !known {
			out.Retryable = out.Retryable || status == 429
		}
		return out
	}

	msg := kindMessages[kind]
	return &Classified{
		Kind:       kind,
		StatusCode: status,
		Raw:        cause.Error(),
		Friendly:   msg.friendly,
		Suggestion: msg.suggestion,
		Retryable:  retryable,
		cause:      cause,
	}
}

func (c *Classifier) fromBusinessCode(code, raw string, status int, cause error) *Classified {
	out := &Classified{
		Kind:       KindBusiness,
		Code:       code,
		StatusCode: status,
		Raw:        raw,
		cause:      cause,
	}
	if row, ok := codeMessages[code]; ok {
		out.Friendly = row.friendly
		out.Suggestion = row.suggestion
		out.Retryable = row.retryable
		return out
	}
	msg := kindMessages[KindBusiness]
	out.Friendly = msg.friendly
	out.Suggestion = msg.suggestion
	return out
}

func (c *Classifier) generic(kind Kind, cause error) *Classified {
	msg := kindMessages[kind]
	return &Classified{
		Kind:       kind,
		Raw:        cause.Error(),
		Friendly:   msg.friendly,
		Suggestion: msg.suggestion,
		Retryable:  kind == KindNetwork || kind == KindTimeout || kind == KindServer,
		cause:      cause,
	}
}

func (c *Classifier) scheduleSessionInvalid() {
	if c.onSessionInvalid == nil {
		return
	}
	fn := c.onSessionInvalid
	async.Go(c.logger, "session-invalidate", fn)
}

// transportKind detects connection-level failures where no response arrived.
func transportKind(err error) (Kind, bool) {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout, true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout, true
		}
		return KindNetwork, true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindNetwork, true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindNetwork, true
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.EPIPE,
			syscall.ETIMEDOUT, syscall.ENETUNREACH, syscall.EHOSTUNREACH:
			return KindNetwork, true
		}
	}

	lower := strings.ToLower(err.Error())
	if strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded") {
		return KindTimeout, true
	}
	for _, pattern := range []string{"connection refused", "connection reset", "broken pipe", "no such host", "network is unreachable"} {
		if strings.Contains(lower, pattern) {
			return KindNetwork, true
		}
	}

	return KindUnknown, false
}

// Interrupted is the fixed error applied to tasks found running after a
// process restart. Retry remains available since re-running is the only
// recovery path.
func Interrupted() *Classified {
	return &Classified{
		Kind:       KindUnknown,
		Code:       "INTERRUPTED",
		Friendly:   "The task was interrupted by an application restart.",
		Suggestion: "Retry the task to run it again.",
		Retryable:  true,
	}
}

// ConnectionLost is the fixed error applied when the streaming client's
// reconnect budget is exhausted.
func ConnectionLost() *Classified {
	return &Classified{
		Kind:       KindNetwork,
		Code:       "CONNECTION_LOST",
		Friendly:   "Connection to the task stream was lost.",
		Suggestion: "Check your connection, then retry the task.",
		Retryable:  true,
	}
}
