package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fable/internal/async"
	"fable/internal/errors"
	"fable/internal/logging"
	"fable/internal/observability"
)

// State is the connection lifecycle state of a Client.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateClosed     State = "closed"
	StateError      State = "error"
)

const (
	defaultHeartbeatTimeout  = 45 * time.Second
	defaultHeartbeatInterval = 10 * time.Second
)

// Config assembles a Client. The backoff schedule is the reconnect budget;
// tests inject a zero-delay schedule and a fake dialer.
type Config struct {
	TaskID            string
	Dialer            Dialer
	Backoff           errors.BackoffSchedule
	HeartbeatTimeout  time.Duration // window without frames before force-close
	HeartbeatInterval time.Duration // how often the window is checked
	Logger            logging.Logger
	Metrics           *observability.Metrics
}

// Client owns one logical subscription to a task's event stream. It dials,
// reads frames, watches the heartbeat window, reconnects with backoff, and
// emits typed events to its handler in receipt order. It holds no shared
// application state; the transport and its timers are all it owns.
type Client struct {
	cfg     Config
	handler Handler
	logger  logging.Logger

	mu               sync.Mutex
	state            State
	transport        Transport
	lastFrame        time.Time
	attempts         int
	heartbeatExpired bool
	heartbeatElapsed time.Duration
	started          bool

	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
	closedOnce sync.Once
}

// read-loop exit reasons
type exitReason int

const (
	exitTerminalEvent exitReason = iota // server sent done/error
	exitStopped                         // user closed the client
	exitHeartbeat                       // heartbeat window elapsed
	exitTransport                       // unexpected transport failure
)

// NewClient validates the config and returns an idle client.
func NewClient(cfg Config, handler Handler) (*Client, error) {
	if cfg.TaskID == "" {
		return nil, fmt.Errorf("stream client: task id is required")
	}
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("stream client: dialer is required")
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = defaultHeartbeatTimeout
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	logger := cfg.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("stream")
	}
	return &Client{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		state:   StateIdle,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// TaskID returns the task this client is bound to.
func (c *Client) TaskID() string {
	return c.cfg.TaskID
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins connecting and runs the event loop in the background. It may
// be called once; the ctx bounds the whole lifetime of the subscription.
func (c *Client) Start(ctx context.Context) error {
	select {
	case <-c.stop:
		return fmt.Errorf("stream client for task %s already closed", c.cfg.TaskID)
	default:
	}
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("stream client for task %s already started", c.cfg.TaskID)
	}
	c.started = true
	c.state = StateConnecting
	c.mu.Unlock()

	async.Go(c.logger, "stream-"+c.cfg.TaskID, func() {
		c.run(ctx)
	})
	return nil
}

// Close tears the subscription down. Safe to call multiple times and from
// any goroutine; pending reads are unblocked.
func (c *Client) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	c.mu.Lock()
	t := c.transport
	started := c.started
	c.mu.Unlock()
	if t != nil {
		_ = t.Close()
	}
	if !started {
		// Never ran: settle the state here instead of in the loop.
		c.finishClosed()
	}
}

// Done is closed when the event loop has fully stopped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	for {
		transport, err := c.cfg.Dialer.Dial(ctx, c.cfg.TaskID)
		if err != nil {
			if c.stopped(ctx) {
				c.finishClosed()
				return
			}
			c.logger.Warn("task %s: connect failed: %v", c.cfg.TaskID, err)
			if !c.waitReconnect(ctx) {
				return
			}
			continue
		}

		c.mu.Lock()
		select {
		case <-c.stop:
			c.mu.Unlock()
			_ = transport.Close()
			c.finishClosed()
			return
		default:
		}
		c.transport = transport
		c.state = StateConnected
		c.lastFrame = time.Now()
		c.attempts = 0 // the budget covers one outage, not the whole lifetime
		c.heartbeatExpired = false
		c.mu.Unlock()

		reason := c.readLoop(transport)

		c.mu.Lock()
		c.transport = nil
		c.mu.Unlock()
		_ = transport.Close()

		switch reason {
		case exitTerminalEvent, exitStopped:
			c.finishClosed()
			return
		case exitHeartbeat, exitTransport:
			if c.stopped(ctx) {
				c.finishClosed()
				return
			}
			if !c.waitReconnect(ctx) {
				return
			}
		}
	}
}

// readLoop consumes frames until the connection ends, running the heartbeat
// monitor alongside. Events are emitted from this goroutine only, which is
// what preserves receipt order.
func (c *Client) readLoop(transport Transport) exitReason {
	monitorStop := make(chan struct{})
	defer close(monitorStop)
	async.Go(c.logger, "heartbeat-"+c.cfg.TaskID, func() {
		c.monitorHeartbeat(transport, monitorStop)
	})

	for {
		data, err := transport.ReadFrame()
		if err != nil {
			select {
			case <-c.stop:
				return exitStopped
			default:
			}

			c.mu.Lock()
			expired := c.heartbeatExpired
			elapsed := c.heartbeatElapsed
			c.mu.Unlock()
			if expired {
				c.cfg.Metrics.IncHeartbeatTimeouts()
				c.logger.Warn("task %s: no frames for %v, treating connection as dead", c.cfg.TaskID, elapsed)
				c.emit(HeartbeatTimeoutEvent{Elapsed: elapsed})
				return exitHeartbeat
			}

			c.logger.Warn("task %s: transport closed unexpectedly: %v", c.cfg.TaskID, err)
			return exitTransport
		}

		c.mu.Lock()
		c.lastFrame = time.Now()
		c.mu.Unlock()
		c.cfg.Metrics.IncFramesReceived()

		event, err := decodeFrame(data)
		if err != nil {
			// Malformed frames are dropped; they never advance task state.
			c.cfg.Metrics.IncMalformedFrames()
			c.logger.Warn("task %s: dropping malformed frame: %v", c.cfg.TaskID, err)
			continue
		}
		if event == nil {
			continue // bare keep-alive
		}

		c.emit(event)

		switch event.(type) {
		case DoneEvent, ErrorEvent:
			// Terminal task events end the subscription.
			return exitTerminalEvent
		}
	}
}

// monitorHeartbeat force-closes the transport when the elapsed time since
// the last frame exceeds the timeout window. Some transports stall silently
// without a close frame, so a read deadline alone is not enough.
func (c *Client) monitorHeartbeat(transport Transport, stop <-chan struct{}) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			elapsed := time.Since(c.lastFrame)
			if elapsed <= c.cfg.HeartbeatTimeout {
				c.mu.Unlock()
				continue
			}
			c.heartbeatExpired = true
			c.heartbeatElapsed = elapsed
			c.mu.Unlock()
			_ = transport.Close() // unblocks the pending ReadFrame
			return
		}
	}
}

// waitReconnect consumes one attempt from the budget and sleeps out the
// backoff delay. It returns false when the budget is exhausted or the client
// is shutting down, with the terminal state already settled.
func (c *Client) waitReconnect(ctx context.Context) bool {
	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	if attempt > c.cfg.Backoff.MaxAttempts {
		c.mu.Lock()
		c.state = StateError
		c.mu.Unlock()
		c.logger.Error("task %s: reconnect budget exhausted after %d attempts", c.cfg.TaskID, attempt-1)
		c.emit(ReconnectExhaustedEvent{Attempts: attempt - 1})
		return false
	}

	c.cfg.Metrics.IncReconnectAttempts()
	c.mu.Lock()
	c.state = StateConnecting
	c.mu.Unlock()

	delay := c.cfg.Backoff.DelayFor(attempt - 1)
	c.logger.Info("task %s: reconnecting (attempt %d/%d) in %v",
		c.cfg.TaskID, attempt, c.cfg.Backoff.MaxAttempts, delay)

	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-c.stop:
			c.finishClosed()
			return false
		case <-ctx.Done():
			c.finishClosed()
			return false
		}
	} else {
		select {
		case <-c.stop:
			c.finishClosed()
			return false
		case <-ctx.Done():
			c.finishClosed()
			return false
		default:
		}
	}
	return true
}

func (c *Client) stopped(ctx context.Context) bool {
	select {
	case <-c.stop:
		return true
	default:
	}
	if ctx != nil && ctx.Err() != nil {
		return true
	}
	return false
}

// finishClosed settles the closed state and emits Closed exactly once.
func (c *Client) finishClosed() {
	c.closedOnce.Do(func() {
		c.mu.Lock()
		if c.state != StateError {
			c.state = StateClosed
		}
		c.mu.Unlock()
		c.emit(ClosedEvent{})
	})
}

func (c *Client) emit(event Event) {
	if c.handler == nil {
		return
	}
	c.handler(event)
}
