// Package tracker orchestrates task progress: it owns the registry of live
// stream connections, translates stream events into state machine
// transitions, enforces the overall task timeout, and fans task snapshots
// out to observers.
package tracker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"fable/internal/errors"
	"fable/internal/logging"
	"fable/internal/observability"
	"fable/internal/statuspoll"
	"fable/internal/stream"
	"fable/internal/task"
)

const (
	defaultTaskTimeout  = 10 * time.Minute
	defaultHistoryLimit = 200
)

// StreamClient is the slice of stream.Client the tracker drives. Tests
// substitute a scripted implementation.
type StreamClient interface {
	Start(ctx context.Context) error
	Close()
	Done() <-chan struct{}
}

// ClientFactory builds a stream client for one task subscription. The
// handler must receive every event the connection produces.
type ClientFactory func(taskID string, handler stream.Handler) (StreamClient, error)

// Notification is one observer delivery: the event that occurred and the
// task snapshot taken after the event was applied.
type Notification struct {
	TaskID string
	Event  stream.Event
	Task   *task.Task
}

// Observer receives notifications synchronously, in event order.
type Observer func(Notification)

// Config assembles a Tracker.
type Config struct {
	Machine      *task.Machine
	Factory      ClientFactory
	Poller       *statuspoll.Client // optional resync path
	Classifier   *errors.Classifier
	TaskTimeout  time.Duration
	HistoryLimit int
	Logger       logging.Logger
	Metrics      *observability.Metrics
}

// Tracker is the orchestration layer between connections and the task state
// machine. The registry is per-Tracker state, constructed per session.
type Tracker struct {
	machine      *task.Machine
	factory      ClientFactory
	poller       *statuspoll.Client
	classifier   *errors.Classifier
	taskTimeout  time.Duration
	historyLimit int
	logger       logging.Logger
	metrics      *observability.Metrics

	mu           sync.Mutex
	conns        map[string]*connection
	history      map[string][]stream.Event
	observers    map[int]Observer
	nextObserver int
}

// connection is one tracked subscription. stopped flips exactly once, under
// the tracker mutex; events observed after that are discarded.
type connection struct {
	taskID  string
	client  StreamClient
	timeout *time.Timer
	stopped bool
	failed  bool // a terminal Fail was already applied for this connection
}

// New validates the config and returns an empty tracker.
func New(cfg Config) (*Tracker, error) {
	if cfg.Machine == nil {
		return nil, fmt.Errorf("tracker: task machine is required")
	}
	if cfg.Factory == nil {
		return nil, fmt.Errorf("tracker: client factory is required")
	}
	if cfg.Classifier == nil {
		cfg.Classifier = errors.NewClassifier()
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = defaultTaskTimeout
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if logging.IsNil(cfg.Logger) {
		cfg.Logger = logging.NewComponentLogger("tracker")
	}
	return &Tracker{
		machine:      cfg.Machine,
		factory:      cfg.Factory,
		poller:       cfg.Poller,
		classifier:   cfg.Classifier,
		taskTimeout:  cfg.TaskTimeout,
		historyLimit: cfg.HistoryLimit,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		conns:        make(map[string]*connection),
		history:      make(map[string][]stream.Event),
		observers:    make(map[int]Observer),
	}, nil
}

// StartTracking opens a stream subscription for the task and begins applying
// its events. An existing subscription for the same task is replaced. The
// overall task timeout runs from here until a terminal transition.
func (tr *Tracker) StartTracking(ctx context.Context, taskID string) error {
	snapshot, err := tr.machine.Get(taskID)
	if err != nil {
		return err
	}
	if snapshot.Status.IsTerminal() {
		return fmt.Errorf("track task %s in status %s: %w", taskID, snapshot.Status, task.ErrInvalidTransition)
	}

	// The start time is recorded now, not on the first frame: a task whose
	// stream never connects must still run against its timeout and fail when
	// the reconnect budget exhausts.
	if err := tr.machine.Start(taskID); err != nil && !stderrors.Is(err, task.ErrInvalidTransition) {
		return err
	}

	conn := &connection{taskID: taskID}
	client, err := tr.factory(taskID, func(ev stream.Event) {
		tr.handleEvent(conn, ev)
	})
	if err != nil {
		return fmt.Errorf("open stream for task %s: %w", taskID, err)
	}
	conn.client = client

	tr.mu.Lock()
	if prev, ok := tr.conns[taskID]; ok {
		tr.stopLocked(prev)
	}
	tr.conns[taskID] = conn
	conn.timeout = time.AfterFunc(tr.taskTimeout, func() {
		tr.onTaskTimeout(conn)
	})
	tr.mu.Unlock()

	if err := client.Start(ctx); err != nil {
		tr.mu.Lock()
		tr.stopLocked(conn)
		if tr.conns[taskID] == conn {
			delete(tr.conns, taskID)
		}
		tr.mu.Unlock()
		return err
	}
	tr.logger.Info("task %s: tracking started", taskID)
	return nil
}

// StopTracking closes the task's subscription. Idempotent; when it returns,
// no further events from that subscription reach the state machine.
func (tr *Tracker) StopTracking(taskID string) {
	tr.mu.Lock()
	conn, ok := tr.conns[taskID]
	if ok {
		tr.stopLocked(conn)
		delete(tr.conns, taskID)
	}
	tr.mu.Unlock()
	if ok {
		tr.logger.Info("task %s: tracking stopped", taskID)
	}
}

// StopAll closes every live subscription, e.g. on session shutdown.
func (tr *Tracker) StopAll() {
	tr.mu.Lock()
	for id, conn := range tr.conns {
		tr.stopLocked(conn)
		delete(tr.conns, id)
	}
	tr.mu.Unlock()
}

// Cancel stops tracking first, so late events cannot race the cancellation,
// then cancels the task.
func (tr *Tracker) Cancel(taskID string) error {
	tr.StopTracking(taskID)
	return tr.machine.Cancel(taskID)
}

// Tracking reports whether the task currently has a live subscription.
func (tr *Tracker) Tracking(taskID string) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	_, ok := tr.conns[taskID]
	return ok
}

// Subscribe registers an observer for all tracked tasks and returns its
// remover.
func (tr *Tracker) Subscribe(obs Observer) (unsubscribe func()) {
	tr.mu.Lock()
	id := tr.nextObserver
	tr.nextObserver++
	tr.observers[id] = obs
	tr.mu.Unlock()
	return func() {
		tr.mu.Lock()
		delete(tr.observers, id)
		tr.mu.Unlock()
	}
}

// History returns a copy of the task's recent events, oldest first, for
// observers that attach after the stream started.
func (tr *Tracker) History(taskID string) []stream.Event {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	events := tr.history[taskID]
	out := make([]stream.Event, len(events))
	copy(out, events)
	return out
}

// Forget drops the task's event history. Called when the task is removed.
func (tr *Tracker) Forget(taskID string) {
	tr.mu.Lock()
	delete(tr.history, taskID)
	tr.mu.Unlock()
}

// Resync pulls the authoritative status for a task with no live stream and
// reconciles the state machine with it. Used after restart recovery and
// after an exhausted reconnect budget.
func (tr *Tracker) Resync(ctx context.Context, taskID string) (statuspoll.State, error) {
	if tr.poller == nil {
		return "", fmt.Errorf("resync task %s: no status poller configured", taskID)
	}
	status, err := tr.poller.Status(ctx, taskID)
	if err != nil {
		return "", err
	}

	switch status.State {
	case statuspoll.StateSuccess:
		if err := tr.machine.Complete(taskID, status.Result); err != nil {
			tr.logger.Warn("task %s: resync complete rejected: %v", taskID, err)
		}
	case statuspoll.StateFailure:
		classified := tr.classifier.Classify(status.Failure())
		tr.metrics.IncTaskFailures()
		if err := tr.machine.Fail(taskID, classified); err != nil {
			tr.logger.Warn("task %s: resync fail rejected: %v", taskID, err)
		}
	default:
		// Still in flight server-side; the snapshot stays as it is.
	}
	return status.State, nil
}

// stopLocked marks the connection dead and closes its client. Caller holds
// the tracker mutex.
func (tr *Tracker) stopLocked(conn *connection) {
	if conn.stopped {
		return
	}
	conn.stopped = true
	if conn.timeout != nil {
		conn.timeout.Stop()
	}
	conn.client.Close()
}

// onTaskTimeout fires when a task exceeded its overall deadline without
// reaching a terminal state.
func (tr *Tracker) onTaskTimeout(conn *connection) {
	tr.mu.Lock()
	if conn.stopped {
		tr.mu.Unlock()
		return
	}
	tr.stopLocked(conn)
	if tr.conns[conn.taskID] == conn {
		delete(tr.conns, conn.taskID)
	}
	tr.mu.Unlock()

	tr.logger.Warn("task %s: exceeded overall timeout %v", conn.taskID, tr.taskTimeout)
	classified := tr.classifier.Classify(context.DeadlineExceeded)
	tr.metrics.IncTaskFailures()
	if err := tr.machine.Fail(conn.taskID, classified); err != nil {
		tr.logger.Warn("task %s: timeout fail rejected: %v", conn.taskID, err)
	}
	tr.notify(conn.taskID, nil)
}

// handleEvent is the translation boundary: one stream event in, at most one
// state machine mutation out. Events from stopped connections are discarded
// here, which is what makes StopTracking/Cancel race-free.
func (tr *Tracker) handleEvent(conn *connection, ev stream.Event) {
	tr.mu.Lock()
	if conn.stopped {
		tr.mu.Unlock()
		tr.metrics.IncEventsDiscarded()
		tr.logger.Debug("task %s: discarding %s event after stop", conn.taskID, ev.Type())
		return
	}
	tr.recordLocked(conn.taskID, ev)
	tr.mu.Unlock()

	taskID := conn.taskID
	switch e := ev.(type) {
	case stream.ConnectedEvent:
		// The task was already started when tracking began; the server
		// acknowledgment is informational.
		tr.logger.Debug("task %s: subscription accepted", taskID)

	case stream.TokenEvent:
		// Partial content is presentation data; it never touches task state.

	case stream.ProgressEvent:
		tr.machine.ApplyProgress(taskID, e.Stage, e.Percent, e.Message)

	case stream.DoneEvent:
		tr.settle(conn)
		if err := tr.machine.Complete(taskID, e.Result); err != nil {
			tr.logger.Warn("task %s: complete rejected: %v", taskID, err)
		}

	case stream.ErrorEvent:
		tr.settle(conn)
		tr.failOnce(conn, tr.classifier.Classify(errors.NewBusinessError(e.Code, e.Message)))

	case stream.HeartbeatTimeoutEvent:
		// The connection layer reconnects on its own; nothing to apply yet.
		tr.logger.Warn("task %s: heartbeat timeout after %v", taskID, e.Elapsed)

	case stream.ReconnectExhaustedEvent:
		tr.settle(conn)
		tr.failOnce(conn, errors.ConnectionLost())
		// No Closed follows exhaustion, so the registry entry is dropped
		// here: a terminal task must not report as tracked.
		tr.mu.Lock()
		tr.stopLocked(conn)
		if tr.conns[taskID] == conn {
			delete(tr.conns, taskID)
		}
		tr.mu.Unlock()

	case stream.ClosedEvent:
		tr.mu.Lock()
		if tr.conns[taskID] == conn {
			delete(tr.conns, taskID)
		}
		tr.mu.Unlock()
	}

	tr.notify(taskID, ev)
}

// settle clears the timeout timer once the subscription reached a terminal
// event, without tearing the connection down mid-delivery.
func (tr *Tracker) settle(conn *connection) {
	tr.mu.Lock()
	if conn.timeout != nil {
		conn.timeout.Stop()
	}
	tr.mu.Unlock()
}

// failOnce applies a terminal Fail at most once per connection.
func (tr *Tracker) failOnce(conn *connection, classified *errors.Classified) {
	tr.mu.Lock()
	if conn.failed {
		tr.mu.Unlock()
		return
	}
	conn.failed = true
	tr.mu.Unlock()

	tr.metrics.IncTaskFailures()
	if err := tr.machine.Fail(conn.taskID, classified); err != nil {
		tr.logger.Warn("task %s: fail rejected: %v", conn.taskID, err)
	}
}

func (tr *Tracker) recordLocked(taskID string, ev stream.Event) {
	events := append(tr.history[taskID], ev)
	if len(events) > tr.historyLimit {
		events = events[len(events)-tr.historyLimit:]
	}
	tr.history[taskID] = events
}

func (tr *Tracker) notify(taskID string, ev stream.Event) {
	snapshot, err := tr.machine.Get(taskID)
	if err != nil {
		return
	}
	tr.mu.Lock()
	observers := make([]Observer, 0, len(tr.observers))
	for _, obs := range tr.observers {
		observers = append(observers, obs)
	}
	tr.mu.Unlock()

	n := Notification{TaskID: taskID, Event: ev, Task: snapshot}
	for _, obs := range observers {
		obs(n)
	}
}
