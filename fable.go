// Package fable is the task-tracking core of a content-generation client:
// it creates generation tasks, follows their progress over a streaming
// connection with reconnection and heartbeat detection, drives the task
// lifecycle state machine, and survives process restarts from persisted
// snapshots.
package fable

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"fable/internal/config"
	"fable/internal/errors"
	"fable/internal/logging"
	"fable/internal/observability"
	"fable/internal/statuspoll"
	"fable/internal/stream"
	"fable/internal/task"
	"fable/internal/tracker"
)

// Re-exported types so callers work with the facade alone.
type (
	Task         = task.Task
	TaskStatus   = task.Status
	TaskType     = task.Type
	Progress     = task.Progress
	Transition   = task.Transition
	Notification = tracker.Notification
	Observer     = tracker.Observer
	Classified   = errors.Classified
	PollState    = statuspoll.State
)

const (
	StatusPending   = task.StatusPending
	StatusRunning   = task.StatusRunning
	StatusPaused    = task.StatusPaused
	StatusCompleted = task.StatusCompleted
	StatusFailed    = task.StatusFailed
	StatusCancelled = task.StatusCancelled

	TypeStory     = task.TypeStory
	TypeVideo     = task.TypeVideo
	TypeNarration = task.TypeNarration
	TypeImage     = task.TypeImage
)

// Options customize Service construction. The zero value loads the config
// from disk and uses the production websocket transport.
type Options struct {
	// Config overrides config loading.
	Config *config.Config
	// Dialer overrides the stream transport, e.g. in tests.
	Dialer stream.Dialer
	// Store overrides snapshot persistence. Nil uses a file store under the
	// configured storage directory.
	Store task.SnapshotStore
	// AuthHeader is attached to the stream handshake and status polls.
	AuthHeader http.Header
	// OnSessionInvalid runs when the backend rejects our credentials (401).
	// Called from a background goroutine.
	OnSessionInvalid func()
	// Logger overrides the component logger.
	Logger logging.Logger
}

// Service wires the pieces together and is the only type most callers need.
// One Service per user session.
type Service struct {
	cfg        *config.Config
	logger     logging.Logger
	metrics    *observability.Metrics
	classifier *errors.Classifier
	machine    *task.Machine
	tracker    *tracker.Tracker
}

// New builds a Service, restoring any persisted tasks. Tasks found running
// in the snapshots are reclassified as failed; their connections did not
// survive the restart.
func New(opts Options) (*Service, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.Load()
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logging.IsNil(logger) {
		applyLogLevel(cfg.LogLevel)
		logger = logging.NewComponentLogger("fable")
	}

	metrics := observability.NewMetrics()

	classifierOpts := []errors.Option{errors.WithLogger(logger)}
	if opts.OnSessionInvalid != nil {
		classifierOpts = append(classifierOpts, errors.WithSessionInvalidSignal(opts.OnSessionInvalid))
	}
	classifier := errors.NewClassifier(classifierOpts...)

	store := opts.Store
	if store == nil {
		fileStore, err := task.NewFileStore(cfg.StorageDir, logger)
		if err != nil {
			return nil, fmt.Errorf("open task store: %w", err)
		}
		store = fileStore
	}
	machine := task.NewMachine(store, logger)
	if err := machine.Restore(); err != nil {
		return nil, fmt.Errorf("restore tasks: %w", err)
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = &stream.WebSocketDialer{BaseURL: cfg.APIBaseURL, Header: opts.AuthHeader}
	}

	poller := statuspoll.NewClient(cfg.APIBaseURL,
		statuspoll.WithLogger(logger),
		statuspoll.WithHeader(opts.AuthHeader),
	)

	factory := func(taskID string, handler stream.Handler) (tracker.StreamClient, error) {
		return stream.NewClient(stream.Config{
			TaskID:            taskID,
			Dialer:            dialer,
			Backoff:           cfg.Backoff(),
			HeartbeatTimeout:  cfg.HeartbeatTimeout,
			HeartbeatInterval: cfg.HeartbeatInterval,
			Logger:            logger,
			Metrics:           metrics,
		}, handler)
	}

	tr, err := tracker.New(tracker.Config{
		Machine:     machine,
		Factory:     factory,
		Poller:      poller,
		Classifier:  classifier,
		TaskTimeout: cfg.TaskTimeout,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		classifier: classifier,
		machine:    machine,
		tracker:    tr,
	}, nil
}

// CreateTask registers a new pending task.
func (s *Service) CreateTask(taskType TaskType, taskConfig map[string]any) *Task {
	return s.machine.Create(taskType, taskConfig)
}

// Track opens the task's stream and begins applying its events. An existing
// subscription for the task is replaced.
func (s *Service) Track(ctx context.Context, taskID string) error {
	return s.tracker.StartTracking(ctx, taskID)
}

// StopTracking closes the task's stream without changing task state.
// Idempotent.
func (s *Service) StopTracking(taskID string) {
	s.tracker.StopTracking(taskID)
}

// Cancel stops tracking and cancels the task. Cancelling an already-terminal
// task is a no-op.
func (s *Service) Cancel(taskID string) error {
	return s.tracker.Cancel(taskID)
}

// Pause suspends a running task. The stream stays open; progress arriving
// while paused is ignored by the state machine.
func (s *Service) Pause(taskID string) error {
	return s.machine.Pause(taskID)
}

// Resume returns a paused task to running.
func (s *Service) Resume(taskID string) error {
	return s.machine.Resume(taskID)
}

// Retry resets a failed task to pending and, when ctx is non-nil, starts
// tracking it again immediately.
func (s *Service) Retry(ctx context.Context, taskID string) error {
	if err := s.machine.Retry(taskID); err != nil {
		return err
	}
	if ctx == nil {
		return nil
	}
	return s.tracker.StartTracking(ctx, taskID)
}

// Remove deletes a terminal task and its event history.
func (s *Service) Remove(taskID string) error {
	if err := s.machine.Remove(taskID); err != nil {
		return err
	}
	s.tracker.Forget(taskID)
	return nil
}

// CleanupBefore removes every terminal task that reached its final state
// before the cutoff, returning how many were removed.
func (s *Service) CleanupBefore(cutoff time.Time) int {
	return s.machine.RemoveTerminalBefore(cutoff)
}

// GetTask returns a snapshot of the task.
func (s *Service) GetTask(taskID string) (*Task, error) {
	return s.machine.Get(taskID)
}

// ListTasks returns snapshots filtered by status, newest first. No statuses
// means all tasks.
func (s *Service) ListTasks(statuses ...TaskStatus) []*Task {
	return s.machine.ListByStatus(statuses...)
}

// Resync polls the backend for the task's authoritative state and reconciles
// the local snapshot. Meant for tasks with no live stream.
func (s *Service) Resync(ctx context.Context, taskID string) (PollState, error) {
	return s.tracker.Resync(ctx, taskID)
}

// Subscribe registers an observer for every tracked task's events. The
// returned function removes it.
func (s *Service) Subscribe(obs Observer) (unsubscribe func()) {
	return s.tracker.Subscribe(obs)
}

// SubscribeDebounced is Subscribe with progress bursts coalesced to the
// latest update; terminal events still arrive immediately and in order.
func (s *Service) SubscribeDebounced(wait, maxWait time.Duration, obs Observer) (unsubscribe func()) {
	wrapped, stop := tracker.DebounceProgress(wait, maxWait, obs)
	remove := s.tracker.Subscribe(wrapped)
	return func() {
		remove()
		stop()
	}
}

// ClassifyError maps any error into its user-facing classification: kind,
// friendly message, suggestion, retryable verdict. A classified 401 also
// schedules the session-invalid callback.
func (s *Service) ClassifyError(err error) *Classified {
	return s.classifier.Classify(err)
}

// History returns the task's recent stream events, oldest first.
func (s *Service) History(taskID string) []stream.Event {
	return s.tracker.History(taskID)
}

// MetricsRegistry exposes the service's prometheus registry for scraping.
func (s *Service) MetricsRegistry() *prometheus.Registry {
	return s.metrics.Registry()
}

// Close stops every live subscription. Task snapshots stay on disk.
func (s *Service) Close() {
	s.tracker.StopAll()
}

func applyLogLevel(level string) {
	switch level {
	case "debug":
		logging.SetLevel(logging.LevelDebug)
	case "warn":
		logging.SetLevel(logging.LevelWarn)
	case "error":
		logging.SetLevel(logging.LevelError)
	default:
		logging.SetLevel(logging.LevelInfo)
	}
}
