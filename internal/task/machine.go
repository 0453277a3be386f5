package task

import (
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"fable/internal/errors"
	"fable/internal/logging"
)

// Guard errors returned for rejected operations.
var (
	ErrNotFound          = stderrors.New("task not found")
	ErrInvalidTransition = stderrors.New("invalid task transition")
	ErrNotTerminal       = stderrors.New("task is not terminal")
)

const maxTransitions = 50

// SnapshotStore persists task snapshots. Save is called on every mutation so
// a restart can recover the collection.
type SnapshotStore interface {
	Save(task *Task) error
	Delete(taskID string) error
	LoadAll() ([]*Task, error)
}

// Machine is the authoritative collection of tasks and the only component
// allowed to mutate them. All mutations are serialized through one mutex and
// applied synchronously, so a transition is fully visible before the next
// event is handled.
type Machine struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	store  SnapshotStore
	logger logging.Logger
}

// NewMachine creates a Machine backed by the given snapshot store. A nil
// store disables persistence (used by tests).
func NewMachine(store SnapshotStore, logger logging.Logger) *Machine {
	return &Machine{
		tasks:  make(map[string]*Task),
		store:  store,
		logger: logging.OrNop(logger),
	}
}

// Restore loads persisted snapshots. Tasks found running are reclassified to
// failed with the fixed interrupted error: no live connection can have
// survived the restart, and stale progress must never be presented as live.
func (m *Machine) Restore() error {
	if m.store == nil {
		return nil
	}
	snapshots, err := m.store.LoadAll()
	if err != nil {
		return fmt.Errorf("load task snapshots: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range snapshots {
		if t.Status == StatusRunning {
			m.logger.Warn("task %s found running after restart, marking failed", t.ID)
			m.recordTransitionLocked(t, StatusFailed, "interrupted by restart")
			t.Error = errors.Interrupted()
			now := time.Now()
			t.CompletedAt = &now
			m.persistLocked(t)
		}
		m.tasks[t.ID] = t
	}
	return nil
}

// Create allocates a new task in pending. The id is generated when empty.
func (m *Machine) Create(taskType Type, config map[string]any) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	t := &Task{
		ID:        fmt.Sprintf("task-%s", uuid.New().String()),
		Type:      taskType,
		Status:    StatusPending,
		Config:    config,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.tasks[t.ID] = t
	m.persistLocked(t)
	return t.Clone()
}

// Adopt registers a server-assigned task id in pending, used when the backend
// allocates ids. It is rejected when the id already exists.
func (m *Machine) Adopt(taskID string, taskType Type, config map[string]any) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.tasks[taskID]; exists {
		return nil, fmt.Errorf("task %s already exists", taskID)
	}
	now := time.Now()
	t := &Task{
		ID:        taskID,
		Type:      taskType,
		Status:    StatusPending,
		Config:    config,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.tasks[t.ID] = t
	m.persistLocked(t)
	return t.Clone(), nil
}

// Start moves a pending task to running and stamps the start time.
func (m *Machine) Start(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.getLocked(taskID)
	if err != nil {
		return err
	}
	if t.Status != StatusPending {
		return m.rejectLocked(t, "start")
	}
	m.recordTransitionLocked(t, StatusRunning, "")
	now := time.Now()
	t.StartedAt = &now
	m.persistLocked(t)
	return nil
}

// ApplyProgress updates the progress snapshot of a running task. Out-of-order
// or late events for non-running tasks are logged and ignored, never an
// error. The percent never decreases while running.
func (m *Machine) ApplyProgress(taskID, stage string, percent int, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.getLocked(taskID)
	if err != nil {
		m.logger.Debug("progress for unknown task %s dropped", taskID)
		return
	}
	if t.Status != StatusRunning {
		m.logger.Debug("progress for task %s ignored in status %s", taskID, t.Status)
		return
	}

	if percent < t.Progress.Percent {
		m.logger.Debug("task %s progress regressed (%d < %d), keeping last percent",
			taskID, percent, t.Progress.Percent)
		percent = t.Progress.Percent
	}
	if percent > 100 {
		percent = 100
	}
	t.Progress = Progress{Stage: stage, Percent: percent, Message: message}
	t.UpdatedAt = time.Now()
	m.persistLocked(t)
}

// Complete moves a running task to completed and stores the result. The
// progress percent is forced to 100: done means the pipeline finished.
func (m *Machine) Complete(taskID string, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.getLocked(taskID)
	if err != nil {
		return err
	}
	if t.Status != StatusRunning {
		return m.rejectLocked(t, "complete")
	}
	m.recordTransitionLocked(t, StatusCompleted, "")
	t.Result = append([]byte(nil), result...)
	t.Progress.Percent = 100
	now := time.Now()
	t.CompletedAt = &now
	m.persistLocked(t)
	return nil
}

// Fail moves a non-terminal task to failed with its classified error.
// Failures can arrive before the stream ever connects or while the task is
// paused, so only terminal states reject it.
func (m *Machine) Fail(taskID string, cerr *errors.Classified) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.getLocked(taskID)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return m.rejectLocked(t, "fail")
	}
	if cerr == nil {
		cerr = errors.NewClassifier(errors.WithLogger(m.logger)).Classify(stderrors.New("task failed"))
	}
	m.recordTransitionLocked(t, StatusFailed, cerr.Friendly)
	t.Error = cerr
	now := time.Now()
	t.CompletedAt = &now
	m.persistLocked(t)
	return nil
}

// Pause suspends a running task.
func (m *Machine) Pause(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.getLocked(taskID)
	if err != nil {
		return err
	}
	if t.Status != StatusRunning {
		return m.rejectLocked(t, "pause")
	}
	m.recordTransitionLocked(t, StatusPaused, "")
	now := time.Now()
	t.PausedAt = &now
	m.persistLocked(t)
	return nil
}

// Resume returns a paused task to running.
func (m *Machine) Resume(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.getLocked(taskID)
	if err != nil {
		return err
	}
	if t.Status != StatusPaused {
		return m.rejectLocked(t, "resume")
	}
	m.recordTransitionLocked(t, StatusRunning, "")
	t.PausedAt = nil
	m.persistLocked(t)
	return nil
}

// Cancel moves any non-terminal task to cancelled. Cancelling a task that is
// already terminal is a no-op, not an error.
func (m *Machine) Cancel(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.getLocked(taskID)
	if err != nil {
		return err
	}
	if t.Status.IsTerminal() {
		return nil
	}
	m.recordTransitionLocked(t, StatusCancelled, "")
	now := time.Now()
	t.CompletedAt = &now
	m.persistLocked(t)
	return nil
}

// Retry returns a failed task to pending, clearing the prior error, result
// and progress while preserving the config. The caller starts it again.
func (m *Machine) Retry(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.getLocked(taskID)
	if err != nil {
		return err
	}
	if t.Status != StatusFailed {
		return m.rejectLocked(t, "retry")
	}
	m.recordTransitionLocked(t, StatusPending, "retry")
	t.Error = nil
	t.Result = nil
	t.Progress = Progress{}
	t.StartedAt = nil
	t.CompletedAt = nil
	t.PausedAt = nil
	m.persistLocked(t)
	return nil
}

// Remove deletes a terminal task. Non-terminal tasks must be cancelled first.
func (m *Machine) Remove(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.getLocked(taskID)
	if err != nil {
		return err
	}
	if !t.Status.IsTerminal() {
		return fmt.Errorf("remove task %s in status %s: %w", taskID, t.Status, ErrNotTerminal)
	}
	delete(m.tasks, taskID)
	if m.store != nil {
		if err := m.store.Delete(taskID); err != nil {
			m.logger.Warn("failed to delete snapshot for task %s: %v", taskID, err)
		}
	}
	return nil
}

// RemoveTerminalBefore bulk-deletes terminal tasks whose terminal timestamp
// is older than the cutoff. It returns the number of removed tasks.
func (m *Machine) RemoveTerminalBefore(cutoff time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, t := range m.tasks {
		if !t.Status.IsTerminal() {
			continue
		}
		if t.CompletedAt != nil && t.CompletedAt.After(cutoff) {
			continue
		}
		delete(m.tasks, id)
		if m.store != nil {
			if err := m.store.Delete(id); err != nil {
				m.logger.Warn("failed to delete snapshot for task %s: %v", id, err)
			}
		}
		removed++
	}
	return removed
}

// Get returns a copy of the task.
func (m *Machine) Get(taskID string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.getLocked(taskID)
	if err != nil {
		return nil, err
	}
	return t.Clone(), nil
}

// ListByStatus returns copies of tasks matching any of the given statuses,
// newest first. With no statuses it returns every task.
func (m *Machine) ListByStatus(statuses ...Status) []*Task {
	m.mu.Lock()
	defer m.mu.Unlock()

	match := func(s Status) bool {
		if len(statuses) == 0 {
			return true
		}
		for _, want := range statuses {
			if s == want {
				return true
			}
		}
		return false
	}

	out := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		if match(t.Status) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *Machine) getLocked(taskID string) (*Task, error) {
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", taskID, ErrNotFound)
	}
	return t, nil
}

func (m *Machine) rejectLocked(t *Task, op string) error {
	return fmt.Errorf("cannot %s task %s in status %s: %w", op, t.ID, t.Status, ErrInvalidTransition)
}

func (m *Machine) recordTransitionLocked(t *Task, to Status, reason string) {
	t.Transitions = append(t.Transitions, Transition{
		From:   t.Status,
		To:     to,
		Reason: reason,
		At:     time.Now(),
	})
	if len(t.Transitions) > maxTransitions {
		t.Transitions = t.Transitions[len(t.Transitions)-maxTransitions:]
	}
	t.Status = to
	t.UpdatedAt = time.Now()
}

func (m *Machine) persistLocked(t *Task) {
	if m.store == nil {
		return
	}
	if err := m.store.Save(t); err != nil {
		m.logger.Error("failed to persist task %s: %v", t.ID, err)
	}
}
