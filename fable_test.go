package fable_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fable"
	"fable/internal/config"
	"fable/internal/errors"
	"fable/internal/logging"
	"fable/internal/stream"
)

// scriptTransport feeds canned frames, then blocks until closed.
type scriptTransport struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newScriptTransport(frames ...string) *scriptTransport {
	t := &scriptTransport{frames: make(chan []byte, 32), closed: make(chan struct{})}
	for _, f := range frames {
		t.frames <- []byte(f)
	}
	return t
}

func (t *scriptTransport) ReadFrame() ([]byte, error) {
	select {
	case data := <-t.frames:
		return data, nil
	default:
	}
	select {
	case data := <-t.frames:
		return data, nil
	case <-t.closed:
		return nil, stderrors.New("transport closed")
	}
}

func (t *scriptTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// scriptDialer returns scripted transports in order, then refuses.
type scriptDialer struct {
	mu    sync.Mutex
	queue []stream.Transport
}

func (d *scriptDialer) Dial(context.Context, string) (stream.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.queue) == 0 {
		return nil, stderrors.New("dial refused")
	}
	t := d.queue[0]
	d.queue = d.queue[1:]
	return t, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.StorageDir = t.TempDir()
	cfg.ReconnectMaxAttempts = 0
	cfg.ReconnectBaseDelay = time.Millisecond
	cfg.ReconnectMaxDelay = time.Millisecond
	return cfg
}

func newService(t *testing.T, cfg *config.Config, dialer stream.Dialer) *fable.Service {
	t.Helper()
	svc, err := fable.New(fable.Options{
		Config: cfg,
		Dialer: dialer,
		Logger: logging.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)
	return svc
}

func waitForStatus(t *testing.T, svc *fable.Service, taskID string, want fable.TaskStatus) *fable.Task {
	t.Helper()
	var got *fable.Task
	require.Eventually(t, func() bool {
		snapshot, err := svc.GetTask(taskID)
		if err != nil {
			return false
		}
		got = snapshot
		return snapshot.Status == want
	}, 2*time.Second, 5*time.Millisecond, "task %s never reached %s", taskID, want)
	return got
}

func TestStoryGenerationLifecycle(t *testing.T) {
	dialer := &scriptDialer{queue: []stream.Transport{newScriptTransport(
		`{"type":"connected","task_id":"ignored"}`,
		`{"type":"progress","payload":{"stage":"outline","percent":10,"message":"outlining"}}`,
		`{"type":"token","payload":{"content":"Once upon a time"}}`,
		`{"type":"progress","payload":{"stage":"draft","percent":45,"message":"drafting"}}`,
		`{"type":"progress","payload":{"stage":"polish","percent":80,"message":"polishing"}}`,
		`{"type":"done","payload":{"result":{"title":"A Quiet Harbor"}}}`,
	)}}
	svc := newService(t, testConfig(t), dialer)

	created := svc.CreateTask(fable.TypeStory, map[string]any{"prompt": "a quiet harbor"})
	assert.Equal(t, fable.StatusPending, created.Status)

	require.NoError(t, svc.Track(context.Background(), created.ID))
	got := waitForStatus(t, svc, created.ID, fable.StatusCompleted)

	assert.Equal(t, 100, got.Progress.Percent)
	assert.JSONEq(t, `{"title":"A Quiet Harbor"}`, string(got.Result))
	assert.Nil(t, got.Error)

	history := svc.History(created.ID)
	assert.NotEmpty(t, history)
}

func TestCancelDiscardsLateProgress(t *testing.T) {
	transport := newScriptTransport(
		`{"type":"connected"}`,
		`{"type":"progress","payload":{"stage":"draft","percent":25,"message":""}}`,
	)
	dialer := &scriptDialer{queue: []stream.Transport{transport}}
	svc := newService(t, testConfig(t), dialer)

	created := svc.CreateTask(fable.TypeVideo, nil)
	require.NoError(t, svc.Track(context.Background(), created.ID))
	require.Eventually(t, func() bool {
		got, err := svc.GetTask(created.ID)
		return err == nil && got.Progress.Percent == 25
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, svc.Cancel(created.ID))

	got, err := svc.GetTask(created.ID)
	require.NoError(t, err)
	assert.Equal(t, fable.StatusCancelled, got.Status)
	assert.Equal(t, 25, got.Progress.Percent)

	// Cancelling again is a no-op.
	require.NoError(t, svc.Cancel(created.ID))
}

func TestConnectionLostThenRetry(t *testing.T) {
	// Zero reconnect budget: the first dial failure exhausts it and the task
	// fails with a retryable connection-lost error.
	svc := newService(t, testConfig(t), &scriptDialer{})

	created := svc.CreateTask(fable.TypeStory, nil)
	require.NoError(t, svc.Track(context.Background(), created.ID))

	got := waitForStatus(t, svc, created.ID, fable.StatusFailed)
	require.NotNil(t, got.Error)
	assert.Equal(t, "CONNECTION_LOST", got.Error.Code)
	assert.True(t, got.Error.Retryable)

	require.NoError(t, svc.Retry(nil, created.ID)) // nil ctx: reset without re-tracking
	got, err := svc.GetTask(created.ID)
	require.NoError(t, err)
	assert.Equal(t, fable.StatusPending, got.Status)
	assert.Nil(t, got.Error)
	assert.Equal(t, 0, got.Progress.Percent)
}

func TestRestartReclassifiesRunningTasks(t *testing.T) {
	cfg := testConfig(t)
	transport := newScriptTransport(`{"type":"connected"}`)
	first := newService(t, cfg, &scriptDialer{queue: []stream.Transport{transport}})

	created := first.CreateTask(fable.TypeNarration, nil)
	require.NoError(t, first.Track(context.Background(), created.ID))
	waitForStatus(t, first, created.ID, fable.StatusRunning)
	first.Close()

	// A new service over the same storage plays the part of the restarted
	// process. The task cannot still be running: its connection died with us.
	second := newService(t, cfg, &scriptDialer{})
	got, err := second.GetTask(created.ID)
	require.NoError(t, err)
	assert.Equal(t, fable.StatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "INTERRUPTED", got.Error.Code)
	assert.True(t, got.Error.Retryable)
}

func TestPauseResume(t *testing.T) {
	transport := newScriptTransport(`{"type":"connected"}`)
	svc := newService(t, testConfig(t), &scriptDialer{queue: []stream.Transport{transport}})

	created := svc.CreateTask(fable.TypeImage, nil)
	require.NoError(t, svc.Track(context.Background(), created.ID))
	waitForStatus(t, svc, created.ID, fable.StatusRunning)

	require.NoError(t, svc.Pause(created.ID))
	got, err := svc.GetTask(created.ID)
	require.NoError(t, err)
	assert.Equal(t, fable.StatusPaused, got.Status)

	require.NoError(t, svc.Resume(created.ID))
	got, err = svc.GetTask(created.ID)
	require.NoError(t, err)
	assert.Equal(t, fable.StatusRunning, got.Status)
}

func TestRemoveAndCleanup(t *testing.T) {
	svc := newService(t, testConfig(t), &scriptDialer{})

	created := svc.CreateTask(fable.TypeStory, nil)
	assert.Error(t, svc.Remove(created.ID)) // not terminal yet

	require.NoError(t, svc.Cancel(created.ID))
	require.NoError(t, svc.Remove(created.ID))
	_, err := svc.GetTask(created.ID)
	assert.Error(t, err)

	other := svc.CreateTask(fable.TypeStory, nil)
	require.NoError(t, svc.Cancel(other.ID))
	assert.Equal(t, 1, svc.CleanupBefore(time.Now().Add(time.Hour)))
	assert.Empty(t, svc.ListTasks())
}

func TestSessionInvalidSignal(t *testing.T) {
	signal := make(chan struct{}, 1)
	svc, err := fable.New(fable.Options{
		Config: testConfig(t),
		Dialer: &scriptDialer{},
		Logger: logging.Nop(),
		OnSessionInvalid: func() {
			signal <- struct{}{}
		},
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	classified := svc.ClassifyError(errors.NewStatusError(401, "401 Unauthorized", ""))
	assert.Equal(t, errors.KindPermission, classified.Kind)
	assert.False(t, classified.Retryable)

	select {
	case <-signal:
	case <-time.After(2 * time.Second):
		t.Fatal("session invalidation callback never ran")
	}
}

func TestSubscribeDebouncedDeliversLatestProgress(t *testing.T) {
	transport := newScriptTransport(
		`{"type":"connected"}`,
		`{"type":"progress","payload":{"stage":"draft","percent":10,"message":""}}`,
		`{"type":"progress","payload":{"stage":"draft","percent":20,"message":""}}`,
		`{"type":"progress","payload":{"stage":"draft","percent":30,"message":""}}`,
	)
	dialer := &scriptDialer{queue: []stream.Transport{transport}}
	svc := newService(t, testConfig(t), dialer)

	var mu sync.Mutex
	var percents []int
	unsubscribe := svc.SubscribeDebounced(30*time.Millisecond, time.Second, func(n fable.Notification) {
		if p, ok := n.Event.(stream.ProgressEvent); ok {
			mu.Lock()
			percents = append(percents, p.Percent)
			mu.Unlock()
		}
	})
	defer unsubscribe()

	created := svc.CreateTask(fable.TypeStory, nil)
	require.NoError(t, svc.Track(context.Background(), created.ID))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(percents) > 0 && percents[len(percents)-1] == 30
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Less(t, len(percents), 3, "bursts should coalesce")
	mu.Unlock()
}
