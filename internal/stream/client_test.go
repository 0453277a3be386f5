package stream_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fable/internal/errors"
	"fable/internal/logging"
	"fable/internal/stream"
)

// fakeTransport feeds scripted frames and fails its pending read on Close.
type fakeTransport struct {
	frames chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeTransport(frames ...string) *fakeTransport {
	t := &fakeTransport{
		frames: make(chan []byte, 32),
		closed: make(chan struct{}),
	}
	for _, f := range frames {
		t.frames <- []byte(f)
	}
	return t
}

func (t *fakeTransport) push(frame string) {
	t.frames <- []byte(frame)
}

func (t *fakeTransport) ReadFrame() ([]byte, error) {
	// Drain buffered frames before reacting to a close.
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

func (t *fakeTransport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// fakeDialer hands out a scripted sequence of transports; once the script is
// spent every dial fails.
type fakeDialer struct {
	mu    sync.Mutex
	queue []stream.Transport
	calls int
}

func (d *fakeDialer) Dial(_ context.Context, _ string) (stream.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if len(d.queue) == 0 {
		return nil, stderrors.New("dial refused")
	}
	t := d.queue[0]
	d.queue = d.queue[1:]
	return t, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type recorder struct {
	events chan stream.Event
}

func newRecorder() *recorder {
	return &recorder{events: make(chan stream.Event, 64)}
}

func (r *recorder) handle(ev stream.Event) {
	r.events <- ev
}

func (r *recorder) next(t *testing.T) stream.Event {
	t.Helper()
	select {
	case ev := <-r.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

// collected returns everything emitted so far without blocking.
func (r *recorder) collected() []stream.Event {
	var out []stream.Event
	for {
		select {
		case ev := <-r.events:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func newTestClient(t *testing.T, dialer stream.Dialer, attempts int, handler stream.Handler) *stream.Client {
	t.Helper()
	client, err := stream.NewClient(stream.Config{
		TaskID:  "task-1",
		Dialer:  dialer,
		Backoff: errors.ZeroBackoffSchedule(attempts),
		Logger:  logging.Nop(),
	}, handler)
	require.NoError(t, err)
	return client
}

func waitDone(t *testing.T, client *stream.Client) {
	t.Helper()
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client did not stop in time")
	}
}

func TestClientRequiresTaskAndDialer(t *testing.T) {
	_, err := stream.NewClient(stream.Config{Dialer: &fakeDialer{}}, nil)
	assert.Error(t, err)

	_, err = stream.NewClient(stream.Config{TaskID: "task-1"}, nil)
	assert.Error(t, err)
}

func TestClientDeliversEventsInOrder(t *testing.T) {
	transport := newFakeTransport(
		`{"type":"connected","task_id":"task-1"}`,
		`{"type":"token","payload":{"content":"Once"}}`,
		`{"type":"heartbeat"}`,
		`{"type":"progress","payload":{"stage":"draft","percent":40,"message":"drafting"}}`,
		`{"type":"done","payload":{"result":{"title":"ok"}}}`,
	)
	dialer := &fakeDialer{queue: []stream.Transport{transport}}
	rec := newRecorder()
	client := newTestClient(t, dialer, 3, rec.handle)

	require.NoError(t, client.Start(context.Background()))
	waitDone(t, client)

	assert.Equal(t, stream.ConnectedEvent{TaskID: "task-1"}, rec.next(t))
	assert.Equal(t, stream.TokenEvent{Content: "Once"}, rec.next(t))
	progress, ok := rec.next(t).(stream.ProgressEvent)
	require.True(t, ok)
	assert.Equal(t, 40, progress.Percent)
	done, ok := rec.next(t).(stream.DoneEvent)
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"ok"}`, string(done.Result))
	assert.Equal(t, stream.ClosedEvent{}, rec.next(t))

	assert.Equal(t, stream.StateClosed, client.State())
	assert.Equal(t, 1, dialer.dialCount())
}

func TestClientErrorFrameTerminates(t *testing.T) {
	transport := newFakeTransport(
		`{"type":"error","payload":{"code":"QUOTA_EXCEEDED","message":"quota exhausted"}}`,
	)
	dialer := &fakeDialer{queue: []stream.Transport{transport}}
	rec := newRecorder()
	client := newTestClient(t, dialer, 3, rec.handle)

	require.NoError(t, client.Start(context.Background()))
	waitDone(t, client)

	assert.Equal(t, stream.ErrorEvent{Code: "QUOTA_EXCEEDED", Message: "quota exhausted"}, rec.next(t))
	assert.Equal(t, stream.ClosedEvent{}, rec.next(t))
	// A terminal server event must not trigger reconnection.
	assert.Equal(t, 1, dialer.dialCount())
}

func TestClientMalformedFramesDropped(t *testing.T) {
	transport := newFakeTransport(
		`not json at all`,
		`{"type":"mystery","payload":{}}`,
		`{"type":"progress","payload":{"stage":"draft","percent":400,"message":""}}`,
		`{"type":"done"}`,
	)
	dialer := &fakeDialer{queue: []stream.Transport{transport}}
	rec := newRecorder()
	client := newTestClient(t, dialer, 3, rec.handle)

	require.NoError(t, client.Start(context.Background()))
	waitDone(t, client)

	assert.Equal(t, stream.EventDone, rec.next(t).Type())
	assert.Equal(t, stream.EventClosed, rec.next(t).Type())
	assert.Empty(t, rec.collected())
}

func TestClientReconnectsAfterTransportFailure(t *testing.T) {
	first := newFakeTransport(`{"type":"token","payload":{"content":"partial"}}`)
	second := newFakeTransport(
		`{"type":"token","payload":{"content":"resumed"}}`,
		`{"type":"done"}`,
	)
	dialer := &fakeDialer{queue: []stream.Transport{first, second}}
	rec := newRecorder()
	client := newTestClient(t, dialer, 5, rec.handle)

	require.NoError(t, client.Start(context.Background()))

	assert.Equal(t, stream.TokenEvent{Content: "partial"}, rec.next(t))
	first.Close() // simulate the server dropping the connection

	assert.Equal(t, stream.TokenEvent{Content: "resumed"}, rec.next(t))
	assert.Equal(t, stream.EventDone, rec.next(t).Type())
	assert.Equal(t, stream.EventClosed, rec.next(t).Type())
	waitDone(t, client)
	assert.Equal(t, 2, dialer.dialCount())
}

func TestClientReconnectBudgetExhausted(t *testing.T) {
	dialer := &fakeDialer{} // every dial fails
	rec := newRecorder()
	client := newTestClient(t, dialer, 3, rec.handle)

	require.NoError(t, client.Start(context.Background()))
	waitDone(t, client)

	assert.Equal(t, stream.ReconnectExhaustedEvent{Attempts: 3}, rec.next(t))
	assert.Equal(t, stream.StateError, client.State())
	// Exactly one terminal signal: no Closed after exhaustion.
	assert.Empty(t, rec.collected())
	assert.Equal(t, 4, dialer.dialCount())
}

func TestClientBudgetResetsAfterSuccessfulConnect(t *testing.T) {
	// Each outage gets a fresh budget: two separate single-failure outages
	// must both recover under a budget of one.
	first := newFakeTransport(`{"type":"token","payload":{"content":"a"}}`)
	second := newFakeTransport(`{"type":"token","payload":{"content":"b"}}`)
	third := newFakeTransport(`{"type":"done"}`)
	dialer := &fakeDialer{queue: []stream.Transport{first, second, third}}
	rec := newRecorder()
	client := newTestClient(t, dialer, 1, rec.handle)

	require.NoError(t, client.Start(context.Background()))

	assert.Equal(t, stream.TokenEvent{Content: "a"}, rec.next(t))
	first.Close()
	assert.Equal(t, stream.TokenEvent{Content: "b"}, rec.next(t))
	second.Close()
	assert.Equal(t, stream.EventDone, rec.next(t).Type())
	assert.Equal(t, stream.EventClosed, rec.next(t).Type())
	waitDone(t, client)
}

func TestClientHeartbeatTimeout(t *testing.T) {
	stalled := newFakeTransport() // connects but never sends a frame
	dialer := &fakeDialer{queue: []stream.Transport{stalled}}
	rec := newRecorder()

	client, err := stream.NewClient(stream.Config{
		TaskID:            "task-1",
		Dialer:            dialer,
		Backoff:           errors.ZeroBackoffSchedule(1),
		HeartbeatTimeout:  30 * time.Millisecond,
		HeartbeatInterval: 5 * time.Millisecond,
		Logger:            logging.Nop(),
	}, rec.handle)
	require.NoError(t, err)

	require.NoError(t, client.Start(context.Background()))

	timeout, ok := rec.next(t).(stream.HeartbeatTimeoutEvent)
	require.True(t, ok, "expected heartbeat timeout event")
	assert.GreaterOrEqual(t, timeout.Elapsed, 30*time.Millisecond)

	// The sole reconnect attempt also fails, so the budget runs out.
	waitDone(t, client)
	assert.Equal(t, stream.ReconnectExhaustedEvent{Attempts: 1}, rec.next(t))
	assert.Equal(t, stream.StateError, client.State())
}

func TestClientCloseEmitsClosedOnce(t *testing.T) {
	transport := newFakeTransport() // blocks until closed
	dialer := &fakeDialer{queue: []stream.Transport{transport}}
	rec := newRecorder()
	client := newTestClient(t, dialer, 3, rec.handle)

	require.NoError(t, client.Start(context.Background()))
	time.Sleep(20 * time.Millisecond) // let the read loop attach

	client.Close()
	client.Close()
	waitDone(t, client)

	assert.Equal(t, stream.EventClosed, rec.next(t).Type())
	assert.Empty(t, rec.collected())
	assert.Equal(t, stream.StateClosed, client.State())
}

func TestClientCloseBeforeStart(t *testing.T) {
	rec := newRecorder()
	client := newTestClient(t, &fakeDialer{}, 3, rec.handle)

	client.Close()

	assert.Equal(t, stream.EventClosed, rec.next(t).Type())
	assert.Equal(t, stream.StateClosed, client.State())
	assert.Error(t, client.Start(context.Background()))
}

func TestClientContextCancelStopsReconnecting(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := newRecorder()
	client, err := stream.NewClient(stream.Config{
		TaskID:  "task-1",
		Dialer:  &fakeDialer{},
		Backoff: errors.DefaultBackoffSchedule(),
		Logger:  logging.Nop(),
	}, rec.handle)
	require.NoError(t, err)

	require.NoError(t, client.Start(ctx))
	waitDone(t, client)

	assert.Equal(t, stream.EventClosed, rec.next(t).Type())
	assert.Equal(t, stream.StateClosed, client.State())
}
