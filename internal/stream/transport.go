package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one live framed connection to the event stream of a task.
type Transport interface {
	// ReadFrame blocks until the next raw frame arrives or the connection
	// fails. A closed connection returns an error.
	ReadFrame() ([]byte, error)
	// Close tears the connection down. Safe to call from another goroutine
	// to unblock a pending ReadFrame.
	Close() error
}

// Dialer opens a Transport for a task's stream endpoint.
type Dialer interface {
	Dial(ctx context.Context, taskID string) (Transport, error)
}

// WebSocketDialer dials the backend's per-task websocket stream endpoint.
type WebSocketDialer struct {
	// BaseURL is the backend root, e.g. "wss://api.example.com"; http(s)
	// schemes are rewritten to ws(s).
	BaseURL string
	// Header carries auth headers for the handshake.
	Header http.Header
	// HandshakeTimeout bounds the dial. Zero means 15s.
	HandshakeTimeout time.Duration
}

// Dial connects to BaseURL/api/v1/tasks/{id}/stream.
func (d *WebSocketDialer) Dial(ctx context.Context, taskID string) (Transport, error) {
	endpoint, err := d.endpoint(taskID)
	if err != nil {
		return nil, err
	}

	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	dialer := websocket.Dialer{HandshakeTimeout: timeout}

	conn, resp, err := dialer.DialContext(ctx, endpoint, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: HTTP %d: %w", endpoint, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return &wsTransport{conn: conn}, nil
}

func (d *WebSocketDialer) endpoint(taskID string) (string, error) {
	base := strings.TrimRight(d.BaseURL, "/")
	if base == "" {
		return "", fmt.Errorf("stream base URL is empty")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid stream base URL %q: %w", d.BaseURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported stream URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/api/v1/tasks/" + url.PathEscape(taskID) + "/stream"
	return u.String(), nil
}

type wsTransport struct {
	conn *websocket.Conn
}

func (t *wsTransport) ReadFrame() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (t *wsTransport) Close() error {
	// Best-effort close frame so well-behaved servers see a clean shutdown.
	_ = t.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return t.conn.Close()
}
