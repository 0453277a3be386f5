// Package stream maintains one live, ordered event feed per task over a
// framed transport, with reconnection and heartbeat-timeout detection.
package stream

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType tags the variants emitted by a Client.
type EventType string

const (
	EventConnected          EventType = "connected"
	EventToken              EventType = "token"
	EventProgress           EventType = "progress"
	EventDone               EventType = "done"
	EventError              EventType = "error"
	EventClosed             EventType = "closed"
	EventHeartbeatTimeout   EventType = "heartbeat_timeout"
	EventReconnectExhausted EventType = "reconnect_exhausted"
)

// Event is one typed occurrence on a connection. Events are delivered in
// receipt order; the client never reorders or coalesces them.
type Event interface {
	Type() EventType
}

// ConnectedEvent acknowledges the server accepted the subscription.
type ConnectedEvent struct {
	TaskID string
}

func (ConnectedEvent) Type() EventType { return EventConnected }

// TokenEvent carries incremental partial content.
type TokenEvent struct {
	Content string
}

func (TokenEvent) Type() EventType { return EventToken }

// ProgressEvent carries a pipeline progress update.
type ProgressEvent struct {
	Stage   string
	Percent int
	Message string
}

func (ProgressEvent) Type() EventType { return EventProgress }

// DoneEvent carries the final payload of a finished task.
type DoneEvent struct {
	Result json.RawMessage
}

func (DoneEvent) Type() EventType { return EventDone }

// ErrorEvent carries a terminal failure reported by the server.
type ErrorEvent struct {
	Code    string
	Message string
}

func (ErrorEvent) Type() EventType { return EventError }

// ClosedEvent signals the connection is closed and no further events follow.
type ClosedEvent struct{}

func (ClosedEvent) Type() EventType { return EventClosed }

// HeartbeatTimeoutEvent signals a silently-stalled connection was detected
// and force-closed; the client enters its reconnect path afterwards.
type HeartbeatTimeoutEvent struct {
	Elapsed time.Duration
}

func (HeartbeatTimeoutEvent) Type() EventType { return EventHeartbeatTimeout }

// ReconnectExhaustedEvent signals the reconnect budget ran out; the
// connection is in the error state and will not retry further.
type ReconnectExhaustedEvent struct {
	Attempts int
}

func (ReconnectExhaustedEvent) Type() EventType { return EventReconnectExhausted }

// Handler receives events, invoked synchronously from the connection's event
// loop so receipt order is preserved.
type Handler func(Event)

// frame is the wire shape of one inbound message.
type frame struct {
	Type    string          `json:"type"`
	TaskID  string          `json:"task_id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type progressPayload struct {
	Stage   string `json:"stage"`
	Percent int    `json:"percent"`
	Message string `json:"message"`
}

type donePayload struct {
	Result json.RawMessage `json:"result"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type tokenPayload struct {
	Content string `json:"content"`
}

// decodeFrame parses a raw frame into its typed event. Unknown frame types
// and undecodable payloads are errors; the caller logs and drops them.
func decodeFrame(data []byte) (Event, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse frame: %w", err)
	}

	switch f.Type {
	case "connected":
		return ConnectedEvent{TaskID: f.TaskID}, nil
	case "token":
		var p tokenPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, fmt.Errorf("parse token payload: %w", err)
		}
		return TokenEvent{Content: p.Content}, nil
	case "progress":
		var p progressPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, fmt.Errorf("parse progress payload: %w", err)
		}
		if p.Percent < 0 || p.Percent > 100 {
			return nil, fmt.Errorf("progress percent %d out of range", p.Percent)
		}
		return ProgressEvent{Stage: p.Stage, Percent: p.Percent, Message: p.Message}, nil
	case "done":
		var p donePayload
		if len(f.Payload) > 0 {
			if err := json.Unmarshal(f.Payload, &p); err != nil {
				return nil, fmt.Errorf("parse done payload: %w", err)
			}
		}
		return DoneEvent{Result: p.Result}, nil
	case "error":
		var p errorPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return nil, fmt.Errorf("parse error payload: %w", err)
		}
		return ErrorEvent{Code: p.Code, Message: p.Message}, nil
	case "heartbeat":
		// Dedicated keep-alive frames carry no payload; any frame refreshes
		// the heartbeat deadline, so there is nothing to forward.
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown frame type %q", f.Type)
	}
}
