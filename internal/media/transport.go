package media

import (
	"context"
	"time"
)

// State is a session-state transition reported by the media provider.
type State string

const (
	StateRegistered State = "registered"
	StateRinging    State = "ringing"
	StateActive     State = "active"
	StateHangup     State = "hangup"
	StateFailed     State = "failed"
)

// Event is one session-state transition.
type Event struct {
	SessionID string    `json:"sessionId"`
	State     State     `json:"state"`
	Cause     string    `json:"cause,omitempty"`
	At        time.Time `json:"at"`
}

// Transport is the operator's real-time audio provider.
type Transport interface {
	EnsureRegistered(ctx context.Context) error
	StartCall(ctx context.Context, to, from string) (string, error)
	Hangup(ctx context.Context, sessionID string) error
	SetAutoAnswer(ctx context.Context, enabled bool) error
	Events() <-chan Event
}
