package dispatcher

import (
	"errors"
	"fmt"

	"tabdriver/internal/message"
	"tabdriver/internal/rtid"
)

var (
	ErrTimeout    = errors.New("request timed out")
	ErrClosed     = errors.New("dispatcher closed")
	ErrNoRoute    = errors.New("no channel for target")
	ErrNoHandler  = errors.New("no handler claims message")
	ErrNotRequest = errors.New("message kind expects no response")
)

// CallError is returned by every correlated send. It carries enough context
// to diagnose a failure without the original message.
type CallError struct {
	Kind   message.Kind
	Action string
	RTID   rtid.RTID
	// Query is the selector summary for query messages.
	Query string
	Err   error
}

func (e *CallError) Error() string {
	if e.Query != "" {
		return fmt.Sprintf("%s %s@%s [%s]: %v", e.Kind, e.Action, e.RTID, e.Query, e.Err)
	}
	return fmt.Sprintf("%s %s@%s: %v", e.Kind, e.Action, e.RTID, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// RemoteError is a response with status ERROR.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return "remote: " + e.Message }
