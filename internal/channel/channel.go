// Package channel provides bidirectional transports between two execution
// contexts. Every implementation shares one contract: a one-way
// CONNECTED -> DISCONNECTED state machine, idempotent listening, and inbound
// messages surfaced only after a sender check and a type check.
package channel

import (
	"context"
	"errors"

	"tabdriver/internal/message"
)

var (
	// ErrNotConnected is returned by PostMessage once the channel (or its
	// peer) has disconnected.
	ErrNotConnected = errors.New("channel not connected")
	// ErrDisconnected is returned when restarting a disconnected channel and
	// is used to fail requests in flight when a channel goes away.
	ErrDisconnected = errors.New("channel disconnected")
	// ErrSenderMismatch marks an inbound message from an unexpected sender.
	ErrSenderMismatch = errors.New("unexpected sender")
)

// ReplyFunc posts a response on the channel the request arrived on.
type ReplyFunc func(ctx context.Context, resp message.Message) error

// Envelope is one inbound message with its sender and a way to answer it.
type Envelope struct {
	Msg    message.Message
	Sender string
	Reply  ReplyFunc
}

// Channel is a transport between two contexts.
type Channel interface {
	ID() string
	// StartListening begins surfacing inbound messages. Calling it again is a
	// no-op; calling it on a disconnected channel returns ErrDisconnected.
	StartListening() error
	// StopListening stops surfacing inbound messages. Idempotent.
	StopListening()
	PostMessage(ctx context.Context, msg message.Message) error
	// Disconnect moves the channel to DISCONNECTED. It cannot reconnect.
	Disconnect(reason string)
	Connected() bool
	OnMessage(fn func(Envelope)) (off func())
	OnDisconnect(fn func(reason string)) (off func())
}

// State of a channel.
type State uint8

const (
	StateConnected State = iota
	StateDisconnected
)

func (s State) String() string {
	if s == StateConnected {
		return "CONNECTED"
	}
	return "DISCONNECTED"
}
