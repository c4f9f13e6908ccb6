// Package message defines the wire envelope exchanged over channels.
package message

import (
	"encoding/json"
	"errors"
	"fmt"

	"tabdriver/internal/rtid"
	"tabdriver/internal/selector"
)

// Kind is the message type.
type Kind string

const (
	KindCommand  Kind = "command"
	KindQuery    Kind = "query"
	KindEvent    Kind = "event"
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindRecord   Kind = "record"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindCommand, KindQuery, KindEvent, KindRequest, KindResponse, KindRecord:
		return true
	}
	return false
}

// Correlated reports whether messages of kind k expect exactly one response.
func (k Kind) Correlated() bool {
	return k == KindCommand || k == KindQuery || k == KindRequest
}

// Status of a response.
type Status string

const (
	StatusOK    Status = "OK"
	StatusError Status = "ERROR"
)

var (
	ErrInvalid       = errors.New("invalid message")
	ErrUnknownKind   = fmt.Errorf("%w: unknown type", ErrInvalid)
	ErrMissingAction = fmt.Errorf("%w: missing action name", ErrInvalid)
	ErrMissingID     = fmt.Errorf("%w: missing callback id", ErrInvalid)
	ErrBadStatus     = fmt.Errorf("%w: bad status", ErrInvalid)
)

// Action names the operation and carries its parameters.
type Action struct {
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ObjectRef addresses an object a query matched.
type ObjectRef struct {
	Type selector.ObjectType `json:"type"`
	RTID rtid.RTID           `json:"rtid"`
}

// Message is the envelope
// {type, rtid, action:{name, params}, callbackId?, status?, error?, objects?, result?}.
type Message struct {
	Type       Kind            `json:"type"`
	RTID       rtid.RTID       `json:"rtid"`
	Action     Action          `json:"action"`
	CallbackID string          `json:"callbackId,omitempty"`
	Status     Status          `json:"status,omitempty"`
	Error      string          `json:"error,omitempty"`
	Objects    []ObjectRef     `json:"objects,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

// New builds a message, encoding params as the action parameters.
func New(kind Kind, target rtid.RTID, name string, params any) (Message, error) {
	m := Message{Type: kind, RTID: target, Action: Action{Name: name}}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s params: %w", name, err)
		}
		m.Action.Params = raw
	}
	return m, nil
}

// Validate type-checks a message before it is surfaced to handlers.
func (m Message) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w %q", ErrUnknownKind, m.Type)
	}
	if m.Type == KindResponse {
		if m.CallbackID == "" {
			return ErrMissingID
		}
		if m.Status != StatusOK && m.Status != StatusError {
			return fmt.Errorf("%w %q", ErrBadStatus, m.Status)
		}
		return nil
	}
	if m.Action.Name == "" {
		return ErrMissingAction
	}
	return nil
}

// Correlated reports whether m expects exactly one response.
func (m Message) Correlated() bool { return m.Type.Correlated() }

// NewResponse builds the OK response to req, encoding result when non-nil.
func NewResponse(req Message, result any) (Message, error) {
	resp := Message{
		Type:       KindResponse,
		RTID:       req.RTID,
		Action:     Action{Name: req.Action.Name},
		CallbackID: req.CallbackID,
		Status:     StatusOK,
	}
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s result: %w", req.Action.Name, err)
		}
		resp.Result = raw
	}
	return resp, nil
}

// NewErrorResponse builds the ERROR response to req.
func NewErrorResponse(req Message, err error) Message {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return Message{
		Type:       KindResponse,
		RTID:       req.RTID,
		Action:     Action{Name: req.Action.Name},
		CallbackID: req.CallbackID,
		Status:     StatusError,
		Error:      msg,
	}
}

// DecodeParams unmarshals the action parameters into v. Absent params leave
// v untouched.
func (m Message) DecodeParams(v any) error {
	if len(m.Action.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Action.Params, v); err != nil {
		return fmt.Errorf("decode %s params: %w", m.Action.Name, err)
	}
	return nil
}

// DecodeResult unmarshals the response result into v.
func (m Message) DecodeResult(v any) error {
	if len(m.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(m.Result, v); err != nil {
		return fmt.Errorf("decode %s result: %w", m.Action.Name, err)
	}
	return nil
}

func (m Message) String() string {
	if m.CallbackID != "" {
		return fmt.Sprintf("%s %s@%s #%s", m.Type, m.Action.Name, m.RTID, m.CallbackID)
	}
	return fmt.Sprintf("%s %s@%s", m.Type, m.Action.Name, m.RTID)
}
