package transport

import (
	"errors"
	"fmt"
)

var (
	ErrDisconnected      = errors.New("transport disconnected")
	ErrTimeout           = errors.New("transport timeout")
	ErrProtocolViolation = errors.New("transport protocol violation")
)

type Kind int

const (
	KindDisconnected Kind = iota
	KindTimeout
	KindProtocolViolation
)

func (k Kind) String() string {
	switch k {
	case KindDisconnected:
		return "disconnected"
	case KindTimeout:
		return "timeout"
	case KindProtocolViolation:
		return "protocol-violation"
	}
	return "unknown"
}

// Error is the failure surface both bindings report through. The session
// engine branches on Kind: disconnects and timeouts trigger a reconnect,
// protocol violations degrade the session but keep the connection.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrDisconnected:
		return e.Kind == KindDisconnected
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrProtocolViolation:
		return e.Kind == KindProtocolViolation
	}
	return false
}

func Disconnected(op string, err error) error {
	return &Error{Kind: KindDisconnected, Op: op, Err: err}
}

func Timeout(op string, err error) error {
	return &Error{Kind: KindTimeout, Op: op, Err: err}
}

func ProtocolViolation(op string, err error) error {
	return &Error{Kind: KindProtocolViolation, Op: op, Err: err}
}
