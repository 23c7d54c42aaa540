package domain

import (
	"errors"
	"fmt"
)

var (
	ErrRoomNotFound          = errors.New("room not found")
	ErrProducerNotFound      = errors.New("producer not found")
	ErrTransportNotFound     = errors.New("transport not found")
	ErrTransportNotConnected = errors.New("transport not connected")
	ErrCannotConsume         = errors.New("cannot consume")
	ErrConnectionClosed      = errors.New("connection closed")
	ErrInvalidCredential     = errors.New("invalid stream key")
	ErrProcessSpawn          = errors.New("encoder process failed to start")
	ErrUnknownJobKind        = errors.New("unknown encoder job kind")
	ErrNoMedia               = errors.New("room has no media to encode")
)

// EngineError wraps a failure reported by the media engine.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

func NewEngineError(op string, err error) error {
	return &EngineError{Op: op, Err: err}
}

// IsNotFound reports whether err is one of the not-found sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRoomNotFound) ||
		errors.Is(err, ErrProducerNotFound) ||
		errors.Is(err, ErrTransportNotFound)
}
