package kindoo

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures. No kind is fatal: auth failures end in
// a forced logout, fetch failures in an empty view, send failures keep the
// optimistic entry, and channel failures just stop push delivery until the
// next attach.
type ErrorKind int

const (
	ErrorAuth ErrorKind = iota
	ErrorFetch
	ErrorSend
	ErrorChannel
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorAuth:
		return "auth"
	case ErrorFetch:
		return "fetch"
	case ErrorSend:
		return "send"
	case ErrorChannel:
		return "channel"
	}
	return "unknown"
}

// Error wraps a failure with its kind and the operation that raised it.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s error", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is (or wraps) an Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

var (
	errMissingID          = errors.New("missing id in remote payload")
	errMissingTimestamp   = errors.New("missing timestamp in remote payload")
	errTooFewParticipants = errors.New("conversation has fewer than two participants")
)
