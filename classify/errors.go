package classify

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	KindConnection ErrorKind = iota + 1
	KindTimeout
	KindServer
	KindDecode
	KindCanceled
	KindInvalidPayload
)

var (
	ErrConnection     = errors.New("connection failure")
	ErrTimeout        = errors.New("timed out waiting for classifier")
	ErrServer         = errors.New("classifier returned an error status")
	ErrDecode         = errors.New("could not decode classifier response")
	ErrCanceled       = errors.New("prediction canceled")
	ErrInvalidPayload = errors.New("invalid image payload")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case KindConnection:
		return ErrConnection
	case KindTimeout:
		return ErrTimeout
	case KindServer:
		return ErrServer
	case KindDecode:
		return ErrDecode
	case KindCanceled:
		return ErrCanceled
	case KindInvalidPayload:
		return ErrInvalidPayload
	default:
		return nil
	}
}

func (k ErrorKind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindTimeout:
		return "timeout"
	case KindServer:
		return "server"
	case KindDecode:
		return "decode"
	case KindCanceled:
		return "canceled"
	case KindInvalidPayload:
		return "invalid_payload"
	default:
		return "unknown"
	}
}

// Error is the failure value returned by Predict. StatusCode and Body are only
// set for KindServer.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Body       []byte
	Err        error
}

func (e *Error) Error() string {
	prefix := "classify error"
	if s := e.Kind.sentinel(); s != nil {
		prefix = s.Error()
	}

	switch {
	case e.Kind == KindServer:
		return fmt.Sprintf("%s (status %d): %s", prefix, e.StatusCode, string(e.Body))
	case e.Err != nil:
		return fmt.Sprintf("%s: %s", prefix, e.Err)
	default:
		return prefix
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the package sentinels, so callers can write
// errors.Is(err, classify.ErrTimeout).
func (e *Error) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && target == s
}

// KindOf reports the kind of a Predict failure, or 0 if err did not come from
// this package.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}
