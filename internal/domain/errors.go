package domain

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied     = errors.New("media permission denied")
	ErrDeviceUnavailable    = errors.New("media device unavailable")
	ErrReceiverUnavailable  = errors.New("receiver unavailable")
	ErrBlocked              = errors.New("conversation blocked")
	ErrRecordGone           = errors.New("signaling record gone")
	ErrSignalingUnavailable = errors.New("signaling unavailable")
	ErrNegotiationTimeout   = errors.New("negotiation timeout")
	ErrTransportFailure     = errors.New("transport failure")
	ErrBusy                 = errors.New("already in a call")
	ErrInvalidState         = errors.New("action not allowed in current call state")
	ErrNoCall               = errors.New("no active call")
	ErrCallEnded            = errors.New("call ended")
)

// DecodeError reports a store document that does not match the expected shape.
type DecodeError struct {
	Doc   string
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decode %s: %v", e.Doc, e.Err)
	}
	return fmt.Sprintf("decode %s: field %q: %v", e.Doc, e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

var (
	errMissing = errors.New("missing")
	errInvalid = errors.New("invalid value")
)

func isErr(err, target error) bool { return errors.Is(err, target) }
