package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrDecode          = errors.New("protocol: decode failed")
	ErrMissingID       = errors.New("protocol: missing id")
	ErrUnknownKind     = errors.New("protocol: unknown message kind")
	ErrMessageTooLarge = errors.New("protocol: message too large")
)

// DecodeError reports an inbound frame that could not be turned into a Message.
type DecodeError struct {
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("%v (size=%d): %v", ErrDecode, e.Size, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	return []error{ErrDecode, e.Err}
}
