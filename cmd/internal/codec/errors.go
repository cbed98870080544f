package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformed is returned when the bytes are not a well-formed envelope.
	ErrMalformed = errors.New("codec: malformed payload")

	// ErrKindMismatch is returned when a well-formed envelope carries a different payload kind.
	ErrKindMismatch = errors.New("codec: payload kind mismatch")

	// ErrUnsupportedVersion is returned for envelopes written by an incompatible codec.
	ErrUnsupportedVersion = errors.New("codec: unsupported version")

	// ErrChecksum is returned when the envelope digest does not match its content.
	ErrChecksum = errors.New("codec: checksum mismatch")

	// ErrTooLarge is returned when a payload exceeds maxPayloadBytes.
	ErrTooLarge = errors.New("codec: payload too large")

	// ErrEmpty is returned when encoding or decoding an empty value.
	ErrEmpty = errors.New("codec: empty value")

	// ErrUnavailable means the codec could not be constructed at all.
	// There is no degraded mode without it.
	ErrUnavailable = errors.New("codec: encoding support unavailable")
)

// Error is the CodecError of the pairing layer. Callers drop the message, log, and continue.
type Error struct {
	Op   string
	Kind error
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind.Error())
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind.Error(), e.Err)
}

// Unwrap exposes both the sentinel kind and the underlying cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func fail(op string, kind, cause error) error {
	return &Error{Op: op, Kind: kind, Err: cause}
}

// IsCodecError reports whether err originated in this package.
func IsCodecError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}
