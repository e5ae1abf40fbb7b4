package codec

import "fmt"

// ErrorKind is the closed taxonomy of decode failures (spec §4.1, §7.1).
type ErrorKind string

const (
	InvalidCBOR        ErrorKind = "invalid_cbor"
	UnsupportedVersion ErrorKind = "unsupported_version"
	TruncatedFrame     ErrorKind = "truncated_frame"
	MissingField       ErrorKind = "missing_field"
	InvalidType        ErrorKind = "invalid_type"
)

// DecodeError is local to one frame: it is logged and the frame is
// dropped, never propagated to the peer that sent it.
type DecodeError struct {
	Kind ErrorKind
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("codec: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("codec: %s", e.Kind)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func newDecodeError(kind ErrorKind, err error) *DecodeError {
	return &DecodeError{Kind: kind, Err: err}
}
