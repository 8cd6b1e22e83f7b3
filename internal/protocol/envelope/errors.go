package envelope

import (
	"errors"
	"fmt"
)

// DecodeKind classifies why a payload could not be decoded.
type DecodeKind int

const (
	KindMalformed DecodeKind = iota + 1
	KindMissingType
	KindMissingCommand
	KindUnknownCommand
	KindInvalidField
	KindMissingResponse
)

func (k DecodeKind) String() string {
	switch k {
	case KindMalformed:
		return "malformed"
	case KindMissingType:
		return "missing_type"
	case KindMissingCommand:
		return "missing_command"
	case KindUnknownCommand:
		return "unknown_command"
	case KindInvalidField:
		return "invalid_field"
	case KindMissingResponse:
		return "missing_response"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var ErrReservedField = errors.New("envelope: reserved field name")

// DecodeError is returned for every decode failure.
type DecodeError struct {
	Kind DecodeKind
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "envelope: decode " + e.Kind.String()
	}
	return fmt.Sprintf("envelope: decode %s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeErr(kind DecodeKind, format string, args ...any) error {
	return &DecodeError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the decode kind from err, if any.
func KindOf(err error) (DecodeKind, bool) {
	var de *DecodeError
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return 0, false
}
