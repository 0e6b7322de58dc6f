// Package sdkerr defines the caller-facing error kinds returned by the SDK.
//
// Every exported operation returns either success or an *Error tagged with a
// Kind. Callers branch with errors.Is against the Err* sentinels or with
// KindOf / ReasonOf.
package sdkerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an SDK failure.
type Kind uint8

const (
	Unknown Kind = iota
	Signing
	Validation
	VenueRejection
	TransientNetwork
	SequenceGap
	Consistency
	Numeric
	NotFound
)

func (k Kind) String() string {
	switch k {
	case Signing:
		return "signing"
	case Validation:
		return "validation"
	case VenueRejection:
		return "venue_rejection"
	case TransientNetwork:
		return "transient_network"
	case SequenceGap:
		return "sequence_gap"
	case Consistency:
		return "consistency"
	case Numeric:
		return "numeric"
	case NotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Error is a tagged SDK failure.
type Error struct {
	Kind   Kind
	Op     string
	Reason Reason
	Err    error
}

// Sentinels for errors.Is. Matching is by Kind only.
var (
	ErrSigning          = &Error{Kind: Signing}
	ErrValidation       = &Error{Kind: Validation}
	ErrVenueRejection   = &Error{Kind: VenueRejection}
	ErrTransientNetwork = &Error{Kind: TransientNetwork}
	ErrSequenceGap      = &Error{Kind: SequenceGap}
	ErrConsistency      = &Error{Kind: Consistency}
	ErrNumeric          = &Error{Kind: Numeric}
	ErrNotFound         = &Error{Kind: NotFound}
)

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Reason != "" {
		b.WriteString(" (")
		b.WriteString(string(e.Reason))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind. A target with a
// Reason additionally requires the reason to match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Signingf(op, format string, args ...any) *Error {
	return New(Signing, op, fmt.Errorf(format, args...))
}

func Validationf(op, format string, args ...any) *Error {
	return New(Validation, op, fmt.Errorf(format, args...))
}

// Invalid is a local validation failure that carries a reason code, so that
// callers can treat local and venue-side rejections alike.
func Invalid(op string, reason Reason, format string, args ...any) *Error {
	return &Error{Kind: Validation, Op: op, Reason: reason, Err: fmt.Errorf(format, args...)}
}

func Rejected(op string, reason Reason, message string) *Error {
	var err error
	if message != "" {
		err = errors.New(message)
	}
	return &Error{Kind: VenueRejection, Op: op, Reason: reason, Err: err}
}

func Transient(op string, err error) *Error {
	return New(TransientNetwork, op, err)
}

func Consistencyf(op, format string, args ...any) *Error {
	return New(Consistency, op, fmt.Errorf(format, args...))
}

func NotFoundf(op, format string, args ...any) *Error {
	return New(NotFound, op, fmt.Errorf(format, args...))
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// ReasonOf returns the reason code carried by err, if any.
func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
