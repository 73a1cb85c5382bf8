// Package fault defines the typed failure taxonomy shared by every layer of
// the payment-stream protocol. All cross-layer failures are *fault.Error
// values carrying a Class that fixes their retry behavior; only Transient
// failures may be retried, and even those only after the caller has confirmed
// no partial success occurred.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Class partitions failures by how callers must react to them.
type Class string

const (
	// Validation marks malformed input rejected before any network call.
	Validation Class = "VALIDATION"
	// Unauthorized marks an acting party that does not hold the required role.
	Unauthorized Class = "UNAUTHORIZED"
	// NotFound marks a referenced contract that cannot be located or is
	// already archived (stale reference after a successful prior operation).
	NotFound Class = "NOT_FOUND"
	// InsufficientFunds marks a funding shortfall. Surfaced distinctly from
	// transport failures so callers prompt a top-up instead of retrying.
	InsufficientFunds Class = "INSUFFICIENT_FUNDS"
	// Disclosure marks a missing or misconfigured visibility bundle.
	Disclosure Class = "DISCLOSURE"
	// Transient marks transport-level failures: timeouts, disconnects,
	// rate limiting. The only retryable class.
	Transient Class = "TRANSIENT"
)

// Retryable reports whether a failure of this class may be retried. Every
// class except Transient is a terminal verdict on the request itself.
func (c Class) Retryable() bool {
	return c == Transient
}

// Canonical error codes. The second path segment names the failing concern
// and determines the class when constructing by code.
const (
	CodeTermsInvalid            = "PAYSTREAM/VALIDATION/TERMS_INVALID"
	CodeUnsupportedDenomination = "PAYSTREAM/VALIDATION/UNSUPPORTED_DENOMINATION"
	CodeUnauthorized            = "PAYSTREAM/AUTH/UNAUTHORIZED"
	CodeContractNotFound        = "PAYSTREAM/RESOURCE/CONTRACT_NOT_FOUND"
	CodeStaleReference          = "PAYSTREAM/RESOURCE/STALE_REFERENCE"
	CodeInsufficientFunds       = "PAYSTREAM/FUNDING/INSUFFICIENT"
	CodeDisclosureNotConfigured = "PAYSTREAM/DISCLOSURE/NOT_CONFIGURED"
	CodeTimeout                 = "PAYSTREAM/TRANSPORT/TIMEOUT"
	CodeUpstream                = "PAYSTREAM/TRANSPORT/UPSTREAM_ERROR"
	CodeRateLimited             = "PAYSTREAM/TRANSPORT/RATE_LIMITED"
	CodeStreamTruncated         = "PAYSTREAM/TRANSPORT/STREAM_TRUNCATED"
)

// Error is the typed failure raised across layer boundaries.
type Error struct {
	Class Class
	Code  string // optional canonical code, one of the Code* constants
	Op    string // logical operation, e.g. "funding.Reserve"
	Msg   string
	Err   error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Msg != "" {
		b.WriteString(e.Msg)
	} else {
		b.WriteString(strings.ToLower(string(e.Class)))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a failure of the given class.
func New(class Class, op, msg string) *Error {
	return &Error{Class: class, Op: op, Msg: msg}
}

// Newf builds a failure with a formatted message.
func Newf(class Class, op, format string, args ...any) *Error {
	return &Error{Class: class, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches class and operation to an underlying cause.
func Wrap(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

// Coded builds a failure from a canonical code; the class is derived from
// the code's concern segment.
func Coded(code, op, msg string) *Error {
	return &Error{Class: classify(code), Code: code, Op: op, Msg: msg}
}

// classify maps a canonical code to its class by concern segment.
func classify(code string) Class {
	switch {
	case strings.Contains(code, "/VALIDATION/"):
		return Validation
	case strings.Contains(code, "/AUTH/"):
		return Unauthorized
	case strings.Contains(code, "/RESOURCE/"):
		return NotFound
	case strings.Contains(code, "/FUNDING/"):
		return InsufficientFunds
	case strings.Contains(code, "/DISCLOSURE/"):
		return Disclosure
	case strings.Contains(code, "/TRANSPORT/"):
		return Transient
	default:
		return Validation
	}
}

// ClassOf walks err's chain and returns the class of the outermost
// *fault.Error, or "" when the chain carries none.
func ClassOf(err error) Class {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	return ""
}

// Retryable reports whether err may be retried. Unclassified errors are not
// retryable: with money in flight the conservative reading of an unknown
// failure is a terminal one.
func Retryable(err error) bool {
	return ClassOf(err) == Transient
}

// IsValidation reports whether err is classed Validation.
func IsValidation(err error) bool { return ClassOf(err) == Validation }

// IsUnauthorized reports whether err is classed Unauthorized.
func IsUnauthorized(err error) bool { return ClassOf(err) == Unauthorized }

// IsNotFound reports whether err is classed NotFound.
func IsNotFound(err error) bool { return ClassOf(err) == NotFound }

// IsInsufficientFunds reports whether err is classed InsufficientFunds.
func IsInsufficientFunds(err error) bool { return ClassOf(err) == InsufficientFunds }

// IsDisclosure reports whether err is classed Disclosure.
func IsDisclosure(err error) bool { return ClassOf(err) == Disclosure }

// IsTransient reports whether err is classed Transient.
func IsTransient(err error) bool { return ClassOf(err) == Transient }
