// Package torerr defines the error taxonomy shared by every layer of the
// circuit protocol engine, so callers can branch with errors.Is/errors.As
// instead of matching error strings.
package torerr

import "fmt"

// Kind distinguishes the class of failure without binding callers to a
// specific message.
type Kind int

const (
	// KindTruncated means a cell or sub-structure ended before its declared
	// length was satisfied.
	KindTruncated Kind = iota + 1
	// KindMalformed means length fields or structure were internally
	// inconsistent.
	KindMalformed
	// KindUnknownCommand means a cell command byte was not recognized.
	// It is informational, not necessarily fatal.
	KindUnknownCommand
	// KindProtocolViolation means a cell arrived that was not valid in the
	// circuit's current state, or a relay cell was not recognized at any hop.
	KindProtocolViolation
	// KindInvalidCerts means the CERTS chain failed a structural or
	// cryptographic check.
	KindInvalidCerts
	// KindAuthFailed means a handshake authenticator did not verify.
	KindAuthFailed
	// KindDestroyed means the peer sent a DESTROY cell.
	KindDestroyed
	// KindTransport means the underlying transport failed (I/O error).
	KindTransport
	// KindExhausted means a bounded resource (circuit IDs, RELAY_EARLY
	// budget) ran out.
	KindExhausted
	// KindConfigTooLarge means a caller-supplied configuration value
	// exceeded a fixed ceiling (e.g. RSA key size).
	KindConfigTooLarge
)

func (k Kind) String() string {
	switch k {
	case KindTruncated:
		return "truncated"
	case KindMalformed:
		return "malformed"
	case KindUnknownCommand:
		return "unknown_command"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindInvalidCerts:
		return "invalid_certs"
	case KindAuthFailed:
		return "auth_failed"
	case KindDestroyed:
		return "destroyed"
	case KindTransport:
		return "transport"
	case KindExhausted:
		return "exhausted"
	case KindConfigTooLarge:
		return "config_too_large"
	default:
		return "unknown"
	}
}

// Error is a Kind carrying a human-readable reason and an optional wrapped
// cause.
type Error struct {
	Kind   Kind
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Cause)
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, torerr.KindX) work by comparing Kind values wrapped
// in a bare *Error sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == "" && t.Cause == nil && t.Kind == e.Kind
}

// New builds an *Error of the given kind with a formatted reason.
func New(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Reason: fmt.Sprintf(format, args...)}
}

// Wrap builds an *Error of the given kind, wrapping an underlying cause.
func Wrap(k Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: k, Reason: fmt.Sprintf(format, args...), Cause: cause}
}

// Sentinel values usable with errors.Is(err, torerr.Truncated), etc.
var (
	Truncated         = &Error{Kind: KindTruncated}
	Malformed         = &Error{Kind: KindMalformed}
	UnknownCommand    = &Error{Kind: KindUnknownCommand}
	ProtocolViolation = &Error{Kind: KindProtocolViolation}
	InvalidCerts      = &Error{Kind: KindInvalidCerts}
	AuthFailed        = &Error{Kind: KindAuthFailed}
	Destroyed         = &Error{Kind: KindDestroyed}
	Transport         = &Error{Kind: KindTransport}
	Exhausted         = &Error{Kind: KindExhausted}
	ConfigTooLarge    = &Error{Kind: KindConfigTooLarge}
)
