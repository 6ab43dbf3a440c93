package messenger

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Every failure returned by a messenger operation matches exactly
// one of these with errors.Is.
var (
	ErrInstantiation   = errors.New("instantiation error")
	ErrConnection      = errors.New("connection error")
	ErrConnectionLost  = errors.New("connection lost")
	ErrLaunch          = errors.New("launch error")
	ErrAccessDenied    = errors.New("access denied")
	ErrNotFound        = errors.New("not found")
	ErrMalformedSource = errors.New("malformed source")
)

// Wire codes for the error kinds. ErrLaunch never crosses the wire; the host
// produces it locally.
const (
	CodeInstantiation   = "instantiation"
	CodeConnection      = "connection"
	CodeConnectionLost  = "connection_lost"
	CodeAccessDenied    = "access_denied"
	CodeNotFound        = "not_found"
	CodeMalformedSource = "malformed_source"
	CodeInternal        = "internal"
)

var kindCodes = []struct {
	kind error
	code string
}{
	{ErrInstantiation, CodeInstantiation},
	{ErrConnectionLost, CodeConnectionLost},
	{ErrConnection, CodeConnection},
	{ErrAccessDenied, CodeAccessDenied},
	{ErrNotFound, CodeNotFound},
	{ErrMalformedSource, CodeMalformedSource},
}

// Error is a structured messenger failure. Kind is one of the sentinel errors
// above; Op names the operation (e.g. "populate_node").
type Error struct {
	Kind   error
	Op     string
	Detail string
	Err    error
}

func (e *Error) Error() string {
	parts := make([]string, 0, 4)
	if e.Kind != nil {
		parts = append(parts, e.Kind.Error())
	}
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Detail != "" {
		parts = append(parts, e.Detail)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	if len(parts) == 0 {
		return "messenger failure"
	}
	return strings.Join(parts, ": ")
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// Wrap tags err with kind and operation context. A nil kind is treated as an
// internal failure and left untagged.
func Wrap(kind error, op, detail string, err error) error {
	return &Error{Kind: kind, Op: op, Detail: strings.TrimSpace(detail), Err: err}
}

// Errorf is Wrap with a formatted detail and no cause.
func Errorf(kind error, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// Code returns the wire code for err. Errors without a known kind map to
// CodeInternal.
func Code(err error) string {
	if err == nil {
		return ""
	}
	for _, kc := range kindCodes {
		if errors.Is(err, kc.kind) {
			return kc.code
		}
	}
	return CodeInternal
}

// remoteError carries a worker failure verbatim while still matching its kind.
type remoteError struct {
	kind    error
	message string
}

func (e *remoteError) Error() string { return e.message }

func (e *remoteError) Unwrap() error { return e.kind }

// FromCode rebuilds a host-side error from a worker response. The worker's
// message is kept verbatim.
func FromCode(code, message string) error {
	for _, kc := range kindCodes {
		if kc.code == code {
			return &remoteError{kind: kc.kind, message: message}
		}
	}
	return &remoteError{message: message}
}

// IsConnectionFailure reports whether err is transport level (the connection
// could not be made or was lost), as opposed to a backend failure.
func IsConnectionFailure(err error) bool {
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrConnectionLost)
}
