// Package errs is the closed error taxonomy used across the core.
//
// Every error surfaced at a package boundary is an *Error carrying a Kind
// (one of the fixed categories), a stable short Code for users and tooling,
// a message, optional metadata, and an optional cause.
package errs

import (
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"
)

// Kind is the top-level error category.
type Kind string

const (
	KindConfiguration  Kind = "configuration"
	KindValidation     Kind = "validation"
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindCeremony       Kind = "ceremony"
	KindCrypto         Kind = "crypto"
	KindStorage        Kind = "storage"
	KindNetwork        Kind = "network"
	KindProtocol       Kind = "protocol"
	KindInternal       Kind = "internal"
	KindTimeout        Kind = "timeout"
)

// Code is a stable machine-readable identifier for a specific failure.
type Code string

const (
	CodeMissingField  Code = "CONFIG_MISSING_FIELD"
	CodeInvalidConfig Code = "CONFIG_INVALID"

	CodeInvalid          Code = "VALIDATION_FAILED"
	CodeInvalidThreshold Code = "VALIDATION_THRESHOLD"

	CodeBadSignature  Code = "AUTH_BAD_SIGNATURE"
	CodeUnknownDevice Code = "AUTH_UNKNOWN_DEVICE"

	CodeInsufficient Code = "AUTHZ_INSUFFICIENT"
	CodeRevoked      Code = "AUTHZ_REVOKED"
	CodeExpired      Code = "AUTHZ_EXPIRED"

	CodeThresholdNotReached Code = "CEREMONY_THRESHOLD_NOT_REACHED"
	CodeCeremonyTimeout     Code = "CEREMONY_TIMEOUT"
	CodeMalformedEnvelope   Code = "CEREMONY_MALFORMED"
	CodeCeremonyNotFound    Code = "CEREMONY_NOT_FOUND"
	CodeCeremonyClosed      Code = "CEREMONY_CLOSED"
	CodeCeremonyConflict    Code = "CEREMONY_CONFLICT"
	CodeRoundAbandoned      Code = "CEREMONY_ROUND_ABANDONED"

	CodeHashMismatch  Code = "CRYPTO_HASH_MISMATCH"
	CodeDecrypt       Code = "CRYPTO_DECRYPT"
	CodeKeyDerivation Code = "CRYPTO_KEY_DERIVATION"
	CodeInvalidShare  Code = "CRYPTO_INVALID_SHARE"
	CodeInvalidKey    Code = "CRYPTO_INVALID_KEY"

	CodeNotFound    Code = "STORAGE_NOT_FOUND"
	CodeWriteFailed Code = "STORAGE_WRITE_FAILED"
	CodeIO          Code = "STORAGE_IO"
	CodeQuota       Code = "STORAGE_QUOTA"

	CodeUnreachable Code = "NET_UNREACHABLE"
	CodeQueueFull   Code = "NET_QUEUE_FULL"
	CodeNetTimeout  Code = "NET_TIMEOUT"

	CodeSessionViolation Code = "PROTOCOL_SESSION_VIOLATION"
	CodeReplay           Code = "PROTOCOL_REPLAY"
	CodeUnexpectedState  Code = "PROTOCOL_UNEXPECTED_STATE"
	CodeBudgetExhausted  Code = "PROTOCOL_BUDGET_EXHAUSTED"
	CodeCancelled        Code = "PROTOCOL_CANCELLED"

	CodeInvariant Code = "INTERNAL_INVARIANT"

	CodeDeadline Code = "TIMEOUT_DEADLINE"
)

// Error is the structured error type.
type Error struct {
	Kind     Kind
	Code     Code
	Message  string
	Metadata map[string]string
	Cause    error
}

// Error implements the error interface.
// Format: CODE: message [k=v ...]: cause
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	b.WriteString(": ")
	b.WriteString(e.Message)
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" [")
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(' ')
			}
			fmt.Fprintf(&b, "%s=%s", k, e.Metadata[k])
		}
		b.WriteByte(']')
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code. A target with an
// empty code matches by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Code == "" {
		return e.Kind == t.Kind
	}
	return e.Code == t.Code
}

// New creates an error with a kind, code and message.
func New(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Newf is New with a formatted message.
func Newf(kind Kind, code Code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an error that wraps an underlying cause.
func Wrap(kind Kind, code Code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// With returns a copy of e carrying an extra metadata entry.
func (e *Error) With(key, value string) *Error {
	out := *e
	out.Metadata = make(map[string]string, len(e.Metadata)+1)
	maps.Copy(out.Metadata, e.Metadata)
	out.Metadata[key] = value
	return &out
}

// Sentinel returns a code-only error for use with errors.Is.
func Sentinel(code Code) *Error {
	return &Error{Code: code}
}

// OfKind returns a kind-only error for use with errors.Is.
func OfKind(kind Kind) *Error {
	return &Error{Kind: kind}
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the kind of the first *Error in the chain, or
// KindInternal for untyped errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// CodeOf returns the code of the first *Error in the chain, or "".
func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return ""
}

// IsCode reports whether any error in the chain has the given code.
func IsCode(err error, code Code) bool {
	return errors.Is(err, Sentinel(code))
}

// IsKind reports whether any error in the chain has the given kind.
func IsKind(err error, kind Kind) bool {
	return errors.Is(err, OfKind(kind))
}

// Retryable reports whether the protocol layer should retry err.
// Network and timeout failures are retried; everything else is surfaced.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindNetwork, KindTimeout:
		return true
	}
	return false
}

// Fatal reports whether err is an invariant breach.
func Fatal(err error) bool {
	return err != nil && KindOf(err) == KindInternal
}
