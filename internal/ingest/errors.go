package ingest

import "fmt"

// Kind classifies a pipeline failure. The kind decides the error code sent
// to the client and whether the submission may be retried with the same
// clientMessageId.
type Kind int

const (
	// KindValidation: malformed request. Not retryable.
	KindValidation Kind = iota
	// KindPermissionDenied: sender is not an active member. Not retryable.
	KindPermissionDenied
	// KindNotFound: conversation or reply target missing. Not retryable.
	KindNotFound
	// KindTransient: store or bus temporarily unreachable. Retryable.
	KindTransient
	// KindFatal: invariant violation such as partial persistence. Surfaces
	// to the sender as retryable but is logged for operator attention.
	KindFatal
)

// Error is a classified pipeline failure.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("ingest: %s: %v", e.Msg, e.Err)
	}
	return "ingest: " + e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the client should resubmit with the same
// clientMessageId.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransient || e.Kind == KindFatal
}

// Code returns the wire error code for the client-facing error event.
func (e *Error) Code() string {
	switch e.Kind {
	case KindValidation:
		return "validation_error"
	case KindPermissionDenied:
		return "permission_denied"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient_infra"
	case KindFatal:
		return "internal_error"
	default:
		return "internal_error"
	}
}

func validationErr(msg string) *Error {
	return &Error{Kind: KindValidation, Msg: msg}
}

func permissionErr(msg string) *Error {
	return &Error{Kind: KindPermissionDenied, Msg: msg}
}

func notFoundErr(msg string) *Error {
	return &Error{Kind: KindNotFound, Msg: msg}
}

func transientErr(msg string, err error) *Error {
	return &Error{Kind: KindTransient, Msg: msg, Err: err}
}
