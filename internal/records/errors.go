package records

import (
	"fmt"
	"net/http"
)

// ErrorKind classifies record API failures. Exactly one HTTP status maps to
// each kind; lower-layer causes never reach clients.
type ErrorKind int

const (
	KindApiNotFound ErrorKind = iota
	KindRecordNotFound
	KindForbidden
	KindBadRequest
	KindInternal
)

// RecordError is the error taxonomy of the record API.
type RecordError struct {
	Kind   ErrorKind
	Reason string
	cause  error
}

func (e *RecordError) Error() string {
	switch e.Kind {
	case KindApiNotFound:
		return "API not found"
	case KindRecordNotFound:
		return "Record not found"
	case KindForbidden:
		return "Forbidden"
	case KindBadRequest:
		return fmt.Sprintf("Bad request: %s", e.Reason)
	default:
		if e.cause != nil {
			return fmt.Sprintf("Internal: %v", e.cause)
		}
		return "Internal"
	}
}

func (e *RecordError) Unwrap() error {
	return e.cause
}

// StatusCode maps the error kind to its HTTP status.
func (e *RecordError) StatusCode() int {
	switch e.Kind {
	case KindApiNotFound, KindRecordNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindBadRequest:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// ClientMessage is the user-visible message. Internal causes are elided.
func (e *RecordError) ClientMessage() string {
	if e.Kind == KindInternal {
		return "Internal server error"
	}
	return e.Error()
}

func ErrApiNotFound() *RecordError {
	return &RecordError{Kind: KindApiNotFound}
}

func ErrRecordNotFound() *RecordError {
	return &RecordError{Kind: KindRecordNotFound}
}

func ErrForbidden() *RecordError {
	return &RecordError{Kind: KindForbidden}
}

func BadRequest(reason string) *RecordError {
	return &RecordError{Kind: KindBadRequest, Reason: reason}
}

func Internal(cause error) *RecordError {
	return &RecordError{Kind: KindInternal, cause: cause}
}
