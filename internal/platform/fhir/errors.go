package fhir

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNotFound is returned when no current version exists for a key.
	ErrNotFound = errors.New("resource not found")
	// ErrGone is returned when the current version is a tombstone. It wraps
	// ErrNotFound so callers that only care about absence can use errors.Is.
	ErrGone = fmt.Errorf("%w: resource deleted", ErrNotFound)
	// ErrVersionConflict is returned when an expected version does not match.
	ErrVersionConflict = errors.New("version conflict")
	// ErrInvalidResource is returned for malformed or mismatched resource bodies.
	ErrInvalidResource = errors.New("invalid resource")
	// ErrInvalidSearchParameter is the sentinel behind *InvalidParamError.
	ErrInvalidSearchParameter = errors.New("invalid search parameter")
	// ErrNotSupported is returned for recognised requests the server does not implement.
	ErrNotSupported = errors.New("not supported")
)

// InvalidParamError names the offending search parameter.
type InvalidParamError struct {
	Param       string
	Reason      string
	Unsupported bool
}

func (e *InvalidParamError) Error() string {
	return fmt.Sprintf("invalid search parameter %q: %s", e.Param, e.Reason)
}

func (e *InvalidParamError) Unwrap() error { return ErrInvalidSearchParameter }

// InvalidParam builds an *InvalidParamError with a formatted reason.
func InvalidParam(param, format string, args ...any) error {
	return &InvalidParamError{Param: param, Reason: fmt.Sprintf(format, args...)}
}

// UnsupportedParam builds an *InvalidParamError for a parameter the catalog
// does not define.
func UnsupportedParam(param, format string, args ...any) error {
	return &InvalidParamError{Param: param, Reason: fmt.Sprintf(format, args...), Unsupported: true}
}

// Invalid wraps ErrInvalidResource with a formatted reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidResource, fmt.Sprintf(format, args...))
}

// StatusFor maps an error returned by the engine to an HTTP status code.
func StatusFor(err error) int {
	var pe *InvalidParamError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrGone):
		return http.StatusGone
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrVersionConflict):
		return http.StatusConflict
	case errors.As(err, &pe), errors.Is(err, ErrInvalidResource):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotSupported):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// OutcomeFor renders err as an OperationOutcome whose issue code matches
// the status chosen by StatusFor.
func OutcomeFor(err error) *OperationOutcome {
	var pe *InvalidParamError
	switch {
	case errors.Is(err, ErrGone):
		return NewOperationOutcome(IssueSeverityError, IssueTypeDeleted, err.Error())
	case errors.Is(err, ErrNotFound):
		return NewOperationOutcome(IssueSeverityError, IssueTypeNotFound, err.Error())
	case errors.Is(err, ErrVersionConflict):
		return NewOperationOutcome(IssueSeverityError, IssueTypeConflict, err.Error())
	case errors.As(err, &pe):
		code := IssueTypeInvalid
		if pe.Unsupported {
			code = IssueTypeNotSupported
		}
		return NewOutcomeBuilder().
			AddIssueWithLocation(IssueSeverityError, code, err.Error(), pe.Param).
			Build()
	case errors.Is(err, ErrInvalidResource):
		return NewOperationOutcome(IssueSeverityError, IssueTypeInvalid, err.Error())
	case errors.Is(err, ErrNotSupported):
		return NewOperationOutcome(IssueSeverityError, IssueTypeNotSupported, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return NewOperationOutcome(IssueSeverityError, IssueTypeTimeout, "request timed out")
	default:
		return NewOperationOutcome(IssueSeverityFatal, IssueTypeException, "internal server error")
	}
}
