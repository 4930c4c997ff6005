package models

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by the detection core wraps exactly one
// of these, so callers can branch with errors.Is.
var (
	ErrConfig                  = errors.New("config error")
	ErrModelLoad               = errors.New("model load error")
	ErrUnsupportedModel        = errors.New("unsupported model")
	ErrUnsupportedOutputFormat = errors.New("unsupported output format")
	ErrInvalidInput            = errors.New("invalid input")
	ErrInference               = errors.New("inference error")
	ErrNotReady                = errors.New("not ready")
)

type ProcessingError struct {
	Kind    error
	Message string
	Cause   error
}

// NewError builds a ProcessingError of the given kind.
func NewError(kind error, cause error, format string, args ...any) *ProcessingError {
	return &ProcessingError{
		Kind:    kind,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

func (e *ProcessingError) Error() string {
	msg := e.Message
	if e.Kind != nil {
		msg = e.Kind.Error() + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *ProcessingError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}
