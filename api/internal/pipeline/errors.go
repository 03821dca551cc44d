package pipeline

import (
	"context"
	"errors"

	"carcare-ocr/api/internal/ocr"
)

// Class is the failure classification handed to callers.
type Class string

const (
	ClassTimeout         Class = "timeout"
	ClassRemoteRejected  Class = "remote_rejected"
	ClassUnauthorized    Class = "unauthorized"
	ClassUnknown         Class = "unknown"
	ClassUnsupportedKind Class = "unsupported_kind"
	ClassInvalidInput    Class = "invalid_input"
	ClassCancelled       Class = "cancelled"
)

type Error struct {
	Class   Class
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Err != nil {
		return string(e.Class) + ": " + e.Err.Error()
	}
	return string(e.Class) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// ClassOf returns the class of a run error, ClassUnknown for foreign errors.
func ClassOf(err error) Class {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Class
	}
	return ClassUnknown
}

func classify(ctx context.Context, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	if errors.Is(err, ocr.ErrUnsupportedKind) {
		return &Error{Class: ClassUnsupportedKind, Message: err.Error(), Err: err}
	}
	if errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled) {
		return &Error{Class: ClassCancelled, Message: "request cancelled", Err: err}
	}

	class := ClassUnknown
	switch ocr.CodeOf(err) {
	case ocr.CodeTimeout:
		class = ClassTimeout
	case ocr.CodeRemoteRejected:
		class = ClassRemoteRejected
	case ocr.CodeUnauthorized:
		class = ClassUnauthorized
	}
	msg := err.Error()
	var ee *ocr.EngineError
	if errors.As(err, &ee) && ee.Message != "" {
		msg = ee.Message
	}
	return &Error{Class: class, Message: msg, Err: err}
}

func invalidInput(msg string, err error) *Error {
	return &Error{Class: ClassInvalidInput, Message: msg, Err: err}
}
