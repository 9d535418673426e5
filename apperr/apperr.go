// Package apperr defines the error kinds a job can fail with.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a job failure. Every kind is terminal for the job it occurs in.
type Kind string

const (
	KindConfiguration Kind = "configuration"
	KindCredential    Kind = "credential"
	KindFormField     Kind = "form_field"
	KindOTPRejected   Kind = "otp_rejected"
	KindOTPTimeout    Kind = "otp_timeout"
	KindDownload      Kind = "download"
	KindStorage       Kind = "storage"
)

// Error is a classified failure. Op names the step that failed.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error without a cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies err. A nil err yields nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrapf classifies err with an extra message.
func Wrapf(kind Kind, op string, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Msg: fmt.Sprintf(format, args...), Err: err}
}

func Configuration(op, format string, args ...any) *Error {
	return New(KindConfiguration, op, fmt.Sprintf(format, args...))
}

func Credential(op, format string, args ...any) *Error {
	return New(KindCredential, op, fmt.Sprintf(format, args...))
}

func FormField(op, format string, args ...any) *Error {
	return New(KindFormField, op, fmt.Sprintf(format, args...))
}

func OTPRejected(op, format string, args ...any) *Error {
	return New(KindOTPRejected, op, fmt.Sprintf(format, args...))
}

func OTPTimeout(op, format string, args ...any) *Error {
	return New(KindOTPTimeout, op, fmt.Sprintf(format, args...))
}

func Download(op, format string, args ...any) *Error {
	return New(KindDownload, op, fmt.Sprintf(format, args...))
}

func Storage(op, format string, args ...any) *Error {
	return New(KindStorage, op, fmt.Sprintf(format, args...))
}

// KindOf returns the kind of the first classified error in err's chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err's chain holds a classified error of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
