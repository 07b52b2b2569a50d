package device

import (
	"errors"
	"fmt"
)

// Class is the error class surfaced in operation details.
type Class string

const (
	ClassNotFound Class = "DeviceNotFound"
	ClassBusy     Class = "DeviceBusy"
	ClassProtocol Class = "ProtocolMismatch"
	ClassTimeout  Class = "Timeout"
	ClassIO       Class = "IOError"
)

// ErrNoCard is returned by ReadCard when no card was presented before the timeout.
var ErrNoCard = errors.New("no card presented")

// Error is a driver failure.
type Error struct {
	Class Class
	Op    string
	Path  string
	Err   error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s %s: %v", e.Class, e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Class, e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Message is the human part of the error, without the class.
func (e *Error) Message() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

// ClassOf reports the class of err. Unclassified errors are IOError.
func ClassOf(err error) Class {
	if errors.Is(err, ErrNoCard) {
		return ClassTimeout
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Class
	}
	return ClassIO
}

func newError(class Class, op, path string, err error) *Error {
	return &Error{Class: class, Op: op, Path: path, Err: err}
}

func ioError(op, path string, err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return newError(ClassIO, op, path, err)
}
