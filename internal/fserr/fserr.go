// Package fserr defines the error taxonomy shared by the path index, the
// document wrapper and the reconciliation layer.
package fserr

import (
	"errors"
	"fmt"
)

// Kind classifies an error. A Kind is itself an error so callers can write
// errors.Is(err, fserr.NotFound).
type Kind uint8

const (
	Other Kind = iota
	NotFound
	AlreadyExists
	InvalidInput
	InvalidData
	NotConnected
	Unauthorized
	Protocol
)

func (k Kind) String() string {
	switch k {
	case NotFound:
		return "not found"
	case AlreadyExists:
		return "already exists"
	case InvalidInput:
		return "invalid input"
	case InvalidData:
		return "invalid data"
	case NotConnected:
		return "not connected"
	case Unauthorized:
		return "unauthorized"
	case Protocol:
		return "protocol error"
	default:
		return "other"
	}
}

func (k Kind) Error() string { return k.String() }

// Error is a classified failure of one operation on one path.
type Error struct {
	Op   string
	Path string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Op != "" && e.Path != "":
		return fmt.Sprintf("%s %s: %s", e.Op, e.Path, msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	default:
		return msg
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the Kind of e.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

// E builds an *Error. msg may be empty, in which case the kind's text is used.
func E(op, path string, kind Kind, msg string) error {
	var err error
	if msg != "" {
		err = errors.New(msg)
	}
	return &Error{Op: op, Path: path, Kind: kind, Err: err}
}

// Wrap classifies an underlying error. A nil err yields nil.
func Wrap(op, path string, kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Path: path, Kind: kind, Err: err}
}

// KindOf returns the Kind of the first classified error in err's chain, or
// Other.
func KindOf(err error) Kind {
	if err == nil {
		return Other
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var k Kind
	if errors.As(err, &k) {
		return k
	}
	return Other
}
