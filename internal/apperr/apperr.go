// Package apperr defines the error kinds shared by the trust, client, and session layers.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation decisions.
type Kind uint8

const (
	KindUnknown Kind = iota
	// KindConfiguration means the session cannot start (missing or invalid URL).
	KindConfiguration
	// KindTrust covers certificate harvesting and pinning failures. Callers degrade to default trust.
	KindTrust
	// KindNetwork covers connect and IO failures, including non-2xx replies.
	KindNetwork
	// KindProtocol covers malformed or schema-mismatched JSON.
	KindProtocol
	// KindFatalSession terminates the session loop.
	KindFatalSession
	// KindRedirect covers redirect cycles and hop-limit overflow.
	KindRedirect
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTrust:
		return "trust"
	case KindNetwork:
		return "network"
	case KindProtocol:
		return "protocol"
	case KindFatalSession:
		return "fatal session"
	case KindRedirect:
		return "redirect"
	}
	return "unknown"
}

// Error is a classified error.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s error: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New returns an *Error of the given kind.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Configuration(op string, err error) error { return New(KindConfiguration, op, err) }

func Trust(op string, err error) error { return New(KindTrust, op, err) }

func Network(op string, err error) error { return New(KindNetwork, op, err) }

func Protocol(op string, err error) error { return New(KindProtocol, op, err) }

func FatalSession(op string, err error) error { return New(KindFatalSession, op, err) }

func Redirect(op string, err error) error { return New(KindRedirect, op, err) }


// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries an *Error of the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.Err
	}
	return false
}
