package core

import (
	"errors"
	"fmt"
)

// Process exit codes.
const (
	ExitOK      = 0
	ExitRuntime = 1
	ExitUsage   = 2
	ExitConfig  = 3
)

// Kind classifies a failure by how far it is allowed to propagate.
type Kind int

const (
	// KindTransport covers discovery, connect and IPC registration failures.
	// Fatal to the sub-operation; retried only by a new triggering event.
	KindTransport Kind = iota + 1
	// KindCredential is an unrecoverable token failure. Fatal to the control
	// surface only.
	KindCredential
	// KindAPI is a per-call Web API failure surfaced as a method error.
	KindAPI
	// KindSubprocess is a hook spawn or exit failure.
	KindSubprocess
	// KindFatal ends the process.
	KindFatal
	// KindConfig is an invalid configuration.
	KindConfig
	// KindUsage is a bad command line.
	KindUsage
)

func (k Kind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindCredential:
		return "credential"
	case KindAPI:
		return "api"
	case KindSubprocess:
		return "subprocess"
	case KindFatal:
		return "fatal"
	case KindConfig:
		return "config"
	case KindUsage:
		return "usage"
	default:
		return "unknown"
	}
}

// Error carries a failure kind and the operation that produced it.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return e.Op
}

func (e *Error) Unwrap() error {
	return e.Err
}

// WrapError creates an Error with an underlying cause.
func WrapError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in the chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsKind reports whether err carries kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// ExitCode returns the process exit code for err.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err) {
	case KindConfig:
		return ExitConfig
	case KindUsage:
		return ExitUsage
	default:
		return ExitRuntime
	}
}
