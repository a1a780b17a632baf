package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a shell operation failure.
type ErrorKind string

const (
	KindPtyAllocation    ErrorKind = "PTY_ALLOCATION"
	KindSpawn            ErrorKind = "SPAWN"
	KindMissingProcessID ErrorKind = "MISSING_PROCESS_ID"
	KindIOHandle         ErrorKind = "IO_HANDLE"
	KindSessionNotFound  ErrorKind = "SESSION_NOT_FOUND"
	KindWrite            ErrorKind = "WRITE"
	KindResize           ErrorKind = "RESIZE"

	// Boundary kinds, produced by the command and HTTP layers.
	KindInvalidArgument ErrorKind = "INVALID_ARGUMENT"
	KindUnknownCommand  ErrorKind = "UNKNOWN_COMMAND"
	KindLimitExceeded   ErrorKind = "LIMIT_EXCEEDED"
)

var (
	// ErrPtyAllocation matches failures to allocate a pseudo-terminal.
	ErrPtyAllocation = &Error{Kind: KindPtyAllocation}

	// ErrSpawn matches failures to start the shell on the slave side.
	ErrSpawn = &Error{Kind: KindSpawn}

	// ErrMissingProcessID matches spawns that yielded no process id.
	ErrMissingProcessID = &Error{Kind: KindMissingProcessID}

	// ErrIOHandle matches failures to obtain the reader or writer of a master.
	ErrIOHandle = &Error{Kind: KindIOHandle}

	// ErrSessionNotFound is returned when no session is registered under an id.
	ErrSessionNotFound = &Error{Kind: KindSessionNotFound}

	// ErrWrite matches failed writes to a session.
	ErrWrite = &Error{Kind: KindWrite}

	// ErrResize matches failed resizes of a session.
	ErrResize = &Error{Kind: KindResize}

	ErrInvalidArgument = &Error{Kind: KindInvalidArgument}
	ErrUnknownCommand  = &Error{Kind: KindUnknownCommand}

	// ErrLimitExceeded is returned when the configured session limit is reached.
	ErrLimitExceeded = &Error{Kind: KindLimitExceeded}
)

// Error is the typed failure returned by every session operation.
// Session is zero when the failure happened before an id was known.
type Error struct {
	Kind    ErrorKind
	Session SessionID
	Op      string
	Err     error
}

// NewError creates an Error of the given kind.
func NewError(kind ErrorKind, id SessionID, err error) *Error {
	return &Error{Kind: kind, Session: id, Err: err}
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindPtyAllocation:
		return "failed to open pty: " + e.cause()
	case KindSpawn:
		return "failed to spawn shell: " + e.cause()
	case KindMissingProcessID:
		return "failed to get process id"
	case KindIOHandle:
		op := e.Op
		if op == "" {
			op = "obtain pty handle"
		}
		return fmt.Sprintf("failed to %s: %s", op, e.cause())
	case KindSessionNotFound:
		return fmt.Sprintf("no shell found with id %d", e.Session)
	case KindWrite:
		return fmt.Sprintf("failed to write to shell %d: %s", e.Session, e.cause())
	case KindResize:
		return fmt.Sprintf("failed to resize shell %d: %s", e.Session, e.cause())
	case KindUnknownCommand:
		return "unknown command: " + e.Op
	case KindLimitExceeded:
		return "concurrent shell limit exceeded: " + e.cause()
	}
	if e.Op != "" {
		return fmt.Sprintf("invalid %s: %s", e.Op, e.cause())
	}
	return "invalid argument: " + e.cause()
}

func (e *Error) cause() string {
	if e.Err == nil {
		return "unknown error"
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error of the same kind, so the
// package sentinels can be used with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
