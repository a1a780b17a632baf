package model

import (
	"fmt"
	"strconv"
	"time"
)

// SessionID identifies one open shell. Depending on the id scheme it is
// either the child's process id or an internal sequence number.
type SessionID int64

func (id SessionID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseSessionID parses the decimal form produced by String.
func ParseSessionID(s string) (SessionID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, &Error{Kind: KindInvalidArgument, Op: "session id", Err: fmt.Errorf("%q is not a positive integer", s)}
	}
	return SessionID(n), nil
}

// Size is a terminal size in character cells.
type Size struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// IsZero reports whether either dimension is unset.
func (s Size) IsZero() bool {
	return s.Cols == 0 || s.Rows == 0
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Cols, s.Rows)
}

// SessionStatus represents the lifecycle state of a shell.
type SessionStatus string

const (
	SessionStatusRunning SessionStatus = "running"
	// SessionStatusExited means the process ended on its own.
	SessionStatusExited SessionStatus = "exited"
	// SessionStatusClosed means a caller closed the session.
	SessionStatusClosed SessionStatus = "closed"
	// SessionStatusOrphaned marks history rows left running by a previous server process.
	SessionStatusOrphaned SessionStatus = "orphaned"
)

// CloseReason records which route ended a session.
type CloseReason string

const (
	ReasonClosed   CloseReason = "close"
	ReasonExited   CloseReason = "exit"
	ReasonEvicted  CloseReason = "evicted"
	ReasonShutdown CloseReason = "shutdown"
)

// SessionInfo is the metadata kept for a session. Key is unique across
// the lifetime of the history store even when ids are reused.
type SessionInfo struct {
	Key           string        `json:"key"`
	ID            SessionID     `json:"pid"`
	PID           int           `json:"processId"`
	Shell         string        `json:"shell"`
	Size          Size          `json:"size"`
	Status        SessionStatus `json:"status"`
	ExitCode      *int          `json:"exitCode,omitempty"`
	CloseReason   CloseReason   `json:"closeReason,omitempty"`
	RecordingPath string        `json:"-"`
	StartedAt     time.Time     `json:"startedAt"`
	EndedAt       *time.Time    `json:"endedAt,omitempty"`
}

// Duration returns how long the session ran, or has been running.
func (s *SessionInfo) Duration() time.Duration {
	if s.EndedAt != nil {
		return s.EndedAt.Sub(s.StartedAt)
	}
	return time.Since(s.StartedAt)
}

// HasRecording reports whether a cast file was written for the session.
func (s *SessionInfo) HasRecording() bool {
	return s.RecordingPath != ""
}
