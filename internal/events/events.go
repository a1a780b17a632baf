// Package events names the notifications published for shell sessions
// and defines the sink they are published to.
package events

import (
	"errors"
	"strconv"
	"strings"

	"github.com/remote-agent-terminal/shellhost/internal/model"
)

const (
	// OutputPrefix prefixes the per-session output event name.
	OutputPrefix = "shell-output-"

	// Closed is published once per session when its process ends.
	// The payload is the session id.
	Closed = "shell_closed"
)

// Output returns the event name carrying output for id.
func Output(id model.SessionID) string {
	return OutputPrefix + id.String()
}

// ParseOutput extracts the session id from an output event name.
func ParseOutput(name string) (model.SessionID, bool) {
	rest, ok := strings.CutPrefix(name, OutputPrefix)
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || n <= 0 {
		return 0, false
	}
	return model.SessionID(n), true
}

// Sink publishes a named event with a payload to a consumer. Output
// events carry a string, Closed carries a model.SessionID.
type Sink interface {
	Emit(event string, payload any) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(event string, payload any) error

func (f SinkFunc) Emit(event string, payload any) error {
	return f(event, payload)
}

// Discard accepts and drops every event.
var Discard Sink = SinkFunc(func(string, any) error { return nil })

// Multi fans an event out to every sink. All sinks are attempted; the
// joined error of the failures is returned.
type Multi []Sink

func (m Multi) Emit(event string, payload any) error {
	var errs []error
	for _, s := range m {
		if err := s.Emit(event, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
