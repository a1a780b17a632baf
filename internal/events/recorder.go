package events

import (
	"strings"
	"sync"
	"time"

	"github.com/remote-agent-terminal/shellhost/internal/model"
)

// Event is one published notification.
type Event struct {
	Name    string
	Payload any
}

// Recorder is a Sink that keeps every event in memory. It is used by
// tests and by embedders that poll instead of subscribing.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}

	// Err, if set, is returned from Emit after the event is recorded.
	Err error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{})}
}

// Emit implements Sink.
func (r *Recorder) Emit(event string, payload any) error {
	r.mu.Lock()
	r.events = append(r.events, Event{Name: event, Payload: payload})
	close(r.notify)
	r.notify = make(chan struct{})
	err := r.Err
	r.mu.Unlock()
	return err
}

// SetErr changes the error returned by later Emit calls.
func (r *Recorder) SetErr(err error) {
	r.mu.Lock()
	r.Err = err
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Output concatenates every output payload published for id.
func (r *Recorder) Output(id model.SessionID) string {
	name := Output(id)
	var b strings.Builder
	for _, e := range r.Events() {
		if e.Name == name {
			s, _ := e.Payload.(string)
			b.WriteString(s)
		}
	}
	return b.String()
}

// ClosedCount returns how many Closed events carried id.
func (r *Recorder) ClosedCount(id model.SessionID) int {
	n := 0
	for _, e := range r.Events() {
		if e.Name == Closed && e.Payload == id {
			n++
		}
	}
	return n
}

// WaitFor blocks until cond holds over the recorded events or timeout
// elapses. It reports whether cond held.
func (r *Recorder) WaitFor(timeout time.Duration, cond func([]Event) bool) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		r.mu.Lock()
		events := append([]Event(nil), r.events...)
		notify := r.notify
		r.mu.Unlock()

		if cond(events) {
			return true
		}
		select {
		case <-notify:
		case <-deadline.C:
			return false
		}
	}
}
