package events

import (
	"errors"
	"testing"
	"time"

	"github.com/remote-agent-terminal/shellhost/internal/model"
)

func TestOutputEventName(t *testing.T) {
	if got := Output(4242); got != "shell-output-4242" {
		t.Errorf("Output(4242) = %q", got)
	}

	id, ok := ParseOutput("shell-output-17")
	if !ok || id != 17 {
		t.Errorf("ParseOutput = %v, %v", id, ok)
	}

	for _, bad := range []string{"shell_closed", "shell-output-", "shell-output-x", "shell-output--3"} {
		if _, ok := ParseOutput(bad); ok {
			t.Errorf("ParseOutput(%q) unexpectedly succeeded", bad)
		}
	}
}

func TestMultiEmitsToAll(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	b.SetErr(errors.New("gone"))

	err := Multi{a, b}.Emit(Closed, model.SessionID(3))
	if err == nil {
		t.Fatal("expected joined error")
	}
	if a.ClosedCount(3) != 1 || b.ClosedCount(3) != 1 {
		t.Error("expected both sinks to receive the event")
	}
}

func TestRecorderOutputAndWait(t *testing.T) {
	r := NewRecorder()

	go func() {
		r.Emit(Output(1), "hel")
		r.Emit(Output(2), "other")
		r.Emit(Output(1), "lo\n")
	}()

	ok := r.WaitFor(time.Second, func([]Event) bool { return r.Output(1) == "hello\n" })
	if !ok {
		t.Fatalf("timed out, output = %q", r.Output(1))
	}
	if r.Output(2) != "other" {
		t.Errorf("Output(2) = %q", r.Output(2))
	}
}

func TestRecorderWaitForTimeout(t *testing.T) {
	r := NewRecorder()
	if r.WaitFor(20*time.Millisecond, func(e []Event) bool { return len(e) > 0 }) {
		t.Error("expected timeout")
	}
}

func TestDiscard(t *testing.T) {
	if err := Discard.Emit(Closed, model.SessionID(1)); err != nil {
		t.Errorf("Discard returned %v", err)
	}
}
