package session

import (
	"errors"
	"io"
	"unicode/utf8"

	"github.com/remote-agent-terminal/shellhost/internal/events"
	"github.com/remote-agent-terminal/shellhost/internal/model"
)

type readerState int

const (
	readerRunning readerState = iota
	readerDraining
	readerTerminated
)

func (s readerState) String() string {
	switch s {
	case readerRunning:
		return "running"
	case readerDraining:
		return "draining"
	case readerTerminated:
		return "terminated"
	}
	return "unknown"
}

// runReader pumps output from r into the sink until end-of-stream, a
// read error, or a sink failure. Its single exit action publishes the
// closed event and then removes the session from the registry, unless
// Close or a newer session with the same id got there first.
func (m *Manager) runReader(h *handle, r io.Reader) {
	defer h.pending.Done()
	defer close(h.readerDone)

	log := m.log.With("session", h.id)
	event := events.Output(h.id)
	buf := make([]byte, m.cfg.ReadBufferSize)

	state := readerRunning
	var cause error
	for state == readerRunning {
		n, err := r.Read(buf)
		if n > 0 {
			if perr := m.publish(h, event, buf[:n]); perr != nil {
				cause = perr
				state = readerDraining
				continue
			}
		}
		switch {
		case err != nil:
			if !errors.Is(err, io.EOF) {
				cause = err
			}
			state = readerDraining
		case n == 0:
			state = readerDraining
		}
	}

	if cause != nil {
		log.Debug("shell reader stopping", "state", state, "err", cause)
	} else {
		log.Debug("shell reached end of stream", "state", state)
	}

	if h.silenced.Load() {
		log.Debug("closed event suppressed for evicted shell")
	} else if err := m.cfg.Sink.Emit(events.Closed, h.id); err != nil {
		log.Error("failed to publish shell closed", "err", err)
	}
	if m.reg.removeHandle(h.id, h) {
		m.release(h, model.ReasonExited)
	}

	state = readerTerminated
	log.Info("shell reader finished", "state", state)
}

// publish forwards one chunk. Chunks that are not valid UTF-8 are
// dropped whole; a code point split across reads is lost.
func (m *Manager) publish(h *handle, event string, chunk []byte) error {
	if !utf8.Valid(chunk) {
		m.cfg.Metrics.Dropped()
		m.log.Debug("dropped output chunk that is not valid UTF-8", "session", h.id, "bytes", len(chunk))
		return nil
	}

	h.scrollback.Write(chunk)
	if err := h.recorder.Output(chunk); err != nil {
		m.log.Debug("failed to record output", "session", h.id, "err", err)
	}
	if err := m.cfg.Sink.Emit(event, string(chunk)); err != nil {
		return err
	}
	m.cfg.Metrics.Output(len(chunk))
	return nil
}
