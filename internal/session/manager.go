// Package session owns the registry of open shells and their
// lifecycle: open, write, resize, close, and the background reader
// task that turns each shell's output into events.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/remote-agent-terminal/shellhost/internal/buffer"
	"github.com/remote-agent-terminal/shellhost/internal/events"
	"github.com/remote-agent-terminal/shellhost/internal/metrics"
	"github.com/remote-agent-terminal/shellhost/internal/model"
	"github.com/remote-agent-terminal/shellhost/internal/pty"
	"github.com/remote-agent-terminal/shellhost/internal/recording"
)

const (
	// DefaultReadBufferSize bounds one read from a shell.
	DefaultReadBufferSize = 4096

	// DefaultScrollbackSize is the scrollback kept per shell (64KB).
	DefaultScrollbackSize = 64 * 1024

	// DefaultShell is used when neither the caller nor the config names one.
	DefaultShell = "/bin/sh"

	// evictWait bounds how long Open waits for the reader of a stale
	// session with a reused id to publish its closed event.
	evictWait = 2 * time.Second
)

// ErrShutdown is returned by Open once Shutdown has started.
var ErrShutdown = errors.New("session manager is shut down")

// History persists a record per shell. Failures are logged and never
// fail the session operation.
type History interface {
	Create(ctx context.Context, info *model.SessionInfo) error
	MarkEnded(ctx context.Context, info *model.SessionInfo) error
}

// Config holds configuration for the session manager.
type Config struct {
	// Provider allocates pseudo-terminals. Required.
	Provider pty.Provider

	// Sink receives output and closure events. Defaults to events.Discard.
	Sink events.Sink

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	History History

	IDScheme IDScheme

	// Shell is spawned when Open is called with an empty shell.
	Shell string

	// DefaultSize fills in zero dimensions passed to Open.
	DefaultSize model.Size

	// Env and Dir are applied to every spawned shell.
	Env []string
	Dir string

	ReadBufferSize int
	ScrollbackSize int

	// RecordDir enables asciinema recordings when non-empty.
	RecordDir string

	// MaxSessions limits concurrently registered shells; 0 is unlimited.
	MaxSessions int
}

// Manager manages shell sessions.
type Manager struct {
	cfg Config
	log *slog.Logger
	reg *registry
	ids idAllocator

	tasks    sync.WaitGroup
	shutdown atomic.Bool
}

// NewManager creates a new session manager.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Provider == nil {
		return nil, errors.New("session: pty provider is required")
	}
	scheme, err := ParseIDScheme(string(cfg.IDScheme))
	if err != nil {
		return nil, err
	}
	if cfg.Sink == nil {
		cfg.Sink = events.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Shell == "" {
		cfg.Shell = DefaultShell
	}
	if cfg.DefaultSize.Cols == 0 {
		cfg.DefaultSize.Cols = 80
	}
	if cfg.DefaultSize.Rows == 0 {
		cfg.DefaultSize.Rows = 24
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	if cfg.ScrollbackSize <= 0 {
		cfg.ScrollbackSize = DefaultScrollbackSize
	}

	return &Manager{
		cfg: cfg,
		log: cfg.Logger,
		reg: newRegistry(),
		ids: idAllocator{scheme: scheme},
	}, nil
}

// Open spawns shell on a new pseudo-terminal of the given size and
// returns its session id. When Open returns, the session accepts
// write, resize and close, and its reader task is already running.
func (m *Manager) Open(ctx context.Context, shell string, size model.Size) (model.SessionID, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if m.shutdown.Load() {
		return 0, ErrShutdown
	}
	if n, ok := m.reg.reserve(m.cfg.MaxSessions); !ok {
		return 0, m.openFailed(model.NewError(model.KindLimitExceeded, 0, fmt.Errorf("%d of %d shells open", n, m.cfg.MaxSessions)))
	}
	reserved := true
	defer func() {
		if reserved {
			m.reg.unreserve()
		}
	}()

	if shell == "" {
		shell = m.cfg.Shell
	}
	if size.Cols == 0 {
		size.Cols = m.cfg.DefaultSize.Cols
	}
	if size.Rows == 0 {
		size.Rows = m.cfg.DefaultSize.Rows
	}

	pair, err := m.cfg.Provider.Open(size)
	if err != nil {
		return 0, m.openFailed(model.NewError(model.KindPtyAllocation, 0, err))
	}

	child, err := pair.Slave.Spawn(pty.Command{Path: shell, Env: m.cfg.Env, Dir: m.cfg.Dir})
	if err != nil {
		pair.Close()
		return 0, m.openFailed(model.NewError(model.KindSpawn, 0, err))
	}

	pid, ok := child.PID()
	if !ok {
		pair.Close()
		go child.Wait()
		return 0, m.openFailed(model.NewError(model.KindMissingProcessID, 0, nil))
	}

	reader, err := pair.Master.Reader()
	if err != nil {
		return 0, m.abandon(pair, child, pid, &model.Error{Kind: model.KindIOHandle, Op: "clone reader", Err: err})
	}
	writer, err := pair.Master.Writer()
	if err != nil {
		return 0, m.abandon(pair, child, pid, &model.Error{Kind: model.KindIOHandle, Op: "take writer", Err: err})
	}

	id := m.ids.next(pid)
	h := &handle{
		id:         id,
		master:     pair.Master,
		writer:     writer,
		child:      child,
		scrollback: buffer.NewScrollback(m.cfg.ScrollbackSize),
		readerDone: make(chan struct{}),
		info: model.SessionInfo{
			Key:       uuid.NewString(),
			ID:        id,
			PID:       pid,
			Shell:     shell,
			Size:      size,
			Status:    model.SessionStatusRunning,
			StartedAt: time.Now(),
		},
	}

	if m.cfg.RecordDir != "" {
		rec, err := recording.Create(m.cfg.RecordDir, h.info.Key, shell, size)
		if err != nil {
			m.log.Warn("shell will not be recorded", "session", id, "err", err)
		} else {
			h.recorder = rec
			h.info.RecordingPath = rec.Path()
		}
	}

	if m.cfg.History != nil {
		info := h.snapshot()
		if err := m.cfg.History.Create(ctx, &info); err != nil {
			m.log.Warn("failed to record shell history", "session", id, "err", err)
		}
	}

	m.tasks.Add(1)
	h.pending.Add(2)
	go func() {
		h.pending.Wait()
		m.finalize(h)
	}()

	// A stale session holding a reused id is released, and its closed
	// event published, before the id is handed out again.
	if stale, ok := m.reg.get(id); ok && m.reg.removeHandle(id, stale) {
		m.evict(stale)
	}

	// The reader starts under the registry lock, so its removal on
	// exit can never run before the insert.
	displaced := m.reg.insert(h, func() {
		go m.runReader(h, reader)
	})
	reserved = false
	go m.wait(h)
	m.cfg.Metrics.SessionOpened()

	if displaced != nil {
		// Lost a race with another Open of the same id; nothing may be
		// published for the id on this handle's behalf any more.
		displaced.silenced.Store(true)
		m.release(displaced, model.ReasonEvicted)
	}

	if m.shutdown.Load() {
		if m.reg.removeHandle(id, h) {
			m.release(h, model.ReasonShutdown)
		}
		return 0, ErrShutdown
	}

	m.log.Info("shell opened", "session", id, "pid", pid, "shell", shell, "size", size.String())
	return id, nil
}

// evict releases a stale session whose id was reused and waits, bounded
// by evictWait, for its reader to publish the closed event. A reader
// that misses the deadline is silenced so its event cannot be taken
// for the new session's.
func (m *Manager) evict(h *handle) {
	m.log.Warn("evicting stale shell with reused id", "session", h.id)
	m.release(h, model.ReasonEvicted)

	select {
	case <-h.readerDone:
	case <-time.After(evictWait):
		h.silenced.Store(true)
		m.log.Warn("stale shell reader did not stop in time", "session", h.id)
	}
}

func (m *Manager) openFailed(err *model.Error) error {
	m.cfg.Metrics.OpenFailed(string(err.Kind))
	return err
}

// abandon handles a failure after spawn: the master is released and
// the child is reaped in the background but no longer managed.
func (m *Manager) abandon(pair *pty.Pair, child pty.Child, pid int, err *model.Error) error {
	m.log.Debug("shell left running unmanaged", "pid", pid, "err", err)
	pair.Close()
	go child.Wait()
	return m.openFailed(err)
}

// Write sends data to the shell. The registry lock is held for the
// whole write, so concurrent writes to one session never interleave.
func (m *Manager) Write(id model.SessionID, data []byte) error {
	err := m.reg.with(id, func(h *handle) error {
		if err := writeAll(h.writer, data); err != nil {
			return model.NewError(model.KindWrite, id, err)
		}
		if err := h.recorder.Input(data); err != nil {
			m.log.Debug("failed to record input", "session", id, "err", err)
		}
		return nil
	})
	if err != nil {
		m.logFailure("write", id, err)
		return err
	}
	m.cfg.Metrics.Written(len(data))
	return nil
}

func writeAll(w io.Writer, data []byte) error {
	for len(data) > 0 {
		n, err := w.Write(data)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		data = data[n:]
	}
	return nil
}

// Resize changes the window size of the shell.
func (m *Manager) Resize(id model.SessionID, size model.Size) error {
	err := m.reg.with(id, func(h *handle) error {
		if err := h.master.Resize(size); err != nil {
			return model.NewError(model.KindResize, id, err)
		}
		h.mu.Lock()
		h.info.Size = size
		h.mu.Unlock()
		if err := h.recorder.Resize(size); err != nil {
			m.log.Debug("failed to record resize", "session", id, "err", err)
		}
		return nil
	})
	if err != nil {
		m.logFailure("resize", id, err)
	}
	return err
}

// Size queries the window size the pseudo-terminal currently reports.
func (m *Manager) Size(id model.SessionID) (model.Size, error) {
	var size model.Size
	err := m.reg.with(id, func(h *handle) error {
		s, err := h.master.Size()
		if err != nil {
			return model.NewError(model.KindResize, id, err)
		}
		size = s
		return nil
	})
	return size, err
}

// Close removes the session and releases its pseudo-terminal. It does
// not wait for the reader task to observe the end of the stream.
func (m *Manager) Close(id model.SessionID) error {
	h, ok := m.reg.remove(id)
	if !ok {
		err := model.NewError(model.KindSessionNotFound, id, nil)
		m.logFailure("close", id, err)
		return err
	}
	m.release(h, model.ReasonClosed)
	return nil
}

func (m *Manager) logFailure(op string, id model.SessionID, err error) {
	if errors.Is(err, model.ErrSessionNotFound) {
		m.log.Debug("shell not found", "op", op, "session", id)
		return
	}
	m.log.Debug("shell operation failed", "op", op, "session", id, "err", err)
}

// release frees everything a handle owns. It must only be called by
// whoever removed the handle from the registry.
func (m *Manager) release(h *handle, reason model.CloseReason) {
	h.releaseOnce.Do(func() {
		h.mu.Lock()
		h.info.CloseReason = reason
		h.mu.Unlock()

		if c, ok := h.writer.(io.Closer); ok {
			c.Close()
		}
		if err := h.master.Close(); err != nil {
			m.log.Debug("failed to close pty master", "session", h.id, "err", err)
		}
		if err := h.child.Kill(); err != nil {
			m.log.Debug("failed to kill shell", "session", h.id, "err", err)
		}
		m.cfg.Metrics.SessionClosed(string(reason))
		m.log.Info("shell released", "session", h.id, "reason", reason)
	})
}

// wait reaps the child and records its exit code.
func (m *Manager) wait(h *handle) {
	defer h.pending.Done()

	code, err := h.child.Wait()
	if err != nil {
		m.log.Debug("failed to wait for shell", "session", h.id, "err", err)
		return
	}
	h.mu.Lock()
	h.info.ExitCode = &code
	h.mu.Unlock()
	m.log.Debug("shell process exited", "session", h.id, "code", code)
}

// finalize runs once both the reader task and the waiter are done.
func (m *Manager) finalize(h *handle) {
	defer m.tasks.Done()

	now := time.Now()
	h.mu.Lock()
	h.info.EndedAt = &now
	if h.info.CloseReason == model.ReasonExited {
		h.info.Status = model.SessionStatusExited
	} else {
		h.info.Status = model.SessionStatusClosed
	}
	h.mu.Unlock()

	if err := h.recorder.Close(); err != nil {
		m.log.Warn("failed to close recording", "session", h.id, "err", err)
	}
	if m.cfg.History != nil {
		info := h.snapshot()
		if err := m.cfg.History.MarkEnded(context.Background(), &info); err != nil {
			m.log.Warn("failed to record shell end", "session", h.id, "err", err)
		}
	}
}

// Get returns the metadata of a registered session.
func (m *Manager) Get(id model.SessionID) (model.SessionInfo, error) {
	h, ok := m.reg.get(id)
	if !ok {
		return model.SessionInfo{}, model.NewError(model.KindSessionNotFound, id, nil)
	}
	return h.snapshot(), nil
}

// List returns the registered sessions ordered by id.
func (m *Manager) List() []model.SessionInfo {
	handles := m.reg.list()
	out := make([]model.SessionInfo, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.snapshot())
	}
	return out
}

// Len returns the number of registered sessions.
func (m *Manager) Len() int {
	return m.reg.len()
}

// Scrollback returns the recent output of a registered session.
func (m *Manager) Scrollback(id model.SessionID) ([]byte, error) {
	h, ok := m.reg.get(id)
	if !ok {
		return nil, model.NewError(model.KindSessionNotFound, id, nil)
	}
	return h.scrollback.Bytes(), nil
}

// RecordingPath returns the cast file of a registered session, or ""
// if it is not being recorded.
func (m *Manager) RecordingPath(id model.SessionID) (string, error) {
	h, ok := m.reg.get(id)
	if !ok {
		return "", model.NewError(model.KindSessionNotFound, id, nil)
	}
	return h.recorder.Path(), nil
}

// Done returns a channel closed when the session's reader task has
// terminated.
func (m *Manager) Done(id model.SessionID) (<-chan struct{}, error) {
	h, ok := m.reg.get(id)
	if !ok {
		return nil, model.NewError(model.KindSessionNotFound, id, nil)
	}
	return h.readerDone, nil
}

// Shutdown closes every session and waits, bounded by ctx, for their
// reader tasks and waiters to finish. Open fails once Shutdown starts.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.shutdown.Store(true)

	handles := m.reg.drain()
	for _, h := range handles {
		m.release(h, model.ReasonShutdown)
	}
	if len(handles) > 0 {
		m.log.Info("closed shells for shutdown", "count", len(handles))
	}

	done := make(chan struct{})
	go func() {
		m.tasks.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
