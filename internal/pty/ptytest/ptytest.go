// Package ptytest provides an in-memory pty.Provider for tests.
//
// Every step of session setup can be made to fail, and each allocated
// Terminal lets a test play the shell: emit output, inspect input, and
// exit.
package ptytest

import (
	"bytes"
	"errors"
	"io"
	"runtime"
	"sync"

	"github.com/remote-agent-terminal/shellhost/internal/model"
	"github.com/remote-agent-terminal/shellhost/internal/pty"
)

// Provider is a scriptable pty.Provider. Zero value is ready to use;
// process ids start at 1000 unless PIDs is set.
type Provider struct {
	OpenErr   error
	SpawnErr  error
	NoPID     bool
	ReaderErr error
	WriterErr error

	// PIDs, if set, is consumed in order before falling back to the counter.
	PIDs []int

	mu        sync.Mutex
	nextPID   int
	terminals []*Terminal
}

var _ pty.Provider = (*Provider)(nil)

// Open implements pty.Provider.
func (p *Provider) Open(size model.Size) (*pty.Pair, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.OpenErr != nil {
		return nil, p.OpenErr
	}

	outR, outW := io.Pipe()
	t := &Terminal{
		provider: p,
		size:     size,
		outR:     outR,
		outW:     outW,
		exited:   make(chan struct{}),
	}
	p.terminals = append(p.terminals, t)

	return &pty.Pair{
		Master: &master{t: t},
		Slave:  &slave{t: t},
	}, nil
}

func (p *Provider) allocPID() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.PIDs) > 0 {
		pid := p.PIDs[0]
		p.PIDs = p.PIDs[1:]
		return pid
	}
	if p.nextPID == 0 {
		p.nextPID = 1000
	}
	p.nextPID++
	return p.nextPID
}

// Terminals returns every terminal allocated so far.
func (p *Provider) Terminals() []*Terminal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Terminal(nil), p.terminals...)
}

// Terminal returns the most recent terminal whose child has pid.
func (p *Provider) Terminal(pid int) *Terminal {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := len(p.terminals) - 1; i >= 0; i-- {
		if p.terminals[i].PID() == pid {
			return p.terminals[i]
		}
	}
	return nil
}

// Terminal plays the shell side of one allocated pseudo-terminal.
type Terminal struct {
	provider *Provider

	outR *io.PipeReader
	outW *io.PipeWriter

	mu           sync.Mutex
	pid          int
	command      pty.Command
	size         model.Size
	input        bytes.Buffer
	masterClosed bool
	killed       bool

	// WriteErr and ResizeErr make the corresponding master calls fail.
	WriteErr  error
	ResizeErr error

	exitOnce sync.Once
	exitCode int
	exited   chan struct{}
}

// Emit writes output as if the shell printed it. It blocks until the
// session's reader consumes it.
func (t *Terminal) Emit(data []byte) error {
	_, err := t.outW.Write(data)
	return err
}

// EmitString is Emit for text.
func (t *Terminal) EmitString(s string) error {
	return t.Emit([]byte(s))
}

// Exit ends the child with code and signals end-of-stream to readers.
func (t *Terminal) Exit(code int) {
	t.exitOnce.Do(func() {
		t.mu.Lock()
		t.exitCode = code
		t.mu.Unlock()
		t.outW.Close()
		close(t.exited)
	})
}

// Input returns every byte written to the master so far.
func (t *Terminal) Input() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.input.String()
}

// PID returns the child's pid, or 0 before spawn.
func (t *Terminal) PID() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pid
}

// Command returns what was spawned on the terminal.
func (t *Terminal) Command() pty.Command {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.command
}

// CurrentSize returns the window size last applied.
func (t *Terminal) CurrentSize() model.Size {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.size
}

// MasterClosed reports whether the master side was released.
func (t *Terminal) MasterClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.masterClosed
}

// Killed reports whether the child was killed.
func (t *Terminal) Killed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.killed
}

// Exited is closed once the child has exited.
func (t *Terminal) Exited() <-chan struct{} {
	return t.exited
}

type master struct {
	t *Terminal

	mu          sync.Mutex
	writerTaken bool
}

func (m *master) Reader() (io.Reader, error) {
	if err := m.t.provider.ReaderErr; err != nil {
		return nil, err
	}
	return m.t.outR, nil
}

func (m *master) Writer() (io.Writer, error) {
	if err := m.t.provider.WriterErr; err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writerTaken {
		return nil, errors.New("writer already taken")
	}
	m.writerTaken = true
	return &writer{t: m.t}, nil
}

func (m *master) Resize(size model.Size) error {
	m.t.mu.Lock()
	defer m.t.mu.Unlock()
	if m.t.ResizeErr != nil {
		return m.t.ResizeErr
	}
	m.t.size = size
	return nil
}

func (m *master) Size() (model.Size, error) {
	return m.t.CurrentSize(), nil
}

func (m *master) Close() error {
	m.t.mu.Lock()
	m.t.masterClosed = true
	m.t.mu.Unlock()
	return m.t.outR.CloseWithError(io.ErrClosedPipe)
}

// writer stores one byte at a time and yields between bytes, so
// unsynchronized concurrent writers would visibly interleave.
type writer struct {
	t *Terminal
}

func (w *writer) Write(b []byte) (int, error) {
	for i := range b {
		w.t.mu.Lock()
		if w.t.WriteErr != nil {
			err := w.t.WriteErr
			w.t.mu.Unlock()
			return i, err
		}
		if w.t.masterClosed {
			w.t.mu.Unlock()
			return i, io.ErrClosedPipe
		}
		w.t.input.WriteByte(b[i])
		w.t.mu.Unlock()
		runtime.Gosched()
	}
	return len(b), nil
}

type slave struct {
	t *Terminal
}

func (s *slave) Spawn(cmd pty.Command) (pty.Child, error) {
	if err := s.t.provider.SpawnErr; err != nil {
		return nil, err
	}
	pid := 0
	if !s.t.provider.NoPID {
		pid = s.t.provider.allocPID()
	}
	s.t.mu.Lock()
	s.t.pid = pid
	s.t.command = cmd
	s.t.mu.Unlock()
	return &child{t: s.t}, nil
}

func (s *slave) Close() error { return nil }

type child struct {
	t *Terminal
}

func (c *child) PID() (int, bool) {
	pid := c.t.PID()
	return pid, pid > 0
}

func (c *child) Wait() (int, error) {
	<-c.t.exited
	c.t.mu.Lock()
	defer c.t.mu.Unlock()
	return c.t.exitCode, nil
}

func (c *child) Kill() error {
	c.t.mu.Lock()
	c.t.killed = true
	c.t.mu.Unlock()
	c.t.Exit(-1)
	return nil
}
