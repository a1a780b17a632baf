//go:build !windows
// +build !windows

package pty

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"

	"github.com/remote-agent-terminal/shellhost/internal/model"
)

// Native allocates real pseudo-terminals through /dev/ptmx.
type Native struct{}

// NewNative creates a provider backed by the operating system.
func NewNative() *Native {
	return &Native{}
}

// Open allocates a master/slave pair and applies the initial size.
func (n *Native) Open(size model.Size) (*Pair, error) {
	ptmx, slave, err := pty.Open()
	if err != nil {
		return nil, err
	}

	master, err := pollable(ptmx)
	if err != nil {
		slave.Close()
		return nil, err
	}

	m := &nativeMaster{f: master}
	if !size.IsZero() {
		if err := m.Resize(size); err != nil {
			master.Close()
			slave.Close()
			return nil, fmt.Errorf("failed to set window size: %w", err)
		}
	}

	return &Pair{
		Master: m,
		Slave:  &nativeSlave{f: slave},
	}, nil
}

// pollable replaces f with a non-blocking duplicate registered with the
// runtime poller, so Close wakes a goroutine blocked in Read. pty.Open
// leaves the master in blocking mode. f is closed.
func pollable(f *os.File) (*os.File, error) {
	defer f.Close()

	fd, err := unix.FcntlInt(f.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to duplicate pty master: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to make pty master non-blocking: %w", err)
	}
	return os.NewFile(uintptr(fd), f.Name()), nil
}

type nativeMaster struct {
	f *os.File

	mu          sync.Mutex
	writerTaken bool
}

// Reader shares the master descriptor; closing the master interrupts
// a pending read with os.ErrClosed.
func (m *nativeMaster) Reader() (io.Reader, error) {
	return masterReader{f: m.f}, nil
}

func (m *nativeMaster) Writer() (io.Writer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.writerTaken {
		return nil, errors.New("writer already taken")
	}
	m.writerTaken = true
	return m.f, nil
}

// Resize and Size go through SyscallConn: calling Fd would put the
// master back into blocking mode.
func (m *nativeMaster) Resize(size model.Size) error {
	return m.control(func(fd int) error {
		return unix.IoctlSetWinsize(fd, unix.TIOCSWINSZ, &unix.Winsize{Row: size.Rows, Col: size.Cols})
	})
}

func (m *nativeMaster) Size() (model.Size, error) {
	var size model.Size
	err := m.control(func(fd int) error {
		ws, err := unix.IoctlGetWinsize(fd, unix.TIOCGWINSZ)
		if err != nil {
			return err
		}
		size = model.Size{Cols: ws.Col, Rows: ws.Row}
		return nil
	})
	return size, err
}

func (m *nativeMaster) control(fn func(fd int) error) error {
	raw, err := m.f.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	if err := raw.Control(func(fd uintptr) { opErr = fn(int(fd)) }); err != nil {
		return err
	}
	return opErr
}

func (m *nativeMaster) Close() error {
	err := m.f.Close()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

type masterReader struct {
	f *os.File
}

func (r masterReader) Read(b []byte) (int, error) {
	return r.f.Read(b)
}

type nativeSlave struct {
	f *os.File
}

// Spawn starts cmd with the slave as its controlling terminal and
// closes the parent's copy of the slave.
func (s *nativeSlave) Spawn(c Command) (Child, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = c.Env
	if cmd.Env == nil {
		cmd.Env = os.Environ()
	}
	cmd.Dir = c.Dir
	cmd.Stdin = s.f
	cmd.Stdout = s.f
	cmd.Stderr = s.f
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	s.f.Close()

	return &nativeChild{cmd: cmd}, nil
}

func (s *nativeSlave) Close() error {
	err := s.f.Close()
	if errors.Is(err, os.ErrClosed) {
		return nil
	}
	return err
}

type nativeChild struct {
	cmd    *exec.Cmd
	reaped atomic.Bool
}

func (c *nativeChild) PID() (int, bool) {
	if c.cmd.Process == nil || c.cmd.Process.Pid <= 0 {
		return 0, false
	}
	return c.cmd.Process.Pid, true
}

func (c *nativeChild) Wait() (int, error) {
	err := c.cmd.Wait()
	c.reaped.Store(true)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

func (c *nativeChild) Kill() error {
	pid, ok := c.PID()
	if !ok || c.reaped.Load() {
		return nil
	}
	// The child leads its own session, so -pid addresses its whole group.
	_ = unix.Kill(-pid, unix.SIGHUP)
	err := c.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
