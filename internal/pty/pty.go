// Package pty abstracts pseudo-terminal allocation and process spawning.
//
// A Provider allocates a Pair. The Slave side spawns the child; the
// Master side hands out an independent reader, a single writer, and
// resize/size controls. Closing the master signals end-of-stream to
// any reader obtained from it.
package pty

import (
	"io"

	"github.com/remote-agent-terminal/shellhost/internal/model"
)

// Provider allocates pseudo-terminals.
type Provider interface {
	Open(size model.Size) (*Pair, error)
}

// Pair is a freshly allocated pseudo-terminal.
type Pair struct {
	Master Master
	Slave  Slave
}

// Close releases both sides. It is safe to call after the slave has
// already been handed to a child.
func (p *Pair) Close() error {
	var firstErr error
	if p.Slave != nil {
		if err := p.Slave.Close(); err != nil {
			firstErr = err
		}
	}
	if p.Master != nil {
		if err := p.Master.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Master is the controlling side of a pseudo-terminal.
type Master interface {
	// Reader returns a handle that reads the child's output. Reads
	// return an error or io.EOF once the master is closed.
	Reader() (io.Reader, error)

	// Writer hands out the input side. It may only be taken once.
	Writer() (io.Writer, error)

	// Resize changes the window size seen by the child.
	Resize(size model.Size) error

	// Size queries the current window size.
	Size() (model.Size, error)

	io.Closer
}

// Slave is the side the child process is attached to.
type Slave interface {
	Spawn(cmd Command) (Child, error)
	io.Closer
}

// Command describes the process to run on the slave side.
type Command struct {
	Path string
	Args []string

	// Env is the process environment. If nil, the current process
	// environment is used.
	Env []string

	// Dir is the working directory. If empty, the current directory is used.
	Dir string
}

// Child is a process spawned on a pseudo-terminal.
type Child interface {
	// PID returns the process id, or false if the platform could not supply one.
	PID() (int, bool)

	// Wait waits for the process to exit and returns the exit code.
	// Returns -1 if the process was killed by a signal.
	Wait() (int, error)

	// Kill hangs up the process group and then kills the process.
	Kill() error
}
