//go:build windows
// +build windows

package pty

import (
	"errors"

	"github.com/remote-agent-terminal/shellhost/internal/model"
)

// ErrUnsupported is returned by the native provider on platforms
// without /dev/ptmx.
var ErrUnsupported = errors.New("pseudo-terminals are not supported on this platform")

// Native is unavailable on Windows; Open always fails so the session
// manager reports a pty allocation error.
type Native struct{}

// NewNative creates the placeholder provider.
func NewNative() *Native {
	return &Native{}
}

func (n *Native) Open(size model.Size) (*Pair, error) {
	return nil, ErrUnsupported
}
