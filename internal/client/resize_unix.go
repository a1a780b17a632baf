//go:build !windows

package client

import (
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/remote-agent-terminal/shellhost/internal/model"
)

// watchResize calls fn with the new size of the terminal fd on every
// SIGWINCH until the returned stop func is called.
func watchResize(fd int, fn func(model.Size)) (stop func()) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)
	go func() {
		for range sigCh {
			w, h, err := term.GetSize(fd)
			if err == nil {
				fn(model.Size{Cols: uint16(w), Rows: uint16(h)})
			}
		}
	}()
	return func() {
		signal.Stop(sigCh)
		close(sigCh)
	}
}
