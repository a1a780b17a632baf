//go:build windows

package client

import "github.com/remote-agent-terminal/shellhost/internal/model"

// watchResize is a no-op; Windows consoles do not raise SIGWINCH.
func watchResize(int, func(model.Size)) (stop func()) {
	return func() {}
}
