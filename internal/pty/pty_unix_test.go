//go:build !windows
// +build !windows

package pty

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/remote-agent-terminal/shellhost/internal/model"
)

func openNative(t *testing.T, size model.Size) *Pair {
	t.Helper()
	if _, err := os.Stat("/dev/ptmx"); err != nil {
		t.Skip("no /dev/ptmx available")
	}
	pair, err := NewNative().Open(size)
	if err != nil {
		t.Skipf("cannot allocate pty: %v", err)
	}
	t.Cleanup(func() { pair.Close() })
	return pair
}

func TestNativeSpawnAndRead(t *testing.T) {
	pair := openNative(t, model.Size{Cols: 80, Rows: 24})

	child, err := pair.Slave.Spawn(Command{Path: "/bin/sh", Args: []string{"-c", "echo hello"}})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	if pid, ok := child.PID(); !ok || pid <= 0 {
		t.Fatalf("expected a pid, got %d %v", pid, ok)
	}

	r, err := pair.Master.Reader()
	if err != nil {
		t.Fatalf("Reader failed: %v", err)
	}

	out := make(chan string, 1)
	go func() {
		var buf bytes.Buffer
		chunk := make([]byte, 256)
		for {
			n, err := r.Read(chunk)
			buf.Write(chunk[:n])
			if err != nil || strings.Contains(buf.String(), "hello") {
				break
			}
		}
		out <- buf.String()
	}()

	select {
	case got := <-out:
		if !strings.Contains(got, "hello") {
			t.Errorf("output %q does not contain hello", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for output")
	}

	code, err := child.Wait()
	if err != nil {
		t.Fatalf("Wait failed: %v", err)
	}
	if code != 0 {
		t.Errorf("exit code = %d, want 0", code)
	}
}

func TestNativeResize(t *testing.T) {
	pair := openNative(t, model.Size{Cols: 80, Rows: 24})

	size, err := pair.Master.Size()
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if size != (model.Size{Cols: 80, Rows: 24}) {
		t.Errorf("initial size = %v, want 80x24", size)
	}

	if err := pair.Master.Resize(model.Size{Cols: 120, Rows: 40}); err != nil {
		t.Fatalf("Resize failed: %v", err)
	}
	size, err = pair.Master.Size()
	if err != nil {
		t.Fatalf("Size failed: %v", err)
	}
	if size != (model.Size{Cols: 120, Rows: 40}) {
		t.Errorf("size = %v, want 120x40", size)
	}
}

func TestNativeWriterTakenOnce(t *testing.T) {
	pair := openNative(t, model.Size{Cols: 80, Rows: 24})

	if _, err := pair.Master.Writer(); err != nil {
		t.Fatalf("first Writer failed: %v", err)
	}
	if _, err := pair.Master.Writer(); err == nil {
		t.Error("expected second Writer to fail")
	}
}

func TestNativeCloseInterruptsReader(t *testing.T) {
	pair := openNative(t, model.Size{Cols: 80, Rows: 24})

	child, err := pair.Slave.Spawn(Command{Path: "/bin/sh"})
	if err != nil {
		t.Fatalf("Spawn failed: %v", err)
	}
	defer child.Kill()

	r, _ := pair.Master.Reader()
	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, r)
		if err == nil {
			err = io.EOF
		}
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := pair.Master.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reader was not interrupted by Close")
	}
}
