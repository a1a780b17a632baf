package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"
	"unicode/utf8"

	"golang.org/x/term"

	"github.com/remote-agent-terminal/shellhost/internal/command"
	"github.com/remote-agent-terminal/shellhost/internal/events"
	"github.com/remote-agent-terminal/shellhost/internal/model"
	"github.com/remote-agent-terminal/shellhost/internal/ws"
)

// AttachOptions configure Attach.
type AttachOptions struct {
	URL string

	// Shell to open; empty uses the server default.
	Shell string

	// Size of the new shell. Zero takes the size of Stdin when it is a
	// terminal, otherwise the server default.
	Size model.Size

	Stdin  io.Reader
	Stdout io.Writer
	Logger *slog.Logger
}

// Attach opens a shell on the server and connects it to Stdin and
// Stdout until the shell exits. When Stdin is a terminal it is put in
// raw mode and window size changes are forwarded. End of input closes
// the shell. Cancelling ctx closes the shell and returns ctx.Err().
func Attach(ctx context.Context, o AttachOptions) error {
	if o.Stdin == nil {
		o.Stdin = os.Stdin
	}
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	conn, err := Dial(ctx, o.URL, o.Logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	fd, isTerm := terminalFd(o.Stdin)
	if isTerm {
		if o.Size.IsZero() {
			if w, h, err := term.GetSize(fd); err == nil {
				o.Size = model.Size{Cols: uint16(w), Rows: uint16(h)}
			}
		}
		state, err := term.MakeRaw(fd)
		if err != nil {
			return err
		}
		defer term.Restore(fd, state)
	}

	var id model.SessionID
	args := command.OpenArgs{Shell: o.Shell, Cols: o.Size.Cols, Rows: o.Size.Rows}
	if err := conn.Call(ctx, command.OpenShell, args, &id); err != nil {
		return err
	}
	o.Logger.Debug("shell opened", "pid", id)

	output := events.Output(id)
	if err := conn.Subscribe(output); err != nil {
		return err
	}

	if isTerm {
		stop := watchResize(fd, func(size model.Size) {
			err := conn.Call(ctx, command.ResizeShell, command.ResizeArgs{PID: id, Cols: size.Cols, Rows: size.Rows}, nil)
			if err != nil {
				o.Logger.Debug("resize failed", "pid", id, "err", err)
			}
		})
		defer stop()
	}

	go forwardInput(ctx, conn, id, o.Stdin, o.Logger)

	for {
		select {
		case msg, ok := <-conn.Events():
			if !ok {
				return fmt.Errorf("shell %d: %w", id, conn.Err())
			}
			done, err := handleEvent(msg, id, output, o.Stdout)
			if err != nil || done {
				return err
			}
		case <-ctx.Done():
			closeShell(conn, id)
			return ctx.Err()
		}
	}
}

// handleEvent writes output for the attached shell and reports whether
// the shell has closed.
func handleEvent(msg *ws.Message, id model.SessionID, output string, stdout io.Writer) (bool, error) {
	switch msg.Type {
	case ws.MessageTypeEvent, ws.MessageTypeHistory:
		switch msg.Event {
		case output:
			var text string
			if err := json.Unmarshal(msg.Payload, &text); err != nil {
				return false, fmt.Errorf("bad output payload: %w", err)
			}
			_, err := io.WriteString(stdout, text)
			return false, err
		case events.Closed:
			var closed model.SessionID
			if err := json.Unmarshal(msg.Payload, &closed); err != nil {
				return false, fmt.Errorf("bad closed payload: %w", err)
			}
			return closed == id, nil
		}
	case ws.MessageTypeError:
		return false, errors.New(msg.Error)
	}
	return false, nil
}

// forwardInput writes everything read from r to the shell, closing the
// shell at end of input. A rune split across reads is held back until
// its remaining bytes arrive.
func forwardInput(ctx context.Context, conn *Conn, id model.SessionID, r io.Reader, log *slog.Logger) {
	buf := make([]byte, 1024)
	var carry []byte
	send := func(p []byte) bool {
		if len(p) == 0 {
			return true
		}
		args := command.WriteArgs{PID: id, Text: string(p)}
		if err := conn.Call(ctx, command.WriteShell, args, nil); err != nil {
			log.Debug("write failed", "pid", id, "err", err)
			return false
		}
		return true
	}

	for {
		n, err := r.Read(buf)
		if n > 0 {
			var complete []byte
			complete, carry = splitIncomplete(append(carry, buf[:n]...))
			carry = append([]byte(nil), carry...)
			if !send(complete) {
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug("stdin read failed", "err", err)
			}
			if send(carry) {
				closeShell(conn, id)
			}
			return
		}
	}
}

// splitIncomplete splits p before a trailing UTF-8 sequence that is cut
// short. Invalid bytes are not held back.
func splitIncomplete(p []byte) (complete, partial []byte) {
	for i := len(p) - 1; i >= 0 && i >= len(p)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(p[i]) {
			continue
		}
		if utf8.FullRune(p[i:]) {
			return p, nil
		}
		return p[:i], p[i:]
	}
	return p, nil
}

func closeShell(conn *Conn, id model.SessionID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn.Call(ctx, command.CloseShell, command.CloseArgs{PID: id}, nil)
}

func terminalFd(r io.Reader) (int, bool) {
	f, ok := r.(*os.File)
	if !ok {
		return 0, false
	}
	fd := int(f.Fd())
	return fd, term.IsTerminal(fd)
}

// List returns the shells registered on the server at url.
func List(ctx context.Context, url string, log *slog.Logger) ([]model.SessionInfo, error) {
	conn, err := Dial(ctx, url, log)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	var shells []model.SessionInfo
	if err := conn.Call(ctx, command.ListShells, nil, &shells); err != nil {
		return nil, err
	}
	return shells, nil
}
