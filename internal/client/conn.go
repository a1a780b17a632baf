// Package client talks to a shellhost event bus over a websocket. It
// backs the attach and list commands of the shellhost binary.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/remote-agent-terminal/shellhost/internal/ws"
)

// ErrClosed is returned by calls made after the connection ended.
var ErrClosed = errors.New("connection closed")

// RemoteError is a command failure reported by the server.
type RemoteError struct {
	Command string
	Message string
}

func (e *RemoteError) Error() string {
	return e.Command + ": " + e.Message
}

// Conn is a websocket connection to the bus. Calls may be made from
// any goroutine; events are read from Events.
type Conn struct {
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan *ws.Message
	err     error

	events chan *ws.Message
	done   chan struct{}
}

// Dial connects to the bus at url (ws:// or wss://).
func Dial(ctx context.Context, url string, log *slog.Logger) (*Conn, error) {
	if log == nil {
		log = slog.Default()
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			return nil, fmt.Errorf("failed to connect to %s: %s", url, resp.Status)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	c := &Conn{
		conn:    conn,
		log:     log,
		pending: make(map[string]chan *ws.Message),
		events:  make(chan *ws.Message, 256),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Events delivers event, history and unsolicited error messages. It is
// closed when the connection ends.
func (c *Conn) Events() <-chan *ws.Message {
	return c.events
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a close frame and tears the connection down.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Conn) send(msg *ws.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(msg)
}

// Call invokes command with args and decodes the result into result,
// which may be nil.
func (c *Conn) Call(ctx context.Context, command string, args, result any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return err
	}

	id := uuid.NewString()
	reply := make(chan *ws.Message, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return ErrClosed
	}
	c.pending[id] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.send(&ws.Message{Type: ws.MessageTypeInvoke, ID: id, Command: command, Args: raw}); err != nil {
		return err
	}

	select {
	case msg := <-reply:
		if msg.Error != "" {
			return &RemoteError{Command: command, Message: msg.Error}
		}
		if result == nil || len(msg.Result) == 0 {
			return nil
		}
		return json.Unmarshal(msg.Result, result)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Subscribe asks the bus for event. Output events are preceded by a
// history message when the shell has produced output already.
func (c *Conn) Subscribe(event string) error {
	return c.send(&ws.Message{Type: ws.MessageTypeSubscribe, Event: event})
}

// Unsubscribe stops delivery of event.
func (c *Conn) Unsubscribe(event string) error {
	return c.send(&ws.Message{Type: ws.MessageTypeUnsubscribe, Event: event})
}

func (c *Conn) readLoop() {
	var err error
	defer func() {
		c.mu.Lock()
		if err == nil {
			err = ErrClosed
		}
		c.err = err
		c.mu.Unlock()
		close(c.done)
		close(c.events)
	}()

	for {
		var msg ws.Message
		if err = c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				err = nil
			}
			return
		}

		switch msg.Type {
		case ws.MessageTypeResult, ws.MessageTypeError:
			if c.deliver(&msg) {
				continue
			}
			if msg.Type == ws.MessageTypeResult {
				c.log.Debug("dropping unmatched result", "id", msg.ID)
				continue
			}
		case ws.MessageTypePong:
			continue
		}
		c.events <- &msg
	}
}

// deliver hands a reply to the call waiting on its id.
func (c *Conn) deliver(msg *ws.Message) bool {
	if msg.ID == "" {
		return false
	}
	c.mu.Lock()
	reply, ok := c.pending[msg.ID]
	c.mu.Unlock()
	if ok {
		reply <- msg
	}
	return ok
}
