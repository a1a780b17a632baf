package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/remote-agent-terminal/shellhost/internal/events"
	"github.com/remote-agent-terminal/shellhost/internal/metrics"
	"github.com/remote-agent-terminal/shellhost/internal/model"
)

// MessageType represents the type of a bus message.
type MessageType string

const (
	// Client -> Server message types
	MessageTypeSubscribe   MessageType = "subscribe"
	MessageTypeUnsubscribe MessageType = "unsubscribe"
	MessageTypeInvoke      MessageType = "invoke"
	MessageTypePing        MessageType = "ping"

	// Server -> Client message types
	MessageTypeEvent   MessageType = "event"
	MessageTypeResult  MessageType = "result"
	MessageTypeHistory MessageType = "history"
	MessageTypePong    MessageType = "pong"
	MessageTypeError   MessageType = "error"
)

// Message is one JSON frame on the bus.
type Message struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event,omitempty"`
	Command string          `json:"command,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ErrBusClosed is returned by Emit after Close.
var ErrBusClosed = errors.New("event bus closed")

// Client represents a WebSocket client connection.
type Client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	subs   map[string]bool
	closed bool
}

// NewClient creates a new client. conn may be nil in tests that only
// read from SendChan.
func NewClient(conn *websocket.Conn) *Client {
	return &Client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, 256),
		subs: make(map[string]bool),
	}
}

// ID returns the client id.
func (c *Client) ID() string {
	return c.id
}

// Send queues a message to be sent to the client.
func (c *Client) Send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		// Buffer full, close the client
		c.closeLocked()
	}
}

// SendMessage marshals msg and queues it.
func (c *Client) SendMessage(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.Send(data)
	return nil
}

// Close closes the client's send queue.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Subscribe adds event to the client's subscriptions.
func (c *Client) Subscribe(event string) {
	c.mu.Lock()
	c.subs[event] = true
	c.mu.Unlock()
}

// Unsubscribe removes event from the client's subscriptions.
func (c *Client) Unsubscribe(event string) {
	c.mu.Lock()
	delete(c.subs, event)
	c.mu.Unlock()
}

// Subscribed reports whether the client receives event.
func (c *Client) Subscribed(event string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subs[event]
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// Invoker runs a named command; command.Dispatcher implements it.
type Invoker interface {
	Invoke(ctx context.Context, name string, args json.RawMessage) (any, error)
}

// ReplaySource supplies recent output for late subscribers.
type ReplaySource interface {
	Scrollback(id model.SessionID) ([]byte, error)
}

// Config holds configuration for the bus.
type Config struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// AllowedOrigins lists the Origin headers accepted on upgrade. Empty
	// keeps gorilla's same-origin check; "*" accepts any origin.
	AllowedOrigins []string
}

// Bus fans events out to websocket clients and routes their commands.
// It implements events.Sink.
type Bus struct {
	log      *slog.Logger
	metrics  *metrics.Metrics
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*Client]bool
	invoker Invoker
	replay  ReplaySource
	closed  bool
}

var _ events.Sink = (*Bus)(nil)

// NewBus creates an empty bus.
func NewBus(cfg Config) *Bus {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bus{
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
		},
		clients: make(map[*Client]bool),
	}
}

func checkOrigin(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return nil
	}
	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = true
	}
	return func(r *http.Request) bool {
		return set[r.Header.Get("Origin")]
	}
}

// SetInvoker sets where invoke messages are routed.
func (b *Bus) SetInvoker(inv Invoker) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.invoker = inv
}

// SetReplaySource sets where subscribe replays output from.
func (b *Bus) SetReplaySource(r ReplaySource) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.replay = r
}

// Register adds a client to the bus.
func (b *Bus) Register(client *Client) {
	b.mu.Lock()
	b.clients[client] = true
	b.mu.Unlock()
	b.metrics.ClientConnected(1)
}

// Unregister removes a client from the bus.
func (b *Bus) Unregister(client *Client) {
	b.mu.Lock()
	_, ok := b.clients[client]
	delete(b.clients, client)
	b.mu.Unlock()

	client.Close()
	if ok {
		b.metrics.ClientConnected(-1)
	}
}

// ClientCount returns the number of connected clients.
func (b *Bus) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Emit implements events.Sink. The closed event goes to every client,
// any other event only to its subscribers. A client that cannot keep
// up is disconnected rather than slowing the caller down.
func (b *Bus) Emit(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(&Message{Type: MessageTypeEvent, Event: event, Payload: raw})
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}

	broadcast := event == events.Closed
	for client := range b.clients {
		if broadcast || client.Subscribed(event) {
			client.Send(data)
		}
	}
	return nil
}

// subscribe registers the subscription and, for an output event,
// queues the scrollback as a history message. Both happen under the
// bus lock so no Emit can slip between them and be lost.
func (b *Bus) subscribe(client *Client, event string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	client.Subscribe(event)

	id, ok := events.ParseOutput(event)
	if !ok || b.replay == nil {
		return
	}
	history, err := b.replay.Scrollback(id)
	if err != nil || len(history) == 0 {
		return
	}
	payload, err := json.Marshal(string(history))
	if err != nil {
		return
	}
	if err := client.SendMessage(&Message{Type: MessageTypeHistory, Event: event, Payload: payload}); err != nil {
		b.log.Debug("failed to send history", "client", client.ID(), "err", err)
	}
}

// Close disconnects every client. Emit fails afterwards.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	clients := make([]*Client, 0, len(b.clients))
	for client := range b.clients {
		clients = append(clients, client)
	}
	b.clients = make(map[*Client]bool)
	b.mu.Unlock()

	for _, client := range clients {
		client.Close()
		b.metrics.ClientConnected(-1)
	}
}
