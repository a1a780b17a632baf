package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/remote-agent-terminal/shellhost/internal/command"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 8192
)

// ServeHTTP upgrades the request and serves the client until it
// disconnects.
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := b.HandleConnection(w, r); err != nil {
		b.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
	}
}

// HandleConnection upgrades the HTTP connection and starts the read and
// write pumps. It returns once the pumps are running.
func (b *Bus) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		http.Error(w, ErrBusClosed.Error(), http.StatusServiceUnavailable)
		return nil
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(conn)
	b.Register(client)
	b.log.Debug("bus client connected", "client", client.ID(), "remote", r.RemoteAddr)

	go b.writePump(client)
	go b.readPump(client)
	return nil
}

// handleMessage processes one message from a client.
func (b *Bus) handleMessage(ctx context.Context, client *Client, msg *Message) {
	switch msg.Type {
	case MessageTypeSubscribe:
		if msg.Event == "" {
			b.replyError(client, msg.ID, "subscribe requires an event name")
			return
		}
		b.subscribe(client, msg.Event)
	case MessageTypeUnsubscribe:
		client.Unsubscribe(msg.Event)
	case MessageTypeInvoke:
		b.handleInvoke(ctx, client, msg)
	case MessageTypePing:
		client.SendMessage(&Message{Type: MessageTypePong, ID: msg.ID})
	default:
		b.replyError(client, msg.ID, "unknown message type: "+string(msg.Type))
	}
}

// handleInvoke runs a command and replies with a result message
// carrying the same id. Commands from one client run in order.
func (b *Bus) handleInvoke(ctx context.Context, client *Client, msg *Message) {
	b.mu.RLock()
	inv := b.invoker
	b.mu.RUnlock()

	reply := &Message{Type: MessageTypeResult, ID: msg.ID}
	if inv == nil {
		reply.Error = "commands are not available"
		client.SendMessage(reply)
		return
	}

	result, err := inv.Invoke(ctx, msg.Command, msg.Args)
	if err != nil {
		reply.Error = command.ErrorString(err)
		client.SendMessage(reply)
		return
	}

	raw, err := json.Marshal(result)
	if err != nil {
		reply.Error = err.Error()
	} else {
		reply.Result = raw
	}
	client.SendMessage(reply)
}

func (b *Bus) replyError(client *Client, id, text string) {
	client.SendMessage(&Message{Type: MessageTypeError, ID: id, Error: text})
}

// readPump pumps messages from the WebSocket connection to the bus.
func (b *Bus) readPump(client *Client) {
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		b.Unregister(client)
		client.conn.Close()
		b.log.Debug("bus client disconnected", "client", client.ID())
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				b.log.Warn("websocket read failed", "client", client.ID(), "err", err)
			}
			break
		}

		var msg Message
		if err := json.Unmarshal(message, &msg); err != nil {
			b.log.Debug("failed to unmarshal message", "client", client.ID(), "err", err)
			b.replyError(client, "", "malformed message")
			continue
		}

		b.handleMessage(ctx, client, &msg)
	}
}

// writePump pumps messages from the bus to the WebSocket connection.
func (b *Bus) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The bus closed the channel
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One JSON message per frame.
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			n := len(client.SendChan())
			for i := 0; i < n; i++ {
				queued, ok := <-client.SendChan()
				if !ok {
					client.conn.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				client.conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := client.conn.WriteMessage(websocket.TextMessage, queued); err != nil {
					return
				}
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
