package ws

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/remote-agent-terminal/shellhost/internal/events"
	"github.com/remote-agent-terminal/shellhost/internal/model"
)

func newTestBus() *Bus {
	return NewBus(Config{Logger: slog.New(slog.DiscardHandler)})
}

func receive(t *testing.T, client *Client, timeout time.Duration) *Message {
	t.Helper()
	select {
	case data, ok := <-client.SendChan():
		if !ok {
			return nil
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("failed to unmarshal %q: %v", data, err)
		}
		return &msg
	case <-time.After(timeout):
		return nil
	}
}

type staticReplay map[model.SessionID]string

func (r staticReplay) Scrollback(id model.SessionID) ([]byte, error) {
	s, ok := r[id]
	if !ok {
		return nil, model.NewError(model.KindSessionNotFound, id, nil)
	}
	return []byte(s), nil
}

func newRequestWithOrigin(origin string) *http.Request {
	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req.Header.Set("Origin", origin)
	return req
}

func TestBusClientManagement(t *testing.T) {
	bus := newTestBus()

	a := NewClient(nil)
	b := NewClient(nil)
	bus.Register(a)
	bus.Register(b)
	if bus.ClientCount() != 2 {
		t.Fatalf("expected 2 clients, got %d", bus.ClientCount())
	}
	if a.ID() == b.ID() {
		t.Error("client ids must be unique")
	}

	bus.Unregister(a)
	if bus.ClientCount() != 1 {
		t.Errorf("expected 1 client, got %d", bus.ClientCount())
	}
	if !a.IsClosed() {
		t.Error("unregistered client should be closed")
	}

	bus.Close()
	if !b.IsClosed() {
		t.Error("Close should close remaining clients")
	}
	if err := bus.Emit(events.Closed, model.SessionID(1)); !errors.Is(err, ErrBusClosed) {
		t.Errorf("expected ErrBusClosed, got %v", err)
	}
}

func TestOutputGoesOnlyToSubscribers(t *testing.T) {
	bus := newTestBus()
	sub := NewClient(nil)
	other := NewClient(nil)
	bus.Register(sub)
	bus.Register(other)

	bus.subscribe(sub, events.Output(7))
	if err := bus.Emit(events.Output(7), "hello\n"); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}

	msg := receive(t, sub, 100*time.Millisecond)
	if msg == nil || msg.Type != MessageTypeEvent || msg.Event != "shell-output-7" {
		t.Fatalf("unexpected message %+v", msg)
	}
	var text string
	json.Unmarshal(msg.Payload, &text)
	if text != "hello\n" {
		t.Errorf("payload = %q", text)
	}

	if msg := receive(t, other, 50*time.Millisecond); msg != nil {
		t.Errorf("unsubscribed client received %+v", msg)
	}
}

func TestClosedEventGoesToEveryone(t *testing.T) {
	bus := newTestBus()
	clients := []*Client{NewClient(nil), NewClient(nil), NewClient(nil)}
	for _, c := range clients {
		bus.Register(c)
	}

	bus.Emit(events.Closed, model.SessionID(42))

	for i, c := range clients {
		msg := receive(t, c, 100*time.Millisecond)
		if msg == nil || msg.Event != events.Closed || string(msg.Payload) != "42" {
			t.Errorf("client %d: unexpected message %+v", i, msg)
		}
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()
	c := NewClient(nil)
	bus.Register(c)

	bus.subscribe(c, events.Output(3))
	c.Unsubscribe(events.Output(3))
	bus.Emit(events.Output(3), "x")

	if msg := receive(t, c, 50*time.Millisecond); msg != nil {
		t.Errorf("received %+v after unsubscribe", msg)
	}
}

func TestSubscribeReplaysScrollback(t *testing.T) {
	bus := newTestBus()
	bus.SetReplaySource(staticReplay{5: "$ ls\r\nfoo\r\n"})
	c := NewClient(nil)
	bus.Register(c)

	bus.subscribe(c, events.Output(5))
	msg := receive(t, c, 100*time.Millisecond)
	if msg == nil || msg.Type != MessageTypeHistory || msg.Event != "shell-output-5" {
		t.Fatalf("expected history message, got %+v", msg)
	}
	var text string
	json.Unmarshal(msg.Payload, &text)
	if text != "$ ls\r\nfoo\r\n" {
		t.Errorf("history = %q", text)
	}

	// Unknown sessions and non-output events replay nothing.
	bus.subscribe(c, events.Output(6))
	bus.subscribe(c, "custom")
	if msg := receive(t, c, 50*time.Millisecond); msg != nil {
		t.Errorf("unexpected replay %+v", msg)
	}
}

func TestSlowClientIsDisconnected(t *testing.T) {
	bus := newTestBus()
	slow := NewClient(nil)
	bus.Register(slow)
	bus.subscribe(slow, events.Output(1))

	for i := 0; i < cap(slow.send)+1; i++ {
		if err := bus.Emit(events.Output(1), "x"); err != nil {
			t.Fatalf("Emit must not fail for a slow client: %v", err)
		}
	}
	if !slow.IsClosed() {
		t.Error("client with a full queue should be closed")
	}
}

func TestCheckOrigin(t *testing.T) {
	if checkOrigin(nil) != nil {
		t.Error("empty list should keep the default check")
	}
	all := checkOrigin([]string{"http://a", "*"})
	req := newRequestWithOrigin("http://evil")
	if !all(req) {
		t.Error("* should accept every origin")
	}
	only := checkOrigin([]string{"http://a"})
	if only(req) || !only(newRequestWithOrigin("http://a")) {
		t.Error("explicit list should match exactly")
	}
}

// **Feature: event bus, Property 1: output routing**
// For any set of clients and subscriptions, an output event reaches
// exactly the clients subscribed to it, with the payload unchanged.
func TestOutputRoutingProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("events reach exactly the subscribers", prop.ForAll(
		func(subscribed []bool, data string) bool {
			bus := newTestBus()
			defer bus.Close()

			clients := make([]*Client, len(subscribed))
			for i, sub := range subscribed {
				clients[i] = NewClient(nil)
				bus.Register(clients[i])
				if sub {
					bus.subscribe(clients[i], events.Output(9))
				}
			}

			if err := bus.Emit(events.Output(9), data); err != nil {
				return false
			}

			for i, sub := range subscribed {
				select {
				case raw := <-clients[i].SendChan():
					if !sub {
						return false
					}
					var msg Message
					if json.Unmarshal(raw, &msg) != nil {
						return false
					}
					var got string
					if json.Unmarshal(msg.Payload, &got) != nil || got != data {
						return false
					}
				default:
					if sub {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOfN(6, gen.Bool()),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
