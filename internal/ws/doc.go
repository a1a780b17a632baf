// Package ws provides the websocket event bus that frontends connect to.
//
// The package implements:
//   - Bus: an events.Sink that fans shell events out to connected clients
//   - Client: one connection with its subscriptions and send queue
//   - the read and write pumps that carry JSON messages in both directions
//
// Protocol:
//   - subscribe / unsubscribe by event name; subscribing to a shell's
//     output event first replays its scrollback as a history message
//   - invoke runs a named command and is answered by a result message
//     with the same id
//   - shell_closed is delivered to every client
//   - a client whose send queue fills up is disconnected
package ws
