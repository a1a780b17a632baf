// Package command routes named operations with JSON arguments to the
// session manager. It is the boundary where typed errors become the
// display strings returned to a frontend.
package command

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/remote-agent-terminal/shellhost/internal/metrics"
	"github.com/remote-agent-terminal/shellhost/internal/model"
)

// Command names.
const (
	OpenShell   = "open_shell"
	WriteShell  = "write_to_shell"
	ResizeShell = "resize_shell"
	CloseShell  = "close_shell"
	ListShells  = "list_shells"
)

// Service is the subset of session.Manager the dispatcher drives.
type Service interface {
	Open(ctx context.Context, shell string, size model.Size) (model.SessionID, error)
	Write(id model.SessionID, data []byte) error
	Resize(id model.SessionID, size model.Size) error
	Close(id model.SessionID) error
	List() []model.SessionInfo
}

// OpenArgs are the arguments of open_shell.
type OpenArgs struct {
	Shell string `json:"shell"`
	Cols  uint16 `json:"cols"`
	Rows  uint16 `json:"rows"`
}

// WriteArgs are the arguments of write_to_shell.
type WriteArgs struct {
	PID  model.SessionID `json:"pid"`
	Text string          `json:"text"`
}

// ResizeArgs are the arguments of resize_shell.
type ResizeArgs struct {
	PID  model.SessionID `json:"pid"`
	Cols uint16          `json:"cols"`
	Rows uint16          `json:"rows"`
}

// CloseArgs are the arguments of close_shell.
type CloseArgs struct {
	PID model.SessionID `json:"pid"`
}

type handlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Dispatcher invokes commands by name.
type Dispatcher struct {
	svc      Service
	metrics  *metrics.Metrics
	log      *slog.Logger
	handlers map[string]handlerFunc
}

// NewDispatcher creates a dispatcher over svc. m and log may be nil.
func NewDispatcher(svc Service, m *metrics.Metrics, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	d := &Dispatcher{svc: svc, metrics: m, log: log}
	d.handlers = map[string]handlerFunc{
		OpenShell:   d.open,
		WriteShell:  d.write,
		ResizeShell: d.resize,
		CloseShell:  d.close,
		ListShells:  d.list,
	}
	return d
}

// Commands returns the supported command names, sorted.
func (d *Dispatcher) Commands() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke runs the named command. open_shell returns the new session
// id, list_shells the registered sessions, the rest return nil.
func (d *Dispatcher) Invoke(ctx context.Context, name string, args json.RawMessage) (any, error) {
	h, ok := d.handlers[name]
	if !ok {
		err := &model.Error{Kind: model.KindUnknownCommand, Op: name}
		d.metrics.CommandFailed(name, string(err.Kind))
		return nil, err
	}

	result, err := h(ctx, args)
	if err != nil {
		kind := model.KindOf(err)
		if kind == "" {
			kind = "INTERNAL"
		}
		d.metrics.CommandFailed(name, string(kind))
		return nil, err
	}
	return result, nil
}

// ErrorString converts an error to the text returned to the caller.
func ErrorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func decode(args json.RawMessage, v any) error {
	args = bytes.TrimSpace(args)
	if len(args) == 0 || bytes.Equal(args, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return &model.Error{Kind: model.KindInvalidArgument, Op: "arguments", Err: err}
	}
	return nil
}

func requirePID(id model.SessionID) error {
	if id <= 0 {
		return &model.Error{Kind: model.KindInvalidArgument, Op: "pid", Err: fmt.Errorf("must be positive, got %d", id)}
	}
	return nil
}

func (d *Dispatcher) open(ctx context.Context, raw json.RawMessage) (any, error) {
	var args OpenArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	return d.svc.Open(ctx, args.Shell, model.Size{Cols: args.Cols, Rows: args.Rows})
}

func (d *Dispatcher) write(_ context.Context, raw json.RawMessage) (any, error) {
	var args WriteArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := requirePID(args.PID); err != nil {
		return nil, err
	}
	return nil, d.svc.Write(args.PID, []byte(args.Text))
}

func (d *Dispatcher) resize(_ context.Context, raw json.RawMessage) (any, error) {
	var args ResizeArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := requirePID(args.PID); err != nil {
		return nil, err
	}
	if args.Cols == 0 || args.Rows == 0 {
		return nil, &model.Error{Kind: model.KindInvalidArgument, Op: "size", Err: errors.New("cols and rows must be positive")}
	}
	return nil, d.svc.Resize(args.PID, model.Size{Cols: args.Cols, Rows: args.Rows})
}

func (d *Dispatcher) close(_ context.Context, raw json.RawMessage) (any, error) {
	var args CloseArgs
	if err := decode(raw, &args); err != nil {
		return nil, err
	}
	if err := requirePID(args.PID); err != nil {
		return nil, err
	}
	return nil, d.svc.Close(args.PID)
}

func (d *Dispatcher) list(context.Context, json.RawMessage) (any, error) {
	return d.svc.List(), nil
}
