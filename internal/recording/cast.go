// Package recording writes shell sessions as asciinema v2 casts.
package recording

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/remote-agent-terminal/shellhost/internal/model"
)

// Event types written to a cast.
const (
	EventOutput = "o"
	EventInput  = "i"
	EventResize = "r"
)

// ErrClosed is returned when writing to a closed Recorder.
var ErrClosed = errors.New("recording is closed")

// Header is the first line of an asciinema v2 cast.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is one line after the header: [offset, type, data].
type Event struct {
	Offset float64
	Type   string
	Data   string
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Offset, e.Type, e.Data})
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []json.RawMessage
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event: expected 3 elements, got %d", len(arr))
	}
	if err := json.Unmarshal(arr[0], &e.Offset); err != nil {
		return fmt.Errorf("invalid event offset: %w", err)
	}
	if err := json.Unmarshal(arr[1], &e.Type); err != nil {
		return fmt.Errorf("invalid event type: %w", err)
	}
	if err := json.Unmarshal(arr[2], &e.Data); err != nil {
		return fmt.Errorf("invalid event data: %w", err)
	}
	return nil
}

// Recorder appends events to a cast. All methods are safe for
// concurrent use; writes after Close return ErrClosed.
type Recorder struct {
	mu     sync.Mutex
	w      *bufio.Writer
	file   *os.File
	path   string
	start  time.Time
	closed bool
}

// Create opens dir/<key>.cast and writes the header for a terminal of size.
func Create(dir, key, shell string, size model.Size) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}
	path := filepath.Join(dir, key+".cast")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}

	r := newRecorder(f)
	r.file = f
	r.path = path
	if err := r.writeHeader(size, shell); err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}
	return r, nil
}

// NewWithWriter records to w. The caller owns w.
func NewWithWriter(w io.Writer, shell string, size model.Size) (*Recorder, error) {
	r := newRecorder(w)
	if err := r.writeHeader(size, shell); err != nil {
		return nil, err
	}
	return r, nil
}

func newRecorder(w io.Writer) *Recorder {
	return &Recorder{w: bufio.NewWriter(w), start: time.Now()}
}

func (r *Recorder) writeHeader(size model.Size, shell string) error {
	h := Header{
		Version:   2,
		Width:     int(size.Cols),
		Height:    int(size.Rows),
		Timestamp: r.start.Unix(),
		Env:       map[string]string{"SHELL": shell},
	}
	data, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := r.w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return r.w.Flush()
}

// Output records shell output.
func (r *Recorder) Output(data []byte) error {
	return r.write(EventOutput, string(data))
}

// Input records bytes written to the shell.
func (r *Recorder) Input(data []byte) error {
	return r.write(EventInput, string(data))
}

// Resize records a window size change as "COLSxROWS".
func (r *Recorder) Resize(size model.Size) error {
	return r.write(EventResize, strconv.Itoa(int(size.Cols))+"x"+strconv.Itoa(int(size.Rows)))
}

func (r *Recorder) write(typ, data string) error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	line, err := json.Marshal(Event{Offset: time.Since(r.start).Seconds(), Type: typ, Data: data})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := r.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return r.w.Flush()
}

// Path returns the cast file path, or "" for writer-backed recorders.
func (r *Recorder) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// Close flushes and closes the cast. Closing twice is a no-op.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	err := r.w.Flush()
	if r.file != nil {
		if cerr := r.file.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Read parses a cast from rd.
func Read(rd io.Reader) (Header, []Event, error) {
	var h Header
	var events []Event

	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	if !sc.Scan() {
		if err := sc.Err(); err != nil {
			return h, nil, err
		}
		return h, nil, errors.New("empty cast")
	}
	if err := json.Unmarshal(sc.Bytes(), &h); err != nil {
		return h, nil, fmt.Errorf("invalid header: %w", err)
	}
	for sc.Scan() {
		var e Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return h, events, err
		}
		events = append(events, e)
	}
	return h, events, sc.Err()
}
