package session

import (
	"io"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/remote-agent-terminal/shellhost/internal/buffer"
	"github.com/remote-agent-terminal/shellhost/internal/model"
	"github.com/remote-agent-terminal/shellhost/internal/pty"
	"github.com/remote-agent-terminal/shellhost/internal/recording"
)

// handle owns the resources of one registered session. master and
// writer are only touched while the registry lock is held, or by
// release once the handle has left the registry.
type handle struct {
	id     model.SessionID
	master pty.Master
	writer io.Writer
	child  pty.Child

	scrollback *buffer.Scrollback
	recorder   *recording.Recorder

	mu   sync.Mutex
	info model.SessionInfo

	releaseOnce sync.Once
	pending     sync.WaitGroup // reader task and waiter
	readerDone  chan struct{}

	// silenced stops the reader publishing its closed event once the
	// id belongs to a newer session.
	silenced atomic.Bool
}

func (h *handle) snapshot() model.SessionInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	info := h.info
	if info.ExitCode != nil {
		code := *info.ExitCode
		info.ExitCode = &code
	}
	if info.EndedAt != nil {
		t := *info.EndedAt
		info.EndedAt = &t
	}
	return info
}

// registry maps session ids to handles under a single lock covering
// the whole map.
type registry struct {
	mu       sync.Mutex
	sessions map[model.SessionID]*handle

	// reserved counts opens past the limit check but not yet inserted.
	reserved int
}

func newRegistry() *registry {
	return &registry{sessions: make(map[model.SessionID]*handle)}
}

// reserve claims a slot for a session about to be opened, failing when
// limit (if positive) is reached. It returns the slots in use.
func (r *registry) reserve(limit int) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.sessions) + r.reserved
	if limit > 0 && n >= limit {
		return n, false
	}
	r.reserved++
	return n, true
}

func (r *registry) unreserve() {
	r.mu.Lock()
	r.reserved--
	r.mu.Unlock()
}

// insert stores h, consuming a reservation, and returns the handle it
// displaced, if any. fn runs under the lock after the insert.
func (r *registry) insert(h *handle, fn func()) (displaced *handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reserved--

	displaced = r.sessions[h.id]
	r.sessions[h.id] = h
	if fn != nil {
		fn()
	}
	return displaced
}

// with runs fn on the handle for id with the lock held for the whole
// call, so actions on one session are serialized.
func (r *registry) with(id model.SessionID, fn func(h *handle) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.sessions[id]
	if !ok {
		return model.NewError(model.KindSessionNotFound, id, nil)
	}
	return fn(h)
}

// remove deletes and returns the entry for id.
func (r *registry) remove(id model.SessionID) (*handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	return h, ok
}

// removeHandle deletes the entry for id only if it is still h. It is
// idempotent: removing an absent or replaced entry reports false.
func (r *registry) removeHandle(id model.SessionID, h *handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[id]; ok && cur == h {
		delete(r.sessions, id)
		return true
	}
	return false
}

func (r *registry) get(id model.SessionID) (*handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sessions[id]
	return h, ok
}

// drain empties the registry and returns the removed handles.
func (r *registry) drain() []*handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*handle, 0, len(r.sessions))
	for id, h := range r.sessions {
		out = append(out, h)
		delete(r.sessions, id)
	}
	return out
}

// list returns the registered handles ordered by id.
func (r *registry) list() []*handle {
	r.mu.Lock()
	out := make([]*handle, 0, len(r.sessions))
	for _, h := range r.sessions {
		out = append(out, h)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
