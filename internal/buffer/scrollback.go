// Package buffer keeps the most recent output of a shell session so
// late subscribers can be brought up to date.
package buffer

import "sync"

// Scrollback is a fixed-capacity circular byte buffer. Once full, each
// write overwrites the oldest bytes. It is safe for concurrent use.
type Scrollback struct {
	mu    sync.RWMutex
	buf   []byte
	start int // index of the oldest byte
	size  int
	total int64
}

// NewScrollback creates a Scrollback holding up to capacity bytes.
// A capacity below 1 is raised to 1.
func NewScrollback(capacity int) *Scrollback {
	if capacity < 1 {
		capacity = 1
	}
	return &Scrollback{buf: make([]byte, capacity)}
}

// Write implements io.Writer. It never fails.
func (s *Scrollback) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.total += int64(n)
	c := len(s.buf)
	if n >= c {
		copy(s.buf, p[n-c:])
		s.start, s.size = 0, c
		return n, nil
	}

	end := (s.start + s.size) % c
	k := copy(s.buf[end:], p)
	copy(s.buf, p[k:])

	s.size += n
	if s.size > c {
		s.start = (s.start + s.size - c) % c
		s.size = c
	}
	return n, nil
}

// Bytes returns a copy of the buffered bytes, oldest first.
func (s *Scrollback) Bytes() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.size == 0 {
		return nil
	}
	out := make([]byte, s.size)
	k := copy(out, s.buf[s.start:min(s.start+s.size, len(s.buf))])
	copy(out[k:], s.buf[:s.size-k])
	return out
}

// Reset discards the buffered bytes. Total is left untouched.
func (s *Scrollback) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.start, s.size = 0, 0
}

// Len returns the number of buffered bytes.
func (s *Scrollback) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

// Cap returns the capacity.
func (s *Scrollback) Cap() int {
	return len(s.buf)
}

// Total returns how many bytes were ever written.
func (s *Scrollback) Total() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}
