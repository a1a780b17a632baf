package session

import (
	"fmt"
	"sync/atomic"

	"github.com/remote-agent-terminal/shellhost/internal/model"
)

// IDScheme selects how session ids are assigned.
type IDScheme string

const (
	// IDSchemePID uses the child's process id. Ids are unique among
	// registered sessions but may be reused after a process exits.
	IDSchemePID IDScheme = "pid"

	// IDSchemeSequence uses an internal counter starting at 1; the
	// process id is kept only as metadata.
	IDSchemeSequence IDScheme = "sequence"
)

// ParseIDScheme validates s. The empty string selects IDSchemePID.
func ParseIDScheme(s string) (IDScheme, error) {
	switch IDScheme(s) {
	case "", IDSchemePID:
		return IDSchemePID, nil
	case IDSchemeSequence:
		return IDSchemeSequence, nil
	}
	return "", fmt.Errorf("unknown id scheme %q (want %q or %q)", s, IDSchemePID, IDSchemeSequence)
}

type idAllocator struct {
	scheme IDScheme
	seq    atomic.Int64
}

func (a *idAllocator) next(pid int) model.SessionID {
	if a.scheme == IDSchemeSequence {
		return model.SessionID(a.seq.Add(1))
	}
	return model.SessionID(pid)
}
