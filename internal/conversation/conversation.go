// Package conversation provides the append-only transcript implementation
// backing the engine's Conversation port.
package conversation

import (
	"sync"
	"time"

	"github.com/loomworks/loom/pkg/models"
)

// Transcript is a mutex-guarded, append-only list of role-tagged entries.
type Transcript struct {
	mu      sync.RWMutex
	entries []models.Message
}

// New creates an empty Transcript.
func New() *Transcript {
	return &Transcript{}
}

// Append adds an entry to the transcript, stamping it if unstamped.
func (t *Transcript) Append(msg models.Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, msg)
}

// Messages returns a copy of the transcript in append order.
func (t *Transcript) Messages() []models.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]models.Message, len(t.entries))
	copy(out, t.entries)
	return out
}

// Last returns a copy of the most recent entry, or nil if the transcript is
// empty.
func (t *Transcript) Last() *models.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.entries) == 0 {
		return nil
	}
	last := t.entries[len(t.entries)-1]
	return &last
}

// Len returns the number of entries.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
