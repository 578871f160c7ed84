package pattern

import "sync"

// SessionBuffer is the bounded in-memory sliding window the tracker
// keeps of recently-observed agent ids. RecordSequence checks the
// reported candidate sequence against this window's tail before writing
// a detected_sequences audit row, confirming the candidate is what was
// actually just observed rather than writing the row unconditionally.
// It is never the source of truth for promotion decisions — the
// workflow_patterns table is, and its call_count/last_called columns are
// always updated regardless of what this buffer reports.
type SessionBuffer struct {
	mu       sync.Mutex
	capacity int
	items    []string
}

// NewSessionBuffer creates a buffer trimmed to capacity entries.
func NewSessionBuffer(capacity int) *SessionBuffer {
	if capacity < 1 {
		capacity = 1
	}
	return &SessionBuffer{capacity: capacity}
}

// Observe appends agentID, trimming the oldest entries once the buffer
// exceeds its capacity.
func (b *SessionBuffer) Observe(agentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, agentID)
	if len(b.items) > b.capacity {
		b.items = b.items[len(b.items)-b.capacity:]
	}
}

// Snapshot returns a copy of the buffer's current contents, oldest
// first.
func (b *SessionBuffer) Snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.items))
	copy(out, b.items)
	return out
}

// Len reports the number of entries currently buffered.
func (b *SessionBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
