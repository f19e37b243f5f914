package message

import (
	"sync"

	"github.com/kabili207/feedroom/core/dedupe"
)

// DefaultHistorySize is the number of messages a room keeps in memory.
const DefaultHistorySize = 300

// History is a bounded in-memory message buffer backed by a circular
// buffer. When full, the oldest received message is overwritten.
// Messages already seen (same timestamp and text) are not stored twice.
type History struct {
	mu       sync.RWMutex
	msgs     []Data
	capacity int
	head     int // next write position
	count    int // number of stored messages (up to capacity)
	seen     *dedupe.MessageDeduplicator
}

// NewHistory creates a history with the given capacity.
// If capacity is 0, DefaultHistorySize is used.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{
		msgs:     make([]Data, capacity),
		capacity: capacity,
		seen:     dedupe.NewWithCapacity(2 * capacity),
	}
}

// Add stores a message. It returns false if the message was a duplicate and
// nothing changed.
func (h *History) Add(d Data) bool {
	if h.seen.HasSeen(d.Timestamp, d.Message) {
		return false
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.msgs[h.head] = d
	h.head = (h.head + 1) % h.capacity
	if h.count < h.capacity {
		h.count++
	}
	return true
}

// Messages returns the stored messages ordered by timestamp.
func (h *History) Messages() []Data {
	h.mu.RLock()
	out := make([]Data, 0, h.count)
	start := h.oldestIndex()
	for i := 0; i < h.count; i++ {
		out = append(out, h.msgs[(start+i)%h.capacity])
	}
	h.mu.RUnlock()
	return Merge(out)
}

// Len returns the number of stored messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Clear removes all messages.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	clear(h.msgs)
	h.head = 0
	h.count = 0
	h.seen.Clear()
}

// oldestIndex returns the index of the oldest message in the circular
// buffer. Must be called with h.mu held.
func (h *History) oldestIndex() int {
	if h.count < h.capacity {
		return 0
	}
	return h.head
}
