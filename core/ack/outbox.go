// Package ack keeps the messages this participant wrote to its own feed
// until the message fan-in reads them back.
//
// The outbox does not run timers. Its owner calls Due on its own schedule
// and performs the returned re-writes itself, so a re-write goes through
// the same send path as the original write.
package ack

import (
	"bytes"
	"slices"
	"sync"
	"time"

	"github.com/kabili207/feedroom/core/dedupe"
)

const (
	// DefaultTimeout is how long a write may go unobserved before it is
	// due again.
	DefaultTimeout = 30 * time.Second

	// DefaultMaxResends is the number of re-writes after the first write.
	DefaultMaxResends = 3
)

// Config configures an Outbox.
type Config struct {
	// Timeout is the wait after each write. Default: 30 seconds.
	Timeout time.Duration

	// MaxResends is the number of re-writes after the first write.
	// Default: 3. Negative disables re-writes.
	MaxResends int
}

// Entry is an unconfirmed write.
type Entry[T any] struct {
	Key  dedupe.Key
	Item T
	// Writes counts the writes so far, the first one included.
	Writes int

	lastWrite time.Time
}

// Outbox holds unconfirmed writes keyed by message dedupe key.
type Outbox[T any] struct {
	cfg     Config
	mu      sync.Mutex
	entries map[dedupe.Key]*Entry[T]
}

// New creates an empty Outbox.
func New[T any](cfg Config) *Outbox[T] {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	switch {
	case cfg.MaxResends == 0:
		cfg.MaxResends = DefaultMaxResends
	case cfg.MaxResends < 0:
		cfg.MaxResends = 0
	}
	return &Outbox[T]{cfg: cfg, entries: make(map[dedupe.Key]*Entry[T])}
}

// Add records item as written at now. An entry under the same key is
// replaced and its write count reset.
func (o *Outbox[T]) Add(key dedupe.Key, item T, now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.entries[key] = &Entry[T]{Key: key, Item: item, Writes: 1, lastWrite: now}
}

// Confirm removes key and reports whether it was waiting.
func (o *Outbox[T]) Confirm(key dedupe.Key) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.entries[key]; !ok {
		return false
	}
	delete(o.entries, key)
	return true
}

// Drop removes key without confirming it.
func (o *Outbox[T]) Drop(key dedupe.Key) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.entries, key)
}

// Len returns the number of unconfirmed writes.
func (o *Outbox[T]) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// Due returns the entries whose timeout elapsed at now. Entries with
// re-writes left are returned in resend with Writes already incremented
// and stay in the outbox; the rest are removed and returned in expired.
// Results are ordered by their previous write time.
func (o *Outbox[T]) Due(now time.Time) (resend, expired []Entry[T]) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for key, e := range o.entries {
		if now.Sub(e.lastWrite) < o.cfg.Timeout {
			continue
		}
		if e.Writes > o.cfg.MaxResends {
			expired = append(expired, *e)
			delete(o.entries, key)
			continue
		}
		resend = append(resend, *e)
		e.Writes++
		e.lastWrite = now
		resend[len(resend)-1].Writes = e.Writes
	}
	slices.SortFunc(resend, compareEntries[T])
	slices.SortFunc(expired, compareEntries[T])
	return resend, expired
}

func compareEntries[T any](a, b Entry[T]) int {
	if c := a.lastWrite.Compare(b.lastWrite); c != 0 {
		return c
	}
	return bytes.Compare(a.Key[:], b.Key[:])
}
