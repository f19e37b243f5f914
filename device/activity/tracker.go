// Package activity records when each room participant was last heard from
// and how many consecutive reads of their feed have failed.
//
// The room's sweep loop asks the Tracker which addresses have gone idle
// (no activity for longer than IdleTimeout) or stale (MaxReadFailures
// consecutive read failures) and evicts them from the user directory.
package activity

import (
	"log/slog"
	"sync"
	"time"

	"github.com/kabili207/feedroom/core"
)

const (
	// DefaultIdleTimeout is how long a participant may stay silent before
	// being evicted.
	DefaultIdleTimeout = 5 * time.Minute

	// DefaultMaxReadFailures is the number of consecutive failed reads of a
	// participant's feed after which they are evicted.
	DefaultMaxReadFailures = 10
)

// Entry is the activity state of one address.
type Entry struct {
	// Timestamp is the last activity in Unix milliseconds.
	Timestamp int64
	ReadFails int
}

// TrackerConfig configures an activity Tracker.
type TrackerConfig struct {
	// IdleTimeout is the inactivity threshold. Default: 5 minutes.
	IdleTimeout time.Duration

	// MaxReadFailures is the failure threshold. Default: 10.
	MaxReadFailures int

	// Logger for activity events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Tracker is the activity table of a room.
type Tracker struct {
	cfg     TrackerConfig
	log     *slog.Logger
	mu      sync.Mutex
	entries map[core.Address]*Entry

	// nowFn returns Unix milliseconds; overridable for testing.
	nowFn func() int64
}

// NewTracker creates an activity tracker with the given configuration.
func NewTracker(cfg TrackerConfig) *Tracker {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.MaxReadFailures <= 0 {
		cfg.MaxReadFailures = DefaultMaxReadFailures
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:     cfg,
		log:     logger.WithGroup("activity"),
		entries: make(map[core.Address]*Entry),
		nowFn:   func() int64 { return time.Now().UnixMilli() },
	}
}

// SetNowFunc replaces the millisecond clock used by Seed, Register and
// RecordFailure.
func (t *Tracker) SetNowFunc(fn func() int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nowFn = fn
}

// Touch records activity at ts for addr and resets its failure count. The
// stored timestamp never moves backwards, so replaying old messages cannot
// make a participant look idle.
func (t *Tracker) Touch(addr core.Address, ts int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[addr]
	if !ok {
		t.entries[addr] = &Entry{Timestamp: ts}
		return
	}
	e.Timestamp = max(e.Timestamp, ts)
	e.ReadFails = 0
}

// Register records activity at the current time, as for a registration.
func (t *Tracker) Register(addr core.Address) {
	t.Touch(addr, t.now())
}

// Seed creates an entry stamped with the current time if addr has none.
// It reports whether an entry was created.
func (t *Tracker) Seed(addr core.Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[addr]; ok {
		return false
	}
	t.entries[addr] = &Entry{Timestamp: t.nowFn()}
	return true
}

// RecordFailure counts a failed read of addr's feed and returns the new
// consecutive failure count.
func (t *Tracker) RecordFailure(addr core.Address) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[addr]
	if !ok {
		e = &Entry{Timestamp: t.nowFn()}
		t.entries[addr] = e
	}
	e.ReadFails++
	return e.ReadFails
}

// Remove deletes the entry for addr.
func (t *Tracker) Remove(addr core.Address) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, addr)
}

// Get returns a copy of the entry for addr.
func (t *Tracker) Get(addr core.Address) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[addr]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of tracked addresses.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Expired returns the tracked addresses that are idle for longer than
// IdleTimeout at now (Unix ms) or have reached MaxReadFailures. Entries are
// not removed; the caller removes them once the eviction is published.
func (t *Tracker) Expired(now int64) []core.Address {
	t.mu.Lock()
	defer t.mu.Unlock()

	idle := t.cfg.IdleTimeout.Milliseconds()
	var out []core.Address
	for addr, e := range t.entries {
		switch {
		case now-e.Timestamp > idle:
			t.log.Debug("participant idle", "address", addr.String(), "last_seen", e.Timestamp)
			out = append(out, addr)
		case e.ReadFails >= t.cfg.MaxReadFailures:
			t.log.Debug("participant unreadable", "address", addr.String(), "fails", e.ReadFails)
			out = append(out, addr)
		}
	}
	return out
}

func (t *Tracker) now() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nowFn()
}
