package room

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/kabili207/feedroom/core"
	"github.com/kabili207/feedroom/core/user"
)

// entry is a known participant. Inactive entries are users that were
// evicted or dropped by an overwrite commit; they keep their cursor so a
// rejoin resumes where reading stopped.
type entry struct {
	user   user.User
	index  int64
	active bool
}

// change is the effect of a directory commit, computed before any network
// I/O and applied afterwards.
type change struct {
	fresh    []user.User    // never seen before, need a cursor
	rejoined []user.User    // known but inactive
	dropped  []core.Address // active, removed by the commit
}

func (c change) empty() bool {
	return len(c.fresh) == 0 && len(c.rejoined) == 0 && len(c.dropped) == 0
}

// directory is the room's single owned user store. Callers that produce or
// apply commits hold Room.commitMu; fan-in only moves cursors.
type directory struct {
	mu      sync.RWMutex
	entries map[core.Address]*entry
	order   []core.Address // first-seen order

	// cursor is the last consensus feed index applied, -1 before any.
	cursor int64

	// published is the active set as of the last applied commit.
	published mapset.Set[core.Address]
}

func newDirectory() *directory {
	return &directory{
		entries:   make(map[core.Address]*entry),
		cursor:    -1,
		published: mapset.NewThreadUnsafeSet[core.Address](),
	}
}

// active returns the active participants in first-seen order.
func (d *directory) active() []user.WithIndex {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]user.WithIndex, 0, len(d.order))
	for _, addr := range d.order {
		if e := d.entries[addr]; e.active {
			out = append(out, user.WithIndex{User: e.user, Index: e.index})
		}
	}
	return out
}

// activeUsers returns the active users without cursors.
func (d *directory) activeUsers() []user.User {
	ws := d.active()
	out := make([]user.User, len(ws))
	for i, w := range ws {
		out[i] = w.User
	}
	return out
}

func (d *directory) isActive(addr core.Address) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[addr]
	return ok && e.active
}

// lookup returns the entry for addr, active or not.
func (d *directory) lookup(addr core.Address) (user.WithIndex, bool, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.entries[addr]
	if !ok {
		return user.WithIndex{}, false, false
	}
	return user.WithIndex{User: e.user, Index: e.index}, e.active, true
}

// advance moves addr's cursor from one value to another. It fails if the
// cursor changed in between.
func (d *directory) advance(addr core.Address, from, to int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[addr]
	if !ok || e.index != from {
		return false
	}
	e.index = to
	return true
}

func (d *directory) consensusCursor() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cursor
}

func (d *directory) setConsensusCursor(i int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cursor = i
}

// publishedSet returns a copy of the active set of the last commit.
func (d *directory) publishedSet() mapset.Set[core.Address] {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.published.Clone()
}

// diff partitions users against the directory. With replace set, active
// users absent from users are dropped.
func (d *directory) diff(users []user.User, replace bool) change {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var c change
	incoming := make(map[core.Address]struct{}, len(users))
	for _, u := range users {
		incoming[u.Address] = struct{}{}
		e, ok := d.entries[u.Address]
		switch {
		case !ok:
			c.fresh = append(c.fresh, u)
		case !e.active:
			c.rejoined = append(c.rejoined, u)
		}
	}
	if replace {
		for _, addr := range d.order {
			if _, keep := incoming[addr]; !keep && d.entries[addr].active {
				c.dropped = append(c.dropped, addr)
			}
		}
	}
	return c
}

// apply mutates the directory. cursors holds the resolved feed cursor of
// every fresh user; missing ones are unknown.
func (d *directory) apply(c change, cursors map[core.Address]int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, u := range c.fresh {
		if _, ok := d.entries[u.Address]; ok {
			continue
		}
		idx, ok := cursors[u.Address]
		if !ok {
			idx = user.UnknownIndex
		}
		d.entries[u.Address] = &entry{user: u, index: idx, active: true}
		d.order = append(d.order, u.Address)
	}
	for _, u := range c.rejoined {
		if e, ok := d.entries[u.Address]; ok {
			e.user = u
			e.active = true
		}
	}
	for _, addr := range c.dropped {
		if e, ok := d.entries[addr]; ok {
			e.active = false
		}
	}

	d.published.Clear()
	for _, addr := range d.order {
		if d.entries[addr].active {
			d.published.Add(addr)
		}
	}
}
