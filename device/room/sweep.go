package room

import (
	"context"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/kabili207/feedroom/core"
	"github.com/kabili207/feedroom/core/user"
)

// Sweep evicts participants that are idle or whose feed keeps failing to
// read. The directory is republished as an overwrite commit only when the
// resulting active set differs from the last published one. Overlapping
// calls return immediately.
func (r *Room) Sweep(ctx context.Context) error {
	if !r.sweeping.CompareAndSwap(false, true) {
		return nil
	}
	defer r.sweeping.Store(false)

	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	now := r.clk.Now()
	expired := mapset.NewThreadUnsafeSet(r.activity.Expired(now)...)

	users := r.dir.active()
	remaining := make([]user.User, 0, len(users))
	next := mapset.NewThreadUnsafeSet[core.Address]()
	var evicted []core.Address
	for _, u := range users {
		if expired.Contains(u.Address) {
			evicted = append(evicted, u.Address)
			continue
		}
		remaining = append(remaining, u.User)
		next.Add(u.Address)
	}

	if next.Equal(r.dir.publishedSet()) {
		return nil
	}

	if err := r.publishCommit(ctx, user.Commit{Users: remaining, Overwrite: true}); err != nil {
		return fmt.Errorf("publishing eviction: %w", err)
	}
	r.metrics.commits.WithLabelValues("evict").Inc()
	r.metrics.evictions.Add(float64(len(evicted)))

	r.dir.apply(change{dropped: evicted}, nil)
	for _, addr := range evicted {
		r.activity.Remove(addr)
		r.log.Info("evicted participant", "address", addr.String())
	}
	r.metrics.activeUsers.Set(float64(len(remaining)))
	return nil
}
