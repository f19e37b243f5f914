package room

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kabili207/feedroom/core"
	"github.com/kabili207/feedroom/core/crypto"
	"github.com/kabili207/feedroom/core/feed"
	"github.com/kabili207/feedroom/core/user"
	"github.com/kabili207/feedroom/transport"
)

// Initialize loads the directory from the latest consensus feed entry and
// resolves every participant's feed cursor. A never-written directory is an
// empty room. Any other failure aborts room entry.
func (r *Room) Initialize(ctx context.Context) error {
	r.events.loading(EventLoadingInitUsers, true)
	defer r.events.loading(EventLoadingInitUsers, false)

	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	upd, err := r.cfg.Store.ReadFeed(ctx, r.consensus.Address, r.usersTopic, nil)
	r.metrics.feedRead("users", err)
	switch {
	case transport.IsNotFound(err):
		r.log.Info("directory is empty")
		r.initialized.Store(true)
		return nil
	case err != nil:
		return fmt.Errorf("reading directory: %w", err)
	}

	commit, err := r.latestValidCommit(ctx, upd.Index, upd.Reference)
	if err != nil {
		return fmt.Errorf("loading directory: %w", err)
	}

	c := r.dir.diff(commit.Users, true)
	cursors := r.resolveCursors(ctx, c.fresh)
	r.dir.apply(c, cursors)
	r.dir.setConsensusCursor(int64(upd.Index))
	for _, u := range commit.Users {
		r.activity.Seed(u.Address)
	}
	r.metrics.activeUsers.Set(float64(len(commit.Users)))
	r.initialized.Store(true)

	r.log.Info("directory loaded", "users", len(commit.Users), "index", upd.Index)
	return nil
}

// Register signs username for address and adds it to the directory.
// Registering an address that is already active is a no-op.
func (r *Room) Register(ctx context.Context, username string, address core.Address, signer crypto.Signer) error {
	if signer == nil {
		return ErrNoIdentity
	}
	if signer.Address() != address {
		return fmt.Errorf("%w: signer %s, address %s", ErrIdentityMismatch, signer.Address(), address)
	}
	if !r.initialized.Load() {
		return ErrNotInitialized
	}

	r.events.loading(EventLoadingRegistration, true)
	defer r.events.loading(EventLoadingRegistration, false)

	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	if r.dir.isActive(address) {
		r.log.Debug("already registered", "address", address.String())
		if err := r.claimSelf(ctx, address); err != nil {
			return err
		}
		return nil
	}

	u, err := user.New(username, address, r.clk.Now(), signer)
	if err != nil {
		return err
	}
	if err := u.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrIdentityMismatch, err)
	}

	users := append(r.dir.activeUsers(), *u)
	if err := r.publishCommit(ctx, user.Commit{Users: users}); err != nil {
		return fmt.Errorf("publishing registration: %w", err)
	}
	r.metrics.commits.WithLabelValues("register").Inc()

	c := r.dir.diff([]user.User{*u}, false)
	r.dir.apply(c, r.resolveCursors(ctx, c.fresh))
	r.activity.Register(address)
	r.metrics.activeUsers.Set(float64(len(users)))

	r.log.Info("registered", "username", username, "address", address.String())
	return r.claimSelf(ctx, address)
}

// claimSelf marks address as the local user and points the send queue at
// the head of its message feed.
func (r *Room) claimSelf(ctx context.Context, address core.Address) error {
	w, _, ok := r.dir.lookup(address)
	if !ok {
		return ErrNotRegistered
	}
	next, err := r.probeCursor(ctx, address)
	if err != nil {
		return fmt.Errorf("resolving own feed: %w", err)
	}
	r.sendQueue.SetIndex(next)

	r.mu.Lock()
	u := w.User
	r.self = &u
	r.mu.Unlock()
	return nil
}

// PollUsers reads the directory commits written since the last poll and
// applies them in order.
func (r *Room) PollUsers(ctx context.Context) error {
	if !r.initialized.Load() {
		return ErrNotInitialized
	}
	r.events.loading(EventLoadingUsers, true)
	defer r.events.loading(EventLoadingUsers, false)

	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	for range DefaultMaxCommitsPerPoll {
		next := uint64(r.dir.consensusCursor() + 1)
		upd, err := r.cfg.Store.ReadFeed(ctx, r.consensus.Address, r.usersTopic, &next)
		r.metrics.feedRead("users", err)
		if transport.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading directory index %d: %w", next, err)
		}

		commit, err := r.downloadCommit(ctx, upd.Reference)
		if errors.Is(err, user.ErrInvalidCommit) {
			r.log.Warn("skipping unreadable directory commit", "index", upd.Index, "error", err)
			r.dir.setConsensusCursor(int64(upd.Index))
			continue
		}
		if err != nil {
			return fmt.Errorf("loading directory index %d: %w", next, err)
		}
		r.applyCommit(ctx, commit)
		r.dir.setConsensusCursor(int64(upd.Index))
	}
	return nil
}

// applyCommit merges a polled commit into the directory.
func (r *Room) applyCommit(ctx context.Context, commit *user.Commit) {
	replace := commit.Overwrite && r.cfg.Overwrite == OverwriteReplace
	c := r.dir.diff(commit.Users, replace)
	if c.empty() {
		return
	}
	r.dir.apply(c, r.resolveCursors(ctx, c.fresh))

	for _, u := range c.fresh {
		r.activity.Seed(u.Address)
	}
	for _, u := range c.rejoined {
		r.activity.Seed(u.Address)
	}
	for _, addr := range c.dropped {
		r.activity.Remove(addr)
	}
	r.metrics.activeUsers.Set(float64(len(r.dir.active())))
	r.log.Info("directory updated",
		"joined", len(c.fresh), "rejoined", len(c.rejoined), "dropped", len(c.dropped))
}

// latestValidCommit downloads the commit at index, stepping back over
// unreadable commits. Up to DefaultMaxCommitsPerPoll entries are tried; a
// directory with no readable commit in that range loads as empty.
func (r *Room) latestValidCommit(ctx context.Context, index uint64, ref transport.Reference) (*user.Commit, error) {
	for range DefaultMaxCommitsPerPoll {
		commit, err := r.downloadCommit(ctx, ref)
		if err == nil {
			return commit, nil
		}
		if !errors.Is(err, user.ErrInvalidCommit) {
			return nil, err
		}
		r.log.Warn("skipping unreadable directory commit", "index", index, "error", err)
		if index == 0 {
			break
		}
		index--
		upd, err := r.cfg.Store.ReadFeed(ctx, r.consensus.Address, r.usersTopic, &index)
		r.metrics.feedRead("users", err)
		if err != nil {
			return nil, fmt.Errorf("reading directory index %d: %w", index, err)
		}
		ref = upd.Reference
	}
	return &user.Commit{Users: []user.User{}}, nil
}

// downloadCommit fetches and decodes a directory commit, dropping invalid
// entries.
func (r *Room) downloadCommit(ctx context.Context, ref transport.Reference) (*user.Commit, error) {
	data, err := r.cfg.Store.Download(ctx, ref)
	if err != nil {
		return nil, err
	}
	res, err := user.DecodeCommit(data)
	if err != nil {
		return nil, err
	}
	for _, rej := range res.Rejected {
		r.log.Debug("dropped invalid directory entry", "error", rej)
	}
	return &res.Commit, nil
}

// publishCommit uploads a commit and appends it to the directory feed. A
// directory that was never written is started at index 0.
func (r *Room) publishCommit(ctx context.Context, c user.Commit) error {
	data, err := c.Encode()
	if err != nil {
		return err
	}
	return r.retry(ctx, func() error {
		ref, err := r.cfg.Store.Upload(ctx, data, r.cfg.Stamp)
		if err != nil {
			return err
		}
		idx, err := r.cfg.Store.WriteFeed(ctx, r.consensus.Signer, r.usersTopic, nil, ref, r.cfg.Stamp)
		if transport.IsNotFound(err) {
			idx, err = r.cfg.Store.WriteFeed(ctx, r.consensus.Signer, r.usersTopic, feed.Ptr(0), ref, r.cfg.Stamp)
		}
		if err != nil {
			return err
		}
		r.log.Debug("directory commit published", "index", idx, "users", len(c.Users), "overwrite", c.Overwrite)
		return nil
	})
}

// probeCursor returns the next index of addr's message feed, or 0 if the
// feed was never written.
func (r *Room) probeCursor(ctx context.Context, addr core.Address) (uint64, error) {
	upd, err := r.cfg.Store.ReadFeed(ctx, addr, r.messagesTopic, nil)
	r.metrics.feedRead("probe", err)
	if transport.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return upd.NextIndex, nil
}

// resolveCursors probes the message feeds of users in parallel. Users
// whose probe fails get UnknownIndex and are resolved on first read.
func (r *Room) resolveCursors(ctx context.Context, users []user.User) map[core.Address]int64 {
	out := make(map[core.Address]int64, len(users))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(r.cfg.MaxParallelReads)
	for _, u := range users {
		g.Go(func() error {
			idx := user.UnknownIndex
			if next, err := r.probeCursor(ctx, u.Address); err == nil {
				idx = int64(next)
			} else {
				r.log.Debug("cursor unresolved", "address", u.Address.String(), "error", err)
			}
			mu.Lock()
			out[u.Address] = idx
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}
