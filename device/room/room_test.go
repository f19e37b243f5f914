package room

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kabili207/feedroom/core/clock"
	"github.com/kabili207/feedroom/core/crypto"
	"github.com/kabili207/feedroom/core/feed"
	"github.com/kabili207/feedroom/core/message"
	"github.com/kabili207/feedroom/core/retry"
	"github.com/kabili207/feedroom/core/user"
	"github.com/kabili207/feedroom/transport"
	"github.com/kabili207/feedroom/transport/memory"
)

const testTopic = "room-42"

// participant is one process joined to a room over a shared store.
type participant struct {
	room *Room
	key  *crypto.KeyPair
	now  *atomic.Int64
}

func (p *participant) setNow(ms int64) { p.now.Store(ms) }

func newParticipant(t *testing.T, store transport.Store, name string, mutate ...func(*Config)) *participant {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	now := new(atomic.Int64)
	clk := clock.New()
	clk.SetFunc(now.Load)

	cfg := Config{
		Topic:      testTopic,
		Store:      store,
		Signer:     kp,
		Username:   name,
		Clock:      clk,
		RetryDelay: time.Millisecond,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	r, err := New(cfg)
	require.NoError(t, err)
	return &participant{room: r, key: kp, now: now}
}

func join(t *testing.T, p *participant) {
	t.Helper()
	require.NoError(t, p.room.Join(context.Background()))
}

func consensusWrites(store *memory.Store) int {
	id, _ := crypto.DeriveConsensusIdentity(feed.DirectoryTopic(testTopic).String())
	return store.Writes(id.Address, feed.DirectoryTopic(testTopic))
}

// writeRaw puts d into slot index of kp's message feed, bypassing the room.
func writeRaw(t *testing.T, store transport.Store, kp *crypto.KeyPair, index uint64, d message.Data) {
	t.Helper()
	data, err := d.Encode()
	require.NoError(t, err)
	ctx := context.Background()
	ref, err := store.Upload(ctx, data, "")
	require.NoError(t, err)
	_, err = store.WriteFeed(ctx, kp, feed.MessageTopic(testTopic), feed.Ptr(index), ref, "")
	require.NoError(t, err)
}

func usernames(users []user.WithIndex) []string {
	out := make([]string, len(users))
	for i, u := range users {
		out[i] = u.Username
	}
	return out
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Store: memory.New()})
	assert.Error(t, err)
	_, err = New(Config{Topic: "x"})
	assert.Error(t, err)

	r, err := New(Config{Topic: "x", Store: memory.New()})
	require.NoError(t, err)
	assert.Equal(t, DefaultUsersInterval, r.cfg.UsersInterval)
	assert.Equal(t, retry.DefaultRetries, r.cfg.Retries)
}

func TestConsensusAddressIsSharedByTopic(t *testing.T) {
	a, err := New(Config{Topic: testTopic, Store: memory.New()})
	require.NoError(t, err)
	b, err := New(Config{Topic: testTopic, Store: memory.New()})
	require.NoError(t, err)
	c, err := New(Config{Topic: "other", Store: memory.New()})
	require.NoError(t, err)

	assert.Equal(t, a.ConsensusAddress(), b.ConsensusAddress())
	assert.NotEqual(t, a.ConsensusAddress(), c.ConsensusAddress())
}

func TestJoin_EmptyRoomStartsDirectoryAtZero(t *testing.T) {
	store := memory.New()
	alice := newParticipant(t, store, "alice")
	join(t, alice)

	latest, ok := store.Latest(alice.room.ConsensusAddress(), feed.DirectoryTopic(testTopic))
	require.True(t, ok)
	assert.Equal(t, uint64(0), latest)
	assert.Equal(t, []string{"alice"}, usernames(alice.room.Users()))
	require.NotNil(t, alice.room.Self())
	assert.Equal(t, alice.key.Address(), alice.room.Self().Address)
}

func TestScenario_Room42(t *testing.T) {
	store := memory.New()
	alice := newParticipant(t, store, "alice")
	bob := newParticipant(t, store, "bob")
	join(t, alice)
	join(t, bob)
	ctx := context.Background()

	assert.Equal(t, []string{"alice", "bob"}, usernames(bob.room.Users()))

	alice.setNow(1000)
	require.NoError(t, alice.room.SendMessage(ctx, "hi"))

	require.NoError(t, bob.room.PollMessages(ctx))
	assert.Equal(t, []message.Data{{
		Message:   "hi",
		Username:  "alice",
		Address:   alice.key.Address(),
		Timestamp: 1000,
	}}, bob.room.Messages())

	// A second round finds nothing new.
	require.NoError(t, bob.room.PollMessages(ctx))
	assert.Len(t, bob.room.Messages(), 1)
}

func TestRegister_Idempotent(t *testing.T) {
	store := memory.New()
	alice := newParticipant(t, store, "alice")
	join(t, alice)
	writes := consensusWrites(store)

	err := alice.room.Register(context.Background(), "alice", alice.key.Address(), alice.key)
	require.NoError(t, err)
	assert.Len(t, alice.room.Users(), 1)
	assert.Equal(t, writes, consensusWrites(store))
}

func TestRegister_IdentityMismatch(t *testing.T) {
	store := memory.New()
	alice := newParticipant(t, store, "alice")
	require.NoError(t, alice.room.Initialize(context.Background()))

	mallory, err := crypto.GenerateKeyPair()
	require.NoError(t, err)

	err = alice.room.Register(context.Background(), "alice", alice.key.Address(), mallory)
	assert.ErrorIs(t, err, ErrIdentityMismatch)
	assert.Equal(t, 0, consensusWrites(store))
	assert.Empty(t, alice.room.Users())
}

func TestRegister_RequiresInitialize(t *testing.T) {
	alice := newParticipant(t, memory.New(), "alice")
	err := alice.room.Register(context.Background(), "alice", alice.key.Address(), alice.key)
	assert.ErrorIs(t, err, ErrNotInitialized)
}

func TestRegister_FailedWriteLeavesDirectory(t *testing.T) {
	store := memory.New()
	alice := newParticipant(t, store, "alice", func(c *Config) { c.Retries = 2 })
	require.NoError(t, alice.room.Initialize(context.Background()))

	var attempts atomic.Int32
	boom := errors.New("gateway unavailable")
	store.SetFault(func(_ context.Context, req memory.Request) error {
		if req.Op == memory.OpWriteFeed {
			attempts.Add(1)
			return boom
		}
		return nil
	})

	err := alice.room.Register(context.Background(), "alice", alice.key.Address(), alice.key)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), attempts.Load(), "one attempt plus two retries")
	assert.Empty(t, alice.room.Users())
	assert.Nil(t, alice.room.Self())
}

func TestInitialize_TransportErrorIsFatal(t *testing.T) {
	store := memory.New()
	boom := errors.New("boom")
	store.SetFault(func(context.Context, memory.Request) error { return boom })

	alice := newParticipant(t, store, "alice")
	assert.ErrorIs(t, alice.room.Initialize(context.Background()), boom)
	assert.ErrorIs(t, alice.room.PollUsers(context.Background()), ErrNotInitialized)
}

func TestInitialize_DropsInvalidEntries(t *testing.T) {
	store := memory.New()
	alice := newParticipant(t, store, "alice")
	join(t, alice)

	// Append a commit holding alice plus an entry with a forged signature.
	forged := *alice.room.Self()
	forged.Username = "mallory"
	forged.Address[0] ^= 0xFF
	require.NoError(t, alice.room.publishCommit(context.Background(), user.Commit{
		Users: []user.User{*alice.room.Self(), forged},
	}))

	bob := newParticipant(t, store, "bob")
	require.NoError(t, bob.room.Initialize(context.Background()))
	assert.Equal(t, []string{"alice"}, usernames(bob.room.Users()))
}

// writeJunkCommit appends an undecodable entry to the room's directory feed.
func writeJunkCommit(t *testing.T, store transport.Store) {
	t.Helper()
	ctx := context.Background()
	id, err := crypto.DeriveConsensusIdentity(feed.DirectoryTopic(testTopic).String())
	require.NoError(t, err)
	ref, err := store.Upload(ctx, []byte("{not a commit"), "")
	require.NoError(t, err)
	_, err = store.WriteFeed(ctx, id.Signer, feed.DirectoryTopic(testTopic), nil, ref, "")
	if transport.IsNotFound(err) {
		_, err = store.WriteFeed(ctx, id.Signer, feed.DirectoryTopic(testTopic), feed.Ptr(0), ref, "")
	}
	require.NoError(t, err)
}

func TestPollUsers_SkipsUnreadableCommit(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	alice := newParticipant(t, store, "alice")
	join(t, alice)

	writeJunkCommit(t, store)
	bob := newParticipant(t, store, "bob")
	join(t, bob)
	assert.Equal(t, []string{"alice", "bob"}, usernames(bob.room.Users()))

	require.NoError(t, alice.room.PollUsers(ctx))
	assert.Equal(t, []string{"alice", "bob"}, usernames(alice.room.Users()))
	assert.Equal(t, int64(2), alice.room.dir.consensusCursor())

	// A junk head does not block later arrivals either.
	writeJunkCommit(t, store)
	carol := newParticipant(t, store, "carol")
	join(t, carol)
	assert.Equal(t, []string{"alice", "bob", "carol"}, usernames(carol.room.Users()))

	require.NoError(t, alice.room.PollUsers(ctx))
	assert.Equal(t, []string{"alice", "bob", "carol"}, usernames(alice.room.Users()))
}

func TestInitialize_OnlyUnreadableCommits(t *testing.T) {
	store := memory.New()
	writeJunkCommit(t, store)

	alice := newParticipant(t, store, "alice")
	require.NoError(t, alice.room.Initialize(context.Background()))
	assert.Empty(t, alice.room.Users())
	assert.Equal(t, int64(0), alice.room.dir.consensusCursor())

	require.NoError(t, alice.room.Register(context.Background(), "alice", alice.key.Address(), alice.key))
	assert.Equal(t, []string{"alice"}, usernames(alice.room.Users()))
	assert.Equal(t, 2, consensusWrites(store))
}

func TestSendMessage_Errors(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	reader, err := New(Config{Topic: testTopic, Store: store})
	require.NoError(t, err)
	assert.ErrorIs(t, reader.SendMessage(ctx, "hi"), ErrNoIdentity)

	alice := newParticipant(t, store, "alice")
	require.NoError(t, alice.room.Initialize(ctx))
	assert.ErrorIs(t, alice.room.SendMessage(ctx, "hi"), ErrNotRegistered)
}

func TestSendMessage_ResolvedByFanIn(t *testing.T) {
	store := memory.New()
	alice := newParticipant(t, store, "alice")
	join(t, alice)
	ctx := context.Background()

	require.NoError(t, alice.room.SendMessage(ctx, "one"))
	require.NoError(t, alice.room.SendMessage(ctx, "two"))
	assert.Equal(t, 2, alice.room.outbox.Len())
	assert.Equal(t, 2, store.Writes(alice.key.Address(), feed.MessageTopic(testTopic)))

	require.NoError(t, alice.room.PollMessages(ctx))
	assert.Equal(t, 0, alice.room.outbox.Len())
	msgs := alice.room.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Message)
	assert.Equal(t, "two", msgs[1].Message)
}

func TestResendUnconfirmed_RewritesThenGivesUp(t *testing.T) {
	store := memory.New()
	alice := newParticipant(t, store, "alice", func(c *Config) {
		c.SendTimeout = time.Second
		c.SendRetries = 1
	})
	join(t, alice)
	ctx := context.Background()
	topic := feed.MessageTopic(testTopic)

	alice.setNow(1_000)
	require.NoError(t, alice.room.SendMessage(ctx, "echo"))
	require.NoError(t, alice.room.ResendUnconfirmed(ctx))
	assert.Equal(t, 1, store.Writes(alice.key.Address(), topic), "not due yet")

	alice.setNow(2_500)
	require.NoError(t, alice.room.ResendUnconfirmed(ctx))
	assert.Equal(t, 2, store.Writes(alice.key.Address(), topic))
	latest, ok := store.Latest(alice.key.Address(), topic)
	require.True(t, ok)
	assert.Equal(t, uint64(1), latest, "re-write goes to the next own slot")

	alice.setNow(4_000)
	require.NoError(t, alice.room.ResendUnconfirmed(ctx))
	assert.Equal(t, 2, store.Writes(alice.key.Address(), topic), "out of re-writes")
	assert.Zero(t, alice.room.outbox.Len())

	// Both copies collapse into one history entry.
	require.NoError(t, alice.room.PollMessages(ctx))
	msgs := alice.room.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "echo", msgs[0].Message)
}

func TestResendUnconfirmed_ConfirmedByFanIn(t *testing.T) {
	store := memory.New()
	alice := newParticipant(t, store, "alice", func(c *Config) { c.SendTimeout = time.Second })
	join(t, alice)
	ctx := context.Background()

	require.NoError(t, alice.room.SendMessage(ctx, "seen"))
	require.NoError(t, alice.room.PollMessages(ctx))

	alice.setNow(time.Hour.Milliseconds())
	require.NoError(t, alice.room.ResendUnconfirmed(ctx))
	assert.Equal(t, 1, store.Writes(alice.key.Address(), feed.MessageTopic(testTopic)))
}

func TestSendMessage_ResumesAfterRestart(t *testing.T) {
	store := memory.New()
	alice := newParticipant(t, store, "alice")
	join(t, alice)
	require.NoError(t, alice.room.SendMessage(context.Background(), "before"))

	// A new process with the same key continues at the next slot.
	again := newParticipant(t, store, "alice", func(c *Config) { c.Signer = alice.key })
	join(t, again)
	require.NoError(t, again.room.SendMessage(context.Background(), "after"))

	latest, ok := store.Latest(alice.key.Address(), feed.MessageTopic(testTopic))
	require.True(t, ok)
	assert.Equal(t, uint64(1), latest)
}

func TestPollMessages_ErrorClassification(t *testing.T) {
	store := memory.New()
	alice := newParticipant(t, store, "alice", func(c *Config) {
		c.ReadTimeout = retry.TimeoutConfig{Initial: 20 * time.Millisecond}
	})
	bob := newParticipant(t, store, "bob")
	join(t, alice)
	join(t, bob)
	require.NoError(t, alice.room.PollUsers(context.Background()))
	require.Len(t, alice.room.Users(), 2)

	bobAddr := bob.key.Address()
	msgTopic := feed.MessageTopic(testTopic)

	// Not found: nothing written yet.
	require.NoError(t, alice.room.PollMessages(context.Background()))
	e, _ := alice.room.activity.Get(bobAddr)
	assert.Equal(t, 0, e.ReadFails)

	// Timeout: skipped without counting a failure.
	store.SetFault(func(ctx context.Context, req memory.Request) error {
		if req.Op == memory.OpReadFeed && req.Owner == bobAddr && req.Topic == msgTopic {
			<-ctx.Done()
			return ctx.Err()
		}
		return nil
	})
	require.NoError(t, alice.room.PollMessages(context.Background()))
	e, _ = alice.room.activity.Get(bobAddr)
	assert.Equal(t, 0, e.ReadFails)

	// Anything else: counted and reported.
	boom := errors.New("connection reset")
	store.SetFault(func(_ context.Context, req memory.Request) error {
		if req.Op == memory.OpReadFeed && req.Owner == bobAddr && req.Topic == msgTopic {
			return boom
		}
		return nil
	})
	err := alice.room.PollMessages(context.Background())
	assert.ErrorIs(t, err, boom)
	e, _ = alice.room.activity.Get(bobAddr)
	assert.Equal(t, 1, e.ReadFails)

	// Other participants are still read.
	store.SetFault(nil)
	alice.setNow(5)
	require.NoError(t, alice.room.SendMessage(context.Background(), "still here"))
	store.SetFault(func(_ context.Context, req memory.Request) error {
		if req.Op == memory.OpReadFeed && req.Owner == bobAddr {
			return boom
		}
		return nil
	})
	assert.Error(t, alice.room.PollMessages(context.Background()))
	assert.Len(t, alice.room.Messages(), 1)
}

func TestPollMessages_DropsForeignAddress(t *testing.T) {
	store := memory.New()
	alice := newParticipant(t, store, "alice")
	bob := newParticipant(t, store, "bob")
	join(t, alice)
	join(t, bob)
	ctx := context.Background()

	// Bob's feed carries a message claiming to come from alice, then his own.
	require.NoError(t, alice.room.PollUsers(ctx))
	writeRaw(t, store, bob.key, 0, message.Data{
		Message: "i am alice", Username: "alice", Address: alice.key.Address(), Timestamp: 7,
	})
	writeRaw(t, store, bob.key, 1, message.Data{
		Message: "hello", Username: "bob", Address: bob.key.Address(), Timestamp: 8,
	})

	require.NoError(t, alice.room.PollMessages(ctx))

	msgs := alice.room.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "hello", msgs[0].Message)
}

func TestPollMessages_UnknownCursorStartsAtHead(t *testing.T) {
	store := memory.New()
	alice := newParticipant(t, store, "alice")
	bob := newParticipant(t, store, "bob")
	join(t, alice)
	join(t, bob)
	ctx := context.Background()
	require.NoError(t, bob.room.SendMessage(ctx, "old"))
	require.NoError(t, bob.room.SendMessage(ctx, "new"))

	// Alice's probe of bob's feed fails, leaving the cursor unknown.
	boom := errors.New("probe failed")
	store.SetFault(func(_ context.Context, req memory.Request) error {
		if req.Op == memory.OpReadFeed && req.Owner == bob.key.Address() && req.Index == nil {
			return boom
		}
		return nil
	})
	require.NoError(t, alice.room.PollUsers(ctx))
	w, _, _ := alice.room.dir.lookup(bob.key.Address())
	assert.Equal(t, user.UnknownIndex, w.Index)

	store.SetFault(nil)
	require.NoError(t, alice.room.PollMessages(ctx))
	msgs := alice.room.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "new", msgs[0].Message)
}

func TestSweep_NoopWritesNothing(t *testing.T) {
	store := memory.New()
	alice := newParticipant(t, store, "alice")
	join(t, alice)
	writes := consensusWrites(store)

	require.NoError(t, alice.room.Sweep(context.Background()))
	require.NoError(t, alice.room.Sweep(context.Background()))
	assert.Equal(t, writes, consensusWrites(store))
}

func TestSweep_ReentrancyFlag(t *testing.T) {
	store := memory.New()
	alice := newParticipant(t, store, "alice")
	join(t, alice)

	alice.room.sweeping.Store(true)
	alice.setNow(time.Hour.Milliseconds())
	require.NoError(t, alice.room.Sweep(context.Background()))
	assert.Len(t, alice.room.Users(), 1, "overlapping sweep must not run")
}

func TestSweep_EvictsAndRejoinRestoresCursor(t *testing.T) {
	store := memory.New()
	alice := newParticipant(t, store, "alice")
	bob := newParticipant(t, store, "bob")
	ctx := context.Background()

	join(t, alice)
	join(t, bob)
	require.NoError(t, alice.room.PollUsers(ctx))

	require.NoError(t, bob.room.SendMessage(ctx, "one"))
	alice.setNow(1000)
	require.NoError(t, alice.room.SendMessage(ctx, "hi"))
	require.NoError(t, alice.room.PollMessages(ctx))
	require.Len(t, alice.room.Messages(), 2)

	before, _, _ := alice.room.dir.lookup(bob.key.Address())
	require.Equal(t, int64(1), before.Index)

	// Bob has been silent for 301000 ms, alice for 300000 ms.
	writes := consensusWrites(store)
	alice.setNow(301_000)
	require.NoError(t, alice.room.Sweep(ctx))
	assert.Equal(t, writes+1, consensusWrites(store))
	assert.Equal(t, []string{"alice"}, usernames(alice.room.Users()))

	evicted, active, ok := alice.room.dir.lookup(bob.key.Address())
	require.True(t, ok, "evicted users stay known")
	assert.False(t, active)
	assert.Equal(t, before.Index, evicted.Index)
	_, tracked := alice.room.activity.Get(bob.key.Address())
	assert.False(t, tracked)

	// Same set again: no write.
	require.NoError(t, alice.room.Sweep(ctx))
	assert.Equal(t, writes+1, consensusWrites(store))

	// Bob keeps writing, learns of the eviction and registers again.
	require.NoError(t, bob.room.SendMessage(ctx, "two"))
	require.NoError(t, bob.room.PollUsers(ctx))
	assert.Equal(t, []string{"alice"}, usernames(bob.room.Users()))
	join(t, bob)

	require.NoError(t, alice.room.PollUsers(ctx))
	rejoined, active, _ := alice.room.dir.lookup(bob.key.Address())
	assert.True(t, active)
	assert.Equal(t, before.Index, rejoined.Index, "rejoin restores the cursor held before eviction")

	require.NoError(t, alice.room.PollMessages(ctx))
	var texts []string
	for _, m := range alice.room.Messages() {
		texts = append(texts, m.Message)
	}
	assert.Equal(t, []string{"one", "two", "hi"}, texts)
}

func TestSweep_EvictsAfterReadFailures(t *testing.T) {
	store := memory.New()
	alice := newParticipant(t, store, "alice", func(c *Config) { c.MaxReadFailures = 2 })
	bob := newParticipant(t, store, "bob")
	ctx := context.Background()
	join(t, alice)
	join(t, bob)
	require.NoError(t, alice.room.PollUsers(ctx))

	boom := errors.New("bad gateway")
	store.SetFault(func(_ context.Context, req memory.Request) error {
		if req.Op == memory.OpReadFeed && req.Owner == bob.key.Address() {
			return boom
		}
		return nil
	})
	assert.Error(t, alice.room.PollMessages(ctx))
	assert.Error(t, alice.room.PollMessages(ctx))
	store.SetFault(nil)

	require.NoError(t, alice.room.Sweep(ctx))
	assert.Equal(t, []string{"alice"}, usernames(alice.room.Users()))
}

func TestSweep_FailedWriteLeavesDirectory(t *testing.T) {
	store := memory.New()
	alice := newParticipant(t, store, "alice", func(c *Config) { c.Retries = -1 })
	bob := newParticipant(t, store, "bob")
	ctx := context.Background()
	join(t, alice)
	join(t, bob)
	require.NoError(t, alice.room.PollUsers(ctx))

	alice.setNow(time.Hour.Milliseconds())
	require.NoError(t, alice.room.SendMessage(ctx, "keepalive"))
	require.NoError(t, alice.room.PollMessages(ctx))

	boom := errors.New("write rejected")
	store.SetFault(func(_ context.Context, req memory.Request) error {
		if req.Op == memory.OpWriteFeed && req.Owner == alice.room.ConsensusAddress() {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, alice.room.Sweep(ctx), boom)
	assert.Len(t, alice.room.Users(), 2)
	_, tracked := alice.room.activity.Get(bob.key.Address())
	assert.True(t, tracked)

	store.SetFault(nil)
	require.NoError(t, alice.room.Sweep(ctx))
	assert.Equal(t, []string{"alice"}, usernames(alice.room.Users()))
}

func TestPollUsers_OverwritePolicy(t *testing.T) {
	store := memory.New()
	alice := newParticipant(t, store, "alice")
	bob := newParticipant(t, store, "bob")
	replacer := newParticipant(t, store, "carol")
	merger := newParticipant(t, store, "dave", func(c *Config) { c.Overwrite = OverwriteMerge })
	ctx := context.Background()

	join(t, alice)
	join(t, bob)
	require.NoError(t, replacer.room.Initialize(ctx))
	require.NoError(t, merger.room.Initialize(ctx))
	require.Len(t, replacer.room.Users(), 2)

	require.NoError(t, alice.room.PollUsers(ctx))
	require.NoError(t, alice.room.publishCommit(ctx, user.Commit{
		Users:     []user.User{*alice.room.Self()},
		Overwrite: true,
	}))

	require.NoError(t, replacer.room.PollUsers(ctx))
	require.NoError(t, merger.room.PollUsers(ctx))
	assert.Equal(t, []string{"alice"}, usernames(replacer.room.Users()))
	assert.Equal(t, []string{"alice", "bob"}, usernames(merger.room.Users()))
}

func TestEvents_Join(t *testing.T) {
	store := memory.New()
	alice := newParticipant(t, store, "alice")

	ch := make(chan Event, 16)
	sub := alice.room.Subscribe(ch)
	defer sub.Unsubscribe()

	join(t, alice)

	var got []Event
	for len(ch) > 0 {
		got = append(got, <-ch)
	}
	assert.Equal(t, []Event{
		{Kind: EventLoadingInitUsers, Loading: true},
		{Kind: EventLoadingInitUsers, Loading: false},
		{Kind: EventLoadingRegistration, Loading: true},
		{Kind: EventLoadingRegistration, Loading: false},
	}, got)

	alice.setNow(10)
	require.NoError(t, alice.room.SendMessage(context.Background(), "hi"))
	require.NoError(t, alice.room.PollMessages(context.Background()))
	select {
	case ev := <-ch:
		assert.Equal(t, EventLoadMessage, ev.Kind)
		require.Len(t, ev.Messages, 1)
		assert.Equal(t, "hi", ev.Messages[0].Message)
	default:
		t.Fatal("no loadMessage event")
	}
}

func TestMetrics_Registered(t *testing.T) {
	reg := prometheus.NewRegistry()
	store := memory.New()
	alice := newParticipant(t, store, "alice", func(c *Config) { c.Registerer = reg })
	join(t, alice)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
		for _, m := range f.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() != "room" {
					continue
				}
				assert.Equal(t, feed.MessageTopic(testTopic).String(), lp.GetValue())
				assert.NotContains(t, lp.GetValue(), testTopic, "room name leaked into a label")
			}
		}
	}
	assert.True(t, names["feedroom_feed_reads_total"])
	assert.True(t, names["feedroom_directory_commits_total"])
	assert.True(t, names["feedroom_active_users"])

	// A second room on the same registry collides on the same topic.
	_, err = New(Config{Topic: testTopic, Store: store, Registerer: reg})
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	store := memory.New()
	alice := newParticipant(t, store, "alice", func(c *Config) {
		c.UsersInterval = 5 * time.Millisecond
		c.MessagesInterval = 5 * time.Millisecond
		c.SweepInterval = 5 * time.Millisecond
	})
	bob := newParticipant(t, store, "bob")

	assert.ErrorIs(t, alice.room.Start(context.Background()), ErrNotInitialized)

	join(t, alice)
	done := make(chan error, 1)
	go func() { done <- alice.room.Start(context.Background()) }()

	join(t, bob)
	bob.setNow(3)
	require.NoError(t, bob.room.SendMessage(context.Background(), "from bob"))

	require.Eventually(t, func() bool {
		return len(alice.room.Messages()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	alice.room.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("room did not stop")
	}
}
