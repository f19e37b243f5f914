// Package room turns one shared consensus feed plus one message feed per
// participant into a single ordered multi-writer chat room.
//
// The consensus feed holds the user directory. Its key is derived from the
// room name, so everyone in the room can append directory commits. Every
// participant writes chat messages to their own feed under the room's
// message topic; the Room polls those feeds, orders and deduplicates what it
// reads and publishes the result to subscribers.
//
// A Room runs three loops, each on its own ticker: directory polling,
// message fan-in and the idle sweep that evicts silent participants. A
// fourth loop re-writes own messages that never showed up in the fan-in.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kabili207/feedroom/core"
	"github.com/kabili207/feedroom/core/ack"
	"github.com/kabili207/feedroom/core/clock"
	"github.com/kabili207/feedroom/core/crypto"
	"github.com/kabili207/feedroom/core/feed"
	"github.com/kabili207/feedroom/core/message"
	"github.com/kabili207/feedroom/core/queue"
	"github.com/kabili207/feedroom/core/retry"
	"github.com/kabili207/feedroom/core/user"
	"github.com/kabili207/feedroom/device/activity"
	"github.com/kabili207/feedroom/transport"
)

const (
	// DefaultUsersInterval is the directory poll period.
	DefaultUsersInterval = 5 * time.Second

	// DefaultMessagesInterval is the message fan-in period.
	DefaultMessagesInterval = time.Second

	// DefaultSweepInterval is the idle sweep period.
	DefaultSweepInterval = 30 * time.Second

	// DefaultMaxParallelReads bounds concurrent feed reads during fan-in.
	DefaultMaxParallelReads = 8

	// DefaultMaxReadsPerPoll bounds how many messages are read from one
	// participant's feed per fan-in round.
	DefaultMaxReadsPerPoll = 10

	// DefaultMaxCommitsPerPoll bounds how many directory commits are read
	// per directory poll.
	DefaultMaxCommitsPerPoll = 16
)

var (
	// ErrIdentityMismatch is returned when a registration's signer does not
	// own the claimed address.
	ErrIdentityMismatch = errors.New("signer does not match address")

	// ErrNotRegistered is returned when sending before registering.
	ErrNotRegistered = errors.New("not registered in room")

	// ErrNoIdentity is returned when an operation needs a local signer and
	// none was configured.
	ErrNoIdentity = errors.New("no local identity")

	// ErrNotInitialized is returned when the directory has not been loaded.
	ErrNotInitialized = errors.New("room not initialized")
)

// OverwritePolicy decides how a directory commit with overwrite=true is
// applied.
type OverwritePolicy int

const (
	// OverwriteReplace makes the commit the new active set; active users
	// missing from it become inactive.
	OverwriteReplace OverwritePolicy = iota
	// OverwriteMerge ignores the overwrite flag and merges additively.
	OverwriteMerge
)

func (p OverwritePolicy) String() string {
	switch p {
	case OverwriteReplace:
		return "replace"
	case OverwriteMerge:
		return "merge"
	default:
		return "unknown"
	}
}

// ParseOverwritePolicy parses "replace" or "merge".
func ParseOverwritePolicy(s string) (OverwritePolicy, error) {
	switch s {
	case "", "replace":
		return OverwriteReplace, nil
	case "merge":
		return OverwriteMerge, nil
	default:
		return 0, fmt.Errorf("unknown overwrite policy %q", s)
	}
}

// Config configures a Room.
type Config struct {
	// Topic is the human-readable room name. Required.
	Topic string

	// Store is the storage network. Required.
	Store transport.Store

	// Stamp pays for uploads and feed writes.
	Stamp transport.Stamp

	// Signer is the local participant. Nil makes the room read-only.
	Signer crypto.Signer

	// Username is registered by Join.
	Username string

	// Clock for message and registration timestamps. Default: system clock.
	Clock *clock.Clock

	// Intervals of the background loops.
	UsersInterval    time.Duration
	MessagesInterval time.Duration
	SweepInterval    time.Duration

	// IdleTimeout and MaxReadFailures control eviction.
	IdleTimeout     time.Duration
	MaxReadFailures int

	// HistorySize is the number of messages kept in memory. Default: 300.
	HistorySize int

	// MaxParallelReads bounds concurrent fan-in reads. Default: 8.
	MaxParallelReads int

	// MaxReadsPerPoll bounds reads per participant per round. Default: 10.
	MaxReadsPerPoll int

	// ReadTimeout configures the adaptive fan-in timeout.
	ReadTimeout retry.TimeoutConfig

	// Retries and RetryDelay configure the write retry wrapper.
	// Defaults: 3 and 250ms. Negative Retries disables retrying.
	Retries    int
	RetryDelay time.Duration

	// Overwrite selects how overwrite commits are applied.
	Overwrite OverwritePolicy

	// SendTimeout and SendRetries configure re-writing own messages that
	// are not observed in the fan-in. Zero selects the ack defaults; a
	// negative SendRetries disables re-writes.
	SendTimeout time.Duration
	SendRetries int

	// Registerer receives the room's Prometheus collectors. Optional.
	Registerer prometheus.Registerer

	// Logger for room events. Falls back to slog.Default() if nil.
	Logger *slog.Logger
}

// Room is a chat room participant.
type Room struct {
	cfg Config
	log *slog.Logger
	clk *clock.Clock

	consensus     *crypto.ConsensusIdentity
	usersTopic    feed.Topic
	messagesTopic feed.Topic

	dir      *directory
	activity *activity.Tracker
	history  *message.History
	outbox   *ack.Outbox[transport.Reference]
	timeout  *retry.AdaptiveTimeout
	events   *events
	metrics  *metrics

	// commitMu serializes every operation that produces or applies a
	// directory commit.
	commitMu sync.Mutex

	readQueue *queue.Queue
	sendQueue *queue.Queue
	sendMu    sync.Mutex

	sweeping    atomic.Bool
	initialized atomic.Bool

	mu     sync.Mutex
	self   *user.User
	cancel context.CancelFunc
}

// New creates a Room. It derives the consensus identity but performs no
// network I/O; call Initialize or Join next.
func New(cfg Config) (*Room, error) {
	if cfg.Topic == "" {
		return nil, errors.New("room topic is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.UsersInterval <= 0 {
		cfg.UsersInterval = DefaultUsersInterval
	}
	if cfg.MessagesInterval <= 0 {
		cfg.MessagesInterval = DefaultMessagesInterval
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.MaxParallelReads <= 0 {
		cfg.MaxParallelReads = DefaultMaxParallelReads
	}
	if cfg.MaxReadsPerPoll <= 0 {
		cfg.MaxReadsPerPoll = DefaultMaxReadsPerPoll
	}
	if cfg.Retries == 0 {
		cfg.Retries = retry.DefaultRetries
	} else if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = retry.DefaultDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.WithGroup("room").With("topic", cfg.Topic)

	usersTopic := feed.DirectoryTopic(cfg.Topic)
	consensus, err := crypto.DeriveConsensusIdentity(usersTopic.String())
	if err != nil {
		return nil, err
	}

	m, err := newMetrics(feed.MessageTopic(cfg.Topic), cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("registering metrics: %w", err)
	}

	act := activity.NewTracker(activity.TrackerConfig{
		IdleTimeout:     cfg.IdleTimeout,
		MaxReadFailures: cfg.MaxReadFailures,
		Logger:          logger,
	})
	act.SetNowFunc(cfg.Clock.Now)

	r := &Room{
		cfg:           cfg,
		log:           logger,
		clk:           cfg.Clock,
		consensus:     consensus,
		usersTopic:    usersTopic,
		messagesTopic: feed.MessageTopic(cfg.Topic),
		dir:           newDirectory(),
		activity:      act,
		history:       message.NewHistory(cfg.HistorySize),
		outbox: ack.New[transport.Reference](ack.Config{
			Timeout:    cfg.SendTimeout,
			MaxResends: cfg.SendRetries,
		}),
		timeout: retry.NewAdaptiveTimeout(cfg.ReadTimeout),
		events:  newEvents(logger),
		metrics: m,
		readQueue: queue.New(queue.Config{
			Name:        "messages",
			MaxParallel: cfg.MaxParallelReads,
			Logger:      logger,
		}),
		sendQueue: queue.New(queue.Config{
			Name:     "send",
			Indexed:  true,
			Waitable: true,
			Logger:   logger,
		}),
	}
	return r, nil
}

// ConsensusAddress returns the owner of the room's directory feed.
func (r *Room) ConsensusAddress() core.Address {
	return r.consensus.Address
}

// Self returns the registered local user, or nil.
func (r *Room) Self() *user.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.self
}

// Users returns the active participants with their feed cursors.
func (r *Room) Users() []user.WithIndex {
	return r.dir.active()
}

// Messages returns the ordered, deduplicated message history.
func (r *Room) Messages() []message.Data {
	return r.history.Messages()
}

// Join loads the directory and registers the configured user.
func (r *Room) Join(ctx context.Context) error {
	if err := r.Initialize(ctx); err != nil {
		return err
	}
	if r.cfg.Signer == nil {
		return ErrNoIdentity
	}
	return r.Register(ctx, r.cfg.Username, r.cfg.Signer.Address(), r.cfg.Signer)
}

// Start runs the background loops. Blocks until ctx is cancelled or Stop
// is called. Initialize must have succeeded first.
func (r *Room) Start(ctx context.Context) error {
	if !r.initialized.Load() {
		return ErrNotInitialized
	}
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer cancel()

	var wg sync.WaitGroup
	loop := func(name string, every time.Duration, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.runLoop(ctx, name, every, fn)
		}()
	}
	loop("users", r.cfg.UsersInterval, r.PollUsers)
	loop("messages", r.cfg.MessagesInterval, r.PollMessages)
	loop("sweep", r.cfg.SweepInterval, r.Sweep)
	loop("resend", r.cfg.MessagesInterval, r.ResendUnconfirmed)

	<-ctx.Done()
	wg.Wait()
	return nil
}

// Stop cancels the background loops, drops queued work and waits for
// in-flight reads and writes to finish.
func (r *Room) Stop() {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	r.mu.Unlock()

	if err := r.readQueue.Clear(); err != nil {
		r.log.Debug("read queue cleared with error", "error", err)
	}
	if err := r.sendQueue.Clear(); err != nil {
		r.log.Debug("send queue cleared with error", "error", err)
	}
}

// runLoop calls fn every period until ctx ends. Errors are logged; the
// next tick runs regardless.
func (r *Room) runLoop(ctx context.Context, name string, every time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				r.log.Warn("poll failed", "loop", name, "error", err)
			}
		}
	}
}

// retry runs fn with the room's retry settings.
func (r *Room) retry(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, r.cfg.Retries, r.cfg.RetryDelay, fn)
}
