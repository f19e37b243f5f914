// Package memory implements transport.Store in process memory.
//
// Every Store value is a complete storage network: any number of rooms
// sharing one Store see each other's writes. Fault hooks let tests inject
// latency and errors per operation, and write counters let them assert how
// often a feed was written.
package memory

import (
	"context"
	"fmt"
	"sync"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/kabili207/feedroom/core"
	"github.com/kabili207/feedroom/core/crypto"
	"github.com/kabili207/feedroom/core/feed"
	"github.com/kabili207/feedroom/transport"
)

// Compile-time interface check.
var _ transport.Store = (*Store)(nil)

// Op names a store operation for fault hooks.
type Op int

const (
	OpUpload Op = iota
	OpDownload
	OpReadFeed
	OpWriteFeed
)

func (o Op) String() string {
	switch o {
	case OpUpload:
		return "upload"
	case OpDownload:
		return "download"
	case OpReadFeed:
		return "read_feed"
	case OpWriteFeed:
		return "write_feed"
	default:
		return "unknown"
	}
}

// Request describes an operation passed to a FaultFunc. Owner, Topic and
// Index are set for feed operations only.
type Request struct {
	Op    Op
	Owner core.Address
	Topic feed.Topic
	Index *uint64
}

// FaultFunc runs before every operation. A non-nil error is returned to the
// caller instead of performing the operation. It may block to simulate
// latency and should honour ctx.
type FaultFunc func(ctx context.Context, req Request) error

type feedKey struct {
	owner core.Address
	topic feed.Topic
}

type feedState struct {
	slots  map[uint64]transport.Reference
	latest uint64
}

// Store is an in-memory storage network.
type Store struct {
	mu     sync.Mutex
	blobs  map[transport.Reference][]byte
	feeds  map[feedKey]*feedState
	writes map[feedKey]int
	reads  map[feedKey]int
	fault  FaultFunc
}

// New creates an empty store.
func New() *Store {
	return &Store{
		blobs:  make(map[transport.Reference][]byte),
		feeds:  make(map[feedKey]*feedState),
		writes: make(map[feedKey]int),
		reads:  make(map[feedKey]int),
	}
}

// SetFault installs fn as the fault hook, replacing any previous one. A
// nil fn removes it.
func (s *Store) SetFault(fn FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

func (s *Store) before(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	fn := s.fault
	s.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, req)
}

// Upload stores data under its Keccak-256 hash.
func (s *Store) Upload(ctx context.Context, data []byte, _ transport.Stamp) (transport.Reference, error) {
	if err := s.before(ctx, Request{Op: OpUpload}); err != nil {
		return transport.Reference{}, err
	}
	ref := transport.Reference(ethcrypto.Keccak256Hash(data))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[ref] = append([]byte(nil), data...)
	return ref, nil
}

// Download returns a copy of the blob stored under ref.
func (s *Store) Download(ctx context.Context, ref transport.Reference) ([]byte, error) {
	if err := s.before(ctx, Request{Op: OpDownload}); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[ref]
	if !ok {
		return nil, fmt.Errorf("blob %s: %w", ref, transport.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// ReadFeed reads a feed slot, or the latest slot when index is nil.
func (s *Store) ReadFeed(ctx context.Context, owner core.Address, topic feed.Topic, index *uint64) (*transport.FeedUpdate, error) {
	if err := s.before(ctx, Request{Op: OpReadFeed, Owner: owner, Topic: topic, Index: index}); err != nil {
		return nil, err
	}
	key := feedKey{owner, topic}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads[key]++

	st, ok := s.feeds[key]
	if !ok {
		return nil, fmt.Errorf("feed %s/%s: %w", owner, topic, transport.ErrNotFound)
	}
	i := st.latest
	if index != nil {
		i = *index
	}
	ref, ok := st.slots[i]
	if !ok {
		return nil, fmt.Errorf("feed %s/%s index %d: %w", owner, topic, i, transport.ErrNotFound)
	}
	return &transport.FeedUpdate{Reference: ref, Index: i, NextIndex: i + 1}, nil
}

// WriteFeed writes ref into the signer's feed.
func (s *Store) WriteFeed(ctx context.Context, signer crypto.Signer, topic feed.Topic, index *uint64, ref transport.Reference, _ transport.Stamp) (uint64, error) {
	owner := signer.Address()
	if err := s.before(ctx, Request{Op: OpWriteFeed, Owner: owner, Topic: topic, Index: index}); err != nil {
		return 0, err
	}
	key := feedKey{owner, topic}

	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.feeds[key]
	var i uint64
	switch {
	case index != nil:
		i = *index
	case !ok:
		return 0, fmt.Errorf("feed %s/%s: %w", owner, topic, transport.ErrNotFound)
	default:
		i = st.latest + 1
	}
	if !ok {
		st = &feedState{slots: make(map[uint64]transport.Reference)}
		s.feeds[key] = st
	}
	if prev, taken := st.slots[i]; taken {
		if prev == ref {
			return i, nil
		}
		return 0, fmt.Errorf("feed %s/%s index %d: %w", owner, topic, i, transport.ErrSlotTaken)
	}
	st.slots[i] = ref
	if len(st.slots) == 1 || i > st.latest {
		st.latest = i
	}
	s.writes[key]++
	return i, nil
}

// Writes returns the number of successful writes to the feed (owner, topic).
func (s *Store) Writes(owner core.Address, topic feed.Topic) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes[feedKey{owner, topic}]
}

// Reads returns the number of read attempts on the feed (owner, topic)
// that reached the store.
func (s *Store) Reads(owner core.Address, topic feed.Topic) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[feedKey{owner, topic}]
}

// Latest returns the highest written index of a feed.
func (s *Store) Latest(owner core.Address, topic feed.Topic) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.feeds[feedKey{owner, topic}]
	if !ok {
		return 0, false
	}
	return st.latest, true
}
