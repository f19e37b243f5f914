// Package cache wraps a transport.Store with an LRU cache of downloaded
// blobs. Blobs are content addressed and never change, so cached entries
// are never invalidated; feed reads always go to the network.
package cache

import (
	"context"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/kabili207/feedroom/core"
	"github.com/kabili207/feedroom/core/crypto"
	"github.com/kabili207/feedroom/core/feed"
	"github.com/kabili207/feedroom/transport"
)

// Compile-time interface check.
var _ transport.Store = (*Store)(nil)

// DefaultSize is the default number of cached blobs.
const DefaultSize = 1024

// Store is a read-through caching transport.Store.
type Store struct {
	next   transport.Store
	blobs  *lru.Cache[transport.Reference, []byte]
	hits   atomic.Uint64
	misses atomic.Uint64
}

// New wraps next with a cache holding up to size blobs (DefaultSize if
// size <= 0).
func New(next transport.Store, size int) (*Store, error) {
	if size <= 0 {
		size = DefaultSize
	}
	blobs, err := lru.New[transport.Reference, []byte](size)
	if err != nil {
		return nil, err
	}
	return &Store{next: next, blobs: blobs}, nil
}

// Upload stores data and keeps a copy in the cache.
func (s *Store) Upload(ctx context.Context, data []byte, stamp transport.Stamp) (transport.Reference, error) {
	ref, err := s.next.Upload(ctx, data, stamp)
	if err != nil {
		return ref, err
	}
	s.blobs.Add(ref, append([]byte(nil), data...))
	return ref, nil
}

// Download serves ref from the cache when possible.
func (s *Store) Download(ctx context.Context, ref transport.Reference) ([]byte, error) {
	if data, ok := s.blobs.Get(ref); ok {
		s.hits.Add(1)
		return append([]byte(nil), data...), nil
	}
	s.misses.Add(1)
	data, err := s.next.Download(ctx, ref)
	if err != nil {
		return nil, err
	}
	s.blobs.Add(ref, append([]byte(nil), data...))
	return data, nil
}

// ReadFeed is passed through.
func (s *Store) ReadFeed(ctx context.Context, owner core.Address, topic feed.Topic, index *uint64) (*transport.FeedUpdate, error) {
	return s.next.ReadFeed(ctx, owner, topic, index)
}

// WriteFeed is passed through.
func (s *Store) WriteFeed(ctx context.Context, signer crypto.Signer, topic feed.Topic, index *uint64, ref transport.Reference, stamp transport.Stamp) (uint64, error) {
	return s.next.WriteFeed(ctx, signer, topic, index, ref, stamp)
}

// Stats returns the number of cache hits and misses so far.
func (s *Store) Stats() (hits, misses uint64) {
	return s.hits.Load(), s.misses.Load()
}

// Len returns the number of cached blobs.
func (s *Store) Len() int {
	return s.blobs.Len()
}
