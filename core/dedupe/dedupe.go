// Package dedupe tracks recently seen chat messages.
//
// A message is identified by an 8-byte truncated SHA-256 of its timestamp and
// text, so a sender re-uploading the same content after a perceived failure
// is recognised no matter which feed slot or reference it landed on. Hashes
// live in a fixed-size circular buffer: the oldest entries are forgotten
// first.
package dedupe

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sync"
)

const (
	// DefaultMaxHashes is the default capacity of the hash table.
	DefaultMaxHashes = 600
	// HashSize is the truncated SHA-256 hash size.
	HashSize = 8
)

// Key is the identity of a message for deduplication purposes.
type Key [HashSize]byte

// MessageDeduplicator remembers the keys of recently seen messages.
type MessageDeduplicator struct {
	mu        sync.Mutex
	hashes    []byte // circular buffer of HashSize-byte hashes
	index     map[Key]int
	maxHashes int
	next      int
	count     int
}

// New creates a deduplicator with the default capacity.
func New() *MessageDeduplicator {
	return NewWithCapacity(DefaultMaxHashes)
}

// NewWithCapacity creates a deduplicator remembering at most maxHashes keys.
func NewWithCapacity(maxHashes int) *MessageDeduplicator {
	if maxHashes <= 0 {
		maxHashes = DefaultMaxHashes
	}
	return &MessageDeduplicator{
		hashes:    make([]byte, maxHashes*HashSize),
		index:     make(map[Key]int, maxHashes),
		maxHashes: maxHashes,
	}
}

// HasSeen reports whether the (timestamp, text) pair was seen before. If
// not, it records it and returns false.
func (d *MessageDeduplicator) HasSeen(timestamp int64, text string) bool {
	key := CalculateKey(timestamp, text)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.index[key]; ok {
		return true
	}

	offset := d.next * HashSize
	if d.count == d.maxHashes {
		var evicted Key
		copy(evicted[:], d.hashes[offset:offset+HashSize])
		if slot, ok := d.index[evicted]; ok && slot == d.next {
			delete(d.index, evicted)
		}
	} else {
		d.count++
	}
	copy(d.hashes[offset:offset+HashSize], key[:])
	d.index[key] = d.next
	d.next = (d.next + 1) % d.maxHashes
	return false
}

// Forget removes a key so the message is accepted again.
func (d *MessageDeduplicator) Forget(timestamp int64, text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.index, CalculateKey(timestamp, text))
}

// Clear resets the deduplicator, forgetting all previously seen messages.
func (d *MessageDeduplicator) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.hashes)
	clear(d.index)
	d.next = 0
	d.count = 0
}

// CalculateKey computes the deduplication key:
// SHA256(timestamp as 8 bytes BE || text) truncated to 8 bytes.
func CalculateKey(timestamp int64, text string) Key {
	h := sha256.New()
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(timestamp))
	h.Write(ts[:])
	h.Write([]byte(text))
	sum := h.Sum(nil)
	var k Key
	copy(k[:], sum[:HashSize])
	return k
}

// String returns the key in hex.
func (k Key) String() string {
	return hex.EncodeToString(k[:])
}
