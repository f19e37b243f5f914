// Package feed defines how rooms name their feeds: topic hashes and the
// sequential slot index of a single-writer feed.
//
// A feed is identified by (owner address, topic hash). Every room uses two
// topics derived from its human-readable name: the directory topic, written
// by the room's consensus identity, and the message topic, which each
// participant writes under their own address.
package feed

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/sha3"
)

const (
	// TopicSize is the size of a topic hash.
	TopicSize = 32

	// IndexSize is the size of a serialized feed index.
	IndexSize = 8

	// directorySuffix separates the directory topic from the message topic.
	directorySuffix = "/users"
)

// Topic is the Keccak-256 hash of a topic string. The string itself never
// leaves the process.
type Topic [TopicSize]byte

// TopicFromString hashes a topic string.
func TopicFromString(s string) Topic {
	var t Topic
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(s))
	h.Sum(t[:0])
	return t
}

// MessageTopic returns the topic every participant of room writes their
// messages under.
func MessageTopic(room string) Topic {
	return TopicFromString(room)
}

// DirectoryTopic returns the topic of the room's shared user directory.
func DirectoryTopic(room string) Topic {
	return TopicFromString(room + directorySuffix)
}

// String returns the hex encoding without prefix.
func (t Topic) String() string {
	return hex.EncodeToString(t[:])
}

// ParseTopic parses a hex-encoded topic hash.
func ParseTopic(s string) (Topic, error) {
	var t Topic
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil {
		return t, fmt.Errorf("invalid hex string: %w", err)
	}
	if len(b) != TopicSize {
		return t, fmt.Errorf("invalid length: expected %d bytes, got %d", TopicSize, len(b))
	}
	copy(t[:], b)
	return t, nil
}

// FormatIndex renders a feed index as an 8-byte big-endian counter in hex.
func FormatIndex(i uint64) string {
	var b [IndexSize]byte
	binary.BigEndian.PutUint64(b[:], i)
	return hex.EncodeToString(b[:])
}

// ParseIndex parses the output of FormatIndex.
func ParseIndex(s string) (uint64, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid index: %w", err)
	}
	if len(b) != IndexSize {
		return 0, fmt.Errorf("invalid index length: expected %d bytes, got %d", IndexSize, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// Ptr returns a pointer to i, for the optional index arguments of stores.
func Ptr(i uint64) *uint64 {
	return &i
}
