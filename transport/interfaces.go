// Package transport defines the storage network a room is built on: an
// immutable content-addressed blob store plus single-writer feeds addressed
// by (owner, topic, index).
package transport

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/kabili207/feedroom/core"
	"github.com/kabili207/feedroom/core/crypto"
	"github.com/kabili207/feedroom/core/feed"
)

var (
	// ErrNotFound is returned when a blob or feed slot does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTimeout is returned when the network did not answer in time.
	ErrTimeout = errors.New("request timed out")

	// ErrNotConnected is returned by network-backed stores before Start.
	ErrNotConnected = errors.New("not connected")

	// ErrInvalidReference is returned when parsing a malformed reference.
	ErrInvalidReference = errors.New("invalid reference")

	// ErrSlotTaken is returned when writing a feed slot that already holds
	// a different reference.
	ErrSlotTaken = errors.New("feed slot already written")
)

// IsNotFound reports whether err means the requested data does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsSlotTaken reports whether err means a feed slot was already written.
func IsSlotTaken(err error) bool {
	return errors.Is(err, ErrSlotTaken)
}

// IsTimeout reports whether err is a timeout, including context deadlines.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// ReferenceSize is the length of a content reference in bytes.
const ReferenceSize = 32

// Reference is the content address of an uploaded blob.
type Reference [ReferenceSize]byte

// String returns the reference as 64 lowercase hex characters.
func (r Reference) String() string {
	return hex.EncodeToString(r[:])
}

// IsZero reports whether r is the zero reference.
func (r Reference) IsZero() bool {
	return r == Reference{}
}

// ParseReference parses a 64-character hex reference (0x prefix allowed).
func ParseReference(s string) (Reference, error) {
	var r Reference
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != ReferenceSize {
		return r, fmt.Errorf("%w: %q", ErrInvalidReference, s)
	}
	copy(r[:], b)
	return r, nil
}

// Stamp identifies the postage batch that pays for a write. Stores that do
// not charge for storage ignore it.
type Stamp string

// FeedUpdate is the result of reading a feed slot.
type FeedUpdate struct {
	// Reference is the blob the slot points to.
	Reference Reference
	// Index is the slot that was read.
	Index uint64
	// NextIndex is the slot the next write will occupy.
	NextIndex uint64
}

// Store is the storage network collaborator.
type Store interface {
	// Upload stores data and returns its content reference.
	Upload(ctx context.Context, data []byte, stamp Stamp) (Reference, error)

	// Download returns the data stored under ref.
	Download(ctx context.Context, ref Reference) ([]byte, error)

	// ReadFeed reads the slot at index of the feed (owner, topic). A nil
	// index reads the latest slot. ErrNotFound is returned for an empty
	// slot or a feed that was never written.
	ReadFeed(ctx context.Context, owner core.Address, topic feed.Topic, index *uint64) (*FeedUpdate, error)

	// WriteFeed writes ref into the feed (signer.Address(), topic) at index
	// and returns the index written. A nil index appends after the latest
	// slot; ErrNotFound is returned if the feed was never written. Slots are
	// write-once: ErrSlotTaken is returned if the slot holds a different
	// reference, and rewriting the same reference is a no-op.
	WriteFeed(ctx context.Context, signer crypto.Signer, topic feed.Topic, index *uint64, ref Reference, stamp Stamp) (uint64, error)
}

// Connector is implemented by stores that hold a network connection.
type Connector interface {
	// Start connects to the network. The context bounds the attempt.
	Start(ctx context.Context) error
	// Stop disconnects.
	Stop() error
	// IsConnected returns true while the connection is up.
	IsConnected() bool
	// SetStateHandler sets the callback for connection state changes.
	SetStateHandler(fn StateHandler)
}

// StateHandler is called when a connector's state changes.
type StateHandler func(c Connector, event Event)

// Event represents connection state change events.
type Event int

const (
	// EventConnected is fired when the store connects.
	EventConnected Event = iota
	// EventDisconnected is fired when the connection drops.
	EventDisconnected
	// EventReconnecting is fired while reconnecting.
	EventReconnecting
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}
