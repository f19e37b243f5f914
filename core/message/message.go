// Package message defines chat messages, their ordering and deduplication,
// and the bounded history a room keeps in memory.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/kabili207/feedroom/core"
)

// ErrInvalidMessage is returned when a downloaded payload is not a message.
var ErrInvalidMessage = errors.New("invalid message")

// Data is a chat message as uploaded by its sender.
type Data struct {
	Message   string       `json:"message"`
	Username  string       `json:"username"`
	Address   core.Address `json:"address"`
	Timestamp int64        `json:"timestamp"` // unix ms
}

// Encode serializes the message as JSON.
func (d *Data) Encode() ([]byte, error) {
	return json.Marshal(d)
}

// Decode parses a message payload.
func Decode(data []byte) (*Data, error) {
	var d Data
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if d.Address.IsZero() {
		return nil, fmt.Errorf("%w: missing address", ErrInvalidMessage)
	}
	return &d, nil
}

// Merge concatenates message lists, sorts them by timestamp and collapses
// entries with identical (timestamp, message) pairs, keeping the first one
// seen. The sort is stable so equal timestamps keep arrival order.
func Merge(lists ...[]Data) []Data {
	var n int
	for _, l := range lists {
		n += len(l)
	}
	all := make([]Data, 0, n)
	for _, l := range lists {
		all = append(all, l...)
	}

	slices.SortStableFunc(all, func(a, b Data) int {
		switch {
		case a.Timestamp < b.Timestamp:
			return -1
		case a.Timestamp > b.Timestamp:
			return 1
		default:
			return 0
		}
	})

	type key struct {
		ts   int64
		text string
	}
	seen := make(map[key]struct{}, len(all))
	out := all[:0]
	for _, m := range all {
		k := key{m.Timestamp, m.Message}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, m)
	}
	return out
}
