package user

import (
	"encoding/json"
	"fmt"

	"github.com/kabili207/feedroom/core"
)

// Commit is one write to a room's directory feed. Overwrite replaces the
// active participant set; otherwise the users are merged into it.
type Commit struct {
	Users     []User `json:"users"`
	Overwrite bool   `json:"overwrite"`
}

// Encode serializes the commit as JSON.
func (c *Commit) Encode() ([]byte, error) {
	if c.Users == nil {
		c.Users = []User{}
	}
	return json.Marshal(c)
}

// DecodeResult is a decoded commit with its invalid entries removed.
type DecodeResult struct {
	Commit
	// Rejected holds the parse or validation error of every dropped entry.
	Rejected []error
}

// DecodeCommit decodes a commit. Entries that fail to parse or validate are
// dropped and reported in Rejected; duplicate addresses keep their first
// occurrence. An error is returned only when the envelope is unreadable.
func DecodeCommit(data []byte) (*DecodeResult, error) {
	var envelope struct {
		Users     []json.RawMessage `json:"users"`
		Overwrite bool              `json:"overwrite"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCommit, err)
	}

	res := &DecodeResult{Commit: Commit{Overwrite: envelope.Overwrite, Users: make([]User, 0, len(envelope.Users))}}
	seen := make(map[core.Address]struct{}, len(envelope.Users))
	for _, raw := range envelope.Users {
		u, err := Parse(raw)
		if err != nil {
			res.Rejected = append(res.Rejected, err)
			continue
		}
		if _, dup := seen[u.Address]; dup {
			continue
		}
		seen[u.Address] = struct{}{}
		res.Users = append(res.Users, u)
	}
	return res, nil
}
