// Package user defines room participants and the directory commits that
// list them.
//
// A User is self-signed: the signature covers the JSON document
// {"username":..,"address":..,"timestamp":..} and must recover to address.
// Anyone can write to the directory feed, so every entry read from it is
// validated before it is trusted.
package user

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/kabili207/feedroom/core"
	"github.com/kabili207/feedroom/core/crypto"
)

// UnknownIndex marks a feed cursor that has to be resolved from the network.
const UnknownIndex int64 = -1

var (
	// ErrInvalidUser is returned for malformed or wrongly signed entries.
	ErrInvalidUser = errors.New("invalid user")
	// ErrInvalidCommit is returned when a directory commit cannot be read
	// at all.
	ErrInvalidCommit = errors.New("invalid users commit")
)

// jsonFields are the exact keys of an encoded User.
var jsonFields = []string{"username", "address", "timestamp", "signature"}

// User is a registered participant. Users are immutable once signed.
type User struct {
	Username  string        `json:"username"`
	Address   core.Address  `json:"address"`
	Timestamp int64         `json:"timestamp"` // registration time, unix ms
	Signature hexutil.Bytes `json:"signature"`
}

// WithIndex is a User plus the next unread index of their message feed, or
// UnknownIndex.
type WithIndex struct {
	User
	Index int64
}

// signedFields is the payload covered by a User signature. Field order is
// part of the format.
type signedFields struct {
	Username  string       `json:"username"`
	Address   core.Address `json:"address"`
	Timestamp int64        `json:"timestamp"`
}

// New creates and signs a User. The signer must own address.
func New(username string, address core.Address, timestamp int64, signer crypto.Signer) (*User, error) {
	if username == "" {
		return nil, fmt.Errorf("%w: empty username", ErrInvalidUser)
	}
	u := &User{Username: username, Address: address, Timestamp: timestamp}
	payload, err := u.SigningPayload()
	if err != nil {
		return nil, err
	}
	sig, err := signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("signing user: %w", err)
	}
	u.Signature = sig
	return u, nil
}

// SigningPayload returns the bytes covered by the signature.
func (u *User) SigningPayload() ([]byte, error) {
	return json.Marshal(signedFields{
		Username:  u.Username,
		Address:   u.Address,
		Timestamp: u.Timestamp,
	})
}

// Validate checks the username and that the signature recovers to Address.
func (u *User) Validate() error {
	if u.Username == "" {
		return fmt.Errorf("%w: empty username", ErrInvalidUser)
	}
	payload, err := u.SigningPayload()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUser, err)
	}
	signer, err := crypto.RecoverAddress(payload, u.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidUser, err)
	}
	if signer != u.Address {
		return fmt.Errorf("%w: signed by %s, claims %s", ErrInvalidUser, signer, u.Address)
	}
	return nil
}

// Parse decodes and validates a single encoded User. The object must carry
// exactly the User fields: nothing missing, nothing extra.
func Parse(raw json.RawMessage) (User, error) {
	var u User
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return u, fmt.Errorf("%w: %v", ErrInvalidUser, err)
	}
	if len(fields) != len(jsonFields) {
		return u, fmt.Errorf("%w: expected %d fields, got %d", ErrInvalidUser, len(jsonFields), len(fields))
	}
	for _, name := range jsonFields {
		if _, ok := fields[name]; !ok {
			return u, fmt.Errorf("%w: missing field %q", ErrInvalidUser, name)
		}
	}
	if err := json.Unmarshal(raw, &u); err != nil {
		return u, fmt.Errorf("%w: %v", ErrInvalidUser, err)
	}
	if err := u.Validate(); err != nil {
		return u, err
	}
	return u, nil
}
