package core

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// AddressLength is the size of a participant identity in bytes.
const AddressLength = 20

// Address is a 20-byte participant identity. It is the owner key of a feed
// and the identity recovered from a signature.
type Address [AddressLength]byte

// String returns the lowercase 0x-prefixed hex representation.
func (a Address) String() string {
	return "0x" + hex.EncodeToString(a[:])
}

// Bytes returns the underlying byte slice.
func (a Address) Bytes() []byte {
	return a[:]
}

// IsZero returns true if the address is all zeros (uninitialized).
func (a Address) IsZero() bool {
	for _, b := range a {
		if b != 0 {
			return false
		}
	}
	return true
}

// MarshalText implements encoding.TextMarshaler.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// ParseAddress parses a hex-encoded address, with or without the 0x prefix.
// Mixed case is accepted; no checksum is enforced.
func ParseAddress(s string) (Address, error) {
	var a Address
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	bytes, err := hex.DecodeString(s)
	if err != nil {
		return a, fmt.Errorf("invalid hex string: %w", err)
	}
	if len(bytes) != AddressLength {
		return a, fmt.Errorf("invalid length: expected %d bytes, got %d", AddressLength, len(bytes))
	}
	copy(a[:], bytes)
	return a, nil
}
