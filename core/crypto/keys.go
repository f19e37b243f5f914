// Package crypto provides participant identities: signers, signature
// recovery and the deterministic consensus identity shared by everyone who
// knows a room topic.
package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/kabili207/feedroom/core"
)

const (
	// SeedSize is the size of the key material accepted by KeyPairFromSeed.
	SeedSize = 32

	// Secp256k1SignatureSize is the size of a recoverable secp256k1 signature
	// (r || s || v).
	Secp256k1SignatureSize = 65
)

var (
	ErrInvalidSeedSize      = errors.New("invalid seed size: expected 32 bytes")
	ErrInvalidSignatureSize = errors.New("invalid signature size")
	ErrInvalidSignature     = errors.New("invalid signature")
)

// Signer produces signatures that RecoverAddress maps back to Address.
type Signer interface {
	// Address returns the identity the signatures recover to.
	Address() core.Address
	// Sign signs an arbitrary message.
	Sign(msg []byte) ([]byte, error)
}

// Compile-time interface check.
var _ Signer = (*KeyPair)(nil)

// KeyPair holds a secp256k1 key pair. Signatures follow the Ethereum
// personal-message convention so they can be produced by ordinary wallets.
type KeyPair struct {
	PrivateKey *ecdsa.PrivateKey
	address    core.Address
}

// GenerateKeyPair generates a new random secp256k1 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return newKeyPair(priv), nil
}

// KeyPairFromSeed builds a key pair whose private scalar is the given
// 32 bytes.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != SeedSize {
		return nil, ErrInvalidSeedSize
	}
	priv, err := ethcrypto.ToECDSA(seed)
	if err != nil {
		return nil, fmt.Errorf("invalid key material: %w", err)
	}
	return newKeyPair(priv), nil
}

// KeyPairFromHex parses a hex-encoded private key, with or without 0x.
func KeyPairFromHex(s string) (*KeyPair, error) {
	seed, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid hex private key: %w", err)
	}
	return KeyPairFromSeed(seed)
}

func newKeyPair(priv *ecdsa.PrivateKey) *KeyPair {
	return &KeyPair{
		PrivateKey: priv,
		address:    core.Address(ethcrypto.PubkeyToAddress(priv.PublicKey)),
	}
}

// Address returns the 20-byte address derived from the public key.
func (kp *KeyPair) Address() core.Address {
	return kp.address
}

// Hex returns the hex-encoded private key.
func (kp *KeyPair) Hex() string {
	return hex.EncodeToString(ethcrypto.FromECDSA(kp.PrivateKey))
}

// Sign signs msg using the personal-message hash. The recovery byte is
// 27 or 28.
func (kp *KeyPair) Sign(msg []byte) ([]byte, error) {
	sig, err := ethcrypto.Sign(accounts.TextHash(msg), kp.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("signing failed: %w", err)
	}
	sig[64] += 27
	return sig, nil
}

// recoverSecp256k1 returns the address that produced a personal-message
// signature over msg.
func recoverSecp256k1(msg, sig []byte) (core.Address, error) {
	var addr core.Address
	if len(sig) != Secp256k1SignatureSize {
		return addr, ErrInvalidSignatureSize
	}
	normalized := make([]byte, Secp256k1SignatureSize)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(accounts.TextHash(msg), normalized)
	if err != nil {
		return addr, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return core.Address(ethcrypto.PubkeyToAddress(*pub)), nil
}
