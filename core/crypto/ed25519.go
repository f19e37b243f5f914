package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/kabili207/feedroom/core"
)

// Ed25519SignatureSize is the size of an Ed25519 identity signature: the
// signer's public key followed by the 64-byte signature. Ed25519 has no key
// recovery, so the key travels with the signature.
const Ed25519SignatureSize = ed25519.PublicKeySize + ed25519.SignatureSize

var (
	ErrInvalidPubKeySize  = errors.New("invalid public key size: expected 32 bytes")
	ErrInvalidPrivKeySize = errors.New("invalid private key size: expected 64 bytes")
	ErrWeakPublicKey      = errors.New("public key has small order")
)

// Compile-time interface check.
var _ Signer = (*Ed25519KeyPair)(nil)

// Ed25519KeyPair is an Ed25519 identity. Its address is the last 20 bytes of
// Keccak-256(public key).
type Ed25519KeyPair struct {
	PublicKey  ed25519.PublicKey  // 32 bytes
	PrivateKey ed25519.PrivateKey // 64 bytes
}

// GenerateEd25519KeyPair generates a new Ed25519 key pair.
func GenerateEd25519KeyPair() (*Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key pair: %w", err)
	}
	return &Ed25519KeyPair{PublicKey: pub, PrivateKey: priv}, nil
}

// Ed25519KeyPairFromSeed derives a key pair from a 32-byte RFC 8032 seed.
func Ed25519KeyPairFromSeed(seed []byte) (*Ed25519KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrInvalidSeedSize
	}
	priv := ed25519.NewKeyFromSeed(seed)
	return &Ed25519KeyPair{PublicKey: priv.Public().(ed25519.PublicKey), PrivateKey: priv}, nil
}

// Ed25519KeyPairFromPrivateKey reconstructs a key pair from a 64-byte
// private key (standard Go format).
func Ed25519KeyPairFromPrivateKey(privKey []byte) (*Ed25519KeyPair, error) {
	if len(privKey) != ed25519.PrivateKeySize {
		return nil, ErrInvalidPrivKeySize
	}
	priv := ed25519.PrivateKey(make([]byte, ed25519.PrivateKeySize))
	copy(priv, privKey)
	return &Ed25519KeyPair{PublicKey: priv.Public().(ed25519.PublicKey), PrivateKey: priv}, nil
}

// Address returns the identity derived from the public key.
func (kp *Ed25519KeyPair) Address() core.Address {
	return ed25519Address(kp.PublicKey)
}

// Sign returns publicKey || signature.
func (kp *Ed25519KeyPair) Sign(msg []byte) ([]byte, error) {
	out := make([]byte, 0, Ed25519SignatureSize)
	out = append(out, kp.PublicKey...)
	out = append(out, ed25519.Sign(kp.PrivateKey, msg)...)
	return out, nil
}

func ed25519Address(pub []byte) core.Address {
	var addr core.Address
	copy(addr[:], ethcrypto.Keccak256(pub)[12:])
	return addr
}

// validateEd25519PubKey rejects encodings that are not curve points and
// points of small order, which would let several keys share signatures.
func validateEd25519PubKey(pub []byte) error {
	if len(pub) != ed25519.PublicKeySize {
		return ErrInvalidPubKeySize
	}
	point, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return fmt.Errorf("invalid Ed25519 public key: %w", err)
	}
	if new(edwards25519.Point).MultByCofactor(point).Equal(edwards25519.NewIdentityPoint()) == 1 {
		return ErrWeakPublicKey
	}
	return nil
}

// recoverEd25519 verifies an Ed25519 identity signature and returns the
// address of the embedded key.
func recoverEd25519(msg, sig []byte) (core.Address, error) {
	var addr core.Address
	if len(sig) != Ed25519SignatureSize {
		return addr, ErrInvalidSignatureSize
	}
	pub := sig[:ed25519.PublicKeySize]
	if err := validateEd25519PubKey(pub); err != nil {
		return addr, err
	}
	if !ed25519.Verify(pub, msg, sig[ed25519.PublicKeySize:]) {
		return addr, ErrInvalidSignature
	}
	return ed25519Address(pub), nil
}
