package crypto

import "github.com/kabili207/feedroom/core"

// RecoverAddress returns the identity that signed msg. The signature scheme
// is selected by length: 65 bytes is secp256k1, 96 bytes is Ed25519.
func RecoverAddress(msg, sig []byte) (core.Address, error) {
	switch len(sig) {
	case Secp256k1SignatureSize:
		return recoverSecp256k1(msg, sig)
	case Ed25519SignatureSize:
		return recoverEd25519(msg, sig)
	default:
		return core.Address{}, ErrInvalidSignatureSize
	}
}

// Verify reports whether sig is a valid signature over msg by addr.
func Verify(addr core.Address, msg, sig []byte) bool {
	signer, err := RecoverAddress(msg, sig)
	return err == nil && signer == addr
}
