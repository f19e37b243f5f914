package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.False(t, kp.Address().IsZero())

	kp2, err := GenerateKeyPair()
	require.NoError(t, err)
	assert.NotEqual(t, kp.Address(), kp2.Address(), "two generated keys should differ")
}

func TestKeyPairFromSeed_Deterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x42}, SeedSize)

	a, err := KeyPairFromSeed(seed)
	require.NoError(t, err)
	b, err := KeyPairFromSeed(seed)
	require.NoError(t, err)

	assert.Equal(t, a.Address(), b.Address())
}

func TestKeyPairFromSeed_InvalidLength(t *testing.T) {
	_, err := KeyPairFromSeed(make([]byte, 16))
	assert.ErrorIs(t, err, ErrInvalidSeedSize)
}

func TestKeyPairFromHex_RoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	back, err := KeyPairFromHex("0x" + kp.Hex())
	require.NoError(t, err)
	assert.Equal(t, kp.Address(), back.Address())
}

func TestKeyPair_SignRecover(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	msg := []byte(`{"username":"alice"}`)
	sig, err := kp.Sign(msg)
	require.NoError(t, err)
	require.Len(t, sig, Secp256k1SignatureSize)
	assert.Contains(t, []byte{27, 28}, sig[64])

	addr, err := RecoverAddress(msg, sig)
	require.NoError(t, err)
	assert.Equal(t, kp.Address(), addr)
	assert.True(t, Verify(kp.Address(), msg, sig))
}

func TestKeyPair_RecoverDifferentMessage(t *testing.T) {
	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	sig, err := kp.Sign([]byte("original"))
	require.NoError(t, err)

	addr, err := RecoverAddress([]byte("tampered"), sig)
	if err == nil {
		assert.NotEqual(t, kp.Address(), addr)
	}
	assert.False(t, Verify(kp.Address(), []byte("tampered"), sig))
}

func TestEd25519_SignRecover(t *testing.T) {
	kp, err := GenerateEd25519KeyPair()
	require.NoError(t, err)

	msg := []byte("hello")
	sig, err := kp.Sign(msg)
	require.NoError(t, err)
	require.Len(t, sig, Ed25519SignatureSize)

	addr, err := RecoverAddress(msg, sig)
	require.NoError(t, err)
	assert.Equal(t, kp.Address(), addr)

	_, err = RecoverAddress([]byte("other"), sig)
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestEd25519_FromSeedAndPrivateKey(t *testing.T) {
	seed := bytes.Repeat([]byte{0x07}, 32)
	a, err := Ed25519KeyPairFromSeed(seed)
	require.NoError(t, err)

	b, err := Ed25519KeyPairFromPrivateKey(a.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, a.Address(), b.Address())

	_, err = Ed25519KeyPairFromPrivateKey(make([]byte, 32))
	assert.ErrorIs(t, err, ErrInvalidPrivKeySize)
}

func TestEd25519_RejectsSmallOrderKey(t *testing.T) {
	// Encoding of the identity point.
	identity := make([]byte, 32)
	identity[0] = 0x01

	sig := append(identity, make([]byte, 64)...)
	_, err := RecoverAddress([]byte("msg"), sig)
	assert.ErrorIs(t, err, ErrWeakPublicKey)
}

func TestRecoverAddress_BadLength(t *testing.T) {
	_, err := RecoverAddress([]byte("msg"), make([]byte, 10))
	assert.ErrorIs(t, err, ErrInvalidSignatureSize)
}
