package crypto_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"threadkx/internal/crypto"
)

func TestDHAgrees(t *testing.T) {
	aPriv, aPub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	bPriv, bPub, err := crypto.GenerateX25519()
	require.NoError(t, err)

	s1, err := crypto.DH(aPriv, bPub)
	require.NoError(t, err)
	s2, err := crypto.DH(bPriv, aPub)
	require.NoError(t, err)
	require.Equal(t, s1, s2)

	again, err := crypto.PublicFromPrivate(aPriv)
	require.NoError(t, err)
	require.Equal(t, aPub, again)
}

func TestSealOpen(t *testing.T) {
	var key [32]byte
	copy(key[:], []byte("0123456789abcdef0123456789abcdef"))

	nonce, ct, err := crypto.Seal(&key, []byte("hello"))
	require.NoError(t, err)

	pt, err := crypto.Open(&key, nonce[:], ct)
	require.NoError(t, err)
	require.Equal(t, "hello", string(pt))

	ct[0] ^= 0xff
	_, err = crypto.Open(&key, nonce[:], ct)
	require.ErrorIs(t, err, crypto.ErrOpen)

	_, err = crypto.Open(&key, nonce[:10], ct)
	require.ErrorIs(t, err, crypto.ErrOpen)
}

func TestSealUsesFreshNonces(t *testing.T) {
	var key [32]byte
	n1, _, err := crypto.Seal(&key, []byte("x"))
	require.NoError(t, err)
	n2, _, err := crypto.Seal(&key, []byte("x"))
	require.NoError(t, err)
	require.NotEqual(t, n1, n2)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt := make([]byte, 32)
	k1, err := crypto.DeriveKey([]byte("secret"), salt, "info-a")
	require.NoError(t, err)
	k2, err := crypto.DeriveKey([]byte("secret"), salt, "info-a")
	require.NoError(t, err)
	k3, err := crypto.DeriveKey([]byte("secret"), salt, "info-b")
	require.NoError(t, err)
	require.Equal(t, k1, k2)
	require.NotEqual(t, k1, k3)
}

func TestFingerprintLength(t *testing.T) {
	_, pub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	require.Len(t, crypto.Fingerprint(pub).String(), 20)
}
