package crypto

import (
	"crypto/rand"
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
)

// NonceSize is the XSalsa20-Poly1305 nonce length.
const NonceSize = 24

// ErrOpen is returned when a secretbox fails authentication.
var ErrOpen = errors.New("secretbox: message authentication failed")

// Seal encrypts plaintext with key under a fresh random nonce.
func Seal(key *[32]byte, plaintext []byte) (nonce [NonceSize]byte, ciphertext []byte, err error) {
	if _, err = rand.Read(nonce[:]); err != nil {
		return nonce, nil, err
	}
	ciphertext = secretbox.Seal(nil, plaintext, &nonce, key)
	return nonce, ciphertext, nil
}

// Open authenticates and decrypts ciphertext. The nonce must be exactly
// NonceSize bytes.
func Open(key *[32]byte, nonce, ciphertext []byte) ([]byte, error) {
	if len(nonce) != NonceSize {
		return nil, ErrOpen
	}
	var n [NonceSize]byte
	copy(n[:], nonce)
	out, ok := secretbox.Open(nil, ciphertext, &n, key)
	if !ok {
		return nil, ErrOpen
	}
	return out, nil
}

// RandomBytes returns n bytes from the system CSPRNG.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
