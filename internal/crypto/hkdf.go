package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveKey runs HKDF-SHA256 over secret with salt and info and returns a
// 32 byte key.
func DeriveKey(secret, salt []byte, info string) (out [32]byte, err error) {
	r := hkdf.New(sha256.New, secret, salt, []byte(info))
	if _, err = io.ReadFull(r, out[:]); err != nil {
		return out, err
	}
	return out, nil
}
