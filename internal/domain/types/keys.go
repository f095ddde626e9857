package types

import (
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrKeyLength is returned when an encoded key does not decode to the
// expected number of bytes.
var ErrKeyLength = errors.New("invalid key length")

// X25519Public is a Curve25519 public key. It is encoded as standard base64
// in JSON.
type X25519Public [32]byte

// Slice returns the key as a []byte.
func (p X25519Public) Slice() []byte { return p[:] }

// IsZero reports whether the key is unset.
func (p X25519Public) IsZero() bool { return p == X25519Public{} }

// MarshalText implements encoding.TextMarshaler.
func (p X25519Public) MarshalText() ([]byte, error) { return encodeKey(p[:]), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *X25519Public) UnmarshalText(b []byte) error { return decodeKey(p[:], b) }

// X25519Private is a Curve25519 private key.
type X25519Private [32]byte

// Slice returns the key as a []byte.
func (k X25519Private) Slice() []byte { return k[:] }

// IsZero reports whether the key is unset.
func (k X25519Private) IsZero() bool { return k == X25519Private{} }

// MarshalText implements encoding.TextMarshaler.
func (k X25519Private) MarshalText() ([]byte, error) { return encodeKey(k[:]), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *X25519Private) UnmarshalText(b []byte) error { return decodeKey(k[:], b) }

// SymmetricKey is a 32 byte secret used with XSalsa20-Poly1305.
type SymmetricKey [32]byte

// Slice returns the key as a []byte.
func (k SymmetricKey) Slice() []byte { return k[:] }

// Encode returns the standard base64 form of the key.
func (k SymmetricKey) Encode() string { return string(encodeKey(k[:])) }

// MarshalText implements encoding.TextMarshaler.
func (k SymmetricKey) MarshalText() ([]byte, error) { return encodeKey(k[:]), nil }

// UnmarshalText implements encoding.TextUnmarshaler. Anything that does not
// decode to exactly 32 bytes is rejected.
func (k *SymmetricKey) UnmarshalText(b []byte) error { return decodeKey(k[:], b) }

// ParseSymmetricKey decodes a base64 key, enforcing the 32 byte length.
func ParseSymmetricKey(s string) (SymmetricKey, error) {
	var k SymmetricKey
	err := k.UnmarshalText([]byte(s))
	return k, err
}

func encodeKey(b []byte) []byte {
	out := make([]byte, base64.StdEncoding.EncodedLen(len(b)))
	base64.StdEncoding.Encode(out, b)
	return out
}

func decodeKey(dst, b []byte) error {
	raw, err := base64.StdEncoding.DecodeString(string(b))
	if err != nil {
		return err
	}
	if len(raw) != len(dst) {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrKeyLength, len(raw), len(dst))
	}
	copy(dst, raw)
	return nil
}
