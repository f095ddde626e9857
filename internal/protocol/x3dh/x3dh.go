package x3dh

import (
	"fmt"

	"threadkx/internal/crypto"
	"threadkx/internal/domain"
	"threadkx/internal/util/memzero"
)

// SaltSize is the length of the random per-package handshake salt.
const SaltSize = 32

// DefaultInfoPrefix namespaces the HKDF info strings of this application.
const DefaultInfoPrefix = "threadkx"

// Info returns the HKDF info string binding a session key to one package
// kind, one recipient device, one sender device and one prekey.
func Info(prefix string, kind domain.PackageKind, to, from domain.DeviceID, prekeyID domain.PrekeyID) string {
	if prefix == "" {
		prefix = DefaultInfoPrefix
	}
	return fmt.Sprintf("%s:secret_pkg:%s:to:%s:from:%s:prekey:%s", prefix, kind, to, from, prekeyID)
}

// NewSalt returns a fresh handshake salt.
func NewSalt() ([]byte, error) { return crypto.RandomBytes(SaltSize) }

// InitiatorSessionKey derives the session key on the sending side:
// HKDF(DH(IK_a, OPK_b), salt, info).
func InitiatorSessionKey(
	identitySecret domain.X25519Private,
	prekeyPublic domain.X25519Public,
	salt []byte,
	info string,
) ([32]byte, error) {
	return sessionKey(identitySecret, prekeyPublic, salt, info)
}

// ResponderSessionKey derives the same session key on the receiving side:
// HKDF(DH(OPK_b, IK_a), salt, info).
func ResponderSessionKey(
	prekeySecret domain.X25519Private,
	initiatorIdentity domain.X25519Public,
	salt []byte,
	info string,
) ([32]byte, error) {
	return sessionKey(prekeySecret, initiatorIdentity, salt, info)
}

func sessionKey(priv domain.X25519Private, pub domain.X25519Public, salt []byte, info string) ([32]byte, error) {
	if len(salt) != SaltSize {
		return [32]byte{}, fmt.Errorf("x3dh: salt must be %d bytes, got %d", SaltSize, len(salt))
	}
	shared, err := crypto.DH(priv, pub)
	if err != nil {
		return [32]byte{}, fmt.Errorf("x3dh: dh: %w", err)
	}
	defer memzero.Zero(shared[:])
	return crypto.DeriveKey(shared[:], salt, info)
}
