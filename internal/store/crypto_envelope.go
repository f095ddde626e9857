package store

import (
	"bytes"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/scrypt"

	"threadkx/internal/util/memzero"
)

const (
	// The current supported version of the encrypted blob format stored on disk.
	// Version 1 blobs used a zero nonce with a fresh salt per write.
	keystoreFormatVersion = 2
)

var (
	// Returned when the passphrase is incorrect or the ciphertext has been modified / corrupted.
	errWrongPassphrase = errors.New("wrong passphrase or corrupted store")
)

// blob is the on‑disk JSON structure holding the ciphertext and KDF parameters.
type blob struct {
	V      int    `json:"v"`
	Salt   []byte `json:"salt"`
	N      int    `json:"scrypt_N"`
	R      int    `json:"scrypt_r"`
	P      int    `json:"scrypt_p"`
	Nonce  []byte `json:"nonce,omitempty"`
	Cipher []byte `json:"cipher"`
}

// Keyring derives the passphrase key protecting the secret files and caches
// it together with its salt, so scrypt runs once per process rather than once
// per write.
type Keyring struct {
	passphrase string
	n, r, p    int

	mu   sync.Mutex
	salt []byte
	key  []byte
}

// KeyringOption tunes a Keyring.
type KeyringOption func(*Keyring)

// WithScryptParams overrides the scrypt cost parameters used for new files.
func WithScryptParams(n, r, p int) KeyringOption {
	return func(k *Keyring) {
		k.n, k.r, k.p = n, r, p
	}
}

// NewKeyring returns a keyring for passphrase.
func NewKeyring(passphrase string, opts ...KeyringOption) *Keyring {
	k := &Keyring{passphrase: passphrase}
	k.n, k.r, k.p = scryptParamsDefault()
	for _, opt := range opts {
		opt(k)
	}
	return k
}

// Forget wipes the cached key.
func (k *Keyring) Forget() {
	k.mu.Lock()
	memzero.Zero(k.key)
	k.key, k.salt = nil, nil
	k.mu.Unlock()
}

// seal encrypts raw into a JSON blob under the cached key.
func (k *Keyring) seal(raw []byte) ([]byte, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.key == nil {
		var salt [16]byte
		if _, err := rand.Read(salt[:]); err != nil {
			return nil, err
		}
		key, err := scrypt.Key([]byte(k.passphrase), salt[:], k.n, k.r, k.p, chacha20poly1305.KeySize)
		if err != nil {
			return nil, err
		}
		k.salt, k.key = salt[:], key
	}
	aead, err := chacha20poly1305.New(k.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	ct := aead.Seal(nil, nonce, raw, k.salt)

	return json.Marshal(blob{
		V:      keystoreFormatVersion,
		Salt:   k.salt,
		N:      k.n,
		R:      k.r,
		P:      k.p,
		Nonce:  nonce,
		Cipher: ct,
	})
}

// open decrypts a JSON blob, deriving (and caching) the key for its salt when
// needed.
func (k *Keyring) open(b []byte) ([]byte, error) {
	var bl blob
	if err := json.Unmarshal(b, &bl); err != nil {
		return nil, err
	}
	if bl.V > keystoreFormatVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", bl.V)
	}

	k.mu.Lock()
	defer k.mu.Unlock()

	key := k.key
	if key == nil || !bytes.Equal(k.salt, bl.Salt) {
		var err error
		key, err = scrypt.Key([]byte(k.passphrase), bl.Salt, bl.N, bl.R, bl.P, chacha20poly1305.KeySize)
		if err != nil {
			return nil, err
		}
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := bl.Nonce
	if bl.V < 2 {
		nonce = make([]byte, aead.NonceSize())
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errWrongPassphrase
	}
	pt, err := aead.Open(nil, nonce, bl.Cipher, bl.Salt)
	if err != nil {
		return nil, errWrongPassphrase
	}
	if k.key == nil {
		k.salt, k.key = append([]byte(nil), bl.Salt...), key
	}
	return pt, nil
}

// Tunables for scrypt key derivation.
func scryptParamsDefault() (N, r, p int) { return 1 << 15, 8, 1 }
