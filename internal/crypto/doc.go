// Package crypto exposes the minimal primitives used by the engine.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie–Hellman (GenerateX25519,
//     PublicFromPrivate, DH)
//   - HKDF-SHA256 key derivation (DeriveKey)
//   - XSalsa20-Poly1305 secretbox sealing with random 24 byte nonces
//     (Seal, Open)
//   - Short public-key fingerprints for display/logging (Fingerprint)
//
// # Notes
//
// Callers should treat returned secrets as sensitive and wipe them with
// internal/util/memzero when practical to reduce lifetime in memory.
package crypto
