// Package store provides local persistence for the engine.
//
// Secrets live in small JSON files encrypted with a passphrase-derived key
// (scrypt + ChaCha20-Poly1305, see Keyring) and are replaced atomically via a
// temp file and rename:
//   - Device identity (DeviceFileStore)
//   - One-time prekey secrets (PrekeyFileStore)
//   - Thread keys (ThreadKeyFileStore)
//
// Non-secret protocol state lives in a LevelDB database (RuntimeDB): thread
// runtime records that drive the readiness state machine, and the creator's
// key-share receipts and pending deliveries.
//
// All methods are concurrency-safe via internal locking.
package store
