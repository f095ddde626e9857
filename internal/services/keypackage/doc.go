// Package keypackage builds and opens key packages: envelopes that carry a
// thread key, or a bulk export of thread keys, to exactly one device.
//
// The sender claims a one-time prekey of the recipient and derives a
// session key with HKDF-SHA256 over X25519(identity secret, prekey public),
// a random 32-byte salt and an info string binding package kind, recipient,
// sender and prekey id. The JSON payload is sealed with XSalsa20-Poly1305
// under a random 24-byte nonce. Salt, info, nonce, sender identity key and
// prekey id travel in the clear header.
package keypackage
