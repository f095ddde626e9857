// Package x3dh implements the asymmetric handshake that seals a key package
// to one remote device.
//
// # Overview
//
// The recipient device has pre-published a batch of one-time prekeys (OPKs).
// The sender claims one of them from the server and combines it with its own
// long-term identity key:
//
//  1. shared = X25519(IK_sender, OPK_recipient)
//  2. salt   = 32 random bytes, fresh for every package
//  3. key    = HKDF-SHA256(shared, salt, info)
//
// where info binds {package kind, recipient device, sender device, prekey id}
// so a key derived for one context is never valid in another. The recipient
// recomputes the same value from its OPK secret and the sender identity key
// carried in the clear header:
//
//	shared = X25519(OPK_recipient, IK_sender)
//
// # Security notes
//
// Only public material travels in the header. Forward secrecy for a package
// comes from the recipient deleting the OPK secret after the first successful
// open; that deletion is the caller's job (see internal/services/keypackage).
package x3dh
