// Package identity owns the long-term X25519 identity of this installation
// and its registration with the server.
//
// Bootstrap is safe to call on every start: it re-registers an existing
// device (the server record may be gone) and only creates a new identity
// when none is stored, or when the server reports that the stored device id
// belongs to another user.
package identity
