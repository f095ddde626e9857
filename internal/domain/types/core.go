package types

// UserID identifies a remote account on the collaborator server.
type UserID string

// String returns the string form of the user id.
func (id UserID) String() string { return string(id) }

// DeviceID identifies one installation of the client.
type DeviceID string

// String returns the string form of the device id.
func (id DeviceID) String() string { return string(id) }

// ThreadID identifies a secret conversation.
type ThreadID string

// String returns the string form of the thread id.
func (id ThreadID) String() string { return string(id) }

// PrekeyID uniquely identifies a one-time prekey.
type PrekeyID string

// String returns the string form of the prekey id.
func (id PrekeyID) String() string { return string(id) }

// MsgID identifies an inbox envelope.
type MsgID string

// String returns the string form of the message id.
func (id MsgID) String() string { return string(id) }

// Fingerprint is a short identifier for public keys presented to users.
type Fingerprint string

// String returns the string form of the fingerprint.
func (f Fingerprint) String() string { return string(f) }
