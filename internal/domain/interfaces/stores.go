package interfaces

import domaintypes "threadkx/internal/domain/types"

// IdentityStore persists the local device identity.
type IdentityStore interface {
	SaveDevice(device domaintypes.Device) error
	LoadDevice() (domaintypes.Device, bool, error)
	WipeDevice() error
}

// PrekeyStore holds the secret halves of this device's one-time prekeys.
type PrekeyStore interface {
	SavePrekeys(pairs []domaintypes.OnePrekeyPair) error

	// UsePrekey runs fn with the secret of id while holding the store lock
	// and deletes the secret only when fn returns nil. found is false when
	// the secret does not exist.
	UsePrekey(
		id domaintypes.PrekeyID,
		fn func(secret domaintypes.X25519Private) error,
	) (found bool, err error)

	HasPrekey(id domaintypes.PrekeyID) (bool, error)
	CountPrekeys() (int, error)
	WipePrekeys() error
}

// ThreadKeyStore persists thread id to thread key records.
type ThreadKeyStore interface {
	LoadThreadKey(id domaintypes.ThreadID) (domaintypes.ThreadKey, bool, error)
	SaveThreadKey(key domaintypes.ThreadKey) error

	// SaveThreadKeyIfAbsent stores key unless a record already exists and
	// returns the record that is stored afterwards.
	SaveThreadKeyIfAbsent(key domaintypes.ThreadKey) (stored domaintypes.ThreadKey, created bool, err error)

	MergeThreadKeys(keys []domaintypes.ThreadKey) error
	ListThreadKeys() ([]domaintypes.ThreadKey, error)
	DeleteThreadKey(id domaintypes.ThreadID) error
}

// RuntimeStore persists thread runtime records and key-share bookkeeping.
type RuntimeStore interface {
	LoadThreadRuntime(id domaintypes.ThreadID) (domaintypes.ThreadRuntime, bool, error)

	// UpdateThreadRuntime applies fn to the record of id (the zero record if
	// none exists) and writes it back when fn reports a change.
	UpdateThreadRuntime(
		id domaintypes.ThreadID,
		fn func(rt *domaintypes.ThreadRuntime) bool,
	) (domaintypes.ThreadRuntime, error)

	ListThreadRuntimes() (map[domaintypes.ThreadID]domaintypes.ThreadRuntime, error)

	LoadKeyShare(id domaintypes.ThreadID) (domaintypes.KeyShareState, error)
	UpdateKeyShare(
		id domaintypes.ThreadID,
		fn func(st *domaintypes.KeyShareState),
	) (domaintypes.KeyShareState, error)
}
