package testutils

import (
	"testing"

	"github.com/stretchr/testify/require"

	"threadkx/internal/store"
)

// Stores is a set of local stores rooted in a test temp dir.
type Stores struct {
	Home       string
	Keyring    *store.Keyring
	Devices    *store.DeviceFileStore
	Prekeys    *store.PrekeyFileStore
	ThreadKeys *store.ThreadKeyFileStore
	Runtime    *store.RuntimeDB
}

// NewStores returns stores under a fresh temp dir. The keyring uses cheap
// scrypt parameters and the runtime db lives in memory.
func NewStores(t testing.TB) *Stores {
	t.Helper()
	home := t.TempDir()
	kr := store.NewKeyring("test passphrase", store.WithScryptParams(1<<10, 8, 1))
	rt, err := store.NewMemRuntimeDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return &Stores{
		Home:       home,
		Keyring:    kr,
		Devices:    store.NewDeviceFileStore(home, kr),
		Prekeys:    store.NewPrekeyFileStore(home, kr),
		ThreadKeys: store.NewThreadKeyFileStore(home, kr),
		Runtime:    rt,
	}
}
