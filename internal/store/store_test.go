package store_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"threadkx/internal/crypto"
	"threadkx/internal/domain"
	"threadkx/internal/store"
)

// testKeyring uses cheap scrypt parameters so tests stay fast.
func testKeyring(pass string) *store.Keyring {
	return store.NewKeyring(pass, store.WithScryptParams(1<<10, 8, 1))
}

func newDevice(t *testing.T) domain.Device {
	t.Helper()
	priv, pub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	return domain.Device{
		ID:             "dev-1",
		IdentityPublic: pub,
		IdentitySecret: priv,
		Name:           "laptop",
		Platform:       "linux",
	}
}

func TestDevice_SaveLoad_OK(t *testing.T) {
	home := t.TempDir()
	var ids domain.IdentityStore = store.NewDeviceFileStore(home, testKeyring("pass"))

	_, ok, err := ids.LoadDevice()
	require.NoError(t, err)
	require.False(t, ok)

	d := newDevice(t)
	require.NoError(t, ids.SaveDevice(d))

	// A fresh keyring must derive the key from the stored salt.
	got, ok, err := store.NewDeviceFileStore(home, testKeyring("pass")).LoadDevice()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, d.ID, got.ID)
	require.Equal(t, d.IdentityPublic, got.IdentityPublic)
	require.Equal(t, d.IdentitySecret, got.IdentitySecret)

	require.NoError(t, ids.WipeDevice())
	_, ok, err = ids.LoadDevice()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDevice_WrongPassphrase_Fails(t *testing.T) {
	home := t.TempDir()
	require.NoError(t, store.NewDeviceFileStore(home, testKeyring("correct")).SaveDevice(newDevice(t)))

	_, _, err := store.NewDeviceFileStore(home, testKeyring("wrong")).LoadDevice()
	require.Error(t, err)
}

func TestDevice_FileIsNotPlaintext(t *testing.T) {
	home := t.TempDir()
	d := newDevice(t)
	require.NoError(t, store.NewDeviceFileStore(home, testKeyring("pass")).SaveDevice(d))

	entries, err := os.ReadDir(home)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	b, err := os.ReadFile(filepath.Join(home, entries[0].Name()))
	require.NoError(t, err)
	require.NotContains(t, string(b), "laptop")
}

func TestPrekeys_UseDeletesOnlyOnSuccess(t *testing.T) {
	ps := store.NewPrekeyFileStore(t.TempDir(), testKeyring("pass"))
	priv, pub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	require.NoError(t, ps.SavePrekeys([]domain.OnePrekeyPair{{ID: "opk-1", Public: pub, Secret: priv}}))

	boom := errors.New("boom")
	found, err := ps.UsePrekey("opk-1", func(secret domain.X25519Private) error {
		require.Equal(t, priv, secret)
		return boom
	})
	require.True(t, found)
	require.ErrorIs(t, err, boom)

	has, err := ps.HasPrekey("opk-1")
	require.NoError(t, err)
	require.True(t, has)

	found, err = ps.UsePrekey("opk-1", func(domain.X25519Private) error { return nil })
	require.NoError(t, err)
	require.True(t, found)

	found, err = ps.UsePrekey("opk-1", func(domain.X25519Private) error {
		t.Fatal("consumed prekey handed out twice")
		return nil
	})
	require.NoError(t, err)
	require.False(t, found)

	n, err := ps.CountPrekeys()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestThreadKeys_IfAbsentAndMerge(t *testing.T) {
	ks := store.NewThreadKeyFileStore(t.TempDir(), testKeyring("pass"))

	k1 := domain.ThreadKey{ThreadID: "t1", Key: domain.SymmetricKey{1}, Version: 1}
	stored, created, err := ks.SaveThreadKeyIfAbsent(k1)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, k1, stored)

	stored, created, err = ks.SaveThreadKeyIfAbsent(domain.ThreadKey{ThreadID: "t1", Key: domain.SymmetricKey{2}})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, k1.Key, stored.Key)

	require.NoError(t, ks.MergeThreadKeys([]domain.ThreadKey{
		{ThreadID: "t2", Key: domain.SymmetricKey{3}, Version: 1},
	}))
	all, err := ks.ListThreadKeys()
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, domain.ThreadID("t1"), all[0].ThreadID)
	require.Equal(t, domain.ThreadID("t2"), all[1].ThreadID)

	require.NoError(t, ks.DeleteThreadKey("t1"))
	_, ok, err := ks.LoadThreadKey("t1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRuntimeDB_UpdateAndList(t *testing.T) {
	db, err := store.OpenRuntimeDB(filepath.Join(t.TempDir(), "runtime.db"))
	require.NoError(t, err)
	defer db.Close()

	_, ok, err := db.LoadThreadRuntime("t1")
	require.NoError(t, err)
	require.False(t, ok)

	now := time.Now()
	_, err = db.UpdateThreadRuntime("t1", func(rt *domain.ThreadRuntime) bool {
		rt.WaitingSince = now
		return true
	})
	require.NoError(t, err)

	// No change reported: nothing is written for t2.
	_, err = db.UpdateThreadRuntime("t2", func(*domain.ThreadRuntime) bool { return false })
	require.NoError(t, err)

	rt, ok, err := db.LoadThreadRuntime("t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, rt.WaitingSince.Equal(now))

	all, err := db.ListThreadRuntimes()
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.Contains(t, all, domain.ThreadID("t1"))
}

func TestRuntimeDB_KeySharePrunesOldEntries(t *testing.T) {
	db, err := store.NewMemRuntimeDB()
	require.NoError(t, err)
	defer db.Close()

	now := time.Now()
	db.SetClock(func() time.Time { return now })

	_, err = db.UpdateKeyShare("t1", func(st *domain.KeyShareState) {
		st.Pending["dev-a"] = domain.KeySharePending{LastSentAt: now, Attempts: 1, LastMsgID: "m1"}
		st.Receipts["dev-b"] = now
	})
	require.NoError(t, err)

	st, err := db.LoadKeyShare("t1")
	require.NoError(t, err)
	require.Equal(t, 1, st.Pending["dev-a"].Attempts)
	require.True(t, st.HasReceipt("dev-b"))

	db.SetClock(func() time.Time { return now.Add(store.KeyShareMaxAge + time.Minute) })
	st, err = db.LoadKeyShare("t1")
	require.NoError(t, err)
	require.Empty(t, st.Pending)
	require.Empty(t, st.Receipts)
}
