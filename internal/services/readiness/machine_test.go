package readiness_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"threadkx/internal/domain"
	"threadkx/internal/services/readiness"
	"threadkx/internal/services/threadkey"
	"threadkx/internal/testutils"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time          { return c.now }
func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func setup(t *testing.T) (*readiness.Machine, *threadkey.Store, *clock) {
	t.Helper()
	st := testutils.NewStores(t)
	clk := &clock{now: time.Unix(1_700_000_000, 0)}
	st.Runtime.SetClock(clk.Now)
	keys := threadkey.New(threadkey.Config{Keys: st.ThreadKeys, Now: clk.Now})
	m := readiness.New(readiness.Config{
		Runtime: st.Runtime,
		Keys:    keys,
		Now:     clk.Now,
		Log:     testutils.TestLoggerSys(t, "RDNS"),
	})
	keys.Subscribe(m.HandleKeyEvent)
	return m, keys, clk
}

func TestView_Progression(t *testing.T) {
	m, keys, clk := setup(t)

	require.Equal(t, domain.StateNoKey, m.View("t1").State)

	m.MarkOpened("t1")
	m.MarkBootstrap("t1", domain.BootstrapPending)
	require.Equal(t, domain.StateBootstrappingDevice, m.View("t1").State)

	m.MarkBootstrap("t1", domain.BootstrapReady)
	v := m.View("t1")
	require.Equal(t, domain.StateWaitingKeyPackage, v.State)
	require.Equal(t, clk.now, v.WaitingSince)
	require.Equal(t, []domain.ThreadID{"t1"}, m.WaitingThreads())

	_, _, err := keys.Ensure("t1")
	require.NoError(t, err)
	v = m.View("t1")
	require.Equal(t, domain.StateReady, v.State)
	require.Empty(t, v.Reason)
	require.Empty(t, m.WaitingThreads())
}

func TestView_BootstrapFailed(t *testing.T) {
	m, _, _ := setup(t)
	m.MarkOpened("t1")
	m.MarkBootstrap("t1", domain.BootstrapFailed)
	v := m.View("t1")
	require.Equal(t, domain.StateError, v.State)
	require.Equal(t, domain.ReasonBootstrapFailed, v.Reason)
}

func TestView_Timeouts(t *testing.T) {
	m, _, clk := setup(t)

	m.MarkOpened("t1")
	m.MarkOpened("t2")
	clk.Advance(60 * time.Second)
	m.MarkKeyPackageSeen("t2")
	require.Equal(t, domain.StateWaitingKeyPackage, m.View("t1").State)

	// Opening again keeps the original stamp.
	m.MarkOpened("t1")

	clk.Advance(61 * time.Second)
	v1 := m.View("t1")
	require.Equal(t, domain.StateError, v1.State)
	require.Equal(t, domain.ReasonNoKeyPackage, v1.Reason)

	v2 := m.View("t2")
	require.Equal(t, domain.StateError, v2.State)
	require.Equal(t, domain.ReasonTimeoutWaitingKey, v2.Reason)

	// Clearing the error restarts the wait window.
	m.ClearError("t1")
	require.Equal(t, domain.StateWaitingKeyPackage, m.View("t1").State)
}

func TestKeyPackageSeen_OnlyWhileWaiting(t *testing.T) {
	m, _, clk := setup(t)
	var views []domain.ThreadView
	m.Subscribe(func(v domain.ThreadView) { views = append(views, v) })

	// A package for a thread nobody opened leaves it untouched.
	m.MarkKeyPackageSeen("t1")
	require.Empty(t, views)
	require.Equal(t, domain.StateNoKey, m.View("t1").State)

	m.MarkOpened("t1")
	m.MarkKeyPackageSeen("t1")
	require.Len(t, views, 2)
	clk.Advance(121 * time.Second)
	require.Equal(t, domain.ReasonTimeoutWaitingKey, m.View("t1").Reason)
}

func TestReady_IsSticky(t *testing.T) {
	m, keys, _ := setup(t)
	m.MarkOpened("t1")
	require.NoError(t, keys.Set("t1", "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8=", 0, 1))

	m.MarkError("t1", domain.ReasonDecryptFailed)
	m.MarkError("t1", domain.ReasonPoisonedKeyPackage)
	m.MarkKeyPackageSeen("t1")
	m.MarkBootstrap("t1", domain.BootstrapFailed)
	require.Equal(t, domain.StateReady, m.View("t1").State)

	// Only an explicit wipe leaves READY.
	require.NoError(t, keys.Wipe("t1"))
	require.NotEqual(t, domain.StateReady, m.View("t1").State)
}

func TestMarkError_AndKeyImportClears(t *testing.T) {
	m, keys, _ := setup(t)

	var views []domain.ThreadView
	m.Subscribe(func(v domain.ThreadView) { views = append(views, v) })

	m.MarkOpened("t1")
	m.MarkError("t1", domain.ReasonNoPrekeysAvailable)
	v := m.View("t1")
	require.Equal(t, domain.StateError, v.State)
	require.Equal(t, domain.ReasonNoPrekeysAvailable, v.Reason)

	_, _, err := keys.Ensure("t1")
	require.NoError(t, err)
	require.NoError(t, keys.Wipe("t1"))

	// With the key gone the cleared record is not an error any more.
	require.Equal(t, domain.StateNoKey, m.View("t1").State)

	require.NotEmpty(t, views)
	states := make([]domain.ThreadState, 0, len(views))
	for _, v := range views {
		states = append(states, v.State)
	}
	require.Contains(t, states, domain.StateError)
	require.Contains(t, states, domain.StateReady)
}

func TestMarkReceipt_ClearsReason(t *testing.T) {
	m, _, _ := setup(t)
	m.MarkOpened("t1")
	m.MarkError("t1", domain.ReasonNetworkError)
	m.MarkReceipt("t1")
	require.Equal(t, domain.StateNoKey, m.View("t1").State)
}
