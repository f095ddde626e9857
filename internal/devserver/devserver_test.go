package devserver_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"threadkx/internal/app"
	"threadkx/internal/crypto"
	"threadkx/internal/devserver"
	"threadkx/internal/domain"
	"threadkx/internal/relay"
)

type client struct {
	*app.Wire

	mu       sync.Mutex
	received []domain.DecryptedMessage
}

func (c *client) messages() []domain.DecryptedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.DecryptedMessage(nil), c.received...)
}

func newClient(t *testing.T, url string, user domain.UserID) *client {
	t.Helper()
	c := &client{}
	cfg := app.DefaultConfig(t.TempDir())
	cfg.ServerURL = url
	cfg.Token = string(user)
	cfg.Passphrase = "passphrase of " + string(user)
	cfg.LogFile = ""
	cfg.LogStdout = io.Discard
	cfg.OnMessage = func(m domain.DecryptedMessage) {
		c.mu.Lock()
		c.received = append(c.received, m)
		c.mu.Unlock()
	}
	w, err := app.NewWire(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	c.Wire = w
	return c
}

func newServer(t *testing.T) (*devserver.Server, string) {
	srv := devserver.New(devserver.Config{})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts.URL
}

func TestKeyExchange(t *testing.T) {
	ctx := context.Background()
	srv, url := newServer(t)
	alice := newClient(t, url, "alice")
	bob := newClient(t, url, "bob")

	_, err := alice.Identity.Bootstrap(ctx)
	require.NoError(t, err)
	bobDev, err := bob.Identity.Bootstrap(ctx)
	require.NoError(t, err)
	available := srv.AvailablePrekeys(bobDev.ID)
	require.Positive(t, available)

	view, err := alice.Sessions.EnsureReady(ctx, "t1", "bob", true)
	require.NoError(t, err)
	require.Equal(t, domain.StateReady, view.State)
	require.Equal(t, available-1, srv.AvailablePrekeys(bobDev.ID))
	pending, err := alice.KeyShare.PendingTargets("t1")
	require.NoError(t, err)
	require.Equal(t, []domain.DeviceID{bobDev.ID}, pending)

	view, err = bob.Sessions.EnsureReady(ctx, "t1", "alice", false)
	require.NoError(t, err)
	require.Equal(t, domain.StateWaitingKeyPackage, view.State)

	_, err = bob.Pump.PullOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.StateReady, bob.Readiness.View("t1").State)

	aliceKey, ok, err := alice.Keys.Get("t1")
	require.NoError(t, err)
	require.True(t, ok)
	bobKey, ok, err := bob.Keys.Get("t1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, aliceKey.Key, bobKey.Key)

	// Alice answers the key request and then sees the receipt.
	_, err = alice.Pump.PullOnce(ctx)
	require.NoError(t, err)
	pending, err = alice.KeyShare.PendingTargets("t1")
	require.NoError(t, err)
	require.Empty(t, pending)

	// The answered request is redundant for bob and still acknowledged.
	_, err = bob.Pump.PullOnce(ctx)
	require.NoError(t, err)
	require.Empty(t, srv.Pending(bobDev.ID))
	bobKey2, _, err := bob.Keys.Get("t1")
	require.NoError(t, err)
	require.Equal(t, bobKey.Key, bobKey2.Key)

	_, err = bob.Messages.Send(ctx, "t1", "alice", "hello alice")
	require.NoError(t, err)
	_, err = alice.Pump.PullOnce(ctx)
	require.NoError(t, err)
	got := alice.messages()
	require.Len(t, got, 1)
	require.False(t, got[0].Locked)
	require.Equal(t, "hello alice", got[0].Text)
	require.Equal(t, domain.UserID("bob"), got[0].SenderUserID)

	hist, next, err := alice.Messages.History(ctx, "t1", "", 10)
	require.NoError(t, err)
	require.Empty(t, next)
	require.Len(t, hist, 1)
	require.Equal(t, "hello alice", hist[0].Text)
}

func TestPeerFirstThenCreator(t *testing.T) {
	ctx := context.Background()
	_, url := newServer(t)
	alice := newClient(t, url, "alice")
	bob := newClient(t, url, "bob")

	_, err := alice.Identity.Bootstrap(ctx)
	require.NoError(t, err)

	// Bob opens before alice has a key; the request finds nothing to send.
	view, err := bob.Sessions.EnsureReady(ctx, "t2", "alice", false)
	require.NoError(t, err)
	require.Equal(t, domain.StateWaitingKeyPackage, view.State)
	_, err = alice.Pump.PullOnce(ctx)
	require.NoError(t, err)

	view, err = alice.Sessions.EnsureReady(ctx, "t2", "bob", true)
	require.NoError(t, err)
	require.Equal(t, domain.StateReady, view.State)

	_, err = bob.Pump.PullOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, domain.StateReady, bob.Readiness.View("t2").State)
}

func TestCreatorWithoutPeerDevices(t *testing.T) {
	ctx := context.Background()
	_, url := newServer(t)
	alice := newClient(t, url, "alice")

	view, err := alice.Sessions.EnsureReady(ctx, "t3", "nobody", true)
	require.ErrorIs(t, err, domain.ErrNoPeerDevices)
	require.Equal(t, domain.StateError, view.State)
	require.Equal(t, domain.ReasonNoPeerDevices, view.Reason)
	require.False(t, alice.Keys.Has("t3"))
}

func newRelay(url string, user domain.UserID, dev domain.DeviceID) *relay.HTTP {
	c := relay.NewHTTP(relay.Config{BaseURL: url, Token: string(user)})
	c.SetDeviceID(dev)
	return c
}

func register(t *testing.T, c *relay.HTTP, prekeys int) domain.DeviceID {
	t.Helper()
	_, pub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	req := domain.RegisterDeviceRequest{DeviceID: c.DeviceID(), Name: "test", Platform: "cli", PublicKey: pub}
	for i := 0; i < prekeys; i++ {
		_, opk, err := crypto.GenerateX25519()
		require.NoError(t, err)
		req.Prekeys = append(req.Prekeys, domain.OnePrekeyPublic{KeyID: domain.PrekeyID(uuid.NewString()), PublicKey: opk})
	}
	require.NoError(t, c.RegisterDevice(context.Background(), req))
	return req.DeviceID
}

func TestRegisterAndClaim(t *testing.T) {
	ctx := context.Background()
	srv, url := newServer(t)
	alice := newRelay(url, "alice", "a1")
	register(t, alice, 1)

	err := newRelay(url, "mallory", "a1").RegisterDevice(ctx, domain.RegisterDeviceRequest{
		DeviceID:  "a1",
		PublicKey: domain.X25519Public{1},
	})
	require.ErrorIs(t, err, domain.ErrDeviceConflict)

	devices, err := alice.ListDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	require.Equal(t, 1, devices[0].AvailablePrekeys)

	srv.FailClaims("a1", http.StatusServiceUnavailable, 1)
	_, err = alice.ClaimPrekey(ctx, "a1")
	require.ErrorIs(t, err, domain.ErrNetwork)

	claimed, err := alice.ClaimPrekey(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, domain.DeviceID("a1"), claimed.DeviceID)
	require.Equal(t, devices[0].PublicKey, claimed.IdentityKey)

	_, err = alice.ClaimPrekey(ctx, "a1")
	require.ErrorIs(t, err, domain.ErrNoPrekeysAvailable)

	bundles, err := alice.ListUserDevices(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	require.Zero(t, bundles[0].AvailablePrekeys)

	srv.RevokeDevice("a1")
	bundles, err = alice.ListUserDevices(ctx, "alice")
	require.NoError(t, err)
	require.Empty(t, bundles)
}

func TestInbox(t *testing.T) {
	ctx := context.Background()
	srv, url := newServer(t)
	alice := newRelay(url, "alice", "a1")
	bob := newRelay(url, "bob", "b1")
	register(t, alice, 0)
	register(t, bob, 0)

	env := domain.Envelope{
		ToDeviceID:  "b1",
		MsgID:       "m1",
		CreatedAt:   time.Now().UTC(),
		ContentType: domain.ContentRef,
		Header:      []byte(`{"kind":"control"}`),
	}
	res, err := alice.SendEnvelopes(ctx, []domain.Envelope{env, env})
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.True(t, res[0].Inserted)
	require.True(t, res[1].SkippedSeen)

	items, err := bob.PullInbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, domain.UserID("alice"), items[0].SenderUserID)
	require.Equal(t, domain.DeviceID("a1"), items[0].SenderDeviceID)

	// Pulling does not consume.
	items, err = bob.PullInbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)

	n, err := bob.AckInbox(ctx, []domain.MsgID{"m1", "unknown"})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Empty(t, srv.Pending("b1"))

	// An acknowledged id is not delivered again.
	res, err = alice.SendEnvelopes(ctx, []domain.Envelope{env})
	require.NoError(t, err)
	require.True(t, res[0].SkippedSeen)
}

func TestHistoryPaging(t *testing.T) {
	ctx := context.Background()
	_, url := newServer(t)
	alice := newRelay(url, "alice", "a1")
	bob := newRelay(url, "bob", "b1")
	register(t, alice, 0)
	register(t, bob, 0)

	for i := 0; i < 3; i++ {
		require.NoError(t, alice.PushThreadMessage(ctx, domain.ThreadMessagePush{
			ThreadID:          "t1",
			MsgID:             domain.MsgID(uuid.NewString()),
			CreatedAt:         time.Now().UTC(),
			ReceiverDeviceIDs: []domain.DeviceID{"b1"},
		}))
	}

	page, err := bob.History(ctx, "t1", "", 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 2)
	require.True(t, page.HasMore)

	page, err = bob.History(ctx, "t1", page.NextCursor, 2)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	require.False(t, page.HasMore)
	require.Equal(t, domain.ThreadID("t1"), page.Items[0].ThreadID)

	items, err := bob.PullInbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 3)
}

func TestNotify(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, url := newServer(t)
	alice := newRelay(url, "alice", "a1")
	bob := newRelay(url, "bob", "b1")
	register(t, alice, 0)
	register(t, bob, 0)

	got := make(chan domain.MsgID, 16)
	n := bob.Notifier(func(id domain.MsgID) { got <- id })
	n.SetBackoff(10*time.Millisecond, 50*time.Millisecond)
	go func() { _ = n.Run(ctx) }()

	// Events sent before the stream is up are lost, so keep sending.
	require.Eventually(t, func() bool {
		id := domain.MsgID(uuid.NewString())
		_, err := alice.SendEnvelopes(ctx, []domain.Envelope{{ToDeviceID: "b1", MsgID: id}})
		if err != nil {
			return false
		}
		select {
		case <-got:
			return true
		case <-time.After(50 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}
