package inbox_test

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"threadkx/internal/domain"
	"threadkx/internal/services/inbox"
	"threadkx/internal/services/readiness"
	"threadkx/internal/services/threadkey"
	"threadkx/internal/testutils"
)

type fakeServer struct {
	domain.ServerClient

	mu    sync.Mutex
	queue []domain.InboxItem
	acked []domain.MsgID
	pulls int

	// block, when set, is waited on by PullInbox.
	block    chan struct{}
	inFlight atomic.Bool
}

func (f *fakeServer) PullInbox(ctx context.Context, limit int) ([]domain.InboxItem, error) {
	if f.block != nil {
		f.inFlight.Store(true)
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	return append([]domain.InboxItem(nil), f.queue...), nil
}

func (f *fakeServer) AckInbox(_ context.Context, ids []domain.MsgID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	drop := make(map[domain.MsgID]bool)
	for _, id := range ids {
		drop[id] = true
	}
	kept := f.queue[:0]
	for _, it := range f.queue {
		if !drop[it.MsgID] {
			kept = append(kept, it)
		}
	}
	f.queue = kept
	f.acked = append(f.acked, ids...)
	return len(ids), nil
}

func (f *fakeServer) pullCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls
}

type openResult struct {
	pkg domain.OpenedPackage
	err error
}

// fakePackager returns the scripted results of each message in order; the
// last one repeats.
type fakePackager struct {
	results map[domain.MsgID][]openResult
	opens   map[domain.MsgID]int
}

func (p *fakePackager) Build(context.Context, domain.BuildRequest) (domain.Envelope, error) {
	return domain.Envelope{}, nil
}

func (p *fakePackager) Open(item domain.InboxItem) (domain.OpenedPackage, error) {
	p.opens[item.MsgID]++
	rs := p.results[item.MsgID]
	if len(rs) == 0 {
		return domain.OpenedPackage{}, domain.ErrDecryptFailed
	}
	r := rs[0]
	if len(rs) > 1 {
		p.results[item.MsgID] = rs[1:]
	}
	return r.pkg, r.err
}

type fakeKeyShare struct {
	domain.KeyShare

	receipts []domain.DeviceID
	requests []domain.ControlHeader
	resends  []domain.UserID
}

func (k *fakeKeyShare) MarkReceipt(_ domain.ThreadID, from domain.DeviceID) {
	k.receipts = append(k.receipts, from)
}

func (k *fakeKeyShare) AnswerKeyRequest(_ context.Context, h domain.ControlHeader) error {
	k.requests = append(k.requests, h)
	return nil
}

func (k *fakeKeyShare) HandleResendRequest(_ context.Context, _ domain.ControlHeader, from domain.UserID) error {
	k.resends = append(k.resends, from)
	return nil
}

type fakeControl struct {
	sent []domain.ControlHeader
	to   []domain.DeviceID
}

func (c *fakeControl) Send(_ context.Context, to domain.DeviceID, h domain.ControlHeader) (domain.MsgID, error) {
	c.sent = append(c.sent, h)
	c.to = append(c.to, to)
	return "r", nil
}

type fakePrekeys struct{ calls []string }

func (p *fakePrekeys) ForcePublish(_ context.Context, reason string, _ bool) (int, error) {
	p.calls = append(p.calls, reason)
	return 1, nil
}

type fakeMessages struct{}

func (fakeMessages) Decrypt(item domain.InboxItem) domain.DecryptedMessage {
	return domain.DecryptedMessage{MsgID: item.MsgID, ThreadID: item.ThreadID, Locked: true}
}

type selfDevice struct{}

func (selfDevice) Current() (domain.Device, error) { return domain.Device{ID: "bob-1"}, nil }

type env struct {
	srv  *fakeServer
	pkg  *fakePackager
	ks   *fakeKeyShare
	ctl  *fakeControl
	pre  *fakePrekeys
	keys *threadkey.Store
	rdns *readiness.Machine
	msgs []domain.DecryptedMessage
	pump *inbox.Pump
}

func setup(t *testing.T, mod func(*inbox.Config)) *env {
	t.Helper()
	st := testutils.NewStores(t)
	e := &env{
		srv: &fakeServer{},
		pkg: &fakePackager{
			results: make(map[domain.MsgID][]openResult),
			opens:   make(map[domain.MsgID]int),
		},
		ks:  &fakeKeyShare{},
		ctl: &fakeControl{},
		pre: &fakePrekeys{},
	}
	e.keys = threadkey.New(threadkey.Config{Keys: st.ThreadKeys})
	e.rdns = readiness.New(readiness.Config{Runtime: st.Runtime, Keys: e.keys})
	e.keys.Subscribe(e.rdns.HandleKeyEvent)
	cfg := inbox.Config{
		Server:    e.srv,
		Devices:   selfDevice{},
		Packager:  e.pkg,
		Keys:      e.keys,
		KeyShare:  e.ks,
		Control:   e.ctl,
		Readiness: e.rdns,
		Prekeys:   e.pre,
		Messages:  fakeMessages{},
		OnMessage: func(m domain.DecryptedMessage) { e.msgs = append(e.msgs, m) },
		Log:       testutils.TestLoggerSys(t, "PUMP"),
	}
	if mod != nil {
		mod(&cfg)
	}
	e.pump = inbox.New(cfg)
	return e
}

func mustJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func keyPackageItem(t *testing.T, id domain.MsgID, thread domain.ThreadID) domain.InboxItem {
	h := domain.KeyPackageHeader{
		Kind:                 domain.KindKeyPackage,
		V:                    1,
		PackageKind:          domain.PackageThreadKey,
		RecipientDeviceID:    "bob-1",
		InitiatorDeviceID:    "alice-1",
		InitiatorIdentityKey: domain.X25519Public{1},
		PrekeyID:             "pk-1",
		HandshakeSalt:        make([]byte, 32),
		HKDFInfo:             "info",
		Nonce:                make([]byte, 24),
		Alg:                  domain.KeyPackageAlg,
		ThreadID:             thread,
	}
	return domain.InboxItem{MsgID: id, Header: mustJSON(t, h), Ciphertext: "AAAA"}
}

func controlItem(t *testing.T, id domain.MsgID, h domain.ControlHeader) domain.InboxItem {
	h.Kind = domain.KindControl
	h.V = 1
	return domain.InboxItem{MsgID: id, SenderUserID: "alice", Header: mustJSON(t, h)}
}

func opened(t *testing.T, thread domain.ThreadID) domain.OpenedPackage {
	return domain.OpenedPackage{
		Kind:   domain.PackageThreadKey,
		Header: domain.KeyPackageHeader{InitiatorDeviceID: "alice-1", ThreadID: thread},
		Payload: mustJSON(t, map[string]any{
			"kind":     domain.PackageThreadKey,
			"threadId": thread,
			"key":      domain.SymmetricKey{7}.Encode(),
		}),
	}
}

func TestPullOnce_NoHeadOfLineBlocking(t *testing.T) {
	e := setup(t, nil)
	e.rdns.MarkOpened("t1")
	e.rdns.MarkOpened("t2")
	e.srv.queue = []domain.InboxItem{
		keyPackageItem(t, "kp1", "t1"),
		controlItem(t, "c1", domain.ControlHeader{Type: domain.ControlKeyReceipt, ThreadID: "t9", FromDeviceID: "alice-2"}),
		keyPackageItem(t, "kp2", "t2"),
	}
	e.pkg.results["kp1"] = []openResult{{err: domain.ErrDecryptFailed}}
	e.pkg.results["kp2"] = []openResult{{pkg: opened(t, "t2")}}

	stats, err := e.pump.PullOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, inbox.Stats{Pulled: 3, Acked: 2, Kept: 1}, stats)
	require.ElementsMatch(t, []domain.MsgID{"c1", "kp2"}, e.srv.acked)

	require.True(t, e.keys.Has("t2"))
	require.Equal(t, domain.StateReady, e.rdns.View("t2").State)
	v1 := e.rdns.View("t1")
	require.Equal(t, domain.StateError, v1.State)
	require.Equal(t, domain.ReasonDecryptFailed, v1.Reason)

	require.Equal(t, []domain.DeviceID{"alice-2"}, e.ks.receipts)
	require.Len(t, e.ctl.sent, 1)
	require.Equal(t, domain.ControlKeyReceipt, e.ctl.sent[0].Type)
	require.Equal(t, domain.DeviceID("bob-1"), e.ctl.sent[0].FromDeviceID)
	require.Equal(t, []domain.DeviceID{"alice-1"}, e.ctl.to)
}

func TestPullOnce_PoisonReleasedOnce(t *testing.T) {
	e := setup(t, func(cfg *inbox.Config) { cfg.PoisonAttempts = 3 })
	e.rdns.MarkOpened("t1")
	e.srv.queue = []domain.InboxItem{keyPackageItem(t, "kp1", "t1")}

	for i := 0; i < 2; i++ {
		stats, err := e.pump.PullOnce(context.Background())
		require.NoError(t, err)
		require.Equal(t, 1, stats.Kept)
	}
	stats, err := e.pump.PullOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Poisoned)
	require.Equal(t, []domain.MsgID{"kp1"}, e.srv.acked)

	stats, err = e.pump.PullOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, inbox.Stats{}, stats)
	require.Equal(t, 3, e.pkg.opens["kp1"])

	v := e.rdns.View("t1")
	require.Equal(t, domain.StateError, v.State)
	require.Equal(t, domain.ReasonPoisonedKeyPackage, v.Reason)
}

func TestPullOnce_PoisonedByAge(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	e := setup(t, func(cfg *inbox.Config) {
		cfg.Now = func() time.Time { return now }
		cfg.PoisonAge = time.Minute
	})
	e.srv.queue = []domain.InboxItem{keyPackageItem(t, "kp1", "t1")}

	stats, err := e.pump.PullOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Kept)

	now = now.Add(50 * time.Second)
	_, err = e.pump.PullOnce(context.Background())
	require.NoError(t, err)
	require.Empty(t, e.srv.acked)

	now = now.Add(20 * time.Second)
	stats, err = e.pump.PullOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Poisoned)
	require.Equal(t, []domain.MsgID{"kp1"}, e.srv.acked)
}

func TestPullOnce_OpkMissingThenOpens(t *testing.T) {
	e := setup(t, nil)
	e.rdns.MarkOpened("t1")
	e.srv.queue = []domain.InboxItem{keyPackageItem(t, "kp1", "t1")}
	e.pkg.results["kp1"] = []openResult{
		{err: domain.ErrOpkSecretMissing},
		{pkg: opened(t, "t1")},
	}

	stats, err := e.pump.PullOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Kept)
	require.Empty(t, e.srv.acked)
	require.Equal(t, []string{"opk_secret_missing"}, e.pre.calls)
	require.Equal(t, domain.ReasonOpkSecretMissing, e.rdns.View("t1").Reason)

	stats, err = e.pump.PullOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Acked)
	require.Equal(t, []domain.MsgID{"kp1"}, e.srv.acked)

	v := e.rdns.View("t1")
	require.Equal(t, domain.StateReady, v.State)
	require.Empty(t, v.Reason)
}

func TestPullOnce_MalformedIsAckedAtOnce(t *testing.T) {
	e := setup(t, nil)
	e.rdns.MarkOpened("t1")
	e.srv.queue = []domain.InboxItem{
		{MsgID: "bad", Header: json.RawMessage(`{"kind":"key_package","v":9}`)},
	}

	stats, err := e.pump.PullOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Poisoned)
	require.Equal(t, []domain.MsgID{"bad"}, e.srv.acked)
	require.Zero(t, e.pkg.opens["bad"])

	// Without a thread hint the failure lands on every waiting thread.
	require.Equal(t, domain.ReasonPoisonedKeyPackage, e.rdns.View("t1").Reason)
}

func TestPullOnce_ImportNotifiesReadyOnce(t *testing.T) {
	e := setup(t, nil)
	e.rdns.MarkOpened("t1")
	var views []domain.ThreadView
	e.rdns.Subscribe(func(v domain.ThreadView) { views = append(views, v) })

	e.srv.queue = []domain.InboxItem{keyPackageItem(t, "kp1", "t1")}
	e.pkg.results["kp1"] = []openResult{{pkg: opened(t, "t1")}}
	_, err := e.pump.PullOnce(context.Background())
	require.NoError(t, err)

	var ready int
	for _, v := range views {
		if v.State == domain.StateReady {
			ready++
		}
	}
	require.Equal(t, 1, ready)
	require.Empty(t, e.rdns.WaitingThreads())
}

func TestPullOnce_RedundantPackageIsAcked(t *testing.T) {
	e := setup(t, nil)
	_, _, err := e.keys.Ensure("t1")
	require.NoError(t, err)
	before, _, err := e.keys.Get("t1")
	require.NoError(t, err)

	e.srv.queue = []domain.InboxItem{keyPackageItem(t, "kp1", "t1")}
	e.pkg.results["kp1"] = []openResult{{pkg: opened(t, "t1")}}

	_, err = e.pump.PullOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, []domain.MsgID{"kp1"}, e.srv.acked)

	after, _, err := e.keys.Get("t1")
	require.NoError(t, err)
	require.Equal(t, before.Key, after.Key)
	require.Len(t, e.ctl.sent, 1)
}

func TestPullOnce_ControlDispatch(t *testing.T) {
	e := setup(t, nil)
	e.srv.queue = []domain.InboxItem{
		controlItem(t, "c1", domain.ControlHeader{Type: domain.ControlKeyRequest, ThreadID: "t1", RequesterDeviceID: "alice-2"}),
		controlItem(t, "c2", domain.ControlHeader{Type: domain.ControlKeyResendRequest, ThreadID: "t1", RequesterDeviceID: "alice-2"}),
		controlItem(t, "c3", domain.ControlHeader{Type: domain.ControlPrekeysNeeded}),
		controlItem(t, "c4", domain.ControlHeader{Type: "bogus"}),
	}

	stats, err := e.pump.PullOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 4, stats.Acked)
	require.Len(t, e.ks.requests, 1)
	require.Equal(t, domain.DeviceID("alice-2"), e.ks.requests[0].RequesterDeviceID)
	require.Equal(t, []domain.UserID{"alice"}, e.ks.resends)
	require.Equal(t, []string{"prekeys_needed"}, e.pre.calls)
}

func TestPullOnce_Messages(t *testing.T) {
	e := setup(t, nil)
	e.srv.queue = []domain.InboxItem{
		{MsgID: "m1", ThreadID: "t1", Header: json.RawMessage(`{"kind":"msg","v":1}`)},
		{MsgID: "m2", ThreadID: "t1"},
		{MsgID: "x1", Header: json.RawMessage(`{"kind":"other"}`)},
	}

	stats, err := e.pump.PullOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, stats.Acked)
	require.Len(t, e.msgs, 2)
	require.True(t, e.msgs[0].Locked)
}

func TestPullOnce_Reentrancy(t *testing.T) {
	e := setup(t, nil)
	e.srv.block = make(chan struct{})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = e.pump.PullOnce(context.Background())
	}()

	require.Eventually(t, e.srv.inFlight.Load, time.Second, time.Millisecond)
	stats, err := e.pump.PullOnce(context.Background())
	require.NoError(t, err)
	require.True(t, stats.Skipped)

	close(e.srv.block)
	<-done
	require.Equal(t, 1, e.srv.pullCount())
}

func TestRun_Wake(t *testing.T) {
	e := setup(t, func(cfg *inbox.Config) { cfg.Interval = time.Hour })
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.pump.Run(ctx) }()

	require.Eventually(t, func() bool { return e.srv.pullCount() == 1 }, time.Second, time.Millisecond)
	e.pump.Wake()
	require.Eventually(t, func() bool { return e.srv.pullCount() == 2 }, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
