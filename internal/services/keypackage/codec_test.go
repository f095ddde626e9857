package keypackage_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"threadkx/internal/crypto"
	"threadkx/internal/domain"
	"threadkx/internal/services/keypackage"
	"threadkx/internal/testutils"
)

// peer is one device with its stores and the prekeys it published.
type peer struct {
	dev     domain.Device
	stores  *testutils.Stores
	codec   *keypackage.Codec
	mu      sync.Mutex
	prekeys []domain.OnePrekeyPublic
}

// directory answers claims from the published prekeys of known peers.
type directory struct {
	peers map[domain.DeviceID]*peer
}

func (d *directory) Claim(_ context.Context, id domain.DeviceID) (domain.ClaimedPrekey, error) {
	p, ok := d.peers[id]
	if !ok {
		return domain.ClaimedPrekey{}, domain.ErrClaimFailed
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.prekeys) == 0 {
		return domain.ClaimedPrekey{}, domain.ErrNoPrekeysAvailable
	}
	pk := p.prekeys[0]
	p.prekeys = p.prekeys[1:]
	return domain.ClaimedPrekey{DeviceID: id, IdentityKey: p.dev.IdentityPublic, Prekey: pk}, nil
}

func newPeer(t *testing.T, dir *directory, id domain.DeviceID, nPrekeys int) *peer {
	t.Helper()
	st := testutils.NewStores(t)
	priv, pub, err := crypto.GenerateX25519()
	require.NoError(t, err)
	dev := domain.Device{ID: id, IdentityPublic: pub, IdentitySecret: priv}
	require.NoError(t, st.Devices.SaveDevice(dev))

	p := &peer{dev: dev, stores: st}
	var pairs []domain.OnePrekeyPair
	for i := 0; i < nPrekeys; i++ {
		sk, pk, err := crypto.GenerateX25519()
		require.NoError(t, err)
		pair := domain.OnePrekeyPair{
			ID:     domain.PrekeyID(string(id) + "-opk-" + string(rune('a'+i))),
			Public: pk,
			Secret: sk,
		}
		pairs = append(pairs, pair)
		p.prekeys = append(p.prekeys, pair.PublicHalf())
	}
	require.NoError(t, st.Prekeys.SavePrekeys(pairs))

	p.codec = keypackage.New(keypackage.Config{
		Identities: st.Devices,
		Prekeys:    st.Prekeys,
		Claimer:    dir,
		Log:        testutils.TestLoggerSys(t, "KPKG"),
	})
	dir.peers[id] = p
	return p
}

func inboxItem(env domain.Envelope) domain.InboxItem {
	return domain.InboxItem{
		MsgID:         env.MsgID,
		CreatedAt:     env.CreatedAt,
		Header:        env.Header,
		Ciphertext:    env.Ciphertext,
		ContentType:   env.ContentType,
		SchemaVersion: env.SchemaVersion,
	}
}

func threadKeyRequest(to domain.DeviceID) domain.BuildRequest {
	return domain.BuildRequest{
		To:       to,
		Kind:     domain.PackageThreadKey,
		ThreadID: "t1",
		Payload: domain.ThreadKeyPayload{
			ThreadID: "t1",
			Key:      "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8=",
			Version:  1,
		},
	}
}

func TestBuildOpen_RoundTripConsumesPrekey(t *testing.T) {
	dir := &directory{peers: map[domain.DeviceID]*peer{}}
	alice := newPeer(t, dir, "alice-1", 0)
	bob := newPeer(t, dir, "bob-1", 2)

	env, err := alice.codec.Build(context.Background(), threadKeyRequest("bob-1"))
	require.NoError(t, err)
	require.Equal(t, domain.DeviceID("bob-1"), env.ToDeviceID)
	require.Equal(t, 3600, env.TTLSeconds)
	require.Equal(t, domain.KindKeyPackage, domain.HeaderKindOf(env.Header))

	h, err := keypackage.ParseHeader(env.Header)
	require.NoError(t, err)
	require.Equal(t, domain.ThreadID("t1"), h.ThreadID)
	require.Equal(t, alice.dev.IdentityPublic, h.InitiatorIdentityKey)

	opened, err := bob.codec.Open(inboxItem(env))
	require.NoError(t, err)
	require.Equal(t, domain.PackageThreadKey, opened.Kind)

	var payload domain.ThreadKeyPayload
	require.NoError(t, json.Unmarshal(opened.Payload, &payload))
	require.Equal(t, domain.ThreadID("t1"), payload.ThreadID)

	// The prekey is single use.
	ok, err := bob.stores.Prekeys.HasPrekey(h.PrekeyID)
	require.NoError(t, err)
	require.False(t, ok)
	_, err = bob.codec.Open(inboxItem(env))
	require.ErrorIs(t, err, domain.ErrOpkSecretMissing)
}

func TestOpen_DecryptFailureKeepsPrekey(t *testing.T) {
	dir := &directory{peers: map[domain.DeviceID]*peer{}}
	alice := newPeer(t, dir, "alice-1", 0)
	bob := newPeer(t, dir, "bob-1", 1)

	env, err := alice.codec.Build(context.Background(), threadKeyRequest("bob-1"))
	require.NoError(t, err)

	ct, err := crypto.FromB64(env.Ciphertext)
	require.NoError(t, err)
	ct[0] ^= 0xff
	tampered := inboxItem(env)
	tampered.Ciphertext = crypto.B64(ct)

	_, err = bob.codec.Open(tampered)
	require.ErrorIs(t, err, domain.ErrDecryptFailed)

	h, err := keypackage.ParseHeader(env.Header)
	require.NoError(t, err)
	ok, err := bob.stores.Prekeys.HasPrekey(h.PrekeyID)
	require.NoError(t, err)
	require.True(t, ok)

	// The genuine package still opens afterwards.
	_, err = bob.codec.Open(inboxItem(env))
	require.NoError(t, err)
}

func TestBuild_FanOutIsolation(t *testing.T) {
	dir := &directory{peers: map[domain.DeviceID]*peer{}}
	alice := newPeer(t, dir, "alice-1", 0)
	newPeer(t, dir, "bob-1", 1)
	newPeer(t, dir, "bob-2", 1)

	e1, err := alice.codec.Build(context.Background(), threadKeyRequest("bob-1"))
	require.NoError(t, err)
	e2, err := alice.codec.Build(context.Background(), threadKeyRequest("bob-2"))
	require.NoError(t, err)

	h1, err := keypackage.ParseHeader(e1.Header)
	require.NoError(t, err)
	h2, err := keypackage.ParseHeader(e2.Header)
	require.NoError(t, err)
	require.NotEqual(t, h1.HandshakeSalt, h2.HandshakeSalt)
	require.NotEqual(t, h1.Nonce, h2.Nonce)
	require.NotEqual(t, h1.HKDFInfo, h2.HKDFInfo)
	require.NotEqual(t, e1.Ciphertext, e2.Ciphertext)
	require.NotEqual(t, e1.MsgID, e2.MsgID)
}

func TestOpen_WrongRecipientIsMalformed(t *testing.T) {
	dir := &directory{peers: map[domain.DeviceID]*peer{}}
	alice := newPeer(t, dir, "alice-1", 0)
	newPeer(t, dir, "bob-1", 1)
	carol := newPeer(t, dir, "carol-1", 1)

	env, err := alice.codec.Build(context.Background(), threadKeyRequest("bob-1"))
	require.NoError(t, err)
	_, err = carol.codec.Open(inboxItem(env))
	require.ErrorIs(t, err, domain.ErrMalformedPackage)
}

func TestBuild_ClaimErrorsPropagate(t *testing.T) {
	dir := &directory{peers: map[domain.DeviceID]*peer{}}
	alice := newPeer(t, dir, "alice-1", 0)
	newPeer(t, dir, "bob-1", 0)

	_, err := alice.codec.Build(context.Background(), threadKeyRequest("bob-1"))
	require.True(t, errors.Is(err, domain.ErrNoPrekeysAvailable))
}

func TestParseHeader_Rejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{`},
		{"control", `{"kind":"control","v":1}`},
		{"bad alg", `{"kind":"key_package","v":1,"alg":"rot13","packageKind":"thread_key"}`},
		{"no salt", `{"kind":"key_package","v":1,"alg":"xsalsa20_poly1305+hkdf_sha256",` +
			`"packageKind":"thread_key","recipientDeviceId":"b","initiatorDeviceId":"a",` +
			`"prekeyId":"p","initiatorIdentityKey":"AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := keypackage.ParseHeader(json.RawMessage(tc.raw))
			require.ErrorIs(t, err, domain.ErrMalformedPackage)
		})
	}
}
