package identity_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"threadkx/internal/domain"
	"threadkx/internal/services/identity"
	"threadkx/internal/services/prekey"
	"threadkx/internal/testutils"
)

type fakeServer struct {
	domain.ServerClient

	deviceID  domain.DeviceID
	registers []domain.RegisterDeviceRequest
	conflicts int
	fail      error
	available int
}

func (f *fakeServer) SetDeviceID(id domain.DeviceID) { f.deviceID = id }

func (f *fakeServer) RegisterDevice(_ context.Context, req domain.RegisterDeviceRequest) error {
	if f.fail != nil {
		return f.fail
	}
	if f.conflicts > 0 {
		f.conflicts--
		return domain.ErrDeviceConflict
	}
	f.registers = append(f.registers, req)
	f.available += len(req.Prekeys)
	return nil
}

func (f *fakeServer) ListDevices(context.Context) ([]domain.DeviceInfo, error) {
	return []domain.DeviceInfo{{ID: f.deviceID, AvailablePrekeys: f.available}}, nil
}

func (f *fakeServer) PublishPrekeys(_ context.Context, _ domain.DeviceID, p []domain.OnePrekeyPublic) error {
	f.available += len(p)
	return nil
}

func setup(t *testing.T) (*identity.Service, *fakeServer, *testutils.Stores) {
	t.Helper()
	st := testutils.NewStores(t)
	srv := &fakeServer{}
	pool := prekey.New(prekey.Config{
		Server:     srv,
		Identities: st.Devices,
		Prekeys:    st.Prekeys,
		BatchSize:  10,
		Reserve:    5,
	})
	svc := identity.New(identity.Config{
		Server:         srv,
		Store:          st.Devices,
		Prekeys:        pool,
		Name:           "laptop",
		Platform:       "linux",
		InitialPrekeys: 10,
		Log:            testutils.TestLoggerSys(t, "IDTY"),
	})
	return svc, srv, st
}

func TestBootstrap_FreshDevice(t *testing.T) {
	svc, srv, st := setup(t)

	dev, err := svc.Bootstrap(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, dev.ID)
	require.Equal(t, dev.ID, srv.deviceID)
	require.Len(t, srv.registers, 1)
	require.Len(t, srv.registers[0].Prekeys, 10)
	require.Equal(t, dev.IdentityPublic, srv.registers[0].PublicKey)

	// Every published prekey has its secret stored.
	for _, p := range srv.registers[0].Prekeys {
		ok, err := st.Prekeys.HasPrekey(p.KeyID)
		require.NoError(t, err)
		require.True(t, ok)
	}

	fp, err := svc.Fingerprint()
	require.NoError(t, err)
	require.NotEmpty(t, fp)
}

func TestBootstrap_RevalidatesExisting(t *testing.T) {
	svc, srv, _ := setup(t)
	ctx := context.Background()

	first, err := svc.Bootstrap(ctx)
	require.NoError(t, err)
	second, err := svc.Bootstrap(ctx)
	require.NoError(t, err)

	require.Equal(t, first.ID, second.ID)
	require.Len(t, srv.registers, 2)
	require.Empty(t, srv.registers[1].Prekeys)
}

func TestBootstrap_ConflictCreatesNewDevice(t *testing.T) {
	svc, srv, _ := setup(t)
	ctx := context.Background()

	first, err := svc.Bootstrap(ctx)
	require.NoError(t, err)

	srv.conflicts = 1
	second, err := svc.Bootstrap(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	require.NotEqual(t, first.IdentityPublic, second.IdentityPublic)

	cur, err := svc.Current()
	require.NoError(t, err)
	require.Equal(t, second.ID, cur.ID)
}

func TestBootstrap_ConflictRetriesAreBounded(t *testing.T) {
	svc, srv, _ := setup(t)
	srv.conflicts = 10

	_, err := svc.Bootstrap(context.Background())
	require.ErrorIs(t, err, domain.ErrBootstrapFailed)
	require.ErrorIs(t, err, domain.ErrDeviceConflict)
}

func TestBootstrap_NetworkFailureKeepsIdentity(t *testing.T) {
	svc, srv, _ := setup(t)
	srv.fail = errors.New("offline")

	_, err := svc.Bootstrap(context.Background())
	require.ErrorIs(t, err, domain.ErrBootstrapFailed)

	// The identity was persisted and is reused once the server is back.
	saved, err := svc.Current()
	require.NoError(t, err)

	srv.fail = nil
	dev, err := svc.Bootstrap(context.Background())
	require.NoError(t, err)
	require.Equal(t, saved.ID, dev.ID)
}

func TestCurrent_NoDevice(t *testing.T) {
	svc, _, _ := setup(t)
	_, err := svc.Current()
	require.ErrorIs(t, err, domain.ErrDeviceNotReady)
}

func TestCheckPassphrase(t *testing.T) {
	require.ErrorIs(t, identity.CheckPassphrase("short"), identity.ErrWeakPassphrase)
	require.ErrorIs(t, identity.CheckPassphrase("alllowercaseletters"), identity.ErrWeakPassphrase)
	require.NoError(t, identity.CheckPassphrase("Correct-Horse-9-Battery"))
}
