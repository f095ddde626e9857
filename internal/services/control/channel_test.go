package control_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"threadkx/internal/domain"
	"threadkx/internal/services/control"
	"threadkx/internal/testutils"
)

type fakeServer struct {
	domain.ServerClient
	sent []domain.Envelope
}

func (f *fakeServer) SendEnvelopes(_ context.Context, envs []domain.Envelope) ([]domain.SendResult, error) {
	f.sent = append(f.sent, envs...)
	return nil, nil
}

func TestSend_BuildsControlEnvelope(t *testing.T) {
	srv := &fakeServer{}
	now := time.UnixMilli(1_700_000_000_000)
	ch := control.New(control.Config{
		Server: srv,
		Now:    func() time.Time { return now },
		Log:    testutils.TestLoggerSys(t, "CTRL"),
	})

	id, err := ch.Send(context.Background(), "dev-b", domain.ControlHeader{
		Type:              domain.ControlKeyRequest,
		ThreadID:          "t1",
		RequesterDeviceID: "dev-a",
	})
	require.NoError(t, err)
	require.Len(t, srv.sent, 1)

	env := srv.sent[0]
	require.Equal(t, id, env.MsgID)
	require.Equal(t, domain.DeviceID("dev-b"), env.ToDeviceID)
	require.Equal(t, control.Placeholder, env.Ciphertext)
	require.Equal(t, int(control.KeyRequestTTL/time.Second), env.TTLSeconds)
	require.Equal(t, domain.KindControl, domain.HeaderKindOf(env.Header))

	h, err := control.Parse(env.Header)
	require.NoError(t, err)
	require.Equal(t, domain.ControlKeyRequest, h.Type)
	require.Equal(t, now.UnixMilli(), h.TS)
	require.Equal(t, 1, h.V)
}

func TestSend_RejectsUnknownType(t *testing.T) {
	ch := control.New(control.Config{Server: &fakeServer{}})
	_, err := ch.Send(context.Background(), "dev-b", domain.ControlHeader{Type: "hello"})
	require.ErrorIs(t, err, control.ErrMalformed)
}

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		h    any
		ok   bool
	}{
		{"receipt", domain.ControlHeader{Kind: domain.KindControl, Type: domain.ControlKeyReceipt, ThreadID: "t", FromDeviceID: "d"}, true},
		{"receipt without device", domain.ControlHeader{Kind: domain.KindControl, Type: domain.ControlKeyReceipt, ThreadID: "t"}, false},
		{"resend request", domain.ControlHeader{Kind: domain.KindControl, Type: domain.ControlKeyResendRequest, ThreadID: "t", RequesterDeviceID: "d"}, true},
		{"request without thread", domain.ControlHeader{Kind: domain.KindControl, Type: domain.ControlKeyRequest, RequesterDeviceID: "d"}, false},
		{"prekeys needed", domain.ControlHeader{Kind: domain.KindControl, Type: domain.ControlPrekeysNeeded}, true},
		{"wrong kind", domain.ControlHeader{Kind: domain.KindKeyPackage, Type: domain.ControlPrekeysNeeded}, false},
		{"unknown type", domain.ControlHeader{Kind: domain.KindControl, Type: "ping"}, false},
		{"not an object", "control", false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := json.Marshal(tc.h)
			require.NoError(t, err)
			_, err = control.Parse(raw)
			if tc.ok {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, control.ErrMalformed)
			}
		})
	}
}
