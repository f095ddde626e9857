package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"

	"threadkx/internal/domain"
	"threadkx/internal/metrics"
)

const (
	// Placeholder is the ciphertext of every control envelope. Control
	// envelopes carry no secret.
	Placeholder = "Y3RybA=="

	DefaultTTL    = 15 * time.Minute
	KeyRequestTTL = 10 * time.Minute

	headerVersion = 1
)

// ErrMalformed is returned by Parse for unusable control headers.
var ErrMalformed = errors.New("malformed control header")

// Config configures a Channel.
type Config struct {
	Server  domain.ServerClient
	Now     func() time.Time
	Metrics *metrics.Metrics
	Log     slog.Logger
}

// Channel sends signaling envelopes over the same inbox as key packages.
type Channel struct {
	cfg Config
	log slog.Logger
}

// New returns a control channel.
func New(cfg Config) *Channel {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Channel{cfg: cfg, log: log}
}

// Send submits header to one device and returns the envelope id.
func (c *Channel) Send(ctx context.Context, to domain.DeviceID, h domain.ControlHeader) (domain.MsgID, error) {
	if !h.Type.Valid() {
		return "", fmt.Errorf("%w: unknown type %q", ErrMalformed, h.Type)
	}
	now := c.cfg.Now()
	h.Kind = domain.KindControl
	h.V = headerVersion
	if h.TS == 0 {
		h.TS = now.UnixMilli()
	}
	hb, err := json.Marshal(h)
	if err != nil {
		return "", err
	}

	ttl := DefaultTTL
	if h.Type == domain.ControlKeyRequest {
		ttl = KeyRequestTTL
	}
	env := domain.Envelope{
		ToDeviceID:    to,
		MsgID:         domain.MsgID(uuid.NewString()),
		CreatedAt:     now.UTC(),
		TTLSeconds:    int(ttl / time.Second),
		ContentType:   domain.ContentText,
		SchemaVersion: domain.SchemaVersion,
		Ciphertext:    Placeholder,
		Header:        hb,
	}
	if _, err := c.cfg.Server.SendEnvelopes(ctx, []domain.Envelope{env}); err != nil {
		return "", fmt.Errorf("send %s to %s: %w", h.Type, to, err)
	}
	c.cfg.Metrics.EnvelopesSent(string(domain.KindControl), 1)
	c.log.Debugf("Sent %s for thread %q to %s", h.Type, h.ThreadID, to)
	return env.MsgID, nil
}

// Parse decodes a control header and checks the fields its type needs.
func Parse(raw json.RawMessage) (domain.ControlHeader, error) {
	var h domain.ControlHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return h, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if h.Kind != domain.KindControl {
		return h, fmt.Errorf("%w: kind %q", ErrMalformed, h.Kind)
	}
	switch h.Type {
	case domain.ControlKeyReceipt:
		if h.ThreadID == "" || h.FromDeviceID == "" {
			return h, fmt.Errorf("%w: receipt without thread or device", ErrMalformed)
		}
	case domain.ControlKeyRequest, domain.ControlKeyResendRequest:
		if h.ThreadID == "" || h.RequesterDeviceID == "" {
			return h, fmt.Errorf("%w: %s without thread or requester", ErrMalformed, h.Type)
		}
	case domain.ControlPrekeysNeeded:
	default:
		return h, fmt.Errorf("%w: unknown type %q", ErrMalformed, h.Type)
	}
	return h, nil
}

var _ domain.ControlSender = (*Channel)(nil)
