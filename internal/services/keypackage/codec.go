package keypackage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"

	"threadkx/internal/crypto"
	"threadkx/internal/domain"
	"threadkx/internal/protocol/x3dh"
	"threadkx/internal/util/memzero"
)

const (
	// DefaultTTL is the inbox lifetime of a key package.
	DefaultTTL = time.Hour

	headerVersion  = 1
	payloadVersion = 1
)

// Config configures a Codec.
type Config struct {
	Identities domain.IdentityStore
	Prekeys    domain.PrekeyStore
	Claimer    domain.PrekeyClaimer

	// InfoPrefix namespaces the HKDF info string.
	InfoPrefix string

	Now func() time.Time
	Log slog.Logger
}

// Codec seals payloads to one remote device and opens packages sealed to
// the local device.
type Codec struct {
	cfg Config
	log slog.Logger
}

// New returns a key package codec.
func New(cfg Config) *Codec {
	if cfg.InfoPrefix == "" {
		cfg.InfoPrefix = x3dh.DefaultInfoPrefix
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Codec{cfg: cfg, log: log}
}

func (c *Codec) device() (domain.Device, error) {
	dev, ok, err := c.cfg.Identities.LoadDevice()
	if err != nil {
		return domain.Device{}, err
	}
	if !ok {
		return domain.Device{}, domain.ErrDeviceNotReady
	}
	return dev, nil
}

// Build claims a prekey of req.To and seals req.Payload to it. Every call
// uses a fresh handshake salt and nonce, so no two envelopes share a
// session key.
func (c *Codec) Build(ctx context.Context, req domain.BuildRequest) (domain.Envelope, error) {
	if !validKind(req.Kind) {
		return domain.Envelope{}, fmt.Errorf("unknown package kind %q", req.Kind)
	}
	dev, err := c.device()
	if err != nil {
		return domain.Envelope{}, err
	}
	plaintext, err := c.encodePayload(req.Kind, req.Payload)
	if err != nil {
		return domain.Envelope{}, err
	}
	defer memzero.Zero(plaintext)

	claimed, err := c.cfg.Claimer.Claim(ctx, req.To)
	if err != nil {
		return domain.Envelope{}, err
	}

	salt, err := x3dh.NewSalt()
	if err != nil {
		return domain.Envelope{}, err
	}
	info := x3dh.Info(c.cfg.InfoPrefix, req.Kind, req.To, dev.ID, claimed.Prekey.KeyID)
	key, err := x3dh.InitiatorSessionKey(dev.IdentitySecret, claimed.Prekey.PublicKey, salt, info)
	if err != nil {
		return domain.Envelope{}, err
	}
	defer memzero.Key32(&key)

	nonce, ct, err := crypto.Seal(&key, plaintext)
	if err != nil {
		return domain.Envelope{}, err
	}

	header := domain.KeyPackageHeader{
		Kind:                 domain.KindKeyPackage,
		V:                    headerVersion,
		PackageKind:          req.Kind,
		RecipientDeviceID:    req.To,
		InitiatorDeviceID:    dev.ID,
		InitiatorIdentityKey: dev.IdentityPublic,
		PrekeyID:             claimed.Prekey.KeyID,
		HandshakeSalt:        salt,
		HKDFInfo:             info,
		Nonce:                nonce[:],
		Alg:                  domain.KeyPackageAlg,
		ThreadID:             req.ThreadID,
	}
	hb, err := json.Marshal(header)
	if err != nil {
		return domain.Envelope{}, err
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	env := domain.Envelope{
		ToDeviceID:    req.To,
		MsgID:         domain.MsgID(uuid.NewString()),
		CreatedAt:     c.cfg.Now().UTC(),
		TTLSeconds:    int(ttl / time.Second),
		ContentType:   domain.ContentText,
		SchemaVersion: domain.SchemaVersion,
		Ciphertext:    crypto.B64(ct),
		Header:        hb,
	}
	c.log.Debugf("Built %s package %s for %s (prekey %s)", req.Kind, env.MsgID, req.To, claimed.Prekey.KeyID)
	return env, nil
}

// encodePayload marshals payload as a JSON object tagged with the package
// kind, a version and a timestamp.
func (c *Codec) encodePayload(kind domain.PackageKind, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("payload must be a JSON object: %w", err)
	}
	memzero.Zero(raw)
	fields["kind"], _ = json.Marshal(kind)
	fields["v"], _ = json.Marshal(payloadVersion)
	fields["ts"], _ = json.Marshal(c.cfg.Now().UnixMilli())
	return json.Marshal(fields)
}

// Open decrypts a key package addressed to the local device. The prekey
// secret it used is deleted only when decryption succeeds.
//
// Errors wrap domain.ErrMalformedPackage (the package can never be opened),
// domain.ErrOpkSecretMissing (nothing was consumed) or
// domain.ErrDecryptFailed (the secret is kept for a later retry).
func (c *Codec) Open(item domain.InboxItem) (domain.OpenedPackage, error) {
	h, err := ParseHeader(item.Header)
	if err != nil {
		return domain.OpenedPackage{}, err
	}
	dev, err := c.device()
	if err != nil {
		return domain.OpenedPackage{}, err
	}
	if h.RecipientDeviceID != dev.ID {
		return domain.OpenedPackage{}, fmt.Errorf("%w: addressed to %s", domain.ErrMalformedPackage, h.RecipientDeviceID)
	}
	info := x3dh.Info(c.cfg.InfoPrefix, h.PackageKind, dev.ID, h.InitiatorDeviceID, h.PrekeyID)
	if h.HKDFInfo != info {
		return domain.OpenedPackage{}, fmt.Errorf("%w: hkdf info mismatch", domain.ErrMalformedPackage)
	}
	ct, err := crypto.FromB64(item.Ciphertext)
	if err != nil {
		return domain.OpenedPackage{}, fmt.Errorf("%w: ciphertext: %w", domain.ErrMalformedPackage, err)
	}

	var plaintext []byte
	found, err := c.cfg.Prekeys.UsePrekey(h.PrekeyID, func(secret domain.X25519Private) error {
		key, err := x3dh.ResponderSessionKey(secret, h.InitiatorIdentityKey, h.HandshakeSalt, info)
		if err != nil {
			return fmt.Errorf("%w: %w", domain.ErrDecryptFailed, err)
		}
		defer memzero.Key32(&key)
		pt, err := crypto.Open(&key, h.Nonce, ct)
		if err != nil {
			return fmt.Errorf("%w: %w", domain.ErrDecryptFailed, err)
		}
		plaintext = pt
		return nil
	})
	if err != nil {
		return domain.OpenedPackage{}, err
	}
	if !found {
		return domain.OpenedPackage{}, fmt.Errorf("%w: %s", domain.ErrOpkSecretMissing, h.PrekeyID)
	}

	var probe struct {
		Kind domain.PackageKind `json:"kind"`
	}
	if err := json.Unmarshal(plaintext, &probe); err != nil || probe.Kind != h.PackageKind {
		return domain.OpenedPackage{}, fmt.Errorf("%w: payload does not match header", domain.ErrMalformedPackage)
	}
	c.log.Debugf("Opened %s package %s from %s", h.PackageKind, item.MsgID, h.InitiatorDeviceID)
	return domain.OpenedPackage{Kind: h.PackageKind, Header: h, Payload: plaintext}, nil
}

// ParseHeader decodes and validates a key package header. Failures wrap
// domain.ErrMalformedPackage.
func ParseHeader(raw json.RawMessage) (domain.KeyPackageHeader, error) {
	var h domain.KeyPackageHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return h, fmt.Errorf("%w: header: %w", domain.ErrMalformedPackage, err)
	}
	var problem string
	switch {
	case h.Kind != domain.KindKeyPackage:
		problem = "not a key package"
	case h.V != headerVersion:
		problem = fmt.Sprintf("unsupported version %d", h.V)
	case h.Alg != domain.KeyPackageAlg:
		problem = fmt.Sprintf("unsupported alg %q", h.Alg)
	case !validKind(h.PackageKind):
		problem = fmt.Sprintf("unknown package kind %q", h.PackageKind)
	case h.RecipientDeviceID == "", h.InitiatorDeviceID == "", h.PrekeyID == "":
		problem = "missing device or prekey id"
	case h.InitiatorIdentityKey.IsZero():
		problem = "missing initiator identity key"
	case len(h.HandshakeSalt) != x3dh.SaltSize:
		problem = "bad handshake salt length"
	case len(h.Nonce) != crypto.NonceSize:
		problem = "bad nonce length"
	}
	if problem != "" {
		return h, fmt.Errorf("%w: %s", domain.ErrMalformedPackage, problem)
	}
	return h, nil
}

func validKind(k domain.PackageKind) bool {
	return k == domain.PackageThreadKey || k == domain.PackageDeviceLinkKeys
}

var _ domain.KeyPackager = (*Codec)(nil)
