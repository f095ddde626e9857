package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"

	"threadkx/internal/crypto"
	"threadkx/internal/domain"
)

const (
	// DefaultInitialPrekeys is the size of the prekey batch registered with
	// a fresh device.
	DefaultInitialPrekeys = 50

	// defaultConflictRetries bounds how often a device id owned by another
	// user is replaced during one bootstrap.
	defaultConflictRetries = 2
)

// Config configures the identity Service.
type Config struct {
	Server  domain.ServerClient
	Store   domain.IdentityStore
	Prekeys domain.PrekeyPool

	Name     string
	Platform string

	InitialPrekeys  int
	ConflictRetries int

	Now func() time.Time
	Log slog.Logger
}

// Service manages the long-term identity of this installation.
//
// The identity contains the X25519 key pair used both as the key package
// initiator key and to publish under, plus the server-side device id.
type Service struct {
	cfg Config
	log slog.Logger

	// mu serializes bootstraps.
	mu sync.Mutex
}

// New returns an identity service.
func New(cfg Config) *Service {
	if cfg.InitialPrekeys <= 0 {
		cfg.InitialPrekeys = DefaultInitialPrekeys
	}
	if cfg.ConflictRetries <= 0 {
		cfg.ConflictRetries = defaultConflictRetries
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Service{cfg: cfg, log: log}
}

// Bootstrap makes sure a valid identity exists locally and that the server
// knows about it. An existing identity is re-registered, since the server
// record may have been lost independently of local state. Otherwise a new
// identity and an initial prekey batch are created and registered.
func (s *Service) Bootstrap(ctx context.Context) (domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bootstrap(ctx, false)
}

// Rebootstrap destroys the local identity and prekeys and creates new ones.
func (s *Service) Rebootstrap(ctx context.Context) (domain.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bootstrap(ctx, true)
}

func (s *Service) bootstrap(ctx context.Context, wipe bool) (domain.Device, error) {
	for attempt := 0; ; attempt++ {
		if wipe {
			if err := s.wipe(); err != nil {
				return domain.Device{}, fmt.Errorf("%w: %w", domain.ErrBootstrapFailed, err)
			}
		}
		dev, err := s.bootstrapOnce(ctx)
		if err == nil {
			return dev, nil
		}
		if !errors.Is(err, domain.ErrDeviceConflict) || attempt >= s.cfg.ConflictRetries {
			return domain.Device{}, fmt.Errorf("%w: %w", domain.ErrBootstrapFailed, err)
		}
		s.log.Warnf("Device %s belongs to another user; creating a new identity", dev.ID)
		wipe = true
	}
}

// bootstrapOnce returns the device it tried to register even on failure.
func (s *Service) bootstrapOnce(ctx context.Context) (domain.Device, error) {
	dev, ok, err := s.cfg.Store.LoadDevice()
	if err != nil {
		return domain.Device{}, err
	}
	if ok && validDevice(dev) {
		return s.revalidate(ctx, dev)
	}
	if ok {
		s.log.Warnf("Stored device %s is invalid; creating a new identity", dev.ID)
	}
	return s.create(ctx)
}

func (s *Service) revalidate(ctx context.Context, dev domain.Device) (domain.Device, error) {
	if (s.cfg.Name != "" && s.cfg.Name != dev.Name) ||
		(s.cfg.Platform != "" && s.cfg.Platform != dev.Platform) {
		if s.cfg.Name != "" {
			dev.Name = s.cfg.Name
		}
		if s.cfg.Platform != "" {
			dev.Platform = s.cfg.Platform
		}
		if err := s.cfg.Store.SaveDevice(dev); err != nil {
			return dev, err
		}
	}

	s.cfg.Server.SetDeviceID(dev.ID)
	err := s.cfg.Server.RegisterDevice(ctx, domain.RegisterDeviceRequest{
		DeviceID:  dev.ID,
		Name:      dev.Name,
		Platform:  dev.Platform,
		PublicKey: dev.IdentityPublic,
	})
	if err != nil {
		return dev, err
	}
	if err := s.cfg.Prekeys.MaybeReplenish(ctx); err != nil {
		s.log.Warnf("Unable to replenish prekeys: %v", err)
	}
	s.log.Debugf("Device %s revalidated", dev.ID)
	return dev, nil
}

func (s *Service) create(ctx context.Context) (domain.Device, error) {
	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return domain.Device{}, err
	}
	dev := domain.Device{
		ID:             domain.DeviceID(uuid.NewString()),
		IdentityPublic: pub,
		IdentitySecret: priv,
		Name:           s.cfg.Name,
		Platform:       s.cfg.Platform,
		CreatedAt:      s.cfg.Now().UTC(),
	}

	// Secrets are on disk before anything is sent.
	prekeys, err := s.cfg.Prekeys.Generate(s.cfg.InitialPrekeys)
	if err != nil {
		return dev, err
	}
	if err := s.cfg.Store.SaveDevice(dev); err != nil {
		return dev, err
	}

	s.cfg.Server.SetDeviceID(dev.ID)
	err = s.cfg.Server.RegisterDevice(ctx, domain.RegisterDeviceRequest{
		DeviceID:  dev.ID,
		Name:      dev.Name,
		Platform:  dev.Platform,
		PublicKey: dev.IdentityPublic,
		Prekeys:   prekeys,
	})
	if err != nil {
		return dev, err
	}
	s.log.Infof("Registered new device %s with %d prekeys", dev.ID, len(prekeys))
	return dev, nil
}

func (s *Service) wipe() error {
	if err := s.cfg.Store.WipeDevice(); err != nil {
		return err
	}
	return s.cfg.Prekeys.Wipe()
}

// Current returns the local device without touching the network.
func (s *Service) Current() (domain.Device, error) {
	dev, ok, err := s.cfg.Store.LoadDevice()
	if err != nil {
		return domain.Device{}, err
	}
	if !ok || !validDevice(dev) {
		return domain.Device{}, domain.ErrDeviceNotReady
	}
	return dev, nil
}

// Fingerprint returns a short fingerprint of the local identity public key.
func (s *Service) Fingerprint() (domain.Fingerprint, error) {
	dev, err := s.Current()
	if err != nil {
		return "", err
	}
	return crypto.Fingerprint(dev.IdentityPublic), nil
}

func validDevice(dev domain.Device) bool {
	if dev.ID == "" || dev.IdentitySecret.IsZero() {
		return false
	}
	pub, err := crypto.PublicFromPrivate(dev.IdentitySecret)
	return err == nil && pub == dev.IdentityPublic
}

// Compile-time assertion that Service implements domain.DeviceService.
var _ domain.DeviceService = (*Service)(nil)
