package prekey

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/google/uuid"

	"threadkx/internal/crypto"
	"threadkx/internal/domain"
	"threadkx/internal/metrics"
)

const (
	DefaultBatchSize = 50
	DefaultReserve   = 20
	DefaultCooldown  = 30 * time.Second
)

// Config configures a prekey Service.
type Config struct {
	Server     domain.ServerClient
	Identities domain.IdentityStore
	Prekeys    domain.PrekeyStore

	// BatchSize is how many prekeys one publish generates.
	BatchSize int

	// Reserve is the server-side count below which MaybeReplenish
	// publishes a new batch.
	Reserve int

	// Cooldown is the minimum time between two non-forced publishes.
	Cooldown time.Duration

	Now     func() time.Time
	Metrics *metrics.Metrics
	Log     slog.Logger
}

// Service manages the one-time prekey pool of the local device.
type Service struct {
	cfg Config
	log slog.Logger

	mu          sync.Mutex
	lastPublish time.Time
}

// New returns a prekey service. Zero config values take their defaults.
func New(cfg Config) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Reserve <= 0 {
		cfg.Reserve = DefaultReserve
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultCooldown
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

// Generate creates n prekey pairs and persists their secrets. Only the
// public halves are returned; they are safe to publish once this returns.
func (s *Service) Generate(n int) ([]domain.OnePrekeyPublic, error) {
	now := s.cfg.Now()
	pairs := make([]domain.OnePrekeyPair, 0, n)
	publics := make([]domain.OnePrekeyPublic, 0, n)
	for i := 0; i < n; i++ {
		priv, pub, err := crypto.GenerateX25519()
		if err != nil {
			return nil, err
		}
		p := domain.OnePrekeyPair{
			ID:        domain.PrekeyID(uuid.NewString()),
			Public:    pub,
			Secret:    priv,
			CreatedAt: now,
		}
		pairs = append(pairs, p)
		publics = append(publics, p.PublicHalf())
	}
	if err := s.cfg.Prekeys.SavePrekeys(pairs); err != nil {
		return nil, fmt.Errorf("save prekeys: %w", err)
	}
	return publics, nil
}

// ForcePublish generates and publishes a fresh batch. Unless force is set,
// calls within the cooldown of the last publish are skipped and return 0.
func (s *Service) ForcePublish(ctx context.Context, reason string, force bool) (int, error) {
	now := s.cfg.Now()
	s.mu.Lock()
	prev := s.lastPublish
	if !force && !prev.IsZero() && now.Sub(prev) < s.cfg.Cooldown {
		s.mu.Unlock()
		s.log.Debugf("Skipping prekey publish (%s): cooldown", reason)
		return 0, nil
	}
	s.lastPublish = now
	s.mu.Unlock()

	n, err := s.publish(ctx)
	if err != nil {
		s.mu.Lock()
		if s.lastPublish.Equal(now) {
			s.lastPublish = prev
		}
		s.mu.Unlock()
		return 0, err
	}
	s.log.Infof("Published %d prekeys (%s)", n, reason)
	return n, nil
}

func (s *Service) publish(ctx context.Context) (int, error) {
	dev, ok, err := s.cfg.Identities.LoadDevice()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, domain.ErrDeviceNotReady
	}
	publics, err := s.Generate(s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if err := s.cfg.Server.PublishPrekeys(ctx, dev.ID, publics); err != nil {
		return 0, fmt.Errorf("publish prekeys: %w", err)
	}
	s.cfg.Metrics.PrekeysPublished(len(publics))
	return len(publics), nil
}

// MaybeReplenish publishes a batch when the server reports fewer than the
// reserve of prekeys for the local device.
func (s *Service) MaybeReplenish(ctx context.Context) error {
	dev, ok, err := s.cfg.Identities.LoadDevice()
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrDeviceNotReady
	}
	devices, err := s.cfg.Server.ListDevices(ctx)
	if err != nil {
		return err
	}
	for _, d := range devices {
		if d.ID != dev.ID {
			continue
		}
		if d.AvailablePrekeys >= s.cfg.Reserve {
			return nil
		}
		s.log.Debugf("Server holds %d prekeys (reserve %d)", d.AvailablePrekeys, s.cfg.Reserve)
		_, err := s.ForcePublish(ctx, "replenish", false)
		return err
	}
	s.log.Warnf("Device %s missing from own device list", dev.ID)
	return nil
}

// Wipe drops every local prekey secret.
func (s *Service) Wipe() error {
	s.mu.Lock()
	s.lastPublish = time.Time{}
	s.mu.Unlock()
	return s.cfg.Prekeys.WipePrekeys()
}

var _ domain.PrekeyPool = (*Service)(nil)
