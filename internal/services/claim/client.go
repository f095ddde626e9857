package claim

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/decred/slog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"threadkx/internal/domain"
	"threadkx/internal/metrics"
)

const (
	DefaultMinInterval    = time.Second
	DefaultMaxRetries     = 4
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 8 * time.Second
)

// Config configures a claim Client.
type Config struct {
	Server domain.ServerClient

	// MinInterval is the process-wide minimum time between two claims.
	MinInterval time.Duration

	// MaxRetries bounds the retries of a throttled claim.
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	Metrics *metrics.Metrics
	Log     slog.Logger
}

// Client claims one-time prekeys of remote devices. Concurrent claims for
// the same device share one request, all claims are paced by one limiter
// and throttled claims are retried with jittered exponential backoff.
type Client struct {
	cfg     Config
	limiter *rate.Limiter
	group   singleflight.Group
	log     slog.Logger
}

// New returns a claim client.
func New(cfg Config) *Client {
	if cfg.MinInterval <= 0 {
		cfg.MinInterval = DefaultMinInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Client{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(cfg.MinInterval), 1),
		log:     log,
	}
}

// Claim returns one prekey of deviceID. It fails with an error wrapping
// domain.ErrNoPrekeysAvailable when the device has none left and
// domain.ErrClaimFailed for anything else.
func (c *Client) Claim(ctx context.Context, deviceID domain.DeviceID) (domain.ClaimedPrekey, error) {
	// The shared request must not die with the first caller's context.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(string(deviceID), func() (any, error) {
		return c.claim(shared, deviceID)
	})
	select {
	case <-ctx.Done():
		return domain.ClaimedPrekey{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return domain.ClaimedPrekey{}, res.Err
		}
		return res.Val.(domain.ClaimedPrekey), nil
	}
}

func (c *Client) claim(ctx context.Context, deviceID domain.DeviceID) (domain.ClaimedPrekey, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.cfg.InitialBackoff
	eb.MaxInterval = c.cfg.MaxBackoff
	eb.MaxElapsedTime = 0
	eb.Reset()
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.cfg.MaxRetries)), ctx)

	var out domain.ClaimedPrekey
	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		cp, err := c.cfg.Server.ClaimPrekey(ctx, deviceID)
		switch {
		case err == nil:
			out = cp
			return nil
		case errors.Is(err, domain.ErrThrottled):
			c.cfg.Metrics.Claim("throttled")
			c.log.Debugf("Claim for %s throttled", deviceID)
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	err := backoff.Retry(op, bo)
	switch {
	case errors.Is(err, domain.ErrNoPrekeysAvailable):
		c.cfg.Metrics.Claim("no_prekeys")
		return domain.ClaimedPrekey{}, fmt.Errorf("claim %s: %w", deviceID, err)
	case err != nil:
		c.cfg.Metrics.Claim("failed")
		return domain.ClaimedPrekey{}, fmt.Errorf("%w: %s: %w", domain.ErrClaimFailed, deviceID, err)
	}

	if out.DeviceID == "" {
		out.DeviceID = deviceID
	}
	if out.DeviceID != deviceID || out.Prekey.KeyID == "" ||
		out.Prekey.PublicKey.IsZero() || out.IdentityKey.IsZero() {
		c.cfg.Metrics.Claim("failed")
		return domain.ClaimedPrekey{}, fmt.Errorf("%w: %s: incomplete claim response",
			domain.ErrClaimFailed, deviceID)
	}
	c.cfg.Metrics.Claim("ok")
	return out, nil
}

var _ domain.PrekeyClaimer = (*Client)(nil)
