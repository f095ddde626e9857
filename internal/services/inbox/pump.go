package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/decred/slog"
	"github.com/puzpuzpuz/xsync/v3"

	"threadkx/internal/domain"
	"threadkx/internal/metrics"
	"threadkx/internal/services/control"
	"threadkx/internal/services/keypackage"
)

const (
	DefaultInterval       = 3500 * time.Millisecond
	DefaultBatch          = 200
	DefaultPoisonAttempts = 20
	DefaultPoisonAge      = 30 * time.Minute
)

// DeviceSource returns the local device.
type DeviceSource interface {
	Current() (domain.Device, error)
}

// PrekeyPublisher publishes a fresh batch of one-time prekeys.
type PrekeyPublisher interface {
	ForcePublish(ctx context.Context, reason string, force bool) (int, error)
}

// Config configures a Pump.
type Config struct {
	Server    domain.ServerClient
	Devices   DeviceSource
	Packager  domain.KeyPackager
	Keys      domain.ThreadKeys
	KeyShare  domain.KeyShare
	Control   domain.ControlSender
	Readiness domain.Readiness
	Prekeys   PrekeyPublisher
	Messages  domain.MessageDecrypter

	// OnMessage, when set, receives every thread message pulled from the
	// inbox.
	OnMessage func(domain.DecryptedMessage)

	Interval       time.Duration
	Batch          int
	PoisonAttempts int
	PoisonAge      time.Duration

	Now     func() time.Time
	Metrics *metrics.Metrics
	Log     slog.Logger
}

// Stats summarizes one pull cycle.
type Stats struct {
	Pulled   int
	Acked    int
	Kept     int
	Poisoned int

	// Skipped is set when another pull was already in flight.
	Skipped bool
}

// Pump pulls the device inbox, dispatches every item and acknowledges the
// ones that are done. Key packages that cannot be opened yet stay in the
// inbox until they open or are judged poisoned.
type Pump struct {
	cfg Config
	log slog.Logger

	running  atomic.Bool
	wake     chan struct{}
	attempts *xsync.MapOf[domain.MsgID, domain.AttemptRecord]
}

// New returns an inbox pump.
func New(cfg Config) *Pump {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultBatch
	}
	if cfg.PoisonAttempts <= 0 {
		cfg.PoisonAttempts = DefaultPoisonAttempts
	}
	if cfg.PoisonAge <= 0 {
		cfg.PoisonAge = DefaultPoisonAge
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Pump{
		cfg:      cfg,
		log:      log,
		wake:     make(chan struct{}, 1),
		attempts: xsync.NewMapOf[domain.MsgID, domain.AttemptRecord](),
	}
}

// Wake makes a running pump pull now instead of at the next tick. It never
// blocks.
func (p *Pump) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Run pulls on every tick and wake-up until ctx is done.
func (p *Pump) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.log.Infof("Pulling inbox every %s", p.cfg.Interval)
	for {
		stats, err := p.PullOnce(ctx)
		switch {
		case errors.Is(err, context.Canceled):
		case err != nil:
			p.log.Warnf("Inbox pull failed: %v", err)
		case stats.Pulled > 0:
			p.log.Debugf("Inbox cycle: pulled %d, acked %d, kept %d, poisoned %d",
				stats.Pulled, stats.Acked, stats.Kept, stats.Poisoned)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

// PullOnce runs one pull cycle. It is a no-op while another cycle is in
// flight. Only pull and ack failures are returned; per-item failures are
// reported to the readiness state machine.
func (p *Pump) PullOnce(ctx context.Context) (Stats, error) {
	var stats Stats
	if !p.running.CompareAndSwap(false, true) {
		stats.Skipped = true
		return stats, nil
	}
	defer p.running.Store(false)

	self, err := p.cfg.Devices.Current()
	if err != nil {
		return stats, err
	}

	items, err := p.cfg.Server.PullInbox(ctx, p.cfg.Batch)
	p.cfg.Metrics.Pull(err)
	if err != nil {
		return stats, err
	}
	stats.Pulled = len(items)
	p.evict()

	var retire []domain.MsgID
	for _, item := range items {
		var ack bool
		switch domain.HeaderKindOf(item.Header) {
		case domain.KindControl:
			ack = p.handleControl(ctx, item)
		case domain.KindKeyPackage:
			ack = p.handleKeyPackage(ctx, self.ID, item, &stats)
		case domain.KindMessage:
			ack = p.handleMessage(item)
		default:
			if item.ThreadID != "" {
				ack = p.handleMessage(item)
				break
			}
			p.log.Debugf("Dropping inbox item %s of unknown kind", item.MsgID)
			ack = true
		}
		if ack {
			retire = append(retire, item.MsgID)
		} else {
			stats.Kept++
		}
	}

	if len(retire) == 0 {
		return stats, nil
	}
	n, err := p.cfg.Server.AckInbox(ctx, retire)
	if err != nil {
		return stats, fmt.Errorf("ack %d inbox items: %w", len(retire), err)
	}
	for _, id := range retire {
		p.attempts.Delete(id)
	}
	stats.Acked = n
	p.cfg.Metrics.Acked(n)
	return stats, nil
}

// evict drops attempt records of items that have not been seen for longer
// than the poison age.
func (p *Pump) evict() {
	now := p.cfg.Now()
	p.attempts.Range(func(id domain.MsgID, rec domain.AttemptRecord) bool {
		if now.Sub(rec.LastAt) > p.cfg.PoisonAge {
			p.attempts.Delete(id)
		}
		return true
	})
}

func (p *Pump) handleControl(ctx context.Context, item domain.InboxItem) bool {
	h, err := control.Parse(item.Header)
	if err != nil {
		p.log.Warnf("Dropping control item %s: %v", item.MsgID, err)
		return true
	}

	switch h.Type {
	case domain.ControlKeyReceipt:
		p.cfg.KeyShare.MarkReceipt(h.ThreadID, h.FromDeviceID)

	case domain.ControlKeyRequest:
		if err := p.cfg.KeyShare.AnswerKeyRequest(ctx, h); err != nil {
			p.log.Warnf("Unable to answer key request of %s for thread %s: %v",
				h.RequesterDeviceID, h.ThreadID, err)
		}

	case domain.ControlKeyResendRequest:
		from := item.SenderUserID
		if from == "" {
			from = h.RequesterUserID
		}
		if err := p.cfg.KeyShare.HandleResendRequest(ctx, h, from); err != nil {
			p.log.Warnf("Unable to handle resend request of %s for thread %s: %v",
				h.RequesterDeviceID, h.ThreadID, err)
		}

	case domain.ControlPrekeysNeeded:
		if _, err := p.cfg.Prekeys.ForcePublish(ctx, "prekeys_needed", false); err != nil {
			p.log.Warnf("Unable to publish prekeys: %v", err)
		}
	}
	return true
}

// threadsOf returns the threads a key package item should be attributed to:
// its thread hint, or every thread waiting for a key.
func (p *Pump) threadsOf(hint domain.ThreadID) []domain.ThreadID {
	if hint != "" {
		return []domain.ThreadID{hint}
	}
	return p.cfg.Readiness.WaitingThreads()
}

func (p *Pump) markError(threads []domain.ThreadID, reason domain.ReasonCode) {
	for _, id := range threads {
		p.cfg.Readiness.MarkError(id, reason)
	}
}

func (p *Pump) handleKeyPackage(ctx context.Context, self domain.DeviceID, item domain.InboxItem, stats *Stats) bool {
	hdr, herr := keypackage.ParseHeader(item.Header)
	hint := hdr.ThreadID
	if hint == "" {
		hint = item.ThreadID
	}
	threads := p.threadsOf(hint)
	for _, id := range threads {
		p.cfg.Readiness.MarkKeyPackageSeen(id)
	}
	if herr != nil {
		p.log.Warnf("Dropping key package %s: %v", item.MsgID, herr)
		p.poison(threads, stats)
		return true
	}

	pkg, err := p.cfg.Packager.Open(item)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrMalformedPackage):
		p.log.Warnf("Dropping key package %s: %v", item.MsgID, err)
		p.poison(threads, stats)
		return true
	default:
		return p.retryLater(ctx, item.MsgID, hdr.PrekeyID, threads, err, stats)
	}

	switch pkg.Kind {
	case domain.PackageThreadKey:
		return p.importThreadKey(ctx, self, item, pkg)
	case domain.PackageDeviceLinkKeys:
		n, err := p.cfg.Keys.Import(pkg.Payload)
		if err != nil {
			p.log.Warnf("Unable to import device link package %s: %v", item.MsgID, err)
			p.cfg.Metrics.PackageFailed(string(domain.ReasonImportFailed))
			return true
		}
		p.log.Infof("Imported %d thread keys from device %s", n, pkg.Header.InitiatorDeviceID)
		p.cfg.Metrics.PackageOpened(string(pkg.Kind))
	}
	return true
}

// retryLater records a failed open of a key package that may still open on
// a later pull. It reports whether the item should be acknowledged anyway
// because it is poisoned.
func (p *Pump) retryLater(
	ctx context.Context,
	id domain.MsgID,
	prekey domain.PrekeyID,
	threads []domain.ThreadID,
	cause error,
	stats *Stats,
) bool {
	now := p.cfg.Now()
	reason := domain.ReasonFor(cause)
	rec, _ := p.attempts.Compute(id, func(rec domain.AttemptRecord, loaded bool) (domain.AttemptRecord, bool) {
		if !loaded {
			rec.FirstAt = now
		}
		rec.Count++
		rec.LastAt = now
		rec.RootCause = reason
		rec.PrekeyID = prekey
		return rec, false
	})
	p.cfg.Metrics.PackageFailed(string(reason))

	if rec.Count >= p.cfg.PoisonAttempts || now.Sub(rec.FirstAt) > p.cfg.PoisonAge {
		p.log.Warnf("Key package %s poisoned after %d attempts (%s)", id, rec.Count, rec.RootCause)
		p.poison(threads, stats)
		return true
	}

	p.log.Debugf("Key package %s not opened (attempt %d): %v", id, rec.Count, cause)
	p.markError(threads, reason)
	if errors.Is(cause, domain.ErrOpkSecretMissing) {
		if _, err := p.cfg.Prekeys.ForcePublish(ctx, "opk_secret_missing", false); err != nil {
			p.log.Warnf("Unable to publish prekeys: %v", err)
		}
	}
	return false
}

func (p *Pump) poison(threads []domain.ThreadID, stats *Stats) {
	stats.Poisoned++
	p.cfg.Metrics.Poisoned()
	p.markError(threads, domain.ReasonPoisonedKeyPackage)
}

func (p *Pump) importThreadKey(ctx context.Context, self domain.DeviceID, item domain.InboxItem, pkg domain.OpenedPackage) bool {
	var payload domain.ThreadKeyPayload
	if err := json.Unmarshal(pkg.Payload, &payload); err != nil || payload.ThreadID == "" {
		p.log.Warnf("Key package %s carries no usable thread key", item.MsgID)
		p.cfg.Metrics.PackageFailed(string(domain.ReasonImportFailed))
		p.markError(p.threadsOf(pkg.Header.ThreadID), domain.ReasonImportFailed)
		return true
	}

	if p.cfg.Keys.Has(payload.ThreadID) {
		p.log.Debugf("Key of thread %s already held; package %s is redundant", payload.ThreadID, item.MsgID)
	} else {
		err := p.cfg.Keys.Set(payload.ThreadID, payload.Key, payload.CreatedAt, payload.Version)
		if err != nil {
			p.log.Warnf("Unable to import key of thread %s: %v", payload.ThreadID, err)
			p.cfg.Metrics.PackageFailed(string(domain.ReasonImportFailed))
			p.cfg.Readiness.MarkError(payload.ThreadID, domain.ReasonImportFailed)
			return true
		}
		p.log.Infof("Imported key of thread %s from device %s", payload.ThreadID, pkg.Header.InitiatorDeviceID)
	}
	p.cfg.Metrics.PackageOpened(string(pkg.Kind))

	_, err := p.cfg.Control.Send(ctx, pkg.Header.InitiatorDeviceID, domain.ControlHeader{
		Type:         domain.ControlKeyReceipt,
		ThreadID:     payload.ThreadID,
		FromDeviceID: self,
	})
	if err != nil {
		p.log.Warnf("Unable to send key receipt of thread %s to %s: %v",
			payload.ThreadID, pkg.Header.InitiatorDeviceID, err)
	}
	return true
}

func (p *Pump) handleMessage(item domain.InboxItem) bool {
	if p.cfg.Messages == nil {
		return true
	}
	msg := p.cfg.Messages.Decrypt(item)
	if msg.Locked {
		p.log.Debugf("Message %s of thread %s is locked", item.MsgID, item.ThreadID)
	}
	if p.cfg.OnMessage != nil {
		p.cfg.OnMessage(msg)
	}
	return true
}
