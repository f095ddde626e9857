package session

import (
	"context"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/puzpuzpuz/xsync/v3"

	"threadkx/internal/domain"
)

// DefaultNudgeDelays are the times after opening a thread as the peer at
// which the creator's devices are asked to resend the thread key.
var DefaultNudgeDelays = []time.Duration{1500 * time.Millisecond, 3 * time.Second, 6 * time.Second}

// Bootstrapper registers or re-validates the local device.
type Bootstrapper interface {
	Bootstrap(ctx context.Context) (domain.Device, error)
}

// PrekeyPublisher publishes a fresh batch of one-time prekeys.
type PrekeyPublisher interface {
	ForcePublish(ctx context.Context, reason string, force bool) (int, error)
}

// Config configures an Engine.
type Config struct {
	Server    domain.ServerClient
	Devices   Bootstrapper
	Prekeys   PrekeyPublisher
	Keys      domain.ThreadKeys
	KeyShare  domain.KeyShare
	Control   domain.ControlSender
	Readiness domain.Readiness
	Runtime   domain.RuntimeStore

	NudgeDelays     []time.Duration
	MaxNudgeTargets int
	Log             slog.Logger
}

// Engine drives a thread from opened to READY.
//
// The creator of a thread shares its key with every device involved. The
// peer asks the creator's devices for the key and keeps nudging them for a
// short while. Either side ends up READY once the key is stored locally;
// everything in between is observable through the readiness state machine.
type Engine struct {
	cfg Config
	log slog.Logger

	mu     sync.Mutex
	device domain.Device
	booted bool

	nudging *xsync.MapOf[domain.ThreadID, struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a session engine. Stop must be called to end scheduled
// nudges.
func New(cfg Config) *Engine {
	if cfg.NudgeDelays == nil {
		cfg.NudgeDelays = DefaultNudgeDelays
	}
	if cfg.MaxNudgeTargets <= 0 {
		cfg.MaxNudgeTargets = 3
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:     cfg,
		log:     log,
		nudging: xsync.NewMapOf[domain.ThreadID, struct{}](),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Stop cancels scheduled nudges and waits for them to return.
func (e *Engine) Stop() {
	e.cancel()
	e.wg.Wait()
}

// bootstrap bootstraps the local device once per process and records the
// outcome on threadID.
func (e *Engine) bootstrap(ctx context.Context, threadID domain.ThreadID) (domain.Device, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.booted {
		e.cfg.Readiness.MarkBootstrap(threadID, domain.BootstrapReady)
		return e.device, nil
	}

	e.cfg.Readiness.MarkBootstrap(threadID, domain.BootstrapPending)
	dev, err := e.cfg.Devices.Bootstrap(ctx)
	if err != nil {
		e.cfg.Readiness.MarkBootstrap(threadID, domain.BootstrapFailed)
		return domain.Device{}, err
	}
	e.device = dev
	e.booted = true
	e.cfg.Readiness.MarkBootstrap(threadID, domain.BootstrapReady)
	return dev, nil
}

// EnsureReady brings threadID towards READY and returns its view.
//
// Steps:
//  1. Stamp the thread as opened so the wait timeout starts.
//  2. Bootstrap the local device (once per process).
//  3. Return right away if the thread key is already held.
//  4. As the creator, share the key with every device of both users.
//  5. As the peer, ask the peer's devices for the key and schedule resend
//     nudges until a key package shows up.
//
// Errors are also recorded on the thread, so the returned view carries the
// matching reason code.
func (e *Engine) EnsureReady(
	ctx context.Context,
	threadID domain.ThreadID,
	peer domain.UserID,
	amCreator bool,
) (domain.ThreadView, error) {
	e.cfg.Readiness.MarkOpened(threadID)

	dev, err := e.bootstrap(ctx, threadID)
	if err != nil {
		e.log.Warnf("Bootstrap for thread %s failed: %v", threadID, err)
		return e.cfg.Readiness.View(threadID), err
	}

	if e.cfg.Keys.Has(threadID) {
		return e.cfg.Readiness.View(threadID), nil
	}

	if amCreator {
		report, err := e.cfg.KeyShare.ShareThreadKey(ctx, threadID, peer)
		if err != nil {
			return e.cfg.Readiness.View(threadID), err
		}
		e.log.Debugf("Shared key of thread %s with %d of %d devices",
			threadID, len(report.Delivered), len(report.Targets))
		return e.cfg.Readiness.View(threadID), nil
	}

	targets, err := e.peerDevices(ctx, dev.ID, peer)
	if err != nil {
		e.cfg.Readiness.MarkError(threadID, domain.ReasonFor(err))
		return e.cfg.Readiness.View(threadID), err
	}
	if err := e.cfg.KeyShare.RequestResend(ctx, threadID, peer); err != nil {
		e.log.Warnf("Unable to request key of thread %s: %v", threadID, err)
	}
	e.scheduleNudges(threadID, dev.ID, targets)
	return e.cfg.Readiness.View(threadID), nil
}

// RefreshKeysAndRetry publishes fresh prekeys regardless of the cooldown,
// clears the error of threadID and runs EnsureReady again.
func (e *Engine) RefreshKeysAndRetry(
	ctx context.Context,
	threadID domain.ThreadID,
	peer domain.UserID,
	amCreator bool,
) (domain.ThreadView, error) {
	if _, err := e.cfg.Prekeys.ForcePublish(ctx, "refresh", true); err != nil {
		e.log.Warnf("Unable to refresh prekeys: %v", err)
		e.cfg.Readiness.MarkError(threadID, domain.ReasonFor(err))
		return e.cfg.Readiness.View(threadID), err
	}
	e.cfg.Readiness.ClearError(threadID)
	return e.EnsureReady(ctx, threadID, peer, amCreator)
}

// peerDevices lists the devices of peer, without the local device.
func (e *Engine) peerDevices(ctx context.Context, self domain.DeviceID, peer domain.UserID) ([]domain.DeviceID, error) {
	bundles, err := e.cfg.Server.ListUserDevices(ctx, peer)
	if err != nil {
		return nil, err
	}
	var out []domain.DeviceID
	for _, b := range bundles {
		if b.DeviceID != self {
			out = append(out, b.DeviceID)
		}
	}
	if len(out) == 0 {
		return nil, domain.ErrNoPeerDevices
	}
	return out, nil
}

// scheduleNudges sends key_resend_request messages to targets at each nudge
// delay until threadID no longer needs them.
func (e *Engine) scheduleNudges(threadID domain.ThreadID, self domain.DeviceID, targets []domain.DeviceID) {
	if len(e.cfg.NudgeDelays) == 0 {
		return
	}
	if _, loaded := e.nudging.LoadOrStore(threadID, struct{}{}); loaded {
		return
	}
	if len(targets) > e.cfg.MaxNudgeTargets {
		targets = targets[:e.cfg.MaxNudgeTargets]
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.nudging.Delete(threadID)
		var waited time.Duration
		for _, at := range e.cfg.NudgeDelays {
			select {
			case <-e.ctx.Done():
				return
			case <-time.After(at - waited):
			}
			waited = at
			if !e.needsNudge(threadID) {
				return
			}
			e.nudge(threadID, self, targets)
		}
	}()
}

// needsNudge reports whether threadID is still waiting and nothing has
// arrived for it.
func (e *Engine) needsNudge(threadID domain.ThreadID) bool {
	if e.cfg.Keys.Has(threadID) {
		return false
	}
	if e.cfg.Readiness.View(threadID).State != domain.StateWaitingKeyPackage {
		return false
	}
	rt, _, err := e.cfg.Runtime.LoadThreadRuntime(threadID)
	if err != nil {
		e.log.Warnf("Unable to load runtime of thread %s: %v", threadID, err)
		return false
	}
	return rt.LastKeyPackageAt.IsZero()
}

func (e *Engine) nudge(threadID domain.ThreadID, self domain.DeviceID, targets []domain.DeviceID) {
	for _, to := range targets {
		_, err := e.cfg.Control.Send(e.ctx, to, domain.ControlHeader{
			Type:              domain.ControlKeyResendRequest,
			ThreadID:          threadID,
			RequesterDeviceID: self,
		})
		if err != nil {
			e.log.Debugf("Unable to nudge %s for thread %s: %v", to, threadID, err)
		}
	}
	e.log.Debugf("Asked %d devices to resend key of thread %s", len(targets), threadID)
}
