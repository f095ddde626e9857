package keyshare

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/decred/slog"
	"github.com/puzpuzpuz/xsync/v3"

	"threadkx/internal/domain"
	"threadkx/internal/metrics"
)

const (
	DefaultMaxAttempts       = 4
	DefaultMaxRequestTargets = 3
	DefaultResendThrottle    = 30 * time.Second
)

var (
	// DefaultRetryDelays are the waits before each pass over targets that
	// had no prekeys left.
	DefaultRetryDelays = []time.Duration{0, 5 * time.Second, 15 * time.Second, 45 * time.Second, 90 * time.Second}

	// DefaultResendOffsets are the delays after a share at which targets
	// without a receipt get the key again.
	DefaultResendOffsets = []time.Duration{12 * time.Second, 24 * time.Second}
)

// DeviceSource returns the local device.
type DeviceSource interface {
	Current() (domain.Device, error)
}

// Config configures an Orchestrator.
type Config struct {
	Server    domain.ServerClient
	Devices   DeviceSource
	Packager  domain.KeyPackager
	Keys      domain.ThreadKeys
	Control   domain.ControlSender
	Readiness domain.Readiness
	Runtime   domain.RuntimeStore

	RetryDelays       []time.Duration
	ResendOffsets     []time.Duration
	MaxAttempts       int
	MaxRequestTargets int
	ResendThrottle    time.Duration
	PackageTTL        time.Duration

	Now     func() time.Time
	Metrics *metrics.Metrics
	Log     slog.Logger
}

// Orchestrator distributes thread keys to every device of both
// participants and keeps track of who confirmed receiving them.
type Orchestrator struct {
	cfg Config
	log slog.Logger

	// throttle holds the last accepted resend request per thread and
	// requester device.
	throttle *xsync.MapOf[string, time.Time]

	// resending holds the threads with scheduled resend passes.
	resending *xsync.MapOf[domain.ThreadID, struct{}]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns an orchestrator. Stop must be called to end scheduled work.
func New(cfg Config) *Orchestrator {
	if cfg.RetryDelays == nil {
		cfg.RetryDelays = DefaultRetryDelays
	}
	if cfg.ResendOffsets == nil {
		cfg.ResendOffsets = DefaultResendOffsets
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.MaxRequestTargets <= 0 {
		cfg.MaxRequestTargets = DefaultMaxRequestTargets
	}
	if cfg.ResendThrottle <= 0 {
		cfg.ResendThrottle = DefaultResendThrottle
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:       cfg,
		log:       log,
		throttle:  xsync.NewMapOf[string, time.Time](),
		resending: xsync.NewMapOf[domain.ThreadID, struct{}](),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Stop cancels scheduled resends and background shares and waits for them.
func (o *Orchestrator) Stop() {
	o.cancel()
	o.wg.Wait()
}

// ShareThreadKey makes sure threadID has a key and sends it to every other
// device of the local user and every active device of peer. The first pass
// runs before returning. Targets without prekeys are retried in the
// background on the remaining RetryDelays; other failures are reported but
// not retried here. Targets that did not confirm receipt get the key again
// on the resend schedule, which starts with the first delivery. Targets
// that already used up MaxAttempts are skipped.
//
// An error is returned only when no target was reached and nothing is left
// to retry. When the background retries reach nobody either, the thread is
// marked failed instead.
func (o *Orchestrator) ShareThreadKey(
	ctx context.Context,
	threadID domain.ThreadID,
	peer domain.UserID,
) (domain.ShareReport, error) {
	report := newReport(threadID)

	self, err := o.cfg.Devices.Current()
	if err != nil {
		o.cfg.Readiness.MarkError(threadID, domain.ReasonBootstrapFailed)
		return report, fmt.Errorf("%w: %w", domain.ErrBootstrapFailed, err)
	}

	targets, err := o.targets(ctx, self.ID, peer)
	if err != nil {
		o.cfg.Readiness.MarkError(threadID, domain.ReasonFor(err))
		return report, err
	}
	report.Targets = targets
	if len(targets) == 0 {
		o.cfg.Readiness.MarkError(threadID, domain.ReasonNoPeerDevices)
		return report, domain.ErrNoPeerDevices
	}

	key, created, err := o.cfg.Keys.Ensure(threadID)
	if err != nil {
		return report, err
	}
	if created {
		o.log.Infof("Sharing new key of thread %s with %d devices", threadID, len(targets))
	}
	payload := payloadOf(key)

	st, err := o.cfg.Runtime.LoadKeyShare(threadID)
	if err != nil {
		o.log.Warnf("Unable to load key share state of thread %s: %v", threadID, err)
	}

	var pending []domain.DeviceID
	for _, dev := range targets {
		if st.HasReceipt(dev) {
			o.log.Debugf("Device %s already holds key of thread %s", dev, threadID)
			continue
		}
		if p, ok := st.Pending[dev]; ok && p.Attempts >= o.cfg.MaxAttempts {
			o.log.Debugf("Device %s used up its attempts for thread %s", dev, threadID)
			continue
		}
		pending = append(pending, dev)
	}
	if len(pending) == 0 {
		return report, nil
	}

	delays := o.cfg.RetryDelays
	if len(delays) == 0 {
		delays = []time.Duration{0}
	}
	if !o.wait(ctx, threadID, len(pending), 0, delays[0]) {
		for _, dev := range pending {
			report.Failed[dev] = ctx.Err()
		}
		return report, shareFailure(report)
	}

	notified := make(map[domain.DeviceID]bool)
	pending = o.sharePass(ctx, self.ID, threadID, payload, pending, &report, notified)
	if len(report.Delivered) > 0 {
		o.scheduleResends(threadID)
	}
	if len(pending) > 0 && len(delays) > 1 {
		o.retryShare(self.ID, threadID, payload, pending, delays[1:], notified, len(report.Delivered) > 0)
		return report, nil
	}
	if len(report.Delivered) == 0 {
		err := shareFailure(report)
		o.cfg.Readiness.MarkError(threadID, domain.ReasonFor(err))
		return report, err
	}
	return report, nil
}

// retryShare runs the remaining passes over devices that had no prekeys in
// the background. The thread is marked failed when no pass, including the
// first one, reached anybody.
func (o *Orchestrator) retryShare(
	self domain.DeviceID,
	threadID domain.ThreadID,
	payload domain.ThreadKeyPayload,
	pending []domain.DeviceID,
	delays []time.Duration,
	notified map[domain.DeviceID]bool,
	delivered bool,
) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		report := newReport(threadID)
		for i, delay := range delays {
			if len(pending) == 0 {
				break
			}
			if !o.wait(o.ctx, threadID, len(pending), i+1, delay) {
				return
			}
			pending = o.sharePass(o.ctx, self, threadID, payload, pending, &report, notified)
			if len(report.Delivered) > 0 {
				delivered = true
				o.scheduleResends(threadID)
			}
		}
		if !delivered {
			err := shareFailure(report)
			o.log.Warnf("Unable to share key of thread %s: %v", threadID, err)
			o.cfg.Readiness.MarkError(threadID, domain.ReasonFor(err))
		}
	}()
}

// wait sleeps for delay unless ctx ends first.
func (o *Orchestrator) wait(ctx context.Context, threadID domain.ThreadID, n, pass int, delay time.Duration) bool {
	if delay <= 0 {
		return ctx.Err() == nil
	}
	o.log.Debugf("Retrying %d devices of thread %s in %s (pass %d)", n, threadID, delay, pass+1)
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

func newReport(threadID domain.ThreadID) domain.ShareReport {
	return domain.ShareReport{
		ThreadID:  threadID,
		Delivered: make(map[domain.DeviceID]domain.MsgID),
		Failed:    make(map[domain.DeviceID]error),
	}
}

// sharePass sends the key once to each of devs and returns the devices that
// should be retried because they had no prekeys left.
func (o *Orchestrator) sharePass(
	ctx context.Context,
	self domain.DeviceID,
	threadID domain.ThreadID,
	payload domain.ThreadKeyPayload,
	devs []domain.DeviceID,
	report *domain.ShareReport,
	notified map[domain.DeviceID]bool,
) []domain.DeviceID {
	var retry []domain.DeviceID
	envs := make([]domain.Envelope, 0, len(devs))
	for _, dev := range devs {
		env, err := o.build(ctx, dev, domain.PackageThreadKey, payload, threadID)
		if err == nil {
			envs = append(envs, env)
			continue
		}
		report.Failed[dev] = err
		if !errors.Is(err, domain.ErrNoPrekeysAvailable) {
			o.log.Warnf("Unable to build key package of thread %s for %s: %v", threadID, dev, err)
			continue
		}
		retry = append(retry, dev)
		if notified != nil && !notified[dev] {
			notified[dev] = true
			o.sendPrekeysNeeded(ctx, self, threadID, dev)
		}
	}
	if len(envs) == 0 {
		return retry
	}

	if err := o.send(ctx, envs); err != nil {
		o.log.Warnf("Unable to send %d key packages of thread %s: %v", len(envs), threadID, err)
		for _, env := range envs {
			report.Failed[env.ToDeviceID] = err
		}
		return retry
	}
	for _, env := range envs {
		report.Delivered[env.ToDeviceID] = env.MsgID
		delete(report.Failed, env.ToDeviceID)
	}
	o.recordSent(threadID, envs)
	return retry
}

func shareFailure(report domain.ShareReport) error {
	devs := make([]domain.DeviceID, 0, len(report.Failed))
	for dev := range report.Failed {
		devs = append(devs, dev)
	}
	sort.Slice(devs, func(i, j int) bool { return devs[i] < devs[j] })

	allNoPrekeys := len(devs) > 0
	var first error
	for _, dev := range devs {
		err := report.Failed[dev]
		if first == nil {
			first = err
		}
		if !errors.Is(err, domain.ErrNoPrekeysAvailable) {
			allNoPrekeys = false
		}
	}
	switch {
	case allNoPrekeys:
		return fmt.Errorf("share thread %s: %w", report.ThreadID, domain.ErrNoPrekeysAvailable)
	case first != nil:
		return fmt.Errorf("share thread %s: no device reached: %w", report.ThreadID, first)
	}
	return fmt.Errorf("share thread %s: no device reached", report.ThreadID)
}

// targets returns the other devices of the local user and the active
// devices of peer, without the local device.
func (o *Orchestrator) targets(ctx context.Context, self domain.DeviceID, peer domain.UserID) ([]domain.DeviceID, error) {
	seen := map[domain.DeviceID]bool{self: true}
	var out []domain.DeviceID

	own, err := o.cfg.Server.ListDevices(ctx)
	if err != nil {
		o.log.Warnf("Unable to list own devices: %v", err)
	}
	for _, d := range own {
		if d.Active() && !seen[d.ID] {
			seen[d.ID] = true
			out = append(out, d.ID)
		}
	}

	if peer != "" {
		bundles, err := o.cfg.Server.ListUserDevices(ctx, peer)
		if err != nil {
			return nil, fmt.Errorf("list devices of %s: %w", peer, err)
		}
		for _, b := range bundles {
			if !seen[b.DeviceID] {
				seen[b.DeviceID] = true
				out = append(out, b.DeviceID)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (o *Orchestrator) build(
	ctx context.Context,
	to domain.DeviceID,
	kind domain.PackageKind,
	payload any,
	threadID domain.ThreadID,
) (domain.Envelope, error) {
	return o.cfg.Packager.Build(ctx, domain.BuildRequest{
		To:       to,
		Kind:     kind,
		Payload:  payload,
		TTL:      o.cfg.PackageTTL,
		ThreadID: threadID,
	})
}

func (o *Orchestrator) send(ctx context.Context, envs []domain.Envelope) error {
	if _, err := o.cfg.Server.SendEnvelopes(ctx, envs); err != nil {
		return err
	}
	o.cfg.Metrics.EnvelopesSent(string(domain.KindKeyPackage), len(envs))
	return nil
}

// recordSent marks the targets of envs as waiting for a receipt.
func (o *Orchestrator) recordSent(threadID domain.ThreadID, envs []domain.Envelope) {
	now := o.cfg.Now()
	added := 0
	_, err := o.cfg.Runtime.UpdateKeyShare(threadID, func(st *domain.KeyShareState) {
		for _, env := range envs {
			p, ok := st.Pending[env.ToDeviceID]
			if !ok {
				added++
			}
			p.Attempts++
			p.LastSentAt = now
			p.LastMsgID = env.MsgID
			st.Pending[env.ToDeviceID] = p
		}
	})
	if err != nil {
		o.log.Errorf("Unable to record key share of thread %s: %v", threadID, err)
		return
	}
	o.cfg.Metrics.AddPendingAcks(added)
}

func (o *Orchestrator) sendPrekeysNeeded(ctx context.Context, self domain.DeviceID, threadID domain.ThreadID, to domain.DeviceID) {
	_, err := o.cfg.Control.Send(ctx, to, domain.ControlHeader{
		Type:         domain.ControlPrekeysNeeded,
		ThreadID:     threadID,
		FromDeviceID: self,
		ReasonCode:   domain.ReasonNoPrekeysAvailable,
	})
	if err != nil {
		o.log.Warnf("Unable to tell %s it has no prekeys: %v", to, err)
	}
}

func payloadOf(k domain.ThreadKey) domain.ThreadKeyPayload {
	return domain.ThreadKeyPayload{
		ThreadID:  k.ThreadID,
		Key:       k.Key.Encode(),
		CreatedAt: k.CreatedAt,
		Version:   k.Version,
	}
}

var _ domain.KeyShare = (*Orchestrator)(nil)
