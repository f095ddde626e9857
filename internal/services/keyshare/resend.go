package keyshare

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"threadkx/internal/domain"
)

// scheduleResends starts the resend passes of threadID unless they are
// already scheduled.
func (o *Orchestrator) scheduleResends(threadID domain.ThreadID) {
	if len(o.cfg.ResendOffsets) == 0 {
		return
	}
	if _, loaded := o.resending.LoadOrStore(threadID, struct{}{}); loaded {
		return
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.resending.Delete(threadID)
		var waited time.Duration
		for _, off := range o.cfg.ResendOffsets {
			select {
			case <-o.ctx.Done():
				return
			case <-time.After(off - waited):
			}
			waited = off
			if !o.resendPass(o.ctx, threadID) {
				return
			}
		}
		o.log.Tracef("Resend passes of thread %s done", threadID)
	}()
}

// resendPass sends the key again to targets of threadID that have not sent
// a receipt and are below the attempt cap. It reports whether anything is
// still outstanding.
func (o *Orchestrator) resendPass(ctx context.Context, threadID domain.ThreadID) bool {
	key, ok, err := o.cfg.Keys.Get(threadID)
	if err != nil || !ok {
		return false
	}
	self, err := o.cfg.Devices.Current()
	if err != nil {
		return false
	}
	st, err := o.cfg.Runtime.LoadKeyShare(threadID)
	if err != nil {
		o.log.Warnf("Unable to load key share state of thread %s: %v", threadID, err)
		return false
	}

	var targets []domain.DeviceID
	for dev, p := range st.Pending {
		if st.HasReceipt(dev) || p.Attempts >= o.cfg.MaxAttempts {
			continue
		}
		targets = append(targets, dev)
	}
	if len(targets) == 0 {
		return false
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })

	o.log.Debugf("Resending key of thread %s to %d devices", threadID, len(targets))
	report := newReport(threadID)
	report.Targets = targets
	o.sharePass(ctx, self.ID, threadID, payloadOf(key), targets, &report, nil)
	return true
}

// PendingTargets returns the devices that were sent the key of threadID
// and have not confirmed it yet.
func (o *Orchestrator) PendingTargets(threadID domain.ThreadID) ([]domain.DeviceID, error) {
	st, err := o.cfg.Runtime.LoadKeyShare(threadID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.DeviceID, 0, len(st.Pending))
	for dev := range st.Pending {
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// MarkReceipt records that from holds the key of threadID, which stops
// further resends to it.
func (o *Orchestrator) MarkReceipt(threadID domain.ThreadID, from domain.DeviceID) {
	now := o.cfg.Now()
	removed := 0
	_, err := o.cfg.Runtime.UpdateKeyShare(threadID, func(st *domain.KeyShareState) {
		if _, ok := st.Pending[from]; ok {
			delete(st.Pending, from)
			removed++
		}
		st.Receipts[from] = now
	})
	if err != nil {
		o.log.Errorf("Unable to record receipt of thread %s from %s: %v", threadID, from, err)
		return
	}
	o.cfg.Metrics.AddPendingAcks(-removed)
	o.log.Debugf("Device %s confirmed key of thread %s", from, threadID)
	o.cfg.Readiness.MarkReceipt(threadID)
}

// RequestResend asks up to MaxRequestTargets devices of peer to send the
// key of threadID to the local device.
func (o *Orchestrator) RequestResend(ctx context.Context, threadID domain.ThreadID, peer domain.UserID) error {
	self, err := o.cfg.Devices.Current()
	if err != nil {
		return fmt.Errorf("%w: %w", domain.ErrBootstrapFailed, err)
	}
	bundles, err := o.cfg.Server.ListUserDevices(ctx, peer)
	if err != nil {
		return fmt.Errorf("list devices of %s: %w", peer, err)
	}
	var targets []domain.DeviceID
	for _, b := range bundles {
		if b.DeviceID != self.ID {
			targets = append(targets, b.DeviceID)
		}
	}
	if len(targets) == 0 {
		return domain.ErrNoPeerDevices
	}
	if len(targets) > o.cfg.MaxRequestTargets {
		targets = targets[:o.cfg.MaxRequestTargets]
	}

	var errs []error
	for _, dev := range targets {
		_, err := o.cfg.Control.Send(ctx, dev, domain.ControlHeader{
			Type:              domain.ControlKeyRequest,
			ThreadID:          threadID,
			RequesterDeviceID: self.ID,
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(targets) {
		return errors.Join(errs...)
	}
	return nil
}

// AnswerKeyRequest sends a fresh key package of the requested thread to the
// requesting device when the key is held locally.
func (o *Orchestrator) AnswerKeyRequest(ctx context.Context, h domain.ControlHeader) error {
	key, ok, err := o.cfg.Keys.Get(h.ThreadID)
	if err != nil || !ok {
		return err
	}
	self, err := o.cfg.Devices.Current()
	if err != nil {
		return err
	}
	if h.RequesterDeviceID == "" || h.RequesterDeviceID == self.ID {
		return nil
	}

	env, err := o.build(ctx, h.RequesterDeviceID, domain.PackageThreadKey, payloadOf(key), h.ThreadID)
	if err != nil {
		if errors.Is(err, domain.ErrNoPrekeysAvailable) {
			o.sendPrekeysNeeded(ctx, self.ID, h.ThreadID, h.RequesterDeviceID)
		}
		return err
	}
	if err := o.send(ctx, []domain.Envelope{env}); err != nil {
		return err
	}
	o.recordSent(h.ThreadID, []domain.Envelope{env})
	o.log.Debugf("Answered key request of %s for thread %s", h.RequesterDeviceID, h.ThreadID)
	return nil
}

// HandleResendRequest re-runs the share flow of the requested thread
// towards the requesting user in the background, at most once per
// ResendThrottle for each thread and requester device.
func (o *Orchestrator) HandleResendRequest(ctx context.Context, h domain.ControlHeader, from domain.UserID) error {
	if !o.cfg.Keys.Has(h.ThreadID) {
		return nil
	}
	now := o.cfg.Now()
	throttleKey := string(h.ThreadID) + "|" + string(h.RequesterDeviceID)
	var throttled bool
	o.throttle.Compute(throttleKey, func(last time.Time, loaded bool) (time.Time, bool) {
		if loaded && now.Sub(last) < o.cfg.ResendThrottle {
			throttled = true
			return last, false
		}
		return now, false
	})
	if throttled {
		o.log.Debugf("Throttled resend request of %s for thread %s", h.RequesterDeviceID, h.ThreadID)
		return nil
	}

	// The requester lost or never got the key. Neither a stale receipt nor
	// used up attempts may exclude it.
	_, err := o.cfg.Runtime.UpdateKeyShare(h.ThreadID, func(st *domain.KeyShareState) {
		delete(st.Receipts, h.RequesterDeviceID)
		if p, ok := st.Pending[h.RequesterDeviceID]; ok {
			p.Attempts = 0
			st.Pending[h.RequesterDeviceID] = p
		}
	})
	if err != nil {
		return err
	}

	if from == "" {
		return o.AnswerKeyRequest(ctx, h)
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.ShareThreadKey(o.ctx, h.ThreadID, from); err != nil {
			o.log.Warnf("Resend of thread %s to %s failed: %v", h.ThreadID, from, err)
		}
	}()
	return nil
}

// LinkDevice sends every local thread key to another device of the local
// user as one device link package.
func (o *Orchestrator) LinkDevice(ctx context.Context, to domain.DeviceID) (domain.MsgID, error) {
	payload, err := o.cfg.Keys.Export()
	if err != nil {
		return "", err
	}
	env, err := o.build(ctx, to, domain.PackageDeviceLinkKeys, payload, "")
	if err != nil {
		return "", err
	}
	if err := o.send(ctx, []domain.Envelope{env}); err != nil {
		return "", err
	}
	o.log.Infof("Sent %d thread keys to device %s", len(payload.Keys), to)
	return env.MsgID, nil
}
