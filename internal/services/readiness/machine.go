package readiness

import (
	"sort"
	"sync"
	"time"

	"github.com/decred/slog"

	"threadkx/internal/domain"
	"threadkx/internal/services/threadkey"
)

// DefaultWaitTimeout is how long a thread may wait for its key before it is
// reported as an error. It only drives what the user sees.
const DefaultWaitTimeout = 120 * time.Second

// KeyPresence reports whether a thread has a key.
type KeyPresence interface {
	Has(id domain.ThreadID) bool
}

// Config configures a Machine.
type Config struct {
	Runtime     domain.RuntimeStore
	Keys        KeyPresence
	WaitTimeout time.Duration
	Now         func() time.Time
	Log         slog.Logger
}

// Machine derives the readiness of threads from persisted runtime records
// and key presence. Views are computed on demand; subscribers are told
// about every change.
type Machine struct {
	cfg Config
	log slog.Logger

	subsMu  sync.Mutex
	subs    map[int]func(domain.ThreadView)
	nextSub int
}

// New returns a readiness state machine.
func New(cfg Config) *Machine {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Log
	if log == nil {
		log = slog.Disabled
	}
	return &Machine{cfg: cfg, log: log, subs: make(map[int]func(domain.ThreadView))}
}

// Subscribe registers fn to receive the new view of a thread after every
// change. The returned func unsubscribes.
func (m *Machine) Subscribe(fn func(domain.ThreadView)) func() {
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subsMu.Unlock()
	return func() {
		m.subsMu.Lock()
		delete(m.subs, id)
		m.subsMu.Unlock()
	}
}

func (m *Machine) notify(id domain.ThreadID) {
	m.subsMu.Lock()
	fns := make([]func(domain.ThreadView), 0, len(m.subs))
	for _, fn := range m.subs {
		fns = append(fns, fn)
	}
	m.subsMu.Unlock()
	if len(fns) == 0 {
		return
	}
	v := m.View(id)
	for _, fn := range fns {
		fn(v)
	}
}

// View returns the current readiness of id.
func (m *Machine) View(id domain.ThreadID) domain.ThreadView {
	v := domain.ThreadView{ThreadID: id, State: domain.StateNoKey}
	if m.cfg.Keys.Has(id) {
		v.State = domain.StateReady
		return v
	}
	rt, ok, err := m.cfg.Runtime.LoadThreadRuntime(id)
	if err != nil {
		m.log.Errorf("Unable to load runtime of thread %s: %v", id, err)
		return v
	}
	if !ok {
		return v
	}
	v.WaitingSince = rt.WaitingSince
	v.State, v.Reason = derive(rt, m.cfg.Now(), m.cfg.WaitTimeout)
	return v
}

// derive is the state function for a thread without a key.
func derive(rt domain.ThreadRuntime, now time.Time, timeout time.Duration) (domain.ThreadState, domain.ReasonCode) {
	switch {
	case rt.Bootstrap == domain.BootstrapFailed:
		return domain.StateError, domain.ReasonBootstrapFailed
	case rt.Bootstrap == domain.BootstrapPending:
		return domain.StateBootstrappingDevice, ""
	case rt.ReasonCode != "":
		return domain.StateError, rt.ReasonCode
	case rt.WaitingSince.IsZero() && rt.LastKeyPackageAt.IsZero():
		return domain.StateNoKey, ""
	case !rt.WaitingSince.IsZero() && now.Sub(rt.WaitingSince) > timeout:
		if rt.LastKeyPackageAt.IsZero() {
			return domain.StateError, domain.ReasonNoKeyPackage
		}
		return domain.StateError, domain.ReasonTimeoutWaitingKey
	}
	return domain.StateWaitingKeyPackage, ""
}

func (m *Machine) update(id domain.ThreadID, fn func(rt *domain.ThreadRuntime) bool) {
	changed := false
	_, err := m.cfg.Runtime.UpdateThreadRuntime(id, func(rt *domain.ThreadRuntime) bool {
		changed = fn(rt)
		return changed
	})
	if err != nil {
		m.log.Errorf("Unable to update runtime of thread %s: %v", id, err)
		return
	}
	if changed {
		m.notify(id)
	}
}

// MarkOpened stamps the start of the wait for a key unless already set.
func (m *Machine) MarkOpened(id domain.ThreadID) {
	now := m.cfg.Now()
	m.update(id, func(rt *domain.ThreadRuntime) bool {
		if !rt.WaitingSince.IsZero() {
			return false
		}
		rt.WaitingSince = now
		return true
	})
}

func (m *Machine) MarkBootstrap(id domain.ThreadID, status domain.BootstrapStatus) {
	m.update(id, func(rt *domain.ThreadRuntime) bool {
		if rt.Bootstrap == status {
			return false
		}
		rt.Bootstrap = status
		return true
	})
}

// MarkKeyPackageSeen records that a key package for id reached the inbox.
// Only threads that are waiting for a key take note.
func (m *Machine) MarkKeyPackageSeen(id domain.ThreadID) {
	if m.cfg.Keys.Has(id) {
		return
	}
	now := m.cfg.Now()
	m.update(id, func(rt *domain.ThreadRuntime) bool {
		if rt.WaitingSince.IsZero() {
			return false
		}
		rt.LastKeyPackageAt = now
		return true
	})
}

// MarkError records reason for id. Signals for threads that already have
// a key are ignored, so READY never regresses.
func (m *Machine) MarkError(id domain.ThreadID, reason domain.ReasonCode) {
	if reason == "" {
		return
	}
	if m.cfg.Keys.Has(id) {
		m.log.Debugf("Ignoring %s for ready thread %s", reason, id)
		return
	}
	m.log.Debugf("Thread %s: %s", id, reason)
	m.update(id, func(rt *domain.ThreadRuntime) bool {
		if rt.ReasonCode == reason {
			return false
		}
		rt.ReasonCode = reason
		return true
	})
}

// ClearError drops the recorded reason and restarts the wait window of a
// thread that was waiting.
func (m *Machine) ClearError(id domain.ThreadID) {
	now := m.cfg.Now()
	m.update(id, func(rt *domain.ThreadRuntime) bool {
		changed := rt.ReasonCode != ""
		rt.ReasonCode = ""
		if !rt.WaitingSince.IsZero() {
			rt.WaitingSince = now
			rt.LastKeyPackageAt = time.Time{}
			changed = true
		}
		return changed
	})
}

// MarkKeyImported clears the reason and the wait timer of id.
func (m *Machine) MarkKeyImported(id domain.ThreadID) {
	m.clearWait(id)
	m.notify(id)
}

// MarkReceipt clears the reason and the wait timer of id after a peer
// device confirmed it holds the key.
func (m *Machine) MarkReceipt(id domain.ThreadID) {
	m.clearWait(id)
}

func (m *Machine) clearWait(id domain.ThreadID) {
	_, err := m.cfg.Runtime.UpdateThreadRuntime(id, func(rt *domain.ThreadRuntime) bool {
		if rt.ReasonCode == "" && rt.WaitingSince.IsZero() {
			return false
		}
		rt.ReasonCode = ""
		rt.WaitingSince = time.Time{}
		return true
	})
	if err != nil {
		m.log.Errorf("Unable to update runtime of thread %s: %v", id, err)
	}
}

// HandleKeyEvent keeps views in step with the thread key store.
func (m *Machine) HandleKeyEvent(ev threadkey.Event) {
	switch ev.Kind {
	case threadkey.EventSet:
		m.MarkKeyImported(ev.ThreadID)
	case threadkey.EventWiped:
		m.notify(ev.ThreadID)
	}
}

// WaitingThreads returns the threads that are waiting for a key, ordered by
// id.
func (m *Machine) WaitingThreads() []domain.ThreadID {
	all, err := m.cfg.Runtime.ListThreadRuntimes()
	if err != nil {
		m.log.Errorf("Unable to list thread runtimes: %v", err)
		return nil
	}
	var out []domain.ThreadID
	for id, rt := range all {
		if rt.WaitingSince.IsZero() || m.cfg.Keys.Has(id) {
			continue
		}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var _ domain.Readiness = (*Machine)(nil)
