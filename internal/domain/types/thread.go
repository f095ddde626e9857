package types

import "time"

// ThreadState is the readiness of a secret thread as observed by the UI.
type ThreadState string

const (
	StateNoKey               ThreadState = "NO_KEY"
	StateBootstrappingDevice ThreadState = "BOOTSTRAPPING_DEVICE"
	StateWaitingKeyPackage   ThreadState = "WAITING_KEY_PACKAGE"
	StateReady               ThreadState = "READY"
	StateError               ThreadState = "ERROR"
)

// ReasonCode explains an ERROR state. It is meant to be actionable.
type ReasonCode string

const (
	ReasonBootstrapFailed    ReasonCode = "BOOTSTRAP_FAILED"
	ReasonNoPeerDevices      ReasonCode = "NO_PEER_DEVICES"
	ReasonNoPrekeysAvailable ReasonCode = "NO_PREKEYS_AVAILABLE"
	ReasonOpkSecretMissing   ReasonCode = "OPK_SECRET_MISSING"
	ReasonDecryptFailed      ReasonCode = "DECRYPT_FAILED"
	ReasonImportFailed       ReasonCode = "IMPORT_FAILED"
	ReasonNetworkError       ReasonCode = "NETWORK_ERROR"
	ReasonServerRejected     ReasonCode = "SERVER_REJECTED"
	ReasonPoisonedKeyPackage ReasonCode = "POISONED_KEY_PACKAGE"
	ReasonTimeoutWaitingKey  ReasonCode = "TIMEOUT_WAITING_KEY"
	ReasonNoKeyPackage       ReasonCode = "NO_KEYPACKAGE"
)

// BootstrapStatus records how device bootstrap went for a thread.
type BootstrapStatus string

const (
	BootstrapUnknown BootstrapStatus = ""
	BootstrapPending BootstrapStatus = "pending"
	BootstrapReady   BootstrapStatus = "ready"
	BootstrapFailed  BootstrapStatus = "failed"
)

// ThreadRuntime is the persisted per-thread record the readiness state
// machine is derived from.
type ThreadRuntime struct {
	WaitingSince     time.Time       `json:"waitingSince"`
	LastKeyPackageAt time.Time       `json:"lastKeyPackageAt"`
	Bootstrap        BootstrapStatus `json:"bootstrap,omitempty"`
	ReasonCode       ReasonCode      `json:"reasonCode,omitempty"`
	UpdatedAt        time.Time       `json:"updatedAt"`
}

// ThreadView is the derived readiness of one thread.
type ThreadView struct {
	ThreadID     ThreadID    `json:"threadId"`
	State        ThreadState `json:"state"`
	Reason       ReasonCode  `json:"reasonCode,omitempty"`
	WaitingSince time.Time   `json:"waitingSince"`
}

// KeySharePending tracks thread key deliveries that have not produced a
// receipt yet.
type KeySharePending struct {
	LastSentAt time.Time `json:"lastSentAt"`
	Attempts   int       `json:"attempts"`
	LastMsgID  MsgID     `json:"lastMsgId,omitempty"`
}

// KeyShareState is the creator-side delivery bookkeeping of one thread.
type KeyShareState struct {
	Receipts map[DeviceID]time.Time       `json:"receipts"`
	Pending  map[DeviceID]KeySharePending `json:"pending"`
}

// Prune drops receipts and pending entries older than maxAge.
func (s *KeyShareState) Prune(now time.Time, maxAge time.Duration) {
	for dev, at := range s.Receipts {
		if now.Sub(at) > maxAge {
			delete(s.Receipts, dev)
		}
	}
	for dev, p := range s.Pending {
		if p.LastSentAt.IsZero() || now.Sub(p.LastSentAt) > maxAge {
			delete(s.Pending, dev)
		}
	}
}

// HasReceipt reports whether dev acknowledged the thread key.
func (s *KeyShareState) HasReceipt(dev DeviceID) bool {
	_, ok := s.Receipts[dev]
	return ok
}

// AttemptRecord counts failed processing attempts of one inbound key
// package.
type AttemptRecord struct {
	Count     int
	FirstAt   time.Time
	LastAt    time.Time
	RootCause ReasonCode
	PrekeyID  PrekeyID
}
