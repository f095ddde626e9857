package interfaces

import (
	"context"
	"encoding/json"

	domaintypes "threadkx/internal/domain/types"
)

// DeviceService bootstraps and exposes the local device identity.
type DeviceService interface {
	Bootstrap(ctx context.Context) (domaintypes.Device, error)
	Current() (domaintypes.Device, error)
	Fingerprint() (domaintypes.Fingerprint, error)
}

// PrekeyPool manages this device's one-time prekeys.
type PrekeyPool interface {
	Generate(n int) ([]domaintypes.OnePrekeyPublic, error)
	MaybeReplenish(ctx context.Context) error
	ForcePublish(ctx context.Context, reason string, force bool) (int, error)
	Wipe() error
}

// PrekeyClaimer claims one prekey from a remote device.
type PrekeyClaimer interface {
	Claim(ctx context.Context, deviceID domaintypes.DeviceID) (domaintypes.ClaimedPrekey, error)
}

// KeyPackager seals and opens key packages.
type KeyPackager interface {
	Build(ctx context.Context, req domaintypes.BuildRequest) (domaintypes.Envelope, error)
	Open(item domaintypes.InboxItem) (domaintypes.OpenedPackage, error)
}

// ThreadKeys is the thread key store as seen by the protocol services.
type ThreadKeys interface {
	Get(id domaintypes.ThreadID) (domaintypes.ThreadKey, bool, error)
	Has(id domaintypes.ThreadID) bool
	Ensure(id domaintypes.ThreadID) (domaintypes.ThreadKey, bool, error)
	Set(id domaintypes.ThreadID, encoded string, createdAt int64, version int) error
	Import(payload json.RawMessage) (int, error)
	Export() (domaintypes.DeviceLinkPayload, error)
	Wipe(id domaintypes.ThreadID) error
}

// ControlSender submits control envelopes.
type ControlSender interface {
	Send(
		ctx context.Context,
		to domaintypes.DeviceID,
		header domaintypes.ControlHeader,
	) (domaintypes.MsgID, error)
}

// Readiness records the signals the thread state machine derives from.
// Persistence failures are logged by the implementation.
type Readiness interface {
	View(id domaintypes.ThreadID) domaintypes.ThreadView
	MarkOpened(id domaintypes.ThreadID)
	MarkBootstrap(id domaintypes.ThreadID, status domaintypes.BootstrapStatus)
	MarkKeyPackageSeen(id domaintypes.ThreadID)
	MarkError(id domaintypes.ThreadID, reason domaintypes.ReasonCode)
	ClearError(id domaintypes.ThreadID)
	MarkKeyImported(id domaintypes.ThreadID)
	MarkReceipt(id domaintypes.ThreadID)
	WaitingThreads() []domaintypes.ThreadID
}

// KeyShare distributes thread keys to devices.
type KeyShare interface {
	ShareThreadKey(
		ctx context.Context,
		threadID domaintypes.ThreadID,
		peer domaintypes.UserID,
	) (domaintypes.ShareReport, error)
	RequestResend(ctx context.Context, threadID domaintypes.ThreadID, peer domaintypes.UserID) error
	AnswerKeyRequest(ctx context.Context, header domaintypes.ControlHeader) error
	HandleResendRequest(
		ctx context.Context,
		header domaintypes.ControlHeader,
		from domaintypes.UserID,
	) error
	MarkReceipt(threadID domaintypes.ThreadID, from domaintypes.DeviceID)
}

// MessageDecrypter turns an inbound thread message into its displayable form.
type MessageDecrypter interface {
	Decrypt(item domaintypes.InboxItem) domaintypes.DecryptedMessage
}
