package interfaces

import (
	"context"

	domaintypes "threadkx/internal/domain/types"
)

// ServerClient is the collaborator HTTP surface the engine consumes.
type ServerClient interface {
	// SetDeviceID selects the device the following calls act as.
	SetDeviceID(id domaintypes.DeviceID)

	RegisterDevice(ctx context.Context, req domaintypes.RegisterDeviceRequest) error
	ListDevices(ctx context.Context) ([]domaintypes.DeviceInfo, error)
	PublishPrekeys(
		ctx context.Context,
		deviceID domaintypes.DeviceID,
		prekeys []domaintypes.OnePrekeyPublic,
	) error
	ClaimPrekey(ctx context.Context, deviceID domaintypes.DeviceID) (domaintypes.ClaimedPrekey, error)
	ListUserDevices(ctx context.Context, userID domaintypes.UserID) ([]domaintypes.DeviceBundle, error)

	SendEnvelopes(ctx context.Context, envs []domaintypes.Envelope) ([]domaintypes.SendResult, error)
	PullInbox(ctx context.Context, limit int) ([]domaintypes.InboxItem, error)
	AckInbox(ctx context.Context, ids []domaintypes.MsgID) (int, error)

	History(
		ctx context.Context,
		threadID domaintypes.ThreadID,
		cursor string,
		limit int,
	) (domaintypes.HistoryPage, error)
	PushThreadMessage(ctx context.Context, msg domaintypes.ThreadMessagePush) error
}
