package domain

import (
	interfaces "threadkx/internal/domain/interfaces"
	types "threadkx/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	UserID                = types.UserID
	DeviceID              = types.DeviceID
	ThreadID              = types.ThreadID
	PrekeyID              = types.PrekeyID
	MsgID                 = types.MsgID
	Fingerprint           = types.Fingerprint
	ContentType           = types.ContentType
	X25519Public          = types.X25519Public
	X25519Private         = types.X25519Private
	SymmetricKey          = types.SymmetricKey
	Device                = types.Device
	DeviceInfo            = types.DeviceInfo
	DeviceBundle          = types.DeviceBundle
	RegisterDeviceRequest = types.RegisterDeviceRequest
	OnePrekeyPair         = types.OnePrekeyPair
	OnePrekeyPublic       = types.OnePrekeyPublic
	ClaimedPrekey         = types.ClaimedPrekey
	Envelope              = types.Envelope
	SendResult            = types.SendResult
	InboxItem             = types.InboxItem
	HistoryPage           = types.HistoryPage
	ThreadMessagePush     = types.ThreadMessagePush
	MessageHeader         = types.MessageHeader
	DecryptedMessage      = types.DecryptedMessage
	HeaderKind            = types.HeaderKind
	PackageKind           = types.PackageKind
	KeyPackageHeader      = types.KeyPackageHeader
	ControlType           = types.ControlType
	ControlHeader         = types.ControlHeader
	ThreadKey             = types.ThreadKey
	ThreadKeyPayload      = types.ThreadKeyPayload
	DeviceLinkPayload     = types.DeviceLinkPayload
	BuildRequest          = types.BuildRequest
	OpenedPackage         = types.OpenedPackage
	ShareReport           = types.ShareReport
	ThreadState           = types.ThreadState
	ReasonCode            = types.ReasonCode
	BootstrapStatus       = types.BootstrapStatus
	ThreadRuntime         = types.ThreadRuntime
	ThreadView            = types.ThreadView
	KeySharePending       = types.KeySharePending
	KeyShareState         = types.KeyShareState
	AttemptRecord         = types.AttemptRecord
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	IdentityStore    = interfaces.IdentityStore
	PrekeyStore      = interfaces.PrekeyStore
	ThreadKeyStore   = interfaces.ThreadKeyStore
	RuntimeStore     = interfaces.RuntimeStore
	ServerClient     = interfaces.ServerClient
	DeviceService    = interfaces.DeviceService
	PrekeyPool       = interfaces.PrekeyPool
	PrekeyClaimer    = interfaces.PrekeyClaimer
	KeyPackager      = interfaces.KeyPackager
	ThreadKeys       = interfaces.ThreadKeys
	ControlSender    = interfaces.ControlSender
	Readiness        = interfaces.Readiness
	KeyShare         = interfaces.KeyShare
	MessageDecrypter = interfaces.MessageDecrypter
)

// Constants and helpers re-exported from the types subpackage.
const (
	SchemaVersion = types.SchemaVersion
	KeyPackageAlg = types.KeyPackageAlg

	ContentRef  = types.ContentRef
	ContentText = types.ContentText

	KindKeyPackage = types.KindKeyPackage
	KindControl    = types.KindControl
	KindMessage    = types.KindMessage

	PackageThreadKey      = types.PackageThreadKey
	PackageDeviceLinkKeys = types.PackageDeviceLinkKeys

	ControlKeyReceipt       = types.ControlKeyReceipt
	ControlKeyRequest       = types.ControlKeyRequest
	ControlKeyResendRequest = types.ControlKeyResendRequest
	ControlPrekeysNeeded    = types.ControlPrekeysNeeded

	StateNoKey               = types.StateNoKey
	StateBootstrappingDevice = types.StateBootstrappingDevice
	StateWaitingKeyPackage   = types.StateWaitingKeyPackage
	StateReady               = types.StateReady
	StateError               = types.StateError

	ReasonBootstrapFailed    = types.ReasonBootstrapFailed
	ReasonNoPeerDevices      = types.ReasonNoPeerDevices
	ReasonNoPrekeysAvailable = types.ReasonNoPrekeysAvailable
	ReasonOpkSecretMissing   = types.ReasonOpkSecretMissing
	ReasonDecryptFailed      = types.ReasonDecryptFailed
	ReasonImportFailed       = types.ReasonImportFailed
	ReasonNetworkError       = types.ReasonNetworkError
	ReasonServerRejected     = types.ReasonServerRejected
	ReasonPoisonedKeyPackage = types.ReasonPoisonedKeyPackage
	ReasonTimeoutWaitingKey  = types.ReasonTimeoutWaitingKey
	ReasonNoKeyPackage       = types.ReasonNoKeyPackage

	BootstrapUnknown = types.BootstrapUnknown
	BootstrapPending = types.BootstrapPending
	BootstrapReady   = types.BootstrapReady
	BootstrapFailed  = types.BootstrapFailed
)

var (
	HeaderKindOf      = types.HeaderKindOf
	ParseSymmetricKey = types.ParseSymmetricKey
	ErrKeyLength      = types.ErrKeyLength
)
