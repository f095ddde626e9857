package types

import "encoding/json"

// HeaderKind classifies an inbox item by its clear header.
type HeaderKind string

const (
	KindKeyPackage HeaderKind = "key_package"
	KindControl    HeaderKind = "control"
	KindMessage    HeaderKind = "msg"
)

// HeaderKindOf peeks at the kind field of a raw header. Unparseable headers
// yield the empty kind.
func HeaderKindOf(raw json.RawMessage) HeaderKind {
	var probe struct {
		Kind HeaderKind `json:"kind"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &probe) != nil {
		return ""
	}
	return probe.Kind
}

// PackageKind is what a key package carries.
type PackageKind string

const (
	PackageThreadKey      PackageKind = "thread_key"
	PackageDeviceLinkKeys PackageKind = "device_link_keys"
)

// KeyPackageAlg names the handshake and AEAD construction of a key package.
const KeyPackageAlg = "xsalsa20_poly1305+hkdf_sha256"

// KeyPackageHeader is carried in the clear next to a key package
// ciphertext. None of its fields reveal the payload without the recipient's
// prekey secret.
type KeyPackageHeader struct {
	Kind                 HeaderKind   `json:"kind"`
	V                    int          `json:"v"`
	PackageKind          PackageKind  `json:"packageKind"`
	RecipientDeviceID    DeviceID     `json:"recipientDeviceId"`
	InitiatorDeviceID    DeviceID     `json:"initiatorDeviceId"`
	InitiatorIdentityKey X25519Public `json:"initiatorIdentityKey"`
	PrekeyID             PrekeyID     `json:"prekeyId"`
	HandshakeSalt        []byte       `json:"handshakeSalt"`
	HKDFInfo             string       `json:"hkdfInfo"`
	Nonce                []byte       `json:"nonce"`
	Alg                  string       `json:"alg"`

	// ThreadID is an optional hint naming the thread a thread_key package
	// belongs to.
	ThreadID ThreadID `json:"threadId,omitempty"`
}

// ControlType is the signal carried by a control envelope.
type ControlType string

const (
	ControlKeyReceipt       ControlType = "key_receipt"
	ControlKeyRequest       ControlType = "key_request"
	ControlKeyResendRequest ControlType = "key_resend_request"
	ControlPrekeysNeeded    ControlType = "prekeys_needed"
)

// Valid reports whether t is a known control type.
func (t ControlType) Valid() bool {
	switch t {
	case ControlKeyReceipt, ControlKeyRequest, ControlKeyResendRequest, ControlPrekeysNeeded:
		return true
	}
	return false
}

// ControlHeader is the whole content of a control envelope; its ciphertext
// is a fixed placeholder.
type ControlHeader struct {
	Kind              HeaderKind  `json:"kind"`
	V                 int         `json:"v"`
	Type              ControlType `json:"type"`
	ThreadID          ThreadID    `json:"threadId"`
	FromDeviceID      DeviceID    `json:"fromDeviceId,omitempty"`
	RequesterDeviceID DeviceID    `json:"requesterDeviceId,omitempty"`
	RequesterUserID   UserID      `json:"requesterUserId,omitempty"`
	TS                int64       `json:"ts,omitempty"`
	ReasonCode        ReasonCode  `json:"reasonCode,omitempty"`
}
