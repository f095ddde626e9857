package types

import (
	"encoding/json"
	"time"
)

// ThreadKey is the symmetric secret of one secret conversation. Its presence
// locally is what makes the thread READY.
type ThreadKey struct {
	ThreadID  ThreadID     `json:"-"`
	Key       SymmetricKey `json:"key"`
	CreatedAt int64        `json:"createdAt"`
	Version   int          `json:"version"`
}

// ThreadKeyPayload is the plaintext of a thread_key package.
type ThreadKeyPayload struct {
	ThreadID  ThreadID `json:"threadId"`
	Key       string   `json:"key"`
	CreatedAt int64    `json:"createdAt,omitempty"`
	Version   int      `json:"version,omitempty"`
}

// DeviceLinkPayload is the plaintext of a device_link_keys package: a bulk
// export of every local thread key. Entries are kept raw so a single bad
// entry can be skipped on import.
type DeviceLinkPayload struct {
	Version    int                          `json:"version"`
	ExportedAt int64                        `json:"exportedAt"`
	Keys       map[ThreadID]json.RawMessage `json:"keys"`
}

// BuildRequest describes a key package to seal for one device.
type BuildRequest struct {
	To       DeviceID
	Kind     PackageKind
	Payload  any
	TTL      time.Duration
	ThreadID ThreadID
}

// OpenedPackage is the result of a successful key package open.
type OpenedPackage struct {
	Kind    PackageKind
	Header  KeyPackageHeader
	Payload json.RawMessage
}

// ShareReport aggregates the per-target outcome of one thread key share.
type ShareReport struct {
	ThreadID  ThreadID
	Targets   []DeviceID
	Delivered map[DeviceID]MsgID
	Failed    map[DeviceID]error
}
