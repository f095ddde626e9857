package types

import (
	"encoding/json"
	"time"
)

// ContentType labels the ciphertext of an envelope.
type ContentType string

const (
	ContentRef  ContentType = "ref"
	ContentText ContentType = "text"
)

// SchemaVersion is the envelope schema version this client emits.
const SchemaVersion = 1

// Envelope is one device-addressed item submitted through POST /secret/send.
// Fan-out to N devices produces N independent envelopes.
type Envelope struct {
	ToDeviceID    DeviceID        `json:"toDeviceId"`
	MsgID         MsgID           `json:"msgId"`
	CreatedAt     time.Time       `json:"createdAt"`
	TTLSeconds    int             `json:"ttlSeconds,omitempty"`
	ContentType   ContentType     `json:"contentType"`
	SchemaVersion int             `json:"schemaVersion"`
	Ciphertext    string          `json:"ciphertext"`
	Header        json.RawMessage `json:"headerJson"`
}

// SendResult is the server's per-envelope outcome of a send.
type SendResult struct {
	MsgID       MsgID    `json:"msgId"`
	ToDeviceID  DeviceID `json:"toDeviceId"`
	Inserted    bool     `json:"inserted"`
	SkippedSeen bool     `json:"skippedSeen"`
}

// InboxItem is one pending envelope returned by a pull.
type InboxItem struct {
	MsgID          MsgID           `json:"msgId"`
	ThreadID       ThreadID        `json:"threadId,omitempty"`
	SenderUserID   UserID          `json:"senderUserId,omitempty"`
	SenderDeviceID DeviceID        `json:"senderDeviceId,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	Header         json.RawMessage `json:"headerJson"`
	Ciphertext     string          `json:"ciphertext"`
	ContentType    ContentType     `json:"contentType"`
	SchemaVersion  int             `json:"schemaVersion"`
}

// HistoryPage is one page of past thread messages.
type HistoryPage struct {
	Items      []InboxItem `json:"items"`
	HasMore    bool        `json:"hasMore"`
	NextCursor string      `json:"nextCursor,omitempty"`
}

// ThreadMessagePush submits one encrypted thread message to every listed
// receiver device.
type ThreadMessagePush struct {
	ThreadID          ThreadID        `json:"threadId"`
	MsgID             MsgID           `json:"msgId"`
	CreatedAt         time.Time       `json:"createdAt"`
	Header            json.RawMessage `json:"headerJson"`
	Ciphertext        string          `json:"ciphertext"`
	ContentType       ContentType     `json:"contentType"`
	SchemaVersion     int             `json:"schemaVersion"`
	ReceiverDeviceIDs []DeviceID      `json:"receiverDeviceIds"`
}

// MessageHeader is the clear header of a secret thread message.
type MessageHeader struct {
	V     int        `json:"v"`
	Kind  HeaderKind `json:"kind"`
	Nonce []byte     `json:"nonce"`
}

// DecryptedMessage is a thread message as handed to the UI layer. Locked is
// set when no key was available or the ciphertext did not open.
type DecryptedMessage struct {
	MsgID          MsgID     `json:"msgId"`
	ThreadID       ThreadID  `json:"threadId"`
	SenderUserID   UserID    `json:"senderUserId"`
	SenderDeviceID DeviceID  `json:"senderDeviceId,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	Text           string    `json:"text,omitempty"`
	Locked         bool      `json:"locked"`
}
