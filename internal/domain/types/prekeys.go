package types

import "time"

// OnePrekeyPair is the full one-time prekey stored locally.
type OnePrekeyPair struct {
	ID        PrekeyID      `json:"id"`
	Public    X25519Public  `json:"pub"`
	Secret    X25519Private `json:"priv"`
	CreatedAt time.Time     `json:"createdAt"`
}

// PublicHalf returns the part of the pair that is published.
func (p OnePrekeyPair) PublicHalf() OnePrekeyPublic {
	return OnePrekeyPublic{KeyID: p.ID, PublicKey: p.Public}
}

// OnePrekeyPublic is only the public half, as published to the server.
type OnePrekeyPublic struct {
	KeyID     PrekeyID     `json:"keyId"`
	PublicKey X25519Public `json:"publicKey"`
}

// ClaimedPrekey is what the server hands out for one claim against a target
// device. The server never returns the same prekey twice.
type ClaimedPrekey struct {
	DeviceID    DeviceID        `json:"deviceId"`
	IdentityKey X25519Public    `json:"identityKey"`
	Prekey      OnePrekeyPublic `json:"prekey"`
}
