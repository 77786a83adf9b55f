package models

import "time"

// Envelope is the unit sent over the chat transport in place of plaintext.
type Envelope struct {
	Encrypted string `json:"encrypted"`
	IV        string `json:"iv"`
}

// KeyRecord is one row of the encryption_keys table.
type KeyRecord struct {
	ID         string    `json:"id"`
	PrivateKey string    `json:"privateKey,omitempty"`
	PublicKey  string    `json:"publicKey,omitempty"`
	Key        string    `json:"key,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt,omitzero"`
}

type IdentityInfo struct {
	UserID      string `json:"user_id"`
	PublicKey   string `json:"public_key"`
	Fingerprint string `json:"fingerprint"`
}

type ChannelInfo struct {
	ContactID          string `json:"contact_id"`
	ContactFingerprint string `json:"contact_fingerprint"`
	SafetyNumber       string `json:"safety_number"`
	Rotated            bool   `json:"rotated"`
}
