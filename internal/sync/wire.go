// Package sync implements the end-to-end encrypted cloud sync engine:
// size-aware incremental push, pull with last-writer-wins merge and tombstone
// propagation, and local tombstone garbage collection. Every byte that
// crosses the device boundary is sealed by internal/crypto first.
package sync

import "time"

// WireMemory is the cloud representation of a memory. Content is a base64
// AEAD blob; Tags is a one-element list holding the sealed JSON encoding of
// the plaintext tags array; ContentHash lets the relay deduplicate without
// ever seeing plaintext.
type WireMemory struct {
	ID          string   `json:"id"`
	Content     string   `json:"content"`
	MemoryType  string   `json:"memory_type"`
	Tags        []string `json:"tags"`
	Subject     string   `json:"subject,omitempty"`
	Source      string   `json:"source,omitempty"`
	ExpiresAt   string   `json:"expires_at,omitempty"`
	Deleted     bool     `json:"deleted"`
	CreatedAt   string   `json:"created_at"`
	UpdatedAt   string   `json:"updated_at"`
	ContentHash string   `json:"content_hash,omitempty"`
}

// PushRequest is the push endpoint's payload. Encrypted is always true; the
// relay rejects batches that claim otherwise.
type PushRequest struct {
	DeviceID  string       `json:"device_id"`
	Memories  []WireMemory `json:"memories"`
	Encrypted bool         `json:"encrypted"`
}

// PushResponse reports how the relay handled a batch.
type PushResponse struct {
	Synced    int  `json:"synced"`
	Rejected  int  `json:"rejected"`
	OverLimit bool `json:"over_limit"`
}

// PullRequest identifies the requesting device.
type PullRequest struct {
	DeviceID string `json:"device_id"`
}

// PullResponse carries the remote changes for this device.
type PullResponse struct {
	Memories      []WireMemory `json:"memories"`
	SyncTimestamp string       `json:"sync_timestamp"`
}

// DeviceCodeResponse is the OAuth-style device-authorization grant.
type DeviceCodeResponse struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	Interval        int    `json:"interval"`
	ExpiresIn       int    `json:"expires_in"`
}

// DeviceTokenResponse completes the device login.
type DeviceTokenResponse struct {
	APIKey string `json:"api_key"`
	Email  string `json:"email"`
	Tier   string `json:"tier"`
	// Pending is set while the user has not yet approved the device code.
	Pending bool `json:"pending"`
}

// PINSetupRequest registers a freshly derived verifier with the relay. The
// server stores both opaquely; it never sees PIN or key.
type PINSetupRequest struct {
	PinVerifier string `json:"pin_verifier"`
	KeySalt     string `json:"key_salt"`
}

// PINStateResponse returns the stored salt and verifier for a returning device.
type PINStateResponse struct {
	PinVerifier string `json:"pin_verifier"`
	KeySalt     string `json:"key_salt"`
}

// wireTime is the timestamp layout used on the wire.
const wireTime = time.RFC3339

func formatWireTime(t time.Time) string {
	return t.UTC().Format(wireTime)
}

func parseWireTime(s string) (time.Time, error) {
	return time.Parse(wireTime, s)
}

func formatWireTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatWireTime(*t)
}
