package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

type EventType string

const (
	EventRequested     EventType = "otp.requested"
	EventRequestFailed EventType = "otp.request_failed"
	EventVerified      EventType = "otp.verified"
	EventVerifyFailed  EventType = "otp.verify_failed"
	EventRateLimited   EventType = "otp.rate_limited"
	EventCleanup       EventType = "otp.cleanup"
)

// Record is what callers emit. It carries the raw phone, which never leaves the dispatcher.
type Record struct {
	Type       EventType
	OccurredAt time.Time
	Phone      string
	IPHash     string
	Context    string
	Reason     string
	Route      string
	Simulated  bool
	RequestID  string
	Count      int
}

// Event is the sink-facing form of a Record.
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	OccurredAt     time.Time `json:"occurred_at"`
	Day            string    `json:"day"`
	Bucket         int       `json:"bucket"`
	PhoneHash      string    `json:"phone_hash,omitempty"`
	PhoneEncrypted string    `json:"phone_encrypted,omitempty"`
	PhoneDEK       string    `json:"phone_dek,omitempty"`
	PhoneKeyID     string    `json:"phone_key_id,omitempty"`
	IPHash         string    `json:"ip_hash,omitempty"`
	Context        string    `json:"context,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Route          string    `json:"route,omitempty"`
	Simulated      bool      `json:"simulated,omitempty"`
	RequestID      string    `json:"request_id,omitempty"`
	Count          int       `json:"count,omitempty"`
}

// HashPhone is the stable pseudonymous identifier of a phone in events.
func HashPhone(phone string) string {
	if phone == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(phone))
	return hex.EncodeToString(sum[:])
}
