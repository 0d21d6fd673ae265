// Package session defines batch envelopes and the crash-safe
// pending-upload store shared by the upload pipeline and recovery.
package session

import (
	"time"
)

// Content types for persisted batches
const (
	ContentTypeEvents = "events"
	ContentTypeCrash  = "crash"
	ContentTypeANR    = "anr"
)

// AnonymousUserID is reported when the host app never identified the user
const AnonymousUserID = "anonymous"

// Event is one captured telemetry record. The capture layer owns the
// schema; the reliability layer treats events as opaque.
type Event map[string]any

// Timestamp returns the event's own epoch-millisecond timestamp, if present.
func (e Event) Timestamp() (int64, bool) {
	v, ok := e["ts"]
	if !ok {
		v, ok = e["timestamp"]
	}
	if !ok {
		return 0, false
	}
	switch ts := v.(type) {
	case int64:
		return ts, true
	case float64:
		return int64(ts), true
	case int:
		return int64(ts), true
	}
	return 0, false
}

// DeviceInfo is static device metadata attached to every envelope
type DeviceInfo struct {
	Platform   string `json:"platform"`
	BundleID   string `json:"bundleId"`
	SDKVersion string `json:"sdkVersion"`
	DeviceHash string `json:"deviceHash,omitempty"`
	OSVersion  string `json:"osVersion,omitempty"`
	Model      string `json:"model,omitempty"`
}

// Envelope is the uncompressed wire form of one batch
type Envelope struct {
	SessionID   string     `json:"sessionId"`
	UserID      string     `json:"userId"`
	BatchNumber int        `json:"batchNumber"`
	IsFinal     bool       `json:"isFinal"`
	Device      DeviceInfo `json:"device"`
	Network     any        `json:"network,omitempty"`
	Events      []Event    `json:"events"`

	// Set only on the final batch
	EndedAt    int64 `json:"endedAt,omitempty"`
	DurationMs int64 `json:"durationMs,omitempty"`
}

// PendingBatch is one compressed batch persisted before any network call
type PendingBatch struct {
	SessionID         string    `json:"sessionId"`
	ContentType       string    `json:"contentType"`
	BatchNumber       int       `json:"batchNumber"`
	IsKeyframe        bool      `json:"isKeyframe"`
	CompressedPayload []byte    `json:"-"`
	EventCount        int       `json:"eventCount"`
	FrameCount        int       `json:"frameCount"`
	CreatedAt         time.Time `json:"createdAt"`
}

// RecoveryRecord is enough state to close a session from disk alone
// if the process dies mid-flight.
type RecoveryRecord struct {
	SessionID             string    `json:"sessionId"`
	SessionStartTime      int64     `json:"sessionStartTime"`
	TotalBackgroundTimeMs int64     `json:"totalBackgroundTimeMs"`
	UpdatedAt             time.Time `json:"updatedAt"`
}
