// Package telemetry tracks SDK health counters.
//
// The counters describe the SDK's own delivery behavior (upload
// outcomes, retries, circuit-breaker transitions, offline
// persistence) and are reported to the backend as the sdkTelemetry
// block of the session-end call. They never contain user data.
package telemetry

import (
	"sync"
	"time"
)

// EventType identifies a recorded SDK health event
type EventType int

const (
	EventUploadSuccess EventType = iota
	EventUploadFailure
	EventRetryAttempt
	EventCircuitBreakerOpen
	EventCircuitBreakerClose
	EventOfflineQueuePersist
	EventOfflineQueueRestore
	EventSessionStart
	EventSessionEnd
	EventCrashDetected
	EventANRDetected
	EventTokenRefresh
)

// Metrics is a point-in-time snapshot of SDK health counters
type Metrics struct {
	UploadSuccessCount      int64
	UploadFailureCount      int64
	RetryAttemptCount       int64
	CircuitBreakerOpenCount int64
	OfflinePersistCount     int64
	OfflineRestoreCount     int64
	SessionStartCount       int64
	CrashCount              int64
	ANRCount                int64
	TokenRefreshCount       int64
	UploadSuccessRate       float64
	AvgUploadDurationMs     float64
	UploadedBytes           int64
	LastUploadTime          time.Time
	LastRetryTime           time.Time
}

// Recorder accumulates SDK health counters for one session
type Recorder struct {
	mu sync.Mutex

	counts map[EventType]int64

	uploadDurationTotalMs float64
	uploadDurationSamples int64
	uploadedBytes         int64
	lastUploadTime        time.Time
	lastRetryTime         time.Time
}

// NewRecorder creates an empty recorder
func NewRecorder() *Recorder {
	return &Recorder{
		counts: make(map[EventType]int64),
	}
}

// Record counts one occurrence of an SDK health event
func (r *Recorder) Record(event EventType) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.counts[event]++
	if event == EventRetryAttempt {
		r.lastRetryTime = time.Now()
	}
}

// RecordUploadDuration records the outcome and duration of one upload attempt
func (r *Recorder) RecordUploadDuration(duration time.Duration, success bool, byteCount int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if success {
		r.counts[EventUploadSuccess]++
		r.uploadedBytes += int64(byteCount)
	} else {
		r.counts[EventUploadFailure]++
	}
	r.uploadDurationTotalMs += float64(duration.Milliseconds())
	r.uploadDurationSamples++
	r.lastUploadTime = time.Now()
}

// Current returns a snapshot of the accumulated counters
func (r *Recorder) Current() Metrics {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := Metrics{
		UploadSuccessCount:      r.counts[EventUploadSuccess],
		UploadFailureCount:      r.counts[EventUploadFailure],
		RetryAttemptCount:       r.counts[EventRetryAttempt],
		CircuitBreakerOpenCount: r.counts[EventCircuitBreakerOpen],
		OfflinePersistCount:     r.counts[EventOfflineQueuePersist],
		OfflineRestoreCount:     r.counts[EventOfflineQueueRestore],
		SessionStartCount:       r.counts[EventSessionStart],
		CrashCount:              r.counts[EventCrashDetected],
		ANRCount:                r.counts[EventANRDetected],
		TokenRefreshCount:       r.counts[EventTokenRefresh],
		UploadedBytes:           r.uploadedBytes,
		LastUploadTime:          r.lastUploadTime,
		LastRetryTime:           r.lastRetryTime,
	}

	attempts := m.UploadSuccessCount + m.UploadFailureCount
	if attempts > 0 {
		m.UploadSuccessRate = float64(m.UploadSuccessCount) / float64(attempts)
	}
	if r.uploadDurationSamples > 0 {
		m.AvgUploadDurationMs = r.uploadDurationTotalMs / float64(r.uploadDurationSamples)
	}
	return m
}

// AsMap renders the counters for the session-end sdkTelemetry block
func (r *Recorder) AsMap() map[string]any {
	m := r.Current()
	return map[string]any{
		"uploadSuccessCount":  m.UploadSuccessCount,
		"uploadFailureCount":  m.UploadFailureCount,
		"retryAttemptCount":   m.RetryAttemptCount,
		"circuitOpenCount":    m.CircuitBreakerOpenCount,
		"offlinePersistCount": m.OfflinePersistCount,
		"offlineRestoreCount": m.OfflineRestoreCount,
		"crashCount":          m.CrashCount,
		"anrCount":            m.ANRCount,
		"tokenRefreshCount":   m.TokenRefreshCount,
		"uploadSuccessRate":   m.UploadSuccessRate,
		"avgUploadDurationMs": m.AvgUploadDurationMs,
		"uploadedBytes":       m.UploadedBytes,
	}
}

// Reset clears all counters for a new session
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.counts = make(map[EventType]int64)
	r.uploadDurationTotalMs = 0
	r.uploadDurationSamples = 0
	r.uploadedBytes = 0
	r.lastUploadTime = time.Time{}
	r.lastRetryTime = time.Time{}
}
