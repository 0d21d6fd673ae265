package reliability

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/rejourneyco/go-sdk/pkg/session"
	"github.com/rejourneyco/go-sdk/pkg/telemetry"
)

// Retry policy
const (
	// MaxAttempts is the delivery attempt limit per item before it is dropped
	MaxAttempts = 5

	// MaxDelay caps the exponential backoff delay
	MaxDelay = 60 * time.Second

	// MaxSnapshotItems bounds the on-disk queue snapshot
	MaxSnapshotItems = 100
)

// RetryItem wraps a batch queued for redelivery
type RetryItem struct {
	Batch        *session.PendingBatch `json:"batch"`
	Payload      []byte                `json:"payload"`
	EnqueuedAt   time.Time             `json:"enqueuedAt"`
	AttemptCount int                   `json:"attemptCount"`
}

// RedriveFunc redrives one batch through the upload pipeline.
// It returns true when the batch was delivered and confirmed.
type RedriveFunc func(batch *session.PendingBatch) bool

// Scheduler owns the FIFO retry queue. At most one retry attempt is
// in flight at any time; scheduling is deferred with a backoff delay
// derived from the circuit breaker's consecutive failure count.
type Scheduler struct {
	mu sync.Mutex

	queue     []*RetryItem
	scheduled bool
	inFlight  bool
	timer     *time.Timer
	shutdown  bool

	breaker  *CircuitBreaker
	redrive  RedriveFunc
	recorder *telemetry.Recorder
	logger   *slog.Logger
}

// NewScheduler creates a retry scheduler. The recorder may be nil.
func NewScheduler(breaker *CircuitBreaker, redrive RedriveFunc, recorder *telemetry.Recorder, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		breaker:  breaker,
		redrive:  redrive,
		recorder: recorder,
		logger:   logger,
	}
}

// Enqueue appends a batch to the retry queue and triggers scheduling
func (s *Scheduler) Enqueue(batch *session.PendingBatch) {
	s.mu.Lock()
	s.queue = append(s.queue, &RetryItem{
		Batch:      batch,
		EnqueuedAt: time.Now(),
	})
	depth := len(s.queue)
	s.mu.Unlock()

	s.logger.Debug("batch queued for retry",
		"session_id", batch.SessionID,
		"batch_number", batch.BatchNumber,
		"queue_depth", depth,
	)
	s.ScheduleIfNeeded()
}

// QueueDepth returns the number of queued items
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// ScheduleIfNeeded arms one deferred retry attempt. It is a no-op if
// an attempt is already scheduled or in flight, the queue is empty,
// or the circuit is open and unexpired.
func (s *Scheduler) ScheduleIfNeeded() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.scheduled || s.inFlight || s.shutdown || len(s.queue) == 0 {
		return
	}
	if s.breaker.IsOpen() {
		return
	}

	delay := backoffDelay(s.breaker.ConsecutiveFailures())
	s.scheduled = true
	s.timer = time.AfterFunc(delay, s.ProcessQueue)

	s.logger.Debug("retry scheduled", "delay", delay, "queue_depth", len(s.queue))
}

// ProcessQueue pops the oldest item and redrives it through the
// upload pipeline, then reschedules while work remains.
func (s *Scheduler) ProcessQueue() {
	s.mu.Lock()
	s.scheduled = false
	if s.shutdown || s.inFlight || len(s.queue) == 0 {
		s.mu.Unlock()
		return
	}
	if !s.breaker.ShouldAllowRequest() {
		// Wake again once the open window has elapsed.
		remaining := s.breaker.RemainingOpenTime()
		s.scheduled = true
		s.timer = time.AfterFunc(remaining, s.ProcessQueue)
		s.mu.Unlock()
		return
	}

	item := s.queue[0]
	s.queue = s.queue[1:]
	s.inFlight = true
	s.mu.Unlock()

	if s.recorder != nil {
		s.recorder.Record(telemetry.EventRetryAttempt)
	}

	success := s.redrive(item.Batch)

	s.mu.Lock()
	s.inFlight = false
	s.mu.Unlock()

	if success {
		s.breaker.RecordSuccess()
	} else {
		opened := s.breaker.RecordFailure()
		if opened && s.recorder != nil {
			s.recorder.Record(telemetry.EventCircuitBreakerOpen)
		}

		item.AttemptCount++
		if item.AttemptCount >= MaxAttempts {
			s.logger.Warn("batch dropped after max retry attempts",
				"session_id", item.Batch.SessionID,
				"batch_number", item.Batch.BatchNumber,
				"attempts", item.AttemptCount,
			)
		} else {
			s.mu.Lock()
			s.queue = append(s.queue, item)
			s.mu.Unlock()
		}
	}

	s.ScheduleIfNeeded()

	// ScheduleIfNeeded declines while the circuit is open. If this
	// failure opened it with work still queued, arm a wake for the
	// half-open probe so the queue does not wait for another Enqueue.
	s.mu.Lock()
	if !s.scheduled && !s.inFlight && !s.shutdown && len(s.queue) > 0 && s.breaker.IsOpen() {
		s.scheduled = true
		s.timer = time.AfterFunc(s.breaker.RemainingOpenTime(), s.ProcessQueue)
	}
	s.mu.Unlock()
}

// Snapshot writes up to MaxSnapshotItems queued items to path.
// Intended for backgrounding and background-task expiry; the queue
// itself is left intact.
func (s *Scheduler) Snapshot(path string) error {
	// Deep-copy under the lock: the live items stay in the queue and
	// ProcessQueue mutates them concurrently.
	s.mu.Lock()
	count := len(s.queue)
	if count > MaxSnapshotItems {
		count = MaxSnapshotItems
	}
	dropped := len(s.queue) - count
	items := make([]RetryItem, 0, count)
	for _, item := range s.queue[:count] {
		copied := *item
		copied.Payload = item.Batch.CompressedPayload
		items = append(items, copied)
	}
	s.mu.Unlock()

	if dropped > 0 {
		s.logger.Warn("retry queue snapshot truncated", "dropped", dropped)
	}

	data, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encoding retry snapshot: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("writing retry snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing retry snapshot: %w", err)
	}

	if s.recorder != nil {
		s.recorder.Record(telemetry.EventOfflineQueuePersist)
	}
	return nil
}

// Restore loads a snapshot written by Snapshot, re-enqueues its
// items, and removes the file. A missing file is not an error.
func (s *Scheduler) Restore(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading retry snapshot: %w", err)
	}

	var items []*RetryItem
	if err := json.Unmarshal(data, &items); err != nil {
		// A corrupt snapshot is dropped; the pending store still has
		// every unconfirmed batch.
		s.logger.Warn("discarding corrupt retry snapshot", "error", err)
		os.Remove(path)
		return nil
	}

	restored := 0
	s.mu.Lock()
	for _, item := range items {
		if item.Batch == nil {
			continue
		}
		item.Batch.CompressedPayload = item.Payload
		item.Payload = nil
		s.queue = append(s.queue, item)
		restored++
	}
	s.mu.Unlock()

	os.Remove(path)

	if s.recorder != nil {
		s.recorder.Record(telemetry.EventOfflineQueueRestore)
	}
	s.logger.Info("retry queue restored", "items", restored)

	s.ScheduleIfNeeded()
	return nil
}

// Shutdown halts scheduling. Queued items stay in memory and any
// persisted batch data stays on disk.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.shutdown = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.scheduled = false
}

// backoffDelay returns min(2^failures, 60) seconds
func backoffDelay(consecutiveFailures int) time.Duration {
	if consecutiveFailures >= 6 {
		return MaxDelay
	}
	delay := time.Duration(1<<uint(consecutiveFailures)) * time.Second
	if delay > MaxDelay {
		delay = MaxDelay
	}
	return delay
}
