package upload

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rejourneyco/go-sdk/pkg/compression"
	"github.com/rejourneyco/go-sdk/pkg/identity"
	"github.com/rejourneyco/go-sdk/pkg/network"
	"github.com/rejourneyco/go-sdk/pkg/reliability"
	"github.com/rejourneyco/go-sdk/pkg/session"
	"github.com/rejourneyco/go-sdk/pkg/telemetry"
	"github.com/rejourneyco/go-sdk/pkg/transport"
)

// Sentinel errors returned by the upload layer.
var (
	// ErrShutdown indicates the coordinator no longer accepts work.
	ErrShutdown = errors.New("upload: coordinator shut down")

	// ErrCircuitOpen indicates delivery was skipped because the circuit
	// breaker is open; the batch stays persisted and queued.
	ErrCircuitOpen = errors.New("upload: circuit breaker open")
)

const snapshotFileName = "retry_queue.json"

// Config assembles a Coordinator. Client and PendingDir are required;
// everything else has a usable default.
type Config struct {
	// SessionID identifies the active session. Generated when empty.
	SessionID string

	// UserID set by the host app, or "" for anonymous.
	UserID string

	// Device metadata attached to every envelope.
	Device session.DeviceInfo

	// SessionStartTime in epoch milliseconds. Defaults to now.
	SessionStartTime int64

	// PendingDir is the root of the durable pending-upload store.
	PendingDir string

	Client   *transport.Client
	Identity *identity.Identity
	Observer network.QualityObserver
	Recorder *telemetry.Recorder
	Logger   *slog.Logger
}

// Coordinator owns the upload pipeline for one session: envelope
// construction, persist-before-send, the presign/PUT/complete
// sequence, session finalization, and crash recovery. It is safe for
// concurrent use; at most one pipeline runs at a time.
type Coordinator struct {
	client     *transport.Client
	id         *identity.Identity
	store      *session.PendingStore
	compressor *compression.Compressor
	breaker    *reliability.CircuitBreaker
	scheduler  *reliability.Scheduler
	observer   network.QualityObserver
	recorder   *telemetry.Recorder
	logger     *slog.Logger
	now        func() time.Time

	snapshotPath string

	baseCtx context.Context
	cancel  context.CancelFunc

	mu                    sync.Mutex
	sessionID             string
	userID                string
	device                session.DeviceInfo
	sessionStartMs        int64
	batchNumber           int
	finalBatchNumber      int
	inFlight              bool
	sessionEnded          bool
	shutdown              bool
	replayPromoted        *bool
	totalBackgroundTimeMs int64
	backgroundEnteredAt   time.Time
}

// NewCoordinator creates a coordinator and opens its pending store.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("upload: transport client is required")
	}
	if cfg.PendingDir == "" {
		return nil, fmt.Errorf("upload: pending directory is required")
	}

	store, err := session.NewPendingStore(cfg.PendingDir)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sessionID := cfg.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	userID := cfg.UserID
	if userID == "" {
		userID = session.AnonymousUserID
	}
	startMs := cfg.SessionStartTime
	if startMs == 0 {
		startMs = time.Now().UnixMilli()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = &network.StaticObserver{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		client:         cfg.Client,
		id:             cfg.Identity,
		store:          store,
		compressor:     compression.NewCompressor(),
		breaker:        reliability.NewCircuitBreaker(),
		observer:       observer,
		recorder:       cfg.Recorder,
		logger:         logger.With("component", "upload", "session_id", sessionID),
		now:            time.Now,
		snapshotPath:   filepath.Join(cfg.PendingDir, snapshotFileName),
		baseCtx:        ctx,
		cancel:         cancel,
		sessionID:      sessionID,
		userID:         userID,
		device:         cfg.Device,
		sessionStartMs: startMs,
	}
	c.scheduler = reliability.NewScheduler(c.breaker, c.redriveBatch, cfg.Recorder, logger)

	if cfg.Recorder != nil {
		cfg.Recorder.Record(telemetry.EventSessionStart)
	}
	return c, nil
}

// SessionID returns the active session's ID.
func (c *Coordinator) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// UploadBatch persists the events as one compressed batch and delivers
// it through the presign/PUT/complete pipeline. The persisted copy is
// deleted only after the backend confirms completion.
//
// At most one pipeline runs at a time. While one is in flight, the
// batch is still persisted and then routed to the retry scheduler, so
// it is delivered later in order rather than dropped.
func (c *Coordinator) UploadBatch(ctx context.Context, events []session.Event, isFinal bool) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return ErrShutdown
	}
	c.batchNumber++
	number := c.batchNumber
	if isFinal {
		c.finalBatchNumber = number
	}
	c.mu.Unlock()

	batch, err := c.buildBatch(events, session.ContentTypeEvents, number, isFinal)
	if err != nil {
		return err
	}
	if err := c.store.WriteBatch(batch); err != nil {
		return err
	}

	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		c.scheduler.Enqueue(batch)
		return nil
	}
	c.inFlight = true
	c.mu.Unlock()

	err = c.deliverAndConfirm(ctx, batch)

	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()

	c.recordOutcome(err)
	if err != nil {
		c.scheduler.Enqueue(batch)
		return err
	}
	if isFinal {
		c.endSession(ctx)
	}
	return nil
}

// recordOutcome feeds a direct-path delivery result to the circuit
// breaker. Redriven attempts are recorded by the scheduler itself. A
// delivery skipped because the circuit is already open counts as
// neither success nor failure.
func (c *Coordinator) recordOutcome(err error) {
	switch {
	case err == nil:
		c.breaker.RecordSuccess()
	case errors.Is(err, ErrCircuitOpen):
	default:
		if c.breaker.RecordFailure() && c.recorder != nil {
			c.recorder.Record(telemetry.EventCircuitBreakerOpen)
		}
	}
}

// UploadCrashReport delivers a crash report through the batch
// pipeline with crash content type.
func (c *Coordinator) UploadCrashReport(ctx context.Context, report map[string]any) error {
	if c.recorder != nil {
		c.recorder.Record(telemetry.EventCrashDetected)
	}
	return c.uploadReport(ctx, report, session.ContentTypeCrash)
}

// UploadANRReport delivers an app-not-responding report through the
// batch pipeline with anr content type.
func (c *Coordinator) UploadANRReport(ctx context.Context, report map[string]any) error {
	if c.recorder != nil {
		c.recorder.Record(telemetry.EventANRDetected)
	}
	return c.uploadReport(ctx, report, session.ContentTypeANR)
}

func (c *Coordinator) uploadReport(ctx context.Context, report map[string]any, contentType string) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return ErrShutdown
	}
	c.batchNumber++
	number := c.batchNumber
	c.mu.Unlock()

	batch, err := c.buildBatch([]session.Event{session.Event(report)}, contentType, number, false)
	if err != nil {
		return err
	}
	if err := c.store.WriteBatch(batch); err != nil {
		return err
	}

	// Reports share the single-flight gate with event batches: one
	// pipeline at a time, overflow queued rather than interleaved.
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		c.scheduler.Enqueue(batch)
		return nil
	}
	c.inFlight = true
	c.mu.Unlock()

	err = c.deliverAndConfirm(ctx, batch)

	c.mu.Lock()
	c.inFlight = false
	c.mu.Unlock()

	c.recordOutcome(err)
	if err != nil {
		c.scheduler.Enqueue(batch)
		return err
	}
	return nil
}

// SynchronousUpload captures the remaining events under termination
// time pressure and reports whether they were secured. No network I/O
// happens on this path; the batch is persisted to disk and delivery
// is left to next-launch recovery.
func (c *Coordinator) SynchronousUpload(events []session.Event) bool {
	if err := c.PersistTerminationEvents(events); err != nil {
		c.logger.Warn("failed to persist termination events", "error", err)
		return false
	}
	return true
}

// PersistTerminationEvents writes a final batch and the recovery
// record to disk with no network I/O. Intended for the termination
// path where the process may be killed at any moment; delivery is
// next-launch recovery's job.
func (c *Coordinator) PersistTerminationEvents(events []session.Event) error {
	c.mu.Lock()
	c.batchNumber++
	number := c.batchNumber
	c.finalBatchNumber = number
	c.mu.Unlock()

	batch, err := c.buildBatch(events, session.ContentTypeEvents, number, true)
	if err != nil {
		return err
	}
	if err := c.store.WriteBatch(batch); err != nil {
		return err
	}
	return c.UpdateRecoveryMeta()
}

// UpdateRecoveryMeta persists the session recovery record so a crash
// after this point can still close the session from disk alone.
func (c *Coordinator) UpdateRecoveryMeta() error {
	c.mu.Lock()
	record := &session.RecoveryRecord{
		SessionID:             c.sessionID,
		SessionStartTime:      c.sessionStartMs,
		TotalBackgroundTimeMs: c.totalBackgroundTimeMs,
	}
	c.mu.Unlock()

	return c.store.WriteRecord(record)
}

// EvaluateReplayPromotion asks the backend whether to retain the full
// session recording. The decision is cached for the session; repeated
// calls return the cached verdict without a network call.
func (c *Coordinator) EvaluateReplayPromotion(ctx context.Context, metrics map[string]any) (bool, error) {
	c.mu.Lock()
	if c.replayPromoted != nil {
		promoted := *c.replayPromoted
		c.mu.Unlock()
		return promoted, nil
	}
	sessionID := c.sessionID
	c.mu.Unlock()

	req := map[string]any{
		"sessionId": sessionID,
		"metrics":   metrics,
	}
	var resp struct {
		Promoted bool   `json:"promoted"`
		Reason   string `json:"reason"`
	}
	if err := c.postAuthed(ctx, "/ingest/replay/evaluate", req, &resp); err != nil {
		return false, fmt.Errorf("evaluating replay promotion: %w", err)
	}

	c.mu.Lock()
	promoted := resp.Promoted
	c.replayPromoted = &promoted
	c.mu.Unlock()

	c.logger.Debug("replay promotion evaluated", "promoted", resp.Promoted, "reason", resp.Reason)
	return resp.Promoted, nil
}

// EnterBackground stamps the backgrounding time and snapshots the
// retry queue, since the process may be suspended or killed.
func (c *Coordinator) EnterBackground() {
	c.mu.Lock()
	c.backgroundEnteredAt = c.now()
	c.mu.Unlock()

	if err := c.scheduler.Snapshot(c.snapshotPath); err != nil {
		c.logger.Warn("failed to snapshot retry queue", "error", err)
	}
	if err := c.UpdateRecoveryMeta(); err != nil {
		c.logger.Warn("failed to update recovery record", "error", err)
	}
}

// EnterForeground accumulates the elapsed background time and
// restores any snapshotted retry queue.
func (c *Coordinator) EnterForeground() {
	c.mu.Lock()
	if !c.backgroundEnteredAt.IsZero() {
		c.totalBackgroundTimeMs += c.now().Sub(c.backgroundEnteredAt).Milliseconds()
		c.backgroundEnteredAt = time.Time{}
	}
	c.mu.Unlock()

	if err := c.scheduler.Restore(c.snapshotPath); err != nil {
		c.logger.Warn("failed to restore retry queue", "error", err)
	}
}

// ResetForNewSession rotates the coordinator onto a fresh session.
// The previous session's unconfirmed batches stay on disk for
// recovery.
func (c *Coordinator) ResetForNewSession(sessionID string) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	c.mu.Lock()
	c.sessionID = sessionID
	c.sessionStartMs = c.now().UnixMilli()
	c.batchNumber = 0
	c.finalBatchNumber = 0
	c.sessionEnded = false
	c.replayPromoted = nil
	c.totalBackgroundTimeMs = 0
	c.backgroundEnteredAt = time.Time{}
	c.logger = c.logger.With("session_id", sessionID)
	c.mu.Unlock()

	if c.recorder != nil {
		c.recorder.Reset()
		c.recorder.Record(telemetry.EventSessionStart)
	}
}

// Shutdown cancels in-flight work and halts retry scheduling.
// Unconfirmed persisted batches are never deleted; they are picked up
// by recovery on the next launch.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	c.mu.Unlock()

	c.cancel()
	c.scheduler.Shutdown()
}

// buildBatch constructs, serializes, and compresses one envelope.
func (c *Coordinator) buildBatch(events []session.Event, contentType string, number int, isFinal bool) (*session.PendingBatch, error) {
	c.mu.Lock()
	envelope := session.Envelope{
		SessionID:   c.sessionID,
		UserID:      c.userID,
		BatchNumber: number,
		IsFinal:     isFinal,
		Device:      c.device,
		Network:     c.observer.CurrentQuality(),
		Events:      events,
	}
	startMs := c.sessionStartMs
	c.mu.Unlock()

	if isFinal {
		endMs := c.now().UnixMilli()
		if ts, ok := lastEventTimestamp(events); ok {
			endMs = ts
		}
		envelope.EndedAt = endMs
		envelope.DurationMs = endMs - startMs
	}

	encoded, err := json.Marshal(&envelope)
	if err != nil {
		return nil, fmt.Errorf("encoding batch envelope: %w", err)
	}
	compressed, err := c.compressor.Compress(encoded)
	if err != nil {
		return nil, fmt.Errorf("compressing batch: %w", err)
	}

	return &session.PendingBatch{
		SessionID:         envelope.SessionID,
		ContentType:       contentType,
		BatchNumber:       number,
		IsKeyframe:        containsKeyframe(events),
		CompressedPayload: compressed,
		EventCount:        len(events),
		FrameCount:        countFrames(events),
		CreatedAt:         c.now(),
	}, nil
}

// deliverAndConfirm runs the network stages for one persisted batch
// and deletes the persisted copy on confirmed completion. Any stage
// failure aborts the rest and retains the copy.
func (c *Coordinator) deliverAndConfirm(ctx context.Context, batch *session.PendingBatch) error {
	start := c.now()
	err := c.deliver(ctx, batch)
	if c.recorder != nil {
		c.recorder.RecordUploadDuration(c.now().Sub(start), err == nil, len(batch.CompressedPayload))
	}
	if err != nil {
		c.logger.Warn("batch delivery failed",
			"batch_number", batch.BatchNumber,
			"content_type", batch.ContentType,
			"error", err,
		)
		return err
	}
	if err := c.store.DeleteBatch(batch); err != nil {
		c.logger.Warn("failed to delete confirmed batch", "batch_number", batch.BatchNumber, "error", err)
	}
	return nil
}

func (c *Coordinator) deliver(ctx context.Context, batch *session.PendingBatch) error {
	if !c.breaker.ShouldAllowRequest() {
		return ErrCircuitOpen
	}

	req := map[string]any{
		"sessionId":   batch.SessionID,
		"contentType": batch.ContentType,
		"batchNumber": batch.BatchNumber,
		"isKeyframe":  batch.IsKeyframe,
		"sizeBytes":   len(batch.CompressedPayload),
	}
	var presign struct {
		PresignedURL string `json:"presignedUrl"`
		BatchID      string `json:"batchId"`
		SkipUpload   bool   `json:"skipUpload"`
	}
	if err := c.postAuthed(ctx, "/ingest/presign", req, &presign); err != nil {
		return fmt.Errorf("requesting presigned upload: %w", err)
	}

	if presign.SkipUpload {
		// Recording disabled server-side; the batch is considered
		// delivered without touching object storage.
		c.logger.Debug("upload skipped by backend", "batch_number", batch.BatchNumber)
		return nil
	}

	if err := c.client.PutObject(ctx, presign.PresignedURL, batch.CompressedPayload, compression.ContentTypeGzip); err != nil {
		return fmt.Errorf("uploading batch object: %w", err)
	}

	complete := map[string]any{
		"sessionId":   batch.SessionID,
		"batchId":     presign.BatchID,
		"batchNumber": batch.BatchNumber,
		"contentType": batch.ContentType,
		"sizeBytes":   len(batch.CompressedPayload),
		"eventCount":  batch.EventCount,
		"frameCount":  batch.FrameCount,
	}
	if err := c.postAuthed(ctx, "/ingest/batch/complete", complete, nil); err != nil {
		return fmt.Errorf("completing batch: %w", err)
	}
	return nil
}

// postAuthed issues an authenticated control call. A 401 triggers
// exactly one token refresh and one retry, never recursion.
func (c *Coordinator) postAuthed(ctx context.Context, path string, body, out any) error {
	if c.id == nil {
		return identity.ErrNotRegistered
	}

	token, _, err := c.id.UploadTokenAutoRegister(ctx)
	if err != nil {
		return err
	}

	err = c.client.PostJSON(ctx, path, body, out, token)
	var httpErr *transport.HTTPError
	if err == nil || !errors.As(err, &httpErr) || !httpErr.IsUnauthorized() {
		return err
	}

	c.id.InvalidateToken()
	token, _, refreshErr := c.id.UploadTokenAutoRegister(ctx)
	if refreshErr != nil {
		return refreshErr
	}
	return c.client.PostJSON(ctx, path, body, out, token)
}

// redriveBatch is the scheduler's redelivery hook.
func (c *Coordinator) redriveBatch(batch *session.PendingBatch) bool {
	if err := c.deliverAndConfirm(c.baseCtx, batch); err != nil {
		return false
	}

	c.mu.Lock()
	isFinal := c.finalBatchNumber != 0 &&
		batch.SessionID == c.sessionID &&
		batch.BatchNumber == c.finalBatchNumber
	c.mu.Unlock()

	if isFinal {
		c.endSession(c.baseCtx)
	}
	return true
}

// endSession issues the session-end call exactly once per
// finalization. A failed call is logged and not retried; the backend
// closes stale sessions on its own.
func (c *Coordinator) endSession(ctx context.Context) {
	c.mu.Lock()
	if c.sessionEnded {
		c.mu.Unlock()
		return
	}
	c.sessionEnded = true
	sessionID := c.sessionID
	backgroundMs := c.totalBackgroundTimeMs
	c.mu.Unlock()

	req := map[string]any{
		"sessionId":             sessionID,
		"endedAt":               c.now().UnixMilli(),
		"totalBackgroundTimeMs": backgroundMs,
	}
	if c.recorder != nil {
		req["sdkTelemetry"] = c.recorder.AsMap()
	}

	if err := c.postAuthed(ctx, "/ingest/session/end", req, nil); err != nil {
		c.logger.Warn("session end call failed", "error", err)
		return
	}
	if c.recorder != nil {
		c.recorder.Record(telemetry.EventSessionEnd)
	}
	c.logger.Info("session ended", "background_ms", backgroundMs)
}

func lastEventTimestamp(events []session.Event) (int64, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if ts, ok := events[i].Timestamp(); ok {
			return ts, true
		}
	}
	return 0, false
}

func containsKeyframe(events []session.Event) bool {
	for _, e := range events {
		if flag, ok := e["keyframe"].(bool); ok && flag {
			return true
		}
	}
	return false
}

func countFrames(events []session.Event) int {
	frames := 0
	for _, e := range events {
		if t, ok := e["type"].(string); ok && t == "frame" {
			frames++
		}
	}
	return frames
}
