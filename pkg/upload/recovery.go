package upload

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rejourneyco/go-sdk/pkg/session"
)

// RecoverPendingSessions replays every non-active session directory
// left behind by a previous process: remaining batches go through the
// same presign/PUT/complete pipeline in batch-number order, and once
// a directory is empty the session is closed with a single
// session-end call and removed. A partial failure leaves the
// directory intact for a later pass.
//
// Returns the number of sessions fully recovered.
func (c *Coordinator) RecoverPendingSessions(ctx context.Context) (int, error) {
	sessions, err := c.store.ListSessions()
	if err != nil {
		return 0, err
	}

	active := c.SessionID()
	recovered := 0
	for _, sessionID := range sessions {
		if sessionID == active {
			continue
		}
		if err := c.recoverSession(ctx, sessionID); err != nil {
			c.logger.Warn("session recovery incomplete",
				"recovered_session_id", sessionID,
				"error", err,
			)
			continue
		}
		recovered++
	}
	return recovered, nil
}

func (c *Coordinator) recoverSession(ctx context.Context, sessionID string) error {
	batches, err := c.store.ListBatches(sessionID)
	if err != nil {
		return err
	}

	// The last batch carries the best end timestamp; capture it before
	// the payloads are delivered and deleted.
	endMs, haveEventEnd := int64(0), false
	if len(batches) > 0 {
		endMs, haveEventEnd = c.envelopeEndTimestamp(batches[len(batches)-1])
	}

	for _, batch := range batches {
		if err := c.deliverAndConfirm(ctx, batch); err != nil {
			return fmt.Errorf("replaying batch %d: %w", batch.BatchNumber, err)
		}
	}

	remaining, err := c.store.HasBatches(sessionID)
	if err != nil {
		return err
	}
	if remaining {
		return fmt.Errorf("batches remain after replay")
	}

	record, err := c.store.ReadRecord(sessionID)
	if err != nil {
		c.logger.Warn("recovery record unreadable", "recovered_session_id", sessionID, "error", err)
	}

	backgroundMs := int64(0)
	if record != nil {
		backgroundMs = record.TotalBackgroundTimeMs
	}
	if !haveEventEnd {
		// No event timestamp available; fall back to directory metadata.
		switch {
		case record != nil && !record.UpdatedAt.IsZero():
			endMs = record.UpdatedAt.UnixMilli()
		case record != nil:
			endMs = record.SessionStartTime
		default:
			endMs = c.now().UnixMilli()
		}
	}

	req := map[string]any{
		"sessionId":             sessionID,
		"endedAt":               endMs,
		"totalBackgroundTimeMs": backgroundMs,
	}
	if err := c.postAuthed(ctx, "/ingest/session/end", req, nil); err != nil {
		return fmt.Errorf("ending recovered session: %w", err)
	}

	if err := c.store.RemoveSession(sessionID); err != nil {
		return err
	}
	c.logger.Info("recovered orphaned session",
		"recovered_session_id", sessionID,
		"batches", len(batches),
	)
	return nil
}

// envelopeEndTimestamp extracts the preferred end-of-session
// timestamp from a persisted batch: the last event's own timestamp,
// falling back to the envelope's recorded end time.
func (c *Coordinator) envelopeEndTimestamp(batch *session.PendingBatch) (int64, bool) {
	decompressed, err := c.compressor.Decompress(batch.CompressedPayload)
	if err != nil {
		return 0, false
	}
	var envelope session.Envelope
	if err := json.Unmarshal(decompressed, &envelope); err != nil {
		return 0, false
	}
	if ts, ok := lastEventTimestamp(envelope.Events); ok {
		return ts, true
	}
	if envelope.EndedAt != 0 {
		return envelope.EndedAt, true
	}
	return 0, false
}
