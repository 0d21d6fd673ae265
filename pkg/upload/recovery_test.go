// Copyright (c) 2026 Rejourney
// SPDX-License-Identifier: Apache-2.0

package upload

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rejourneyco/go-sdk/pkg/compression"
	"github.com/rejourneyco/go-sdk/pkg/session"
)

// seedOrphanBatch persists a batch for a dead session the way a
// previous process would have left it.
func seedOrphanBatch(t *testing.T, c *Coordinator, sessionID string, batchNumber int, events []session.Event) {
	t.Helper()

	envelope := session.Envelope{
		SessionID:   sessionID,
		UserID:      session.AnonymousUserID,
		BatchNumber: batchNumber,
		Events:      events,
	}
	encoded, err := json.Marshal(&envelope)
	require.NoError(t, err)
	compressed, err := compression.NewCompressor().Compress(encoded)
	require.NoError(t, err)

	require.NoError(t, c.store.WriteBatch(&session.PendingBatch{
		SessionID:         sessionID,
		ContentType:       session.ContentTypeEvents,
		BatchNumber:       batchNumber,
		CompressedPayload: compressed,
		EventCount:        len(events),
		CreatedAt:         time.Now(),
	}))
}

func TestRecoverPendingSessions_ReplaysInOrderThenEndsOnce(t *testing.T) {
	backend := newIngestBackend(t)
	c := newTestCoordinator(t, backend)

	// Batches 1 and 3 remain; 2 was already confirmed before the crash.
	seedOrphanBatch(t, c, "dead-session", 1, []session.Event{{"type": "tap", "ts": int64(1000)}})
	seedOrphanBatch(t, c, "dead-session", 3, []session.Event{{"type": "tap", "ts": int64(3000)}})
	require.NoError(t, c.store.WriteRecord(&session.RecoveryRecord{
		SessionID:        "dead-session",
		SessionStartTime: 500,
	}))

	recovered, err := c.RecoverPendingSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	// Batch 1 before batch 3, then exactly one session-end.
	require.Len(t, backend.presigns, 2)
	assert.EqualValues(t, 1, backend.presigns[0]["batchNumber"])
	assert.EqualValues(t, 3, backend.presigns[1]["batchNumber"])
	require.Len(t, backend.sessionEnds, 1)
	assert.Equal(t, "dead-session", backend.sessionEnds[0]["sessionId"])

	// The last event's own timestamp wins over directory metadata.
	assert.EqualValues(t, 3000, backend.sessionEnds[0]["endedAt"])

	// The recovered directory is gone.
	_, err = os.Stat(filepath.Join(c.store.Root(), "dead-session"))
	assert.True(t, os.IsNotExist(err))
}

func TestRecoverPendingSessions_SkipsActiveSession(t *testing.T) {
	backend := newIngestBackend(t)
	c := newTestCoordinator(t, backend)

	seedOrphanBatch(t, c, "active-session", 1, []session.Event{{"ts": int64(1)}})

	recovered, err := c.RecoverPendingSessions(context.Background())
	require.NoError(t, err)
	assert.Zero(t, recovered)
	assert.Empty(t, backend.ingestCalls())
}

func TestRecoverPendingSessions_PartialFailureLeavesDirectory(t *testing.T) {
	backend := newIngestBackend(t)
	c := newTestCoordinator(t, backend)
	backend.putStatus = http.StatusBadGateway

	seedOrphanBatch(t, c, "dead-session", 1, []session.Event{{"ts": int64(1000)}})

	recovered, err := c.RecoverPendingSessions(context.Background())
	require.NoError(t, err)
	assert.Zero(t, recovered)

	// Nothing was finalized, nothing was deleted.
	assert.Empty(t, backend.sessionEnds)
	hasBatches, err := c.store.HasBatches("dead-session")
	require.NoError(t, err)
	assert.True(t, hasBatches)
}

func TestRecoverPendingSessions_EmptyDirFallsBackToRecordTimestamp(t *testing.T) {
	backend := newIngestBackend(t)
	c := newTestCoordinator(t, backend)

	require.NoError(t, c.store.WriteRecord(&session.RecoveryRecord{
		SessionID:             "dead-session",
		SessionStartTime:      500,
		TotalBackgroundTimeMs: 1234,
	}))

	recovered, err := c.RecoverPendingSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	require.Len(t, backend.sessionEnds, 1)
	end := backend.sessionEnds[0]
	assert.EqualValues(t, 1234, end["totalBackgroundTimeMs"])
	// WriteRecord stamps UpdatedAt; the fallback uses it.
	assert.Greater(t, end["endedAt"].(float64), float64(0))
}

func TestRecoverPendingSessions_MultipleSessions(t *testing.T) {
	backend := newIngestBackend(t)
	c := newTestCoordinator(t, backend)

	seedOrphanBatch(t, c, "dead-a", 1, []session.Event{{"ts": int64(100)}})
	seedOrphanBatch(t, c, "dead-b", 1, []session.Event{{"ts": int64(200)}})

	recovered, err := c.RecoverPendingSessions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)
	assert.Len(t, backend.sessionEnds, 2)
}
