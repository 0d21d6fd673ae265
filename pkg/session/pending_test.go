package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *PendingStore {
	t.Helper()
	store, err := NewPendingStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func testBatch(sessionID string, number int) *PendingBatch {
	return &PendingBatch{
		SessionID:         sessionID,
		ContentType:       ContentTypeEvents,
		BatchNumber:       number,
		CompressedPayload: []byte("gzip payload"),
		EventCount:        10,
		CreatedAt:         time.Now(),
	}
}

func TestPendingStore_WriteListDelete(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.WriteBatch(testBatch("s1", 1)))
	require.NoError(t, store.WriteBatch(testBatch("s1", 2)))

	batches, err := store.ListBatches("s1")
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, 1, batches[0].BatchNumber)
	assert.Equal(t, 2, batches[1].BatchNumber)
	assert.Equal(t, []byte("gzip payload"), batches[0].CompressedPayload)
	assert.Equal(t, 10, batches[0].EventCount)

	require.NoError(t, store.DeleteBatch(batches[0]))

	batches, err = store.ListBatches("s1")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, 2, batches[0].BatchNumber)
}

func TestPendingStore_BatchOrderSurvivesGaps(t *testing.T) {
	store := newTestStore(t)

	// Batch 2 was already confirmed and deleted; 1 and 3 remain.
	require.NoError(t, store.WriteBatch(testBatch("s1", 3)))
	require.NoError(t, store.WriteBatch(testBatch("s1", 1)))

	batches, err := store.ListBatches("s1")
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, 1, batches[0].BatchNumber)
	assert.Equal(t, 3, batches[1].BatchNumber)
}

func TestPendingStore_FilenameOrderMatchesBatchOrder(t *testing.T) {
	store := newTestStore(t)

	// Zero padding keeps batch 10 after batch 2 in lexical order.
	require.NoError(t, store.WriteBatch(testBatch("s1", 10)))
	require.NoError(t, store.WriteBatch(testBatch("s1", 2)))

	batches, err := store.ListBatches("s1")
	require.NoError(t, err)
	require.Len(t, batches, 2)
	assert.Equal(t, 2, batches[0].BatchNumber)
	assert.Equal(t, 10, batches[1].BatchNumber)
}

func TestPendingStore_ListReconstructsBatchWithoutMeta(t *testing.T) {
	store := newTestStore(t)

	batch := testBatch("s1", 4)
	batch.IsKeyframe = true
	require.NoError(t, store.WriteBatch(batch))

	// A crash between payload and sidecar commits can lose the
	// metadata; the filename alone still identifies the batch.
	metaPath := filepath.Join(store.Root(), "s1", "events_000004_k.gz"+metaSuffix)
	require.NoError(t, os.Remove(metaPath))

	batches, err := store.ListBatches("s1")
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "s1", batches[0].SessionID)
	assert.Equal(t, ContentTypeEvents, batches[0].ContentType)
	assert.Equal(t, 4, batches[0].BatchNumber)
	assert.True(t, batches[0].IsKeyframe)
	assert.Equal(t, []byte("gzip payload"), batches[0].CompressedPayload)
}

func TestPendingStore_KeyframeMarkerInFilename(t *testing.T) {
	store := newTestStore(t)

	batch := testBatch("s1", 1)
	batch.IsKeyframe = true
	require.NoError(t, store.WriteBatch(batch))

	entries, err := os.ReadDir(filepath.Join(store.Root(), "s1"))
	require.NoError(t, err)

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Contains(t, names, "events_000001_k.gz")
	assert.Contains(t, names, "events_000001_k.gz.meta.json")
}

func TestPendingStore_ListSessions(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.WriteBatch(testBatch("s2", 1)))
	require.NoError(t, store.WriteBatch(testBatch("s1", 1)))

	sessions, err := store.ListSessions()
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, sessions)
}

func TestPendingStore_RecoveryRecordRoundTrip(t *testing.T) {
	store := newTestStore(t)

	record := &RecoveryRecord{
		SessionID:             "s1",
		SessionStartTime:      1700000000000,
		TotalBackgroundTimeMs: 4500,
	}
	require.NoError(t, store.WriteRecord(record))

	loaded, err := store.ReadRecord("s1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "s1", loaded.SessionID)
	assert.Equal(t, int64(1700000000000), loaded.SessionStartTime)
	assert.Equal(t, int64(4500), loaded.TotalBackgroundTimeMs)
	assert.False(t, loaded.UpdatedAt.IsZero())
}

func TestPendingStore_ReadRecordMissing(t *testing.T) {
	store := newTestStore(t)

	record, err := store.ReadRecord("never-existed")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestPendingStore_HasBatches(t *testing.T) {
	store := newTestStore(t)

	has, err := store.HasBatches("s1")
	require.NoError(t, err)
	assert.False(t, has)

	batch := testBatch("s1", 1)
	require.NoError(t, store.WriteBatch(batch))

	has, err = store.HasBatches("s1")
	require.NoError(t, err)
	assert.True(t, has)

	// session.json alone does not count as a pending batch
	require.NoError(t, store.DeleteBatch(batch))
	require.NoError(t, store.WriteRecord(&RecoveryRecord{SessionID: "s1"}))

	has, err = store.HasBatches("s1")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestPendingStore_RemoveSession(t *testing.T) {
	store := newTestStore(t)

	require.NoError(t, store.WriteBatch(testBatch("s1", 1)))
	require.NoError(t, store.RemoveSession("s1"))

	batches, err := store.ListBatches("s1")
	require.NoError(t, err)
	assert.Empty(t, batches)
}

func TestParseBatchFileName(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		number      int
		keyframe    bool
		ok          bool
	}{
		{"events_000003_n.gz", "events", 3, false, true},
		{"crash_000001_k.gz", "crash", 1, true, true},
		{"events_000003_n.gz.meta.json", "", 0, false, false},
		{"session.json", "", 0, false, false},
		{"events_abc_n.gz", "", 0, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ct, n, kf, ok := ParseBatchFileName(tt.name)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.contentType, ct)
				assert.Equal(t, tt.number, n)
				assert.Equal(t, tt.keyframe, kf)
			}
		})
	}
}

func TestEvent_Timestamp(t *testing.T) {
	ts, ok := Event{"ts": float64(1700000000123)}.Timestamp()
	require.True(t, ok)
	assert.Equal(t, int64(1700000000123), ts)

	ts, ok = Event{"timestamp": int64(42)}.Timestamp()
	require.True(t, ok)
	assert.Equal(t, int64(42), ts)

	_, ok = Event{"type": "touch"}.Timestamp()
	assert.False(t, ok)
}
