package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"time"
)

// On-disk layout, one directory per session under the root:
//
//	pending/
//	  {sessionId}/
//	    session.json
//	    {contentType}_{batchNumber}_{k|n}.gz
//	    {contentType}_{batchNumber}_{k|n}.gz.meta.json
//
// Batch numbers are zero-padded so lexical filename order equals
// batch order.

const (
	recordFileName = "session.json"
	metaSuffix     = ".meta.json"
)

var batchFilePattern = regexp.MustCompile(`^([a-z]+)_(\d+)_([kn])\.gz$`)

// PendingStore is the durable pending-upload store. It is owned
// exclusively by the upload coordinator and retry scheduler.
type PendingStore struct {
	root string
}

// NewPendingStore opens (creating if needed) a pending store at root.
func NewPendingStore(root string) (*PendingStore, error) {
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("creating pending store root: %w", err)
	}
	return &PendingStore{root: root}, nil
}

// Root returns the store's root directory.
func (s *PendingStore) Root() string {
	return s.root
}

// WriteBatch durably persists a compressed batch. The payload file is
// committed before the metadata file, so a batch visible to recovery
// always has its payload on disk.
func (s *PendingStore) WriteBatch(batch *PendingBatch) error {
	dir := s.sessionDir(batch.SessionID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	name := batchFileName(batch.ContentType, batch.BatchNumber, batch.IsKeyframe)
	payloadPath := filepath.Join(dir, name)

	if err := writeFileAtomic(payloadPath, batch.CompressedPayload); err != nil {
		return fmt.Errorf("persisting batch payload: %w", err)
	}

	meta, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("encoding batch metadata: %w", err)
	}
	if err := writeFileAtomic(payloadPath+metaSuffix, meta); err != nil {
		return fmt.Errorf("persisting batch metadata: %w", err)
	}
	return nil
}

// DeleteBatch removes a confirmed batch's payload and metadata.
func (s *PendingStore) DeleteBatch(batch *PendingBatch) error {
	dir := s.sessionDir(batch.SessionID)
	name := batchFileName(batch.ContentType, batch.BatchNumber, batch.IsKeyframe)

	if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting batch payload: %w", err)
	}
	if err := os.Remove(filepath.Join(dir, name+metaSuffix)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting batch metadata: %w", err)
	}
	return nil
}

// ListBatches returns a session's persisted batches in batch-number
// order, payloads loaded. A batch whose metadata sidecar is missing
// or unreadable is reconstructed from its filename; only batches
// without a readable payload are skipped.
func (s *PendingStore) ListBatches(sessionID string) ([]*PendingBatch, error) {
	dir := s.sessionDir(sessionID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading session directory: %w", err)
	}

	var batches []*PendingBatch
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		contentType, number, isKeyframe, ok := ParseBatchFileName(entry.Name())
		if !ok {
			continue
		}

		payloadPath := filepath.Join(dir, entry.Name())
		payload, err := os.ReadFile(payloadPath)
		if err != nil {
			continue
		}

		batch := &PendingBatch{
			SessionID:   sessionID,
			ContentType: contentType,
			BatchNumber: number,
			IsKeyframe:  isKeyframe,
		}
		if metaBytes, err := os.ReadFile(payloadPath + metaSuffix); err == nil {
			var meta PendingBatch
			if json.Unmarshal(metaBytes, &meta) == nil {
				batch = &meta
			}
		}
		batch.CompressedPayload = payload
		batches = append(batches, batch)
	}

	sort.Slice(batches, func(i, j int) bool {
		return batches[i].BatchNumber < batches[j].BatchNumber
	})
	return batches, nil
}

// ListSessions returns the IDs of all sessions with a pending directory.
func (s *PendingStore) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading pending store root: %w", err)
	}

	var sessions []string
	for _, entry := range entries {
		if entry.IsDir() {
			sessions = append(sessions, entry.Name())
		}
	}
	sort.Strings(sessions)
	return sessions, nil
}

// WriteRecord persists the session recovery record.
func (s *PendingStore) WriteRecord(record *RecoveryRecord) error {
	dir := s.sessionDir(record.SessionID)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	record.UpdatedAt = time.Now()
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding recovery record: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, recordFileName), data); err != nil {
		return fmt.Errorf("persisting recovery record: %w", err)
	}
	return nil
}

// ReadRecord loads the recovery record for a session, or nil if absent.
func (s *PendingStore) ReadRecord(sessionID string) (*RecoveryRecord, error) {
	data, err := os.ReadFile(filepath.Join(s.sessionDir(sessionID), recordFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading recovery record: %w", err)
	}

	var record RecoveryRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decoding recovery record: %w", err)
	}
	return &record, nil
}

// RemoveSession deletes a session directory and everything in it.
func (s *PendingStore) RemoveSession(sessionID string) error {
	if err := os.RemoveAll(s.sessionDir(sessionID)); err != nil {
		return fmt.Errorf("removing session directory: %w", err)
	}
	return nil
}

// HasBatches reports whether the session still has persisted batches.
func (s *PendingStore) HasBatches(sessionID string) (bool, error) {
	entries, err := os.ReadDir(s.sessionDir(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("reading session directory: %w", err)
	}
	for _, entry := range entries {
		if batchFilePattern.MatchString(entry.Name()) {
			return true, nil
		}
	}
	return false, nil
}

func (s *PendingStore) sessionDir(sessionID string) string {
	// Session IDs are SDK-generated UUIDs; Base guards against a
	// corrupted ID reaching the filesystem layer.
	return filepath.Join(s.root, filepath.Base(sessionID))
}

func batchFileName(contentType string, batchNumber int, isKeyframe bool) string {
	marker := "n"
	if isKeyframe {
		marker = "k"
	}
	return fmt.Sprintf("%s_%06d_%s.gz", contentType, batchNumber, marker)
}

// ParseBatchFileName extracts contentType, batchNumber, and keyframe
// flag from a persisted batch filename.
func ParseBatchFileName(name string) (contentType string, batchNumber int, isKeyframe bool, ok bool) {
	m := batchFilePattern.FindStringSubmatch(name)
	if m == nil {
		return "", 0, false, false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil {
		return "", 0, false, false
	}
	return m[1], n, m[3] == "k", true
}

func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
