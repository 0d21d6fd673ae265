// Copyright (c) 2026 Rejourney
// SPDX-License-Identifier: Apache-2.0

/*
Package upload implements the durable batch delivery pipeline.

Every batch is persisted to a per-session directory before any
network call, uploaded to object storage through a presigned URL, and
deleted from disk only after the backend confirms completion. A stage
failure leaves the persisted copy in place and hands the batch to the
retry scheduler; nothing is ever retried inline.

# Pipeline

	build envelope -> gzip -> persist -> presign -> PUT -> complete -> delete

The presign response may carry skipUpload when recording is disabled
server-side, which short-circuits to success without touching object
storage. A 401 on any control call triggers exactly one token refresh
and one retry of the failing call.

# Usage

	coordinator, err := upload.NewCoordinator(upload.Config{
	    PendingDir: pendingDir,
	    Client:     client,
	    Identity:   id,
	    Device:     deviceInfo,
	})
	if err != nil {
	    return err
	}
	defer coordinator.Shutdown()

	// On launch, drain anything a previous process left behind.
	if _, err := coordinator.RecoverPendingSessions(ctx); err != nil {
	    log.Warn("recovery failed", "error", err)
	}

	if err := coordinator.UploadBatch(ctx, events, false); err != nil {
	    // Batch is persisted and queued; delivery resumes under backoff.
	}

# Termination

PersistTerminationEvents writes the final batch and recovery record
with zero network I/O, for paths where the process may be killed at
any moment. RecoverPendingSessions on the next launch replays the
batches in order and closes the session with a single session-end
call.
*/
package upload
