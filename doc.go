// Copyright (c) 2026 Rejourney
// SPDX-License-Identifier: Apache-2.0

/*
Package rejourney is the client-side reliability layer of the Rejourney
mobile observability SDK.

# Overview

go-sdk establishes device identity, authorizes telemetry uploads, and
durably delivers batched session data (events, crash and ANR reports)
to the Rejourney backend over unreliable mobile networks. It is built
to survive process termination, backgrounding, and backend outages
without losing data or double-reporting.

# Package Structure

The library is organized into the following packages:

	github.com/rejourneyco/go-sdk/pkg/identity    - Device keypair lifecycle, registration, upload tokens
	github.com/rejourneyco/go-sdk/pkg/upload      - Persist-before-send upload pipeline and crash recovery
	github.com/rejourneyco/go-sdk/pkg/reliability - Retry queue, exponential backoff, circuit breaker
	github.com/rejourneyco/go-sdk/pkg/session     - Batch envelopes and the pending-upload store
	github.com/rejourneyco/go-sdk/pkg/keystore    - Secure credential storage abstraction
	github.com/rejourneyco/go-sdk/pkg/transport   - HTTP client for control calls and presigned uploads
	github.com/rejourneyco/go-sdk/pkg/compression - GZIP payload compression
	github.com/rejourneyco/go-sdk/pkg/telemetry   - SDK health counters
	github.com/rejourneyco/go-sdk/pkg/network     - Network quality metadata

# Quick Start

To deliver a batch of session events:

	import (
	    "github.com/rejourneyco/go-sdk/pkg/identity"
	    "github.com/rejourneyco/go-sdk/pkg/keystore"
	    "github.com/rejourneyco/go-sdk/pkg/transport"
	    "github.com/rejourneyco/go-sdk/pkg/upload"
	)

	client := transport.NewClient("https://api.rejourney.co", nil)
	id := identity.New(keystore.NewMemory(), client, nil)

	coord, err := upload.NewCoordinator(upload.Config{
	    PendingDir: pendingDir,
	    Client:     client,
	    Identity:   id,
	})
	if err != nil {
	    return err
	}
	defer coord.Shutdown()

	err = coord.UploadBatch(ctx, events, false)

# Delivery Guarantees

Every batch is compressed and written to the pending-upload store
before the first network call, and deleted only after the backend
confirms completion. Failed batches route through the retry scheduler
under exponential backoff and a circuit breaker. Sessions interrupted
by a crash are replayed on the next launch in batch order and closed
with a single session-end call.

# Device Authentication

Devices authenticate with a P-256 ECDSA keypair held in secure
storage. Registration binds the public key to a project; upload tokens
are short-lived bearer credentials obtained by signing a server-issued
challenge. A rejected credential wipes all local authentication state
and triggers a fresh registration.

# License

Apache-2.0 License
*/
package rejourney
