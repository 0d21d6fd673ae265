// Copyright (c) 2026 Rejourney
// SPDX-License-Identifier: Apache-2.0

/*
Package reliability provides the retry scheduler and circuit breaker
guarding the upload pipeline.

# Circuit Breaker

The breaker opens after 5 consecutive failures and blocks requests for
60 seconds, then half-opens: requests are allowed again but the
failure counter only resets on an actual success.

	breaker := reliability.NewCircuitBreaker()

	if breaker.ShouldAllowRequest() {
	    if err := attempt(); err != nil {
	        breaker.RecordFailure()
	    } else {
	        breaker.RecordSuccess()
	    }
	}

# Retry Scheduler

Failed batches join a FIFO queue and are redriven one at a time
through the upload pipeline. The backoff delay is a function of the
circuit-level consecutive failure count, not per-item attempts — one
failing cause backs off the whole pipeline:

	delay = min(2^consecutiveFailures, 60) seconds

Items are dropped after 5 delivery attempts. The queue can be
snapshotted to a bounded disk list on backgrounding and restored on
the next launch.

	scheduler := reliability.NewScheduler(breaker, redrive, nil, logger)
	scheduler.Enqueue(batch)
*/
package reliability
