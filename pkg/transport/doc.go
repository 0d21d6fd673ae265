// Copyright (c) 2026 Rejourney
// SPDX-License-Identifier: Apache-2.0

/*
Package transport implements the HTTP layer for backend control calls
and presigned object-storage uploads.

# Timeouts

Control calls (registration, challenge, presign, complete) use a short
bounded timeout, around 10 seconds. Object PUTs to presigned URLs use
a resource timeout sized to the payload so large batches on slow
cellular links are not cut off prematurely.

# Client Usage

Create a client and issue control calls:

	client := transport.NewClient("https://api.rejourney.co", nil)

	var resp presignResponse
	err := client.PostJSON(ctx, "/ingest/presign", req, &resp, token)

Upload a compressed batch to a presigned URL:

	err := client.PutObject(ctx, resp.PresignedURL, payload, "application/gzip")

# Error Classification

Non-2xx responses are returned as *HTTPError. Callers branch on the
status class rather than parsing messages:

	var httpErr *transport.HTTPError
	if errors.As(err, &httpErr) {
	    switch {
	    case httpErr.IsUnauthorized(): // refresh token, retry once
	    case httpErr.IsRejected():     // credential revoked, wipe local state
	    case httpErr.IsServerError():  // retry candidate
	    }
	}

Transport-level failures (DNS, connection reset, timeout) are returned
as wrapped errors and are always retry candidates.
*/
package transport
