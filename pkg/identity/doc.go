// Copyright (c) 2026 Rejourney
// SPDX-License-Identifier: Apache-2.0

/*
Package identity manages device authentication for telemetry uploads.

Each device holds a P-256 ECDSA keypair in secure storage. The private
key never leaves this package; registration exports the public key
once, and upload authorization proves possession by signing a
server-issued challenge.

# Registration

RegisterDevice binds the device public key to a project and yields a
device credential, issued once per device and install:

	id := identity.New(store, client, logger)
	credentialID, err := id.RegisterDevice(ctx, identity.RegistrationParams{
	    ProjectKey: "pk_live_...",
	    BundleID:   "co.example.app",
	    Platform:   "ios",
	    SDKVersion: "2.4.0",
	    APIURL:     "https://api.rejourney.co",
	})

A second call with a cached credential performs zero network calls.

# Upload Tokens

UploadToken runs the challenge-response protocol and caches the
resulting short-lived token, refreshing it with a 60 second safety
margin before expiry:

	token, expiresIn, err := id.UploadToken(ctx)

A 403 or 404 on the challenge call means the server revoked this
credential: all local credential, token, and key state is wiped, and
the next auto-register call performs a fresh registration.

# Auto-Registration

UploadTokenAutoRegister synthesizes register-then-token when no
credential is cached. Concurrent callers coalesce onto one in-flight
registration and all resolve from its single result. Consecutive
registration failures impose an exponential cooldown (5s base, 300s
cap) during which calls fail fast with ErrRateLimited and issue no
network call.
*/
package identity
