// Package keystore provides secure storage for SDK credentials.
//
// The SDK keeps its device private key, device credential, and cached
// upload token in a sandboxed secure store. On mobile hosts the store
// is backed by the platform keychain; this package defines the
// capability interface the SDK programs against, plus two
// implementations:
//
//   - Memory: process-local map, used in tests
//   - File: one sealed file per entry, values encrypted at rest with
//     an AES-256-GCM key derived from a root secret
//
// Implementations must be safe for concurrent use.
package keystore

import "errors"

// Common errors
var (
	// ErrNotFound indicates the named entry does not exist.
	ErrNotFound = errors.New("keystore: entry not found")

	// ErrCorrupted indicates the stored value failed authentication
	// or decoding and cannot be recovered.
	ErrCorrupted = errors.New("keystore: entry corrupted")
)

// Store is durable, sandboxed storage for named secrets.
type Store interface {
	// Get returns the value stored under name, or ErrNotFound.
	Get(name string) ([]byte, error)

	// Set durably stores value under name, replacing any prior value.
	Set(name string, value []byte) error

	// Delete removes the entry. Deleting a missing entry is not an error.
	Delete(name string) error
}
