package keystore

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_RoundTrip(t *testing.T) {
	store := NewMemory()

	require.NoError(t, store.Set("credential", []byte("dev_cred_123")))

	value, err := store.Get("credential")
	require.NoError(t, err)
	assert.Equal(t, []byte("dev_cred_123"), value)

	require.NoError(t, store.Delete("credential"))

	_, err = store.Get("credential")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemory_GetReturnsCopy(t *testing.T) {
	store := NewMemory()
	require.NoError(t, store.Set("key", []byte("original")))

	value, err := store.Get("key")
	require.NoError(t, err)
	value[0] = 'X'

	again, err := store.Get("key")
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}

func TestMemory_DeleteMissing(t *testing.T) {
	store := NewMemory()
	assert.NoError(t, store.Delete("never-set"))
}

func TestFile_RoundTrip(t *testing.T) {
	store := newTestFileStore(t)

	require.NoError(t, store.Set("upload_token", []byte("tok_abc")))

	value, err := store.Get("upload_token")
	require.NoError(t, err)
	assert.Equal(t, []byte("tok_abc"), value)

	require.NoError(t, store.Delete("upload_token"))
	_, err = store.Get("upload_token")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFile_Overwrite(t *testing.T) {
	store := newTestFileStore(t)

	require.NoError(t, store.Set("key", []byte("first")))
	require.NoError(t, store.Set("key", []byte("second")))

	value, err := store.Get("key")
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), value)
}

func TestFile_ValuesOpaqueAtRest(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFile(dir, []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	secret := []byte("device credential plaintext")
	require.NoError(t, store.Set("credential", secret))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	raw, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	require.NoError(t, err)
	assert.False(t, bytes.Contains(raw, secret), "plaintext must not appear on disk")
}

func TestFile_TamperDetected(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFile(dir, []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	require.NoError(t, store.Set("key", []byte("value")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	path := filepath.Join(dir, entries[0].Name())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0600))

	_, err = store.Get("key")
	assert.ErrorIs(t, err, ErrCorrupted)
}

func TestFile_RejectsShortSecret(t *testing.T) {
	_, err := NewFile(t.TempDir(), []byte("short"))
	assert.Error(t, err)
}

func newTestFileStore(t *testing.T) *File {
	t.Helper()
	store, err := NewFile(t.TempDir(), []byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)
	return store
}
