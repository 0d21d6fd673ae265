package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// File is a Store backed by one sealed file per entry.
//
// Values are encrypted with AES-256-GCM under a key derived from a
// caller-supplied root secret via HKDF-SHA256. On mobile targets the
// platform keychain should be used instead; File covers development
// hosts and headless test rigs.
//
// Entry files are written as {salt[16]}{nonce[12]}{ciphertext} with
// 0600 permissions under a 0700 directory.
type File struct {
	dir        string
	rootSecret []byte

	mu sync.Mutex
}

const fileSaltSize = 16

// NewFile creates a file-backed store rooted at dir.
func NewFile(dir string, rootSecret []byte) (*File, error) {
	if len(rootSecret) < 16 {
		return nil, fmt.Errorf("keystore: root secret too short (%d bytes)", len(rootSecret))
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("creating keystore directory: %w", err)
	}
	return &File{
		dir:        dir,
		rootSecret: rootSecret,
	}, nil
}

// Get returns the decrypted value stored under name
func (f *File) Get(name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sealed, err := os.ReadFile(f.entryPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reading entry: %w", err)
	}

	if len(sealed) < fileSaltSize {
		return nil, ErrCorrupted
	}
	salt := sealed[:fileSaltSize]

	gcm, err := f.sealer(salt)
	if err != nil {
		return nil, err
	}

	rest := sealed[fileSaltSize:]
	if len(rest) < gcm.NonceSize() {
		return nil, ErrCorrupted
	}
	nonce, ciphertext := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(name))
	if err != nil {
		return nil, ErrCorrupted
	}
	return plaintext, nil
}

// Set encrypts and durably stores value under name
func (f *File) Set(name string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	salt := make([]byte, fileSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}

	gcm, err := f.sealer(salt)
	if err != nil {
		return err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generating nonce: %w", err)
	}

	sealed := make([]byte, 0, fileSaltSize+len(nonce)+len(value)+gcm.Overhead())
	sealed = append(sealed, salt...)
	sealed = append(sealed, nonce...)
	sealed = gcm.Seal(sealed, nonce, value, []byte(name))

	// Write-then-rename so a crash mid-write never corrupts the entry.
	tmp := f.entryPath(name) + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0600); err != nil {
		return fmt.Errorf("writing entry: %w", err)
	}
	if err := os.Rename(tmp, f.entryPath(name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("committing entry: %w", err)
	}
	return nil
}

// Delete removes the entry
func (f *File) Delete(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := os.Remove(f.entryPath(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting entry: %w", err)
	}
	return nil
}

func (f *File) entryPath(name string) string {
	// Entry names are fixed SDK identifiers, but hash them anyway so
	// a hostile name can never escape the store directory.
	digest := sha256.Sum256([]byte(name))
	return filepath.Join(f.dir, fmt.Sprintf("%x.sealed", digest[:12]))
}

func (f *File) sealer(salt []byte) (cipher.AEAD, error) {
	kdf := hkdf.New(sha256.New, f.rootSecret, salt, []byte("rejourney keystore v1"))
	key := make([]byte, 32)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("deriving entry key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return gcm, nil
}
