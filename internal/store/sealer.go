package store

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// HistoryKeySize is the size of the clipboard history master key.
const HistoryKeySize = 32

var (
	// ErrWeakKey is returned for master keys of the wrong size or all zeros.
	ErrWeakKey = errors.New("store: weak history key")
	// ErrDecrypt is returned when a history entry fails authentication.
	ErrDecrypt = errors.New("store: history entry failed to decrypt")
)

// sealer encrypts clipboard history entries with XChaCha20-Poly1305.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(masterKey []byte) (*sealer, error) {
	if len(masterKey) != HistoryKeySize || allZero(masterKey) {
		return nil, ErrWeakKey
	}

	key := make([]byte, chacha20poly1305.KeySize)
	kdf := hkdf.New(sha256.New, masterKey, nil, []byte("snipd:clipboard-history:v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("derive history key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init history cipher: %w", err)
	}
	return &sealer{aead: aead}, nil
}

func (s *sealer) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (s *sealer) open(sealed []byte) ([]byte, error) {
	n := s.aead.NonceSize()
	if len(sealed) < n+s.aead.Overhead() {
		return nil, ErrDecrypt
	}
	plaintext, err := s.aead.Open(nil, sealed[:n], sealed[n:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

func allZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// LoadOrCreateHistoryKey reads the master key at path, generating a new
// random key with 0600 permissions if the file does not exist.
func LoadOrCreateHistoryKey(path string) ([]byte, error) {
	key, err := os.ReadFile(path)
	if err == nil {
		if len(key) != HistoryKeySize {
			return nil, fmt.Errorf("%w: %s holds %d bytes", ErrWeakKey, path, len(key))
		}
		return key, nil
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read history key: %w", err)
	}

	key = make([]byte, HistoryKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate history key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(path, key, 0600); err != nil {
		return nil, fmt.Errorf("write history key: %w", err)
	}
	return key, nil
}

// EnableHistoryEncryption encrypts clipboard entries recorded from now on.
// Existing plaintext entries stay readable.
func (s *Store) EnableHistoryEncryption(masterKey []byte) error {
	sl, err := newSealer(masterKey)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sealer = sl
	s.mu.Unlock()
	return nil
}
