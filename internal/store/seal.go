package store

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/greenroute/tripledger/internal/record"
)

// Sealer protects cold-storage snapshots at rest.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(payload string) ([]byte, error)
	Sealed() bool
}

// Digest returns "sha256:<hex>" of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

// PlainSealer stores snapshots as-is.
type PlainSealer struct{}

func (PlainSealer) Seal(plaintext []byte) (string, error) { return string(plaintext), nil }
func (PlainSealer) Open(payload string) ([]byte, error)   { return []byte(payload), nil }
func (PlainSealer) Sealed() bool                          { return false }

// AgeSealer encrypts snapshots to an X25519 recipient. Ciphertext is stored
// base64-encoded.
type AgeSealer struct {
	identity *age.X25519Identity
}

// NewAgeSealer wraps an existing identity.
func NewAgeSealer(identity *age.X25519Identity) *AgeSealer {
	return &AgeSealer{identity: identity}
}

// LoadOrCreateKey reads the identity at path, generating and writing a new
// one with 0600 permissions if the file does not exist.
func LoadOrCreateKey(path string) (*AgeSealer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		id, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("parsing snapshot key %s: %w", path, err)
		}
		return NewAgeSealer(id), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading snapshot key %s: %w", path, err)
	}

	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating X25519 identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("writing snapshot key %s: %w", path, err)
	}
	return NewAgeSealer(id), nil
}

func (s *AgeSealer) Sealed() bool { return true }

func (s *AgeSealer) Seal(plaintext []byte) (string, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.identity.Recipient())
	if err != nil {
		return "", fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return "", fmt.Errorf("writing to age encryptor: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing age encryptor: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (s *AgeSealer) Open(payload string) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding sealed snapshot: %v", record.ErrInvariantViolation, err)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), s.identity)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypting snapshot: %v", record.ErrInvariantViolation, err)
	}
	plaintext, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading decrypted snapshot: %w", err)
	}
	return plaintext, nil
}
