// Package keyshare persists key shares on disk encrypted with a password
// derived AES-256-GCM key.
package keyshare

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/crypto/pbkdf2"

	mpcerrors "github.com/pushchain/mpc-relay/mpc/errors"
	"github.com/pushchain/mpc-relay/mpc/protocol"
)

var (
	ErrKeyshareNotFound = mpcerrors.New(mpcerrors.CodeInfrastructure, "keyshare not found")
	ErrInvalidKeyID     = mpcerrors.New(mpcerrors.CodeInfrastructure, "invalid key ID")
	ErrDecryptionFailed = mpcerrors.New(mpcerrors.CodeInfrastructure, "decryption failed")
)

const (
	keysharesDirName = "keyshares"
	fileExt          = ".share"
	filePerms        = 0o600
	dirPerms         = 0o700

	saltLength       = 32
	nonceLength      = 12 // GCM nonce length
	keyLength        = 32 // AES-256
	pbkdf2Iterations = 100000
)

// Manager stores encrypted key shares as files named after their key ID.
type Manager struct {
	keysharesDir string
	password     string
}

// NewManager creates <homeDir>/keyshares if needed.
func NewManager(homeDir string, password string) (*Manager, error) {
	if homeDir == "" {
		return nil, errors.New("home directory cannot be empty")
	}
	if password == "" {
		return nil, errors.New("keyshare password cannot be empty")
	}

	keysharesDir := filepath.Join(homeDir, keysharesDirName)
	if err := os.MkdirAll(keysharesDir, dirPerms); err != nil {
		return nil, errors.Wrap(err, "failed to create keyshares directory")
	}

	return &Manager{
		keysharesDir: keysharesDir,
		password:     password,
	}, nil
}

func (m *Manager) path(keyID string) (string, error) {
	if keyID == "" {
		return "", ErrInvalidKeyID
	}
	if strings.ContainsAny(keyID, `/\`) || strings.Contains(keyID, "..") {
		return "", errors.Wrap(ErrInvalidKeyID, "keyID contains invalid characters")
	}
	return filepath.Join(m.keysharesDir, keyID+fileExt), nil
}

// Store encrypts share and writes it under keyID, replacing any previous one.
func (m *Manager) Store(keyID string, share *protocol.KeyShare) error {
	path, err := m.path(keyID)
	if err != nil {
		return err
	}
	if share == nil {
		return errors.New("keyshare cannot be nil")
	}

	plaintext, err := json.Marshal(share)
	if err != nil {
		return errors.Wrap(err, "failed to encode keyshare")
	}
	encrypted, err := m.encrypt(plaintext)
	if err != nil {
		return errors.Wrap(err, "failed to encrypt keyshare")
	}
	if err := os.WriteFile(path, encrypted, filePerms); err != nil {
		return errors.Wrap(err, "failed to write keyshare file")
	}
	return nil
}

// Get reads and decrypts the share stored under keyID.
func (m *Manager) Get(keyID string) (*protocol.KeyShare, error) {
	path, err := m.path(keyID)
	if err != nil {
		return nil, err
	}

	encrypted, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrKeyshareNotFound, keyID)
		}
		return nil, errors.Wrap(err, "failed to read keyshare file")
	}

	plaintext, err := m.decrypt(encrypted)
	if err != nil {
		return nil, err
	}

	var share protocol.KeyShare
	if err := json.Unmarshal(plaintext, &share); err != nil {
		return nil, errors.Wrap(err, "failed to decode keyshare")
	}
	return &share, nil
}

// Exists reports whether a share is stored under keyID.
func (m *Manager) Exists(keyID string) (bool, error) {
	path, err := m.path(keyID)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "failed to check keyshare file")
	}
	return true, nil
}

// Delete removes the share stored under keyID.
func (m *Manager) Delete(keyID string) error {
	path, err := m.path(keyID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrap(ErrKeyshareNotFound, keyID)
		}
		return errors.Wrap(err, "failed to delete keyshare file")
	}
	return nil
}

// List returns the stored key IDs in lexical order.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.keysharesDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read keyshares directory")
	}

	keyIDs := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileExt) {
			continue
		}
		keyIDs = append(keyIDs, strings.TrimSuffix(entry.Name(), fileExt))
	}
	sort.Strings(keyIDs)
	return keyIDs, nil
}

func (m *Manager) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(m.password), salt, pbkdf2Iterations, keyLength, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create GCM")
	}
	return gcm, nil
}

// encrypt returns salt(32) || nonce(12) || ciphertext || tag(16).
func (m *Manager) encrypt(plaintext []byte) ([]byte, error) {
	if len(plaintext) == 0 {
		return nil, errors.New("keyshare data cannot be empty")
	}

	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errors.Wrap(err, "failed to generate salt")
	}
	gcm, err := m.aead(salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "failed to generate nonce")
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	out := make([]byte, 0, saltLength+len(sealed))
	out = append(out, salt...)
	return append(out, sealed...), nil
}

func (m *Manager) decrypt(data []byte) ([]byte, error) {
	if len(data) < saltLength+nonceLength {
		return nil, ErrDecryptionFailed
	}
	salt, rest := data[:saltLength], data[saltLength:]

	gcm, err := m.aead(salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, rest[:nonceLength], rest[nonceLength:], nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
