// Package secure encrypts export artifacts at rest. Each artifact gets its
// own key derived from the master key via HKDF, salted with the export ID,
// so a leaked per-export key never exposes sibling exports.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/hkdf"
)

const (
	keySize = 32 // AES-256
	// EncryptedSuffix marks encrypted artifacts on disk.
	EncryptedSuffix = ".enc"
)

var (
	// ErrKeySize indicates a master key of the wrong length.
	ErrKeySize = errors.New("master key must be 32 bytes")
	// ErrCiphertextShort indicates a truncated or corrupt ciphertext.
	ErrCiphertextShort = errors.New("ciphertext shorter than nonce")
)

// Encryptor seals export artifacts with AES-256-GCM.
type Encryptor struct {
	masterKey []byte
}

// NewEncryptor creates an encryptor from a 32-byte master key.
func NewEncryptor(masterKey []byte) (*Encryptor, error) {
	if len(masterKey) != keySize {
		return nil, ErrKeySize
	}
	key := make([]byte, keySize)
	copy(key, masterKey)
	return &Encryptor{masterKey: key}, nil
}

// deriveKey produces the per-export key: HKDF-SHA256 over the master key
// with the export ID as salt.
func (e *Encryptor) deriveKey(exportID string) ([]byte, error) {
	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, e.masterKey, []byte(exportID), []byte("patient-export-artifact"))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive export key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext for one export. Output is nonce || ciphertext.
func (e *Encryptor) Encrypt(exportID string, plaintext []byte) ([]byte, error) {
	aead, err := e.aead(exportID)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, []byte(exportID)), nil
}

// Decrypt opens a sealed artifact.
func (e *Encryptor) Decrypt(exportID string, sealed []byte) ([]byte, error) {
	aead, err := e.aead(exportID)
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, ErrCiphertextShort
	}

	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, []byte(exportID))
	if err != nil {
		return nil, fmt.Errorf("decrypt artifact: %w", err)
	}
	return plaintext, nil
}

// EncryptFile seals the artifact at path in place: the sealed copy gets the
// .enc suffix and the plaintext is removed. Returns the encrypted path.
func (e *Encryptor) EncryptFile(exportID, path string) (string, error) {
	plaintext, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read artifact: %w", err)
	}

	sealed, err := e.Encrypt(exportID, plaintext)
	if err != nil {
		return "", err
	}

	encPath := path + EncryptedSuffix
	if err := os.WriteFile(encPath, sealed, 0o600); err != nil {
		return "", fmt.Errorf("write encrypted artifact: %w", err)
	}
	if err := os.Remove(path); err != nil {
		return "", fmt.Errorf("remove plaintext artifact: %w", err)
	}
	return encPath, nil
}

func (e *Encryptor) aead(exportID string) (cipher.AEAD, error) {
	key, err := e.deriveKey(exportID)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
