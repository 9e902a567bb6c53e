package secure

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testKey() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func TestNewEncryptorKeySize(t *testing.T) {
	if _, err := NewEncryptor([]byte("short")); err != ErrKeySize {
		t.Errorf("expected ErrKeySize, got %v", err)
	}
	if _, err := NewEncryptor(testKey()); err != nil {
		t.Errorf("valid key rejected: %v", err)
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	e, err := NewEncryptor(testKey())
	if err != nil {
		t.Fatalf("NewEncryptor: %v", err)
	}

	plaintext := []byte(`{"export_id":"exp-1","patient":"p-1"}`)
	sealed, err := e.Encrypt("exp-1", plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Error("sealed output contains plaintext")
	}

	opened, err := e.Decrypt("exp-1", sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Error("round trip did not recover plaintext")
	}
}

func TestDecryptWrongExportFails(t *testing.T) {
	e, _ := NewEncryptor(testKey())

	sealed, err := e.Encrypt("exp-1", []byte("phi"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// A different export ID derives a different key.
	if _, err := e.Decrypt("exp-2", sealed); err == nil {
		t.Error("decryption with wrong export ID should fail")
	}

	other, _ := NewEncryptor(bytes.Repeat([]byte{0x07}, 32))
	if _, err := other.Decrypt("exp-1", sealed); err == nil {
		t.Error("decryption with wrong master key should fail")
	}
}

func TestDecryptTruncated(t *testing.T) {
	e, _ := NewEncryptor(testKey())
	if _, err := e.Decrypt("exp-1", []byte{0x01, 0x02}); err != ErrCiphertextShort {
		t.Errorf("expected ErrCiphertextShort, got %v", err)
	}
}

func TestEncryptFileReplacesPlaintext(t *testing.T) {
	e, _ := NewEncryptor(testKey())

	dir := t.TempDir()
	path := filepath.Join(dir, "Ana_Garcia_export.json")
	content := []byte(`{"records":[]}`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	encPath, err := e.EncryptFile("exp-9", path)
	if err != nil {
		t.Fatalf("EncryptFile: %v", err)
	}
	if !strings.HasSuffix(encPath, ".enc") {
		t.Errorf("encrypted path should end in .enc, got %s", encPath)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("plaintext file should be removed")
	}

	sealed, err := os.ReadFile(encPath)
	if err != nil {
		t.Fatalf("read encrypted file: %v", err)
	}
	opened, err := e.Decrypt("exp-9", sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(opened, content) {
		t.Error("file round trip did not recover content")
	}
}
