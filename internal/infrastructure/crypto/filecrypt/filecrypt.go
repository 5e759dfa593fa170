// Package filecrypt encrypts stored receipt files at rest with
// XChaCha20-Poly1305. Decryption happens in memory only.
package filecrypt

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/kirillkom/travel-expense-review/internal/core/domain"
)

var magic = []byte("TERX1\x00")

// PathResolver maps a storage key to a file path. Implemented by localfs.Storage.
type PathResolver interface {
	Path(key string) (string, error)
}

type Encryptor struct {
	paths PathResolver
	key   []byte
}

func New(paths PathResolver, key []byte) (*Encryptor, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, domain.WrapError(domain.ErrInvalidInput, "filecrypt", fmt.Errorf("key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key)))
	}
	return &Encryptor{paths: paths, key: append([]byte(nil), key...)}, nil
}

// ParseKey accepts a 32-byte key as hex or standard base64.
func ParseKey(secret string) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if raw, err := hex.DecodeString(secret); err == nil && len(raw) == chacha20poly1305.KeySize {
		return raw, nil
	}
	if raw, err := base64.StdEncoding.DecodeString(secret); err == nil && len(raw) == chacha20poly1305.KeySize {
		return raw, nil
	}
	return nil, domain.WrapError(domain.ErrInvalidInput, "parse encryption key", errors.New("expected 32 bytes as hex or base64"))
}

// Encrypt replaces the stored file with its ciphertext. Already encrypted
// files are left untouched.
func (e *Encryptor) Encrypt(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := e.paths.Path(key)
	if err != nil {
		return err
	}
	plain, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read plaintext: %w", err)
	}
	if bytes.HasPrefix(plain, magic) {
		return nil
	}

	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, len(magic)+len(nonce)+len(plain)+aead.Overhead())
	out = append(out, magic...)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plain, []byte(key))

	return replaceFile(path, out)
}

func (e *Encryptor) Decrypt(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := e.paths.Path(key)
	if err != nil {
		return nil, err
	}
	sealed, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, domain.WrapError(domain.ErrNotFound, "decrypt receipt", err)
		}
		return nil, fmt.Errorf("read ciphertext: %w", err)
	}
	if !bytes.HasPrefix(sealed, magic) {
		return nil, domain.WrapError(domain.ErrInvalidInput, "decrypt receipt", errors.New("file is not encrypted"))
	}

	aead, err := chacha20poly1305.NewX(e.key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	body := sealed[len(magic):]
	if len(body) < aead.NonceSize()+aead.Overhead() {
		return nil, domain.WrapError(domain.ErrInvalidInput, "decrypt receipt", errors.New("ciphertext truncated"))
	}
	nonce, ciphertext := body[:aead.NonceSize()], body[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(key))
	if err != nil {
		return nil, fmt.Errorf("open ciphertext: %w", err)
	}
	return plain, nil
}

func replaceFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".enc-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write ciphertext: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync ciphertext: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace plaintext: %w", err)
	}
	return nil
}
