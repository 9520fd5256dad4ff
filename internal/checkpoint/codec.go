// Package checkpoint provides durable, retention-bounded checkpoint storage
// for bankd.
package checkpoint

import (
	"bytes"
	"compress/gzip"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
)

// Compressor transforms checkpoint bytes on the way to and from disk. The
// no-op implementation is the default and always a legal choice.
type Compressor interface {
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// Encryptor seals checkpoint bytes at rest. The no-op implementation is the
// default and always a legal choice.
type Encryptor interface {
	Encrypt(data []byte) ([]byte, error)
	Decrypt(data []byte) ([]byte, error)
}

// NoopCompressor passes data through unchanged.
type NoopCompressor struct{}

func (NoopCompressor) Compress(data []byte) ([]byte, error)   { return data, nil }
func (NoopCompressor) Decompress(data []byte) ([]byte, error) { return data, nil }

// NoopEncryptor passes data through unchanged.
type NoopEncryptor struct{}

func (NoopEncryptor) Encrypt(data []byte) ([]byte, error) { return data, nil }
func (NoopEncryptor) Decrypt(data []byte) ([]byte, error) { return data, nil }

// GzipCompressor compresses checkpoint payloads with gzip.
type GzipCompressor struct{}

func (GzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// ChaChaEncryptor seals payloads with XChaCha20-Poly1305. The random nonce is
// prepended to the ciphertext.
type ChaChaEncryptor struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// NewChaChaEncryptor creates an encryptor from a hex-encoded 32-byte key.
func NewChaChaEncryptor(hexKey string) (*ChaChaEncryptor, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid hex: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &ChaChaEncryptor{aead: aead}, nil
}

func (e *ChaChaEncryptor) Encrypt(data []byte) ([]byte, error) {
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return e.aead.Seal(nonce, nonce, data, nil), nil
}

func (e *ChaChaEncryptor) Decrypt(data []byte) ([]byte, error) {
	if len(data) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("ciphertext shorter than nonce")
	}
	nonce, ciphertext := data[:chacha20poly1305.NonceSizeX], data[chacha20poly1305.NonceSizeX:]
	return e.aead.Open(nil, nonce, ciphertext, nil)
}
