package records

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"golang.org/x/crypto/hkdf"
)

const (
	cursorNonceLen = 12
	cursorTagLen   = 16
)

// ErrBadCursor covers every way a cursor can be invalid. The sub-reason is
// never surfaced to clients to avoid oracle leakage.
var ErrBadCursor = errors.New("bad cursor")

// CursorCodec seals pagination cursors with AES-256-GCM. The key lives for
// the process only; cursors are opaque and ephemeral by design. The API
// name is bound as associated data so a cursor minted for one API cannot be
// replayed against another.
type CursorCodec struct {
	aead cipher.AEAD
}

// NewCursorCodec derives a fresh process-local key and builds the codec.
func NewCursorCodec() (*CursorCodec, error) {
	master := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, master); err != nil {
		return nil, fmt.Errorf("failed to generate cursor master secret: %w", err)
	}
	return NewCursorCodecWithSecret(master)
}

// NewCursorCodecWithSecret builds a codec from the given master secret.
// The AEAD key is derived with HKDF so the secret itself never keys the
// cipher directly.
func NewCursorCodecWithSecret(master []byte) (*CursorCodec, error) {
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, master, nil, []byte("litebase-record-cursor-v1"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("failed to derive cursor key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &CursorCodec{aead: aead}, nil
}

// Seal encrypts plaintext scoped to apiName. The result is
// base64url(nonce ∥ ciphertext ∥ tag) without padding.
func (c *CursorCodec) Seal(apiName, plaintext string) (string, error) {
	nonce := make([]byte, cursorNonceLen)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), []byte(apiName))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open authenticates and decrypts a sealed cursor for apiName. Any failure
// (encoding, truncation, seal, encoding of the plaintext) is ErrBadCursor.
func (c *CursorCodec) Open(apiName, sealed string) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return "", fmt.Errorf("%w: base64", ErrBadCursor)
	}
	if len(data) <= cursorNonceLen+cursorTagLen {
		return "", fmt.Errorf("%w: short data", ErrBadCursor)
	}

	nonce, ciphertext := data[:cursorNonceLen], data[cursorNonceLen:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, []byte(apiName))
	if err != nil {
		return "", fmt.Errorf("%w: seal", ErrBadCursor)
	}
	if !utf8.Valid(plaintext) {
		return "", fmt.Errorf("%w: utf8", ErrBadCursor)
	}
	return string(plaintext), nil
}
