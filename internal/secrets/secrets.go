// Package secrets holds the gateway's encryption primitives: AEAD sealing of
// upstream API keys and minting/hashing of proxy tokens.
//
// The AEAD key is derived from the BOT_MASTER_KEY environment value with
// HKDF-SHA256, so operators may supply any sufficiently long passphrase
// without worrying about exact key sizing. Ciphertexts are self-describing:
// the random nonce is prepended to the sealed bytes and the whole blob is
// base64-encoded for storage in a TEXT column.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// tokenPrefix identifies botgate proxy tokens in logs and support tickets
	// without revealing anything about the secret itself.
	tokenPrefix    = "bg_"
	tokenRandBytes = 32
	minMasterLen   = 16
)

var hkdfInfo = []byte("botgate-credential-box-v1")

// ErrMasterKeyTooShort is returned by NewBox for master keys under 16 bytes.
var ErrMasterKeyTooShort = errors.New("secrets: master key must be at least 16 bytes")

// Box seals and opens credential secrets with AES-256-GCM.
// It is safe for concurrent use; the derived key never leaves the process.
type Box struct {
	aead cipher.AEAD
}

// NewBox derives a 32-byte AES key from masterKey and returns a ready Box.
func NewBox(masterKey string) (*Box, error) {
	if len(masterKey) < minMasterLen {
		return nil, ErrMasterKeyTooShort
	}

	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, []byte(masterKey), nil, hkdfInfo)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("secrets: derive key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: gcm: %w", err)
	}

	return &Box{aead: aead}, nil
}

// Encrypt seals plaintext with a fresh random nonce and returns
// base64(nonce || ciphertext).
func (b *Box) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, b.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := b.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. It fails on truncated or tampered input.
func (b *Box) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("secrets: decode: %w", err)
	}
	ns := b.aead.NonceSize()
	if len(raw) < ns {
		return "", errors.New("secrets: ciphertext too short")
	}
	plain, err := b.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("secrets: open: %w", err)
	}
	return string(plain), nil
}

// MintToken returns a new opaque proxy token: 32 bytes of cryptographic
// randomness, URL-safe base64, with the bg_ prefix. The plaintext exists
// only transiently at mint time; callers store HashToken(token).
func MintToken() (string, error) {
	raw := make([]byte, tokenRandBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("secrets: mint token: %w", err)
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(raw), nil
}

// HashToken returns the deterministic hex SHA-256 digest used for token
// lookup. Deterministic hashing (rather than bcrypt) keeps validation a
// single indexed query on the hot path.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
