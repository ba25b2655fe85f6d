// Package cipher encrypts wallet secrets at rest with a process-wide master key.
//
// Each value is sealed with AES-256-GCM under a key derived from the master key
// and a random per-value salt (HKDF-SHA256). The envelope is
//
//	base64(version | salt | nonce | ciphertext+tag)
package cipher

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/vietddude/custody/internal/core/domain"
)

const (
	envelopeVersion  byte = 1
	saltSize              = 16
	nonceSize             = 12
	keySize               = 32
	minMasterKeySize      = 32

	kdfInfo = "custody/v1"
)

// Cipher seals and opens secret fields.
type Cipher struct {
	masterKey []byte
}

// New creates a Cipher. It fails with domain.ErrConfiguration if key is empty.
func New(key []byte) (*Cipher, error) {
	if len(key) == 0 {
		return nil, fmt.Errorf("%w: encryption key is not set", domain.ErrConfiguration)
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &Cipher{masterKey: k}, nil
}

// Encrypt seals plaintext. The empty string passes through unchanged.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	if plaintext == "" {
		return "", nil
	}

	buf := make([]byte, 1+saltSize+nonceSize, 1+saltSize+nonceSize+len(plaintext)+16)
	buf[0] = envelopeVersion
	salt := buf[1 : 1+saltSize]
	nonce := buf[1+saltSize:]
	if _, err := io.ReadFull(rand.Reader, buf[1:]); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}

	aead, err := c.aead(salt)
	if err != nil {
		return "", err
	}
	sealed := aead.Seal(buf, nonce, []byte(plaintext), buf[:1])
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens ciphertext produced by Encrypt. The empty string passes through.
// Every malformed or unauthenticated input fails with domain.ErrDecryptionFailure.
func (c *Cipher) Decrypt(ciphertext string) (string, error) {
	if err := c.ready(); err != nil {
		return "", err
	}
	if ciphertext == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: decode envelope: %v", domain.ErrDecryptionFailure, err)
	}
	if len(raw) < 1+saltSize+nonceSize+16 {
		return "", fmt.Errorf("%w: envelope too short", domain.ErrDecryptionFailure)
	}
	if raw[0] != envelopeVersion {
		return "", fmt.Errorf("%w: unsupported envelope version %d", domain.ErrDecryptionFailure, raw[0])
	}

	salt := raw[1 : 1+saltSize]
	nonce := raw[1+saltSize : 1+saltSize+nonceSize]
	body := raw[1+saltSize+nonceSize:]

	aead, err := c.aead(salt)
	if err != nil {
		return "", err
	}
	plain, err := aead.Open(nil, nonce, body, raw[:1])
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecryptionFailure, err)
	}
	return string(plain), nil
}

func (c *Cipher) ready() error {
	if c == nil || len(c.masterKey) == 0 {
		return fmt.Errorf("%w: encryption key is not set", domain.ErrConfiguration)
	}
	return nil
}

func (c *Cipher) aead(salt []byte) (gocipher.AEAD, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.masterKey, salt, []byte(kdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new aes cipher: %w", err)
	}
	return gocipher.NewGCM(block)
}

// ParseKey decodes a master key given as "base64:<...>", "hex:<...>" or raw text.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: encryption key is not set", domain.ErrConfiguration)
	}

	var (
		key []byte
		err error
	)
	switch {
	case strings.HasPrefix(s, "base64:"):
		key, err = base64.StdEncoding.DecodeString(strings.TrimPrefix(s, "base64:"))
	case strings.HasPrefix(s, "hex:"):
		key, err = hex.DecodeString(strings.TrimPrefix(s, "hex:"))
	default:
		key = []byte(s)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decode encryption key: %v", domain.ErrConfiguration, err)
	}
	if len(key) < minMasterKeySize {
		return nil, fmt.Errorf("%w: encryption key must be at least %d bytes", domain.ErrConfiguration, minMasterKeySize)
	}
	return key, nil
}

// GenerateKey returns a fresh master key in the "base64:" form accepted by ParseKey.
func GenerateKey() (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return "base64:" + base64.StdEncoding.EncodeToString(key), nil
}
