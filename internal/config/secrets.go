package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
)

const encPrefix = "enc:"

// SecretKeyEnv names the variable holding the passphrase for enc: values
const SecretKeyEnv = "NPSAT_SECRET_KEY"

var ErrNoSecretKey = errors.New(SecretKeyEnv + " is not set")

// SecretKey seals config values (the store DSN, mostly) with AES-256-GCM so
// they can sit in a checked-in npsat.yaml.
type SecretKey struct {
	gcm cipher.AEAD
}

// NewSecretKey derives the key from NPSAT_SECRET_KEY
func NewSecretKey() (*SecretKey, error) {
	raw := os.Getenv(SecretKeyEnv)
	if raw == "" {
		return nil, ErrNoSecretKey
	}
	return NewSecretKeyFromPassphrase(raw)
}

func NewSecretKeyFromPassphrase(passphrase string) (*SecretKey, error) {
	h := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(h[:])
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &SecretKey{gcm: gcm}, nil
}

// Encrypt returns "enc:" + base64(nonce || ciphertext)
func (s *SecretKey) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := s.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an "enc:" value. Anything without the prefix is returned as is.
func (s *SecretKey) Decrypt(value string) (string, error) {
	if !IsEncrypted(value) {
		return value, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, encPrefix))
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	n := s.gcm.NonceSize()
	if len(data) < n {
		return "", fmt.Errorf("ciphertext too short")
	}
	plain, err := s.gcm.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", fmt.Errorf("decryption failed: %w", err)
	}
	return string(plain), nil
}

func IsEncrypted(value string) bool {
	return strings.HasPrefix(value, encPrefix)
}

// MaskSecret keeps the last four characters: "****abcd"
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

// MaskDSN hides the password of a URL-style DSN so it can be logged.
// Key/value DSNs and file paths are only masked when they carry a password.
func MaskDSN(dsn string) string {
	if IsEncrypted(dsn) {
		return "enc:****"
	}
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		return u.Redacted()
	}
	if strings.Contains(dsn, "password=") {
		fields := strings.Fields(dsn)
		for i, f := range fields {
			if strings.HasPrefix(f, "password=") {
				fields[i] = "password=****"
			}
		}
		return strings.Join(fields, " ")
	}
	return dsn
}
