// Package security keeps retailer credentials encrypted at rest and out of logs.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"stock-tracker/internal/models"
)

// ErrDecrypt is returned for tampered ciphertext or a wrong secret key.
var ErrDecrypt = errors.New("failed to decrypt credential")

// key derives the AES-256 key from the application secret.
func key(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

func newGCM(secret string) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key(secret))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext with AES-GCM and returns base64url(nonce||ciphertext).
func Encrypt(secret, plaintext string) (string, error) {
	if secret == "" {
		return "", models.NewConfigurationError("APP_SECRET_KEY", "secret key is required")
	}
	if plaintext == "" {
		return "", nil
	}

	gcm, err := newGCM(secret)
	if err != nil {
		return "", fmt.Errorf("failed to init cipher: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to read nonce: %w", err)
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func Decrypt(secret, ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecrypt
	}

	gcm, err := newGCM(secret)
	if err != nil {
		return "", fmt.Errorf("failed to init cipher: %w", err)
	}
	if len(raw) < gcm.NonceSize() {
		return "", ErrDecrypt
	}
	nonce, sealed := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

// Credentials are handed to the basket agent already decrypted.
// They print as redacted in every fmt verb.
type Credentials struct {
	Email    string
	Password string
}

func (c Credentials) String() string {
	if c.Email == "" {
		return "Credentials{}"
	}
	return fmt.Sprintf("Credentials{%s, ****}", c.Email)
}

func (c Credentials) GoString() string { return c.String() }

// Format keeps %+v and %#v from reaching the password field.
func (c Credentials) Format(f fmt.State, _ rune) {
	_, _ = io.WriteString(f, c.String())
}

// Empty reports whether either field is missing.
func (c Credentials) Empty() bool {
	return c.Email == "" || c.Password == ""
}

// CredentialSource decrypts the configured account on demand so the plaintext
// only lives as long as one basket attempt.
type CredentialSource struct {
	secret    string
	email     string
	encrypted string
}

func NewCredentialSource(secret, email, encryptedPassword string) *CredentialSource {
	return &CredentialSource{secret: secret, email: email, encrypted: encryptedPassword}
}

// Credentials returns a ConfigurationError when the account is not configured
// or the password cannot be decrypted with the current secret.
func (s *CredentialSource) Credentials() (Credentials, error) {
	if s == nil || s.email == "" || s.encrypted == "" {
		return Credentials{}, models.NewConfigurationError("BASKET_EMAIL", "retailer credentials are not configured")
	}
	password, err := Decrypt(s.secret, s.encrypted)
	if err != nil {
		return Credentials{}, models.NewConfigurationError("BASKET_PASSWORD_ENCRYPTED", "%v", err)
	}
	return Credentials{Email: s.email, Password: password}, nil
}
