// Package cryptobox composes standard primitives for the fraud core:
// PBKDF2 key derivation, AES-256-GCM authenticated encryption, HMAC-SHA256
// integrity hashes, and constant-time comparison.
//
// The core never implements its own primitives. Decrypt and Verify failures
// are hard errors — there is no fallback to plaintext.
package cryptobox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// Errors
var (
	ErrDecryptFailed = errors.New("cryptobox: decryption failed")
	ErrBadCiphertext = errors.New("cryptobox: ciphertext too short")
)

const (
	keyLen     = 32 // AES-256
	pbkdf2Iter = 100_000
)

// DeriveKey derives a 256-bit key from a password and salt via PBKDF2-SHA256.
func DeriveKey(password, salt []byte) []byte {
	return pbkdf2.Key(password, salt, pbkdf2Iter, keyLen, sha256.New)
}

// Encrypt seals plaintext with AES-256-GCM under a key derived from
// password+salt. The random nonce is prepended to the ciphertext.
func Encrypt(plaintext, password, salt []byte) ([]byte, error) {
	block, err := aes.NewCipher(DeriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("cryptobox: cipher init: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: gcm init: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("cryptobox: nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens a ciphertext produced by Encrypt. A wrong password or salt,
// or any tampering, fails deterministically with ErrDecryptFailed.
func Decrypt(ciphertext, password, salt []byte) ([]byte, error) {
	block, err := aes.NewCipher(DeriveKey(password, salt))
	if err != nil {
		return nil, fmt.Errorf("cryptobox: cipher init: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("cryptobox: gcm init: %w", err)
	}

	if len(ciphertext) < gcm.NonceSize() {
		return nil, ErrBadCiphertext
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return plaintext, nil
}

// Sign computes a hex-encoded HMAC-SHA256 over the message.
func Sign(message, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a hex-encoded HMAC-SHA256 in constant time.
func Verify(message, key []byte, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(message)
	return hmac.Equal(mac.Sum(nil), expected)
}

// ConstantTimeEqual compares two strings without leaking length-prefix timing.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
