package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the size in bytes of a vault key
	KeySize = chacha20poly1305.KeySize

	// NonceSize is the XChaCha20-Poly1305 nonce size
	NonceSize = chacha20poly1305.NonceSizeX

	// Overhead is the size of the Poly1305 authentication tag
	Overhead = chacha20poly1305.Overhead

	// PBKDF2Iterations is fixed: changing it changes every derived vault key
	PBKDF2Iterations = 100000

	// KeyCheckSize is the length of the value returned by KeyCheck
	KeyCheckSize = 16
)

var keyCheckLabel = []byte("cardvault/key-check")

var (
	// ErrCiphertextTooShort is returned when the input cannot hold a nonce and a tag
	ErrCiphertextTooShort = errors.New("ciphertext too short")

	// ErrAuthentication is returned when the AEAD tag does not verify
	ErrAuthentication = errors.New("message authentication failed")
)

// DeriveKey stretches secret with PBKDF2-HMAC-SHA256 into a key of KeySize bytes
func DeriveKey(secret, salt []byte) []byte {
	return pbkdf2.Key(secret, salt, PBKDF2Iterations, KeySize, sha256.New)
}

// Seal encrypts plaintext with XChaCha20-Poly1305 under key, binding
// additionalData, and returns nonce || ciphertext
func Seal(key, plaintext, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err = rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

// Open reverses Seal. A tag mismatch is reported as ErrAuthentication.
func Open(key, sealed, additionalData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}

	nonce := sealed[:aead.NonceSize()]
	ciphertext := sealed[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, ErrAuthentication
	}

	return plaintext, nil
}

// KeyCheck returns a short key commitment: the first KeyCheckSize bytes of
// HMAC-SHA256(key, "cardvault/key-check"). It tells a wrong key apart from
// damaged ciphertext without revealing the key.
func KeyCheck(key []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(keyCheckLabel)
	return mac.Sum(nil)[:KeyCheckSize]
}

// VerifyKeyCheck compares check with the commitment of key in constant time
func VerifyKeyCheck(key, check []byte) bool {
	return hmac.Equal(KeyCheck(key), check)
}

// CalculateChecksum calculates SHA-256 checksum of data
func CalculateChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
