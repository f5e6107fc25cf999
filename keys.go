package cardvault

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"github.com/awnumar/memguard"
	"southwinds.dev/cardvault/internal/crypto"
	"southwinds.dev/cardvault/persist"
)

const userIDLength = 32

// vaultKeySalt is fixed for every user: the key must be rederivable from the
// card alone
var vaultKeySalt = []byte("cardvault/vault-key/v1")

// UserID identifies the owner of a vault: the first 128 bits of the SHA-256
// digest of the certificate, as 32 lowercase hex characters. Collisions
// become likely only around 2^64 distinct certificates.
type UserID string

// DeriveUserID returns the identifier of the certificate's owner
func DeriveUserID(certificate []byte) UserID {
	sum := sha256.Sum256(certificate)
	return UserID(hex.EncodeToString(sum[:])[:userIDLength])
}

// ParseUserID validates the textual form of a user identifier
func ParseUserID(s string) (UserID, error) {
	if err := persist.ValidateUserID(s); err != nil {
		return "", err
	}
	return UserID(s), nil
}

func (u UserID) String() string {
	return string(u)
}

// Short returns the first 8 characters, enough to tell users apart in logs
func (u UserID) Short() string {
	if len(u) <= 8 {
		return string(u)
	}
	return string(u[:8])
}

// Key is a vault key held in a memguard enclave
type Key struct {
	enclave *memguard.Enclave
}

// DeriveVaultKey derives the vault key of the certificate's owner.
//
// The key is PBKDF2-HMAC-SHA256(certificate, fixed salt, 100000 iterations),
// 32 bytes, used directly as the XChaCha20-Poly1305 key. The same card always
// yields the same key, which is what lets a vault be reopened without storing
// the key anywhere.
//
// The PIN only unlocks reading the certificate from the token and adds no
// entropy: anyone holding the certificate bytes can rederive the key.
//
// Returns ErrAuthenticationFailure for an empty certificate.
func DeriveVaultKey(certificate []byte) (*Key, error) {
	if len(certificate) == 0 {
		return nil, newError("derive_key", "", ErrAuthenticationFailure, errors.New("empty certificate"))
	}

	// NewEnclave copies the key and wipes the source slice
	raw := crypto.DeriveKey(certificate, vaultKeySalt)
	return &Key{enclave: memguard.NewEnclave(raw)}, nil
}

// Open decrypts the key into a locked buffer the caller must Destroy
func (k *Key) Open() (*memguard.LockedBuffer, error) {
	if k == nil || k.enclave == nil {
		return nil, newError("open_key", "", ErrNotAuthenticated, nil)
	}
	buf, err := k.enclave.Open()
	if err != nil {
		return nil, newError("open_key", "", ErrIOFailure, err)
	}
	return buf, nil
}

// Destroy drops the enclave; the key cannot be opened afterwards
func (k *Key) Destroy() {
	if k != nil {
		k.enclave = nil
	}
}
