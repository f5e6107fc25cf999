package cardvault

import (
	"errors"
	"github.com/awnumar/memguard"
	"southwinds.dev/cardvault/internal/logging"
	"southwinds.dev/cardvault/persist"
)

// VaultStore encrypts whole vaults and keeps them in a persist.Store, one
// blob per user
type VaultStore struct {
	store persist.Store
}

// NewVaultStore returns a VaultStore on top of store
func NewVaultStore(store persist.Store) *VaultStore {
	return &VaultStore{store: store}
}

// Store returns the underlying storage backend
func (s *VaultStore) Store() persist.Store {
	return s.store
}

// EncryptAndPersist serializes the vault, seals it under a fresh nonce and
// saves it if the stored version still equals expectedVersion
// (persist.NoVersion: must not exist yet, persist.AnyVersion: unconditional).
// It returns the version of the written blob.
func (s *VaultStore) EncryptAndPersist(key *Key, userID UserID, vault *Vault, expectedVersion string) (string, error) {
	const op = "save"
	if s == nil || s.store == nil {
		return "", newError(op, userID, ErrNotConfigured, nil)
	}

	plaintext, err := encodeVault(vault)
	if err != nil {
		return "", newError(op, userID, ErrCorruptVault, err)
	}

	buf, err := key.Open()
	if err != nil {
		memguard.WipeBytes(plaintext)
		return "", wrapError(op, userID, ErrNotAuthenticated, err)
	}
	blob, err := sealVault(buf, plaintext)
	buf.Destroy()
	memguard.WipeBytes(plaintext)
	if err != nil {
		return "", newError(op, userID, ErrIOFailure, err)
	}

	version, err := s.store.Save(string(userID), blob, expectedVersion)
	if err != nil {
		return "", newError(op, userID, storeErrorKind(err), err)
	}

	logging.Debugf("saved vault of user %s with %d entries", userID.Short(), vault.Len())
	return version, nil
}

// DecryptAndLoad reads and decrypts the user's vault. A vault that does not
// exist yet is returned empty with version persist.NoVersion.
func (s *VaultStore) DecryptAndLoad(key *Key, userID UserID) (*Vault, string, error) {
	const op = "load"
	if s == nil || s.store == nil {
		return nil, "", newError(op, userID, ErrNotConfigured, nil)
	}

	data, err := s.store.Load(string(userID))
	if err != nil {
		if errors.Is(err, persist.ErrNotFound) {
			logging.Debugf("no vault yet for user %s", userID.Short())
			return NewVault(), persist.NoVersion, nil
		}
		return nil, "", newError(op, userID, storeErrorKind(err), err)
	}

	buf, err := key.Open()
	if err != nil {
		return nil, "", wrapError(op, userID, ErrNotAuthenticated, err)
	}
	plaintext, err := openVault(buf, data.Data)
	buf.Destroy()
	if err != nil {
		return nil, "", newError(op, userID, formatErrorKind(err), err)
	}
	defer memguard.WipeBytes(plaintext)

	vault, err := decodeVault(plaintext)
	if err != nil {
		return nil, "", newError(op, userID, formatErrorKind(err), err)
	}
	return vault, data.Version, nil
}

// Initialize writes an empty vault if the user has none. An existing vault
// is never overwritten; it is decrypted instead to prove the key opens it.
// It reports whether a new vault was written.
func (s *VaultStore) Initialize(key *Key, userID UserID) (bool, error) {
	vault, version, err := s.DecryptAndLoad(key, userID)
	if err != nil {
		return false, err
	}
	if version != persist.NoVersion {
		logging.Debugf("vault of user %s already exists with %d entries", userID.Short(), vault.Len())
		return false, nil
	}
	if _, err = s.EncryptAndPersist(key, userID, vault, persist.NoVersion); err != nil {
		return false, err
	}
	return true, nil
}

func storeErrorKind(err error) error {
	var concurrencyErr persist.ConcurrencyError
	switch {
	case errors.As(err, &concurrencyErr):
		return ErrConcurrentModification
	case errors.Is(err, persist.ErrNotConfigured), errors.Is(err, persist.ErrInvalidUserID), errors.Is(err, persist.ErrNotFound):
		return ErrNotConfigured
	default:
		return ErrIOFailure
	}
}

func formatErrorKind(err error) error {
	switch {
	case errors.Is(err, ErrAuthenticationFailure):
		return ErrAuthenticationFailure
	case errors.Is(err, ErrUnsupportedVersion):
		return ErrUnsupportedVersion
	default:
		return ErrCorruptVault
	}
}

