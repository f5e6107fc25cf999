package persist

import (
	"errors"
	"fmt"
	"regexp"
	"time"
)

const (
	// UserDirPrefix is prepended to a user id to name its vault directory
	UserDirPrefix = "vault_"

	// VaultFileName is the single file held in each user directory
	VaultFileName = "passwords.vault"

	// NoVersion is the expected version of a vault that must not exist yet
	NoVersion = ""

	// AnyVersion disables the version check on save
	AnyVersion = "*"
)

var (
	// ErrNotFound is returned by Load and Stat when a user has no vault data yet
	ErrNotFound = errors.New("vault data not found")

	// ErrNotConfigured is returned when a store has no root to work under
	ErrNotConfigured = errors.New("vault root not configured")

	// ErrInvalidUserID is returned for identifiers that are not 32 lowercase hex chars
	ErrInvalidUserID = errors.New("invalid user id")

	userIDRegex = regexp.MustCompile(`^[0-9a-f]{32}$`)
)

// VersionedData represents a vault blob with its version information
type VersionedData struct {
	Data      []byte
	Version   string // content hash or ETag
	Timestamp time.Time
}

// VaultInfo describes where a user's vault lives without reading it
type VaultInfo struct {
	UserID   string    `json:"user_id"`
	Location string    `json:"location"` // directory or object prefix
	File     string    `json:"file"`     // vault file path or object key
	Exists   bool      `json:"exists"`
	Size     int64     `json:"size"`
	ModTime  time.Time `json:"mod_time,omitempty"`
}

// Store persists one encrypted vault blob per user identity. Everything
// passed to a Store is ciphertext produced by the vault layer.
type Store interface {
	// Resolve returns the location of the user's vault, creating it if the
	// backend needs one. It is idempotent.
	Resolve(userID string) (string, error)

	// ListUsers returns the ids of every user that has a vault location
	ListUsers() ([]string, error)

	// Load returns the user's vault blob, or ErrNotFound
	Load(userID string) (*VersionedData, error)

	// Save replaces the user's vault blob if its current version matches
	// expectedVersion (NoVersion: must not exist; AnyVersion: unconditional)
	// and returns the new version.
	Save(userID string, data []byte, expectedVersion string) (newVersion string, err error)

	// Stat reports the location and size of the user's vault. A resolved
	// user without a vault file yet has Exists false.
	Stat(userID string) (*VaultInfo, error)

	// Ping tests that the backend is reachable
	Ping() error

	// Close releases any resources the store holds
	Close() error

	// GetType returns the backend name
	GetType() string
}

// StoreConfig provides configuration for different storage backends.
//
// Example usage:
//
//	config := StoreConfig{
//	    Type:   StoreTypeFileSystem,
//	    Config: map[string]interface{}{"root": "/home/me/.cardvault/vaults"},
//	}
type StoreConfig struct {
	Type   StoreType              `json:"type"`
	Config map[string]interface{} `json:"config"`
}

// StoreType represents the different types of storage backends that can be used.
type StoreType string

// Supported storage types.
const (
	StoreTypeFileSystem StoreType = "file"
	StoreTypeS3         StoreType = "s3"
)

// ConcurrencyError reports that the stored vault changed since it was read
type ConcurrencyError struct {
	ExpectedVersion string
	ActualVersion   string
	UserID          string
}

func (e ConcurrencyError) Error() string {
	return fmt.Sprintf("version conflict for user %s: expected version %q, but found %q",
		e.UserID, e.ExpectedVersion, e.ActualVersion)
}

// ValidateUserID checks that id has the shape of a derived user identity
func ValidateUserID(id string) error {
	if !userIDRegex.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidUserID, id)
	}
	return nil
}

// UserDirName returns the directory (or key segment) name for a user id
func UserDirName(userID string) string {
	return UserDirPrefix + userID
}

// userIDFromDirName extracts the user id from a directory name, reporting
// whether the name follows the naming convention
func userIDFromDirName(name string) (string, bool) {
	if len(name) <= len(UserDirPrefix) || name[:len(UserDirPrefix)] != UserDirPrefix {
		return "", false
	}
	id := name[len(UserDirPrefix):]
	if ValidateUserID(id) != nil {
		return "", false
	}
	return id, true
}

func checkVersion(userID, expected, actual string) error {
	if expected == AnyVersion || expected == actual {
		return nil
	}
	return ConcurrencyError{
		ExpectedVersion: expected,
		ActualVersion:   actual,
		UserID:          userID,
	}
}
