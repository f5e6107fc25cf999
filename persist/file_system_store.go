package persist

import (
	"context"
	"errors"
	"fmt"
	"github.com/gofrs/flock"
	"os"
	"path/filepath"
	"southwinds.dev/cardvault/internal/crypto"
	"southwinds.dev/cardvault/internal/logging"
	"time"
)

const (
	FilePermissions os.FileMode = 0600
	DirPermissions  os.FileMode = 0700

	lockFileName    = ".vault.lock"
	lockTimeout     = 10 * time.Second
	lockRetryPeriod = 50 * time.Millisecond
)

// Locator maps user ids to vault directories under a single root:
//
//	root/
//	├── vault_<user id>/
//	│   ├── passwords.vault
//	│   └── .vault.lock
//	└── vault_<user id>/
//	    └── passwords.vault
//
// The same root is used for resolution and enumeration.
type Locator struct {
	root string
}

// NewLocator returns a Locator rooted at root
func NewLocator(root string) (*Locator, error) {
	if root == "" {
		return nil, ErrNotConfigured
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve vault root %s: %w", root, err)
	}
	return &Locator{root: abs}, nil
}

// Root returns the absolute root directory
func (l *Locator) Root() string {
	return l.root
}

// Dir returns the vault directory of a user without touching the filesystem
func (l *Locator) Dir(userID string) string {
	return filepath.Join(l.root, UserDirName(userID))
}

// VaultFile returns the path of a user's vault file
func (l *Locator) VaultFile(userID string) string {
	return filepath.Join(l.Dir(userID), VaultFileName)
}

// Resolve returns the user's vault directory, creating it and the root if
// missing. Calling it again for the same user returns the same path.
func (l *Locator) Resolve(userID string) (string, error) {
	if err := ValidateUserID(userID); err != nil {
		return "", err
	}
	dir := l.Dir(userID)
	if err := os.MkdirAll(dir, DirPermissions); err != nil {
		return "", fmt.Errorf("failed to create vault directory %s: %w", dir, err)
	}
	return dir, nil
}

// ListKnownUsers returns the ids of all user directories under the root in
// directory listing order. A missing root means no users.
func (l *Locator) ListKnownUsers() ([]string, error) {
	entries, err := os.ReadDir(l.root)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read vault root: %w", err)
	}

	users := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if id, ok := userIDFromDirName(entry.Name()); ok {
			users = append(users, id)
		}
	}
	return users, nil
}

// FileSystemStore implements Store on the local filesystem with one
// directory per user, atomic replacement of the vault file and a
// lock-protected version check on save
type FileSystemStore struct {
	locator *Locator
}

// NewFileSystemStore creates the root directory if needed and returns a store on it
func NewFileSystemStore(root string) (*FileSystemStore, error) {
	locator, err := NewLocator(root)
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(locator.Root(), DirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create vault root %s: %w", locator.Root(), err)
	}
	return &FileSystemStore{locator: locator}, nil
}

// Locator exposes the path mapping used by the store
func (fs *FileSystemStore) Locator() *Locator {
	return fs.locator
}

func (fs *FileSystemStore) Resolve(userID string) (string, error) {
	return fs.locator.Resolve(userID)
}

func (fs *FileSystemStore) ListUsers() ([]string, error) {
	return fs.locator.ListKnownUsers()
}

// Load returns the vault file content and its content hash as version
func (fs *FileSystemStore) Load(userID string) (*VersionedData, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}
	path := fs.locator.VaultFile(userID)

	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to stat vault file: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("failed to read vault file: %w", err)
	}

	logging.Debugf("loaded %d bytes from %s", len(data), path)

	return &VersionedData{
		Data:      data,
		Version:   calculateFileVersion(data),
		Timestamp: fileInfo.ModTime(),
	}, nil
}

// Save replaces the vault file under an exclusive lock. The version check
// and the rename happen while the lock is held, so two processes saving
// from the same base version cannot both succeed.
func (fs *FileSystemStore) Save(userID string, data []byte, expectedVersion string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("vault data is required")
	}
	dir, err := fs.locator.Resolve(userID)
	if err != nil {
		return "", err
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	locked, err := lock.TryLockContext(ctx, lockRetryPeriod)
	if err != nil {
		return "", fmt.Errorf("failed to lock vault directory %s: %w", dir, err)
	}
	if !locked {
		return "", fmt.Errorf("timed out waiting for vault lock in %s", dir)
	}
	defer func() {
		if unlockErr := lock.Unlock(); unlockErr != nil {
			logging.Warnf("failed to release vault lock in %s: %v", dir, unlockErr)
		}
	}()

	path := fs.locator.VaultFile(userID)
	currentVersion, err := getFileVersion(path)
	if err != nil {
		return "", fmt.Errorf("failed to check current version: %w", err)
	}
	if err = checkVersion(userID, expectedVersion, currentVersion); err != nil {
		return "", err
	}

	if err = writeSecureFile(path, data, FilePermissions); err != nil {
		return "", err
	}

	return calculateFileVersion(data), nil
}

// Stat reports the vault directory and file of a user without creating them
func (fs *FileSystemStore) Stat(userID string) (*VaultInfo, error) {
	if err := ValidateUserID(userID); err != nil {
		return nil, err
	}

	info := &VaultInfo{
		UserID:   userID,
		Location: fs.locator.Dir(userID),
		File:     fs.locator.VaultFile(userID),
	}

	if _, err := os.Stat(info.Location); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no vault directory for user %s", ErrNotFound, userID)
		}
		return nil, fmt.Errorf("failed to stat vault directory: %w", err)
	}

	fileInfo, err := os.Stat(info.File)
	switch {
	case err == nil:
		info.Exists = true
		info.Size = fileInfo.Size()
		info.ModTime = fileInfo.ModTime()
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to stat vault file: %w", err)
	}

	return info, nil
}

func (fs *FileSystemStore) GetType() string {
	return string(StoreTypeFileSystem)
}

// Ping checks that the root is still a writable directory
func (fs *FileSystemStore) Ping() error {
	info, err := os.Stat(fs.locator.Root())
	if err != nil {
		return fmt.Errorf("vault root unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("vault root %s is not a directory", fs.locator.Root())
	}
	return nil
}

func (fs *FileSystemStore) Close() error {
	return nil
}

func getFileVersion(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NoVersion, nil
		}
		return "", err
	}
	return calculateFileVersion(data), nil
}

func calculateFileVersion(data []byte) string {
	return crypto.CalculateChecksum(data)
}

// writeSecureFile writes data to a temporary file in the target directory,
// syncs it and renames it over path, so readers see either the old or the
// new content
func writeSecureFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	if _, err = tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write to temp file: %w", err)
	}

	if err = tmpFile.Sync(); err != nil {
		_ = tmpFile.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err = tmpFile.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err = os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	if err = os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}
