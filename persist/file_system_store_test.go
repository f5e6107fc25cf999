package persist

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func TestFileSystemStore(t *testing.T) {
	store, err := NewFileSystemStore(filepath.Join(t.TempDir(), "vaults"))
	require.NoError(t, err)

	testStoreImplementation(t, store)
}

func TestLocatorRequiresRoot(t *testing.T) {
	_, err := NewLocator("")
	assert.ErrorIs(t, err, ErrNotConfigured)

	_, err = NewFileSystemStore("")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestLocatorResolveCreatesOneDirectory(t *testing.T) {
	root := t.TempDir()
	locator, err := NewLocator(root)
	require.NoError(t, err)

	dir, err := locator.Resolve(testUserA)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(locator.Root(), "vault_"+testUserA), dir)

	again, err := locator.Resolve(testUserA)
	require.NoError(t, err)
	assert.Equal(t, dir, again)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	if runtime.GOOS != "windows" {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.Equal(t, DirPermissions, info.Mode().Perm())
	}
}

func TestLocatorListKnownUsers(t *testing.T) {
	root := t.TempDir()
	locator, err := NewLocator(root)
	require.NoError(t, err)

	t.Run("MissingRoot", func(t *testing.T) {
		missing, err := NewLocator(filepath.Join(root, "does-not-exist"))
		require.NoError(t, err)
		users, err := missing.ListKnownUsers()
		require.NoError(t, err)
		assert.Empty(t, users)
	})

	_, err = locator.Resolve(testUserA)
	require.NoError(t, err)
	_, err = locator.Resolve(testUserB)
	require.NoError(t, err)

	// Entries that do not follow the naming convention are ignored
	require.NoError(t, os.Mkdir(filepath.Join(root, "vault_not-a-user"), DirPermissions))
	require.NoError(t, os.Mkdir(filepath.Join(root, "backups"), DirPermissions))
	require.NoError(t, os.WriteFile(filepath.Join(root, "vault_"+strings.Repeat("a", 32)), []byte("x"), FilePermissions))

	users, err := locator.ListKnownUsers()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{testUserA, testUserB}, users)
}

func TestFileSystemStoreWritesAtomically(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Save(testUserA, []byte("first"), NoVersion)
	require.NoError(t, err)
	_, err = store.Save(testUserA, []byte("second"), AnyVersion)
	require.NoError(t, err)

	entries, err := os.ReadDir(store.Locator().Dir(testUserA))
	require.NoError(t, err)

	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	assert.ElementsMatch(t, []string{VaultFileName, lockFileName}, names, "no temp files may be left behind")

	if runtime.GOOS != "windows" {
		info, err := os.Stat(store.Locator().VaultFile(testUserA))
		require.NoError(t, err)
		assert.Equal(t, FilePermissions, info.Mode().Perm())
	}
}

func TestFileSystemStoreStat(t *testing.T) {
	store, err := NewFileSystemStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Stat(testUserA)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Resolve(testUserA)
	require.NoError(t, err)

	info, err := store.Stat(testUserA)
	require.NoError(t, err)
	assert.False(t, info.Exists)
	assert.Zero(t, info.Size)
	assert.Equal(t, store.Locator().VaultFile(testUserA), info.File)
}

func TestFileSystemStorePing(t *testing.T) {
	root := filepath.Join(t.TempDir(), "vaults")
	store, err := NewFileSystemStore(root)
	require.NoError(t, err)
	require.NoError(t, store.Ping())

	require.NoError(t, os.RemoveAll(root))
	assert.Error(t, store.Ping())
}
