package persist

import (
	"errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

const (
	testUserA = "0123456789abcdef0123456789abcdef"
	testUserB = "fedcba9876543210fedcba9876543210"
	testUserC = "00112233445566778899aabbccddeeff"
)

// testStoreImplementation runs the behaviour every Store backend must share.
// The store must be empty when it is handed in.
func testStoreImplementation(t *testing.T, store Store) {
	blobA := []byte("ciphertext-for-user-a")
	blobB := []byte("ciphertext-for-user-b")

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, store.Ping(), "Store should be reachable")
	})

	t.Run("GetType", func(t *testing.T) {
		assert.NotEmpty(t, store.GetType())
	})

	t.Run("LoadMissing", func(t *testing.T) {
		_, err := store.Load(testUserA)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("ResolveIdempotent", func(t *testing.T) {
		first, err := store.Resolve(testUserA)
		require.NoError(t, err)
		second, err := store.Resolve(testUserA)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("InvalidUserID", func(t *testing.T) {
		_, err := store.Resolve("../../etc")
		assert.ErrorIs(t, err, ErrInvalidUserID)
		_, err = store.Load("ABC")
		assert.ErrorIs(t, err, ErrInvalidUserID)
		_, err = store.Save("", blobA, AnyVersion)
		assert.ErrorIs(t, err, ErrInvalidUserID)
	})

	var versionA string
	t.Run("SaveNew", func(t *testing.T) {
		version, err := store.Save(testUserA, blobA, NoVersion)
		require.NoError(t, err)
		assert.NotEmpty(t, version)
		versionA = version
	})

	t.Run("Load", func(t *testing.T) {
		data, err := store.Load(testUserA)
		require.NoError(t, err)
		assert.Equal(t, blobA, data.Data)
		assert.Equal(t, versionA, data.Version)
	})

	t.Run("SaveNewWhenExistingFails", func(t *testing.T) {
		_, err := store.Save(testUserA, []byte("other"), NoVersion)
		var concurrencyErr ConcurrencyError
		require.True(t, errors.As(err, &concurrencyErr), "expected ConcurrencyError, got %v", err)
		assert.Equal(t, testUserA, concurrencyErr.UserID)
	})

	t.Run("SaveWithStaleVersionFails", func(t *testing.T) {
		updated, err := store.Save(testUserA, []byte("second-write"), versionA)
		require.NoError(t, err)
		assert.NotEqual(t, versionA, updated)

		_, err = store.Save(testUserA, []byte("lost-update"), versionA)
		var concurrencyErr ConcurrencyError
		require.True(t, errors.As(err, &concurrencyErr), "expected ConcurrencyError, got %v", err)
		assert.Equal(t, versionA, concurrencyErr.ExpectedVersion)

		data, err := store.Load(testUserA)
		require.NoError(t, err)
		assert.Equal(t, "second-write", string(data.Data))
	})

	t.Run("SaveAnyVersion", func(t *testing.T) {
		_, err := store.Save(testUserA, blobA, AnyVersion)
		require.NoError(t, err)
	})

	t.Run("SaveEmptyRejected", func(t *testing.T) {
		_, err := store.Save(testUserA, nil, AnyVersion)
		assert.Error(t, err)
	})

	t.Run("Isolation", func(t *testing.T) {
		_, err := store.Save(testUserB, blobB, NoVersion)
		require.NoError(t, err)

		a, err := store.Load(testUserA)
		require.NoError(t, err)
		b, err := store.Load(testUserB)
		require.NoError(t, err)
		assert.Equal(t, blobA, a.Data)
		assert.Equal(t, blobB, b.Data)

		locA, err := store.Resolve(testUserA)
		require.NoError(t, err)
		locB, err := store.Resolve(testUserB)
		require.NoError(t, err)
		assert.NotEqual(t, locA, locB)
	})

	t.Run("ListUsers", func(t *testing.T) {
		users, err := store.ListUsers()
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{testUserA, testUserB}, users)
	})

	t.Run("Stat", func(t *testing.T) {
		info, err := store.Stat(testUserB)
		require.NoError(t, err)
		assert.True(t, info.Exists)
		assert.Equal(t, int64(len(blobB)), info.Size)
		assert.Equal(t, testUserB, info.UserID)
		assert.NotEmpty(t, info.Location)
	})

	t.Run("StatWithoutVault", func(t *testing.T) {
		_, err := store.Resolve(testUserC)
		require.NoError(t, err)

		info, err := store.Stat(testUserC)
		require.NoError(t, err)
		assert.False(t, info.Exists)
		assert.Zero(t, info.Size)
		assert.Equal(t, testUserC, info.UserID)
		assert.NotEmpty(t, info.Location)
	})

	t.Run("Close", func(t *testing.T) {
		assert.NoError(t, store.Close())
	})
}

func TestValidateUserID(t *testing.T) {
	assert.NoError(t, ValidateUserID(testUserA))
	for _, bad := range []string{"", "abc", testUserA + "0", "0123456789ABCDEF0123456789ABCDEF", "0123456789abcdef0123456789abcdeg"} {
		assert.ErrorIs(t, ValidateUserID(bad), ErrInvalidUserID, bad)
	}
}

func TestUserIDFromDirName(t *testing.T) {
	id, ok := userIDFromDirName(UserDirName(testUserA))
	assert.True(t, ok)
	assert.Equal(t, testUserA, id)

	for _, name := range []string{"vault_", "vault_short", "other_" + testUserA, testUserA} {
		_, ok = userIDFromDirName(name)
		assert.False(t, ok, name)
	}
}

func TestNewStore(t *testing.T) {
	t.Run("FileSystem", func(t *testing.T) {
		store, err := NewStore(StoreConfig{
			Type:   StoreTypeFileSystem,
			Config: map[string]interface{}{"root": t.TempDir()},
		})
		require.NoError(t, err)
		assert.Equal(t, "file", store.GetType())
	})

	t.Run("MissingRoot", func(t *testing.T) {
		_, err := NewStore(StoreConfig{Type: StoreTypeFileSystem, Config: map[string]interface{}{}})
		assert.ErrorIs(t, err, ErrNotConfigured)
	})

	t.Run("Unsupported", func(t *testing.T) {
		_, err := NewStore(StoreConfig{Type: "redis"})
		assert.Error(t, err)
	})
}
