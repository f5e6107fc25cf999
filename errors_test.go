package cardvault

import (
	"errors"
	"github.com/stretchr/testify/assert"
	"testing"
)

func TestRefinedSentinels(t *testing.T) {
	assert.ErrorIs(t, ErrUnsupportedVersion, ErrCorruptVault)
	assert.ErrorIs(t, ErrHardwareTimeout, ErrAuthenticationFailure)
	assert.NotErrorIs(t, ErrCorruptVault, ErrUnsupportedVersion)
}

func TestVaultError(t *testing.T) {
	cause := errors.New("disk full")
	err := error(newError("save", UserID("0123456789abcdef0123456789abcdef"), ErrIOFailure, cause))

	assert.ErrorIs(t, err, ErrIOFailure)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrCorruptVault)
	assert.Equal(t, "save (user 01234567): vault i/o failure: disk full", err.Error())

	var vaultErr *VaultError
	assert.True(t, errors.As(err, &vaultErr))
	assert.Equal(t, "save", vaultErr.Op)

	assert.Equal(t, "list: not authenticated", newError("list", "", ErrNotAuthenticated, nil).Error())
}

func TestWrapErrorKeepsVaultError(t *testing.T) {
	inner := newError("open_key", "", ErrNotAuthenticated, nil)
	assert.Same(t, inner, wrapError("load", "", ErrIOFailure, inner))

	wrapped := wrapError("load", "", ErrIOFailure, errors.New("x"))
	assert.ErrorIs(t, wrapped, ErrIOFailure)
}
