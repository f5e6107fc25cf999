package cmd

import (
	"errors"
	"fmt"
	"southwinds.dev/cardvault"
	"southwinds.dev/cardvault/audit"
	"southwinds.dev/cardvault/identity"
	"southwinds.dev/cardvault/persist"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratePassword(t *testing.T) {
	password, err := generatePassword(defaultPasswordLength)
	require.NoError(t, err)
	assert.Len(t, password, 15)
	for _, r := range password {
		assert.True(t, strings.ContainsRune(passwordAlphabet, r), "unexpected character %q", r)
	}

	other, err := generatePassword(defaultPasswordLength)
	require.NoError(t, err)
	assert.NotEqual(t, password, other)

	_, err = generatePassword(0)
	assert.Error(t, err)
}

func TestIsSensitiveFlag(t *testing.T) {
	for _, name := range []string{"password", "pin", "s3-secret-key", "s3-access-key"} {
		assert.True(t, isSensitiveFlag(name), name)
	}
	for _, name := range []string{"json", "vault-root", "match", "length"} {
		assert.False(t, isSensitiveFlag(name), name)
	}
}

func TestIsSensitiveConfigKey(t *testing.T) {
	assert.True(t, isSensitiveConfigKey("vault.s3.secret_access_key"))
	assert.True(t, isSensitiveConfigKey("vault.s3.access_key_id"))
	assert.False(t, isSensitiveConfigKey("vault.root"))
	assert.False(t, isSensitiveConfigKey("identity.pkcs11.library"))
}

func TestMaskSensitiveValues(t *testing.T) {
	config := map[string]interface{}{
		"vault": map[string]interface{}{
			"root": "/tmp/vaults",
			"s3": map[string]interface{}{
				"secret_access_key": "hunter2",
				"bucket":            "vaults",
			},
		},
	}
	maskSensitiveValues(config)

	s3 := config["vault"].(map[string]interface{})["s3"].(map[string]interface{})
	assert.Equal(t, "[REDACTED]", s3["secret_access_key"])
	assert.Equal(t, "vaults", s3["bucket"])
}

func TestFormatError(t *testing.T) {
	assert.Equal(t, "", formatError(nil))
	assert.Equal(t, "boom", formatError(errors.New("boom")))

	wrapped := fmt.Errorf("save failed: %w", errors.New("disk full"))
	assert.Equal(t, "save failed: disk full (caused by: disk full)", formatError(wrapped))
}

func TestDescribeError(t *testing.T) {
	wrongPIN := fmt.Errorf("%w: %w", cardvault.ErrAuthenticationFailure, identity.ErrPINIncorrect)
	assert.Equal(t, "incorrect PIN", describeError(wrongPIN))
	assert.Equal(t, "no smartcard found, insert your card and try again", describeError(identity.ErrTokenNotPresent))
	assert.Contains(t, describeError(cardvault.ErrConcurrentModification), "another process")
	assert.Equal(t, "plain", describeError(errors.New("plain")))
}

func TestParseTimeFlag(t *testing.T) {
	got, err := parseTimeFlag("since", "")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = parseTimeFlag("since", "2024-01-31T23:59:59Z")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 31, 23, 59, 59, 0, time.UTC), got.UTC())

	got, err = parseTimeFlag("since", "24h")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), *got, time.Minute)

	_, err = parseTimeFlag("since", "yesterday")
	assert.Error(t, err)
}

func TestValidateS3Config(t *testing.T) {
	assert.NoError(t, validateS3Config(persist.S3Config{Endpoint: "localhost:9000", Bucket: "vaults"}))

	err := validateS3Config(persist.S3Config{AccessKeyID: "id"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vault.s3.endpoint")
	assert.Contains(t, err.Error(), "vault.s3.bucket")
	assert.Contains(t, err.Error(), "vault.s3.secret_access_key")
}

func TestCalculateAuditStats(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	events := []audit.Event{
		{Action: "SESSION_OPEN", Success: true, UserID: "a", Timestamp: base},
		{Action: "ENTRY_ADD", Success: true, UserID: "a", Service: "github", Timestamp: base.Add(time.Minute)},
		{Action: "ENTRY_ADD", Success: false, UserID: "a", Service: "github", Timestamp: base.Add(2 * time.Minute)},
		{Action: "SESSION_OPEN", Success: false, UserID: "b", Timestamp: base.Add(time.Hour)},
	}

	stats := calculateAuditStats(events)
	assert.Equal(t, 4, stats.TotalEvents)
	assert.Equal(t, 2, stats.SuccessfulEvents)
	assert.Equal(t, 2, stats.FailedEvents)
	assert.InDelta(t, 50.0, stats.SuccessRate, 0.001)
	assert.Equal(t, 2, stats.Users)
	assert.Equal(t, 2, stats.ActionBreakdown["ENTRY_ADD"])
	require.Len(t, stats.TopServices, 1)
	assert.Equal(t, ServiceCount{Service: "github", Count: 2}, stats.TopServices[0])
	require.Len(t, stats.TopFailedActions, 2)
	assert.Equal(t, "ENTRY_ADD", stats.TopFailedActions[0].Action)
	assert.Equal(t, base, *stats.FirstEvent)
	assert.Equal(t, base.Add(time.Hour), *stats.LastEvent)

	empty := calculateAuditStats(nil)
	assert.Zero(t, empty.TotalEvents)
}

func TestFormatSize(t *testing.T) {
	assert.Equal(t, "512 B", formatSize(512))
	assert.Equal(t, "1.5 KiB", formatSize(1536))
	assert.Equal(t, "2.0 MiB", formatSize(2*1024*1024))
}

func TestConfigTemplateMatchesDefaults(t *testing.T) {
	template := getConfigTemplate()
	var keys []string
	flattenKeys(template, "", &keys)

	assert.Contains(t, keys, "vault.root")
	assert.Contains(t, keys, "identity.pkcs11.library")
	assert.Contains(t, keys, "audit.options.file_path")
	assert.Equal(t, "all", template["vault"].(map[string]interface{})["match"])
}
