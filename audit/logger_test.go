package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFileLogger(t *testing.T) (*FileLogger, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit", "audit.log")
	logger, err := NewFileLogger(&Config{
		Enabled: true,
		Type:    FileAuditType,
		Options: map[string]interface{}{"file_path": path},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = logger.Close() })
	return logger, path
}

func TestNewLogger(t *testing.T) {
	t.Run("NilConfig", func(t *testing.T) {
		logger, err := NewLogger(nil)
		require.NoError(t, err)
		assert.IsType(t, &NoOpLogger{}, logger)
	})

	t.Run("Disabled", func(t *testing.T) {
		logger, err := NewLogger(&Config{Enabled: false, Type: FileAuditType})
		require.NoError(t, err)
		assert.IsType(t, &NoOpLogger{}, logger)
	})

	t.Run("File", func(t *testing.T) {
		logger, err := NewLogger(&Config{
			Enabled: true,
			Type:    FileAuditType,
			Options: map[string]interface{}{"file_path": filepath.Join(t.TempDir(), "audit.log")},
		})
		require.NoError(t, err)
		defer logger.Close()
		assert.IsType(t, &FileLogger{}, logger)
	})

	t.Run("FileWithoutPath", func(t *testing.T) {
		_, err := NewLogger(&Config{Enabled: true, Type: FileAuditType})
		assert.Error(t, err)
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := NewLogger(&Config{Enabled: true, Type: "database"})
		assert.Error(t, err)
	})
}

func TestFileLoggerWritesJSONLines(t *testing.T) {
	logger, path := newTestFileLogger(t)

	require.NoError(t, logger.Log("ENTRY_ADD", true, map[string]interface{}{
		KeyUserID:    "0123456789abcdef0123456789abcdef",
		KeySessionID: "s-1",
		KeyService:   "gmail",
		KeyUsername:  "alice",
		"password":   "p1",
		"entries":    3,
	}))
	require.NoError(t, logger.Log("ENTRY_DELETE", false, map[string]interface{}{
		KeyError: errors.New("boom"),
	}))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	require.Len(t, lines, 2)
	assert.NotContains(t, lines[0], "p1")

	var event Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &event))
	assert.NotEmpty(t, event.ID)
	assert.Equal(t, "ENTRY_ADD", event.Action)
	assert.True(t, event.Success)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", event.UserID)
	assert.Equal(t, "s-1", event.SessionID)
	assert.Equal(t, "gmail", event.Service)
	assert.Equal(t, "alice", event.Username)
	assert.Equal(t, float64(3), event.Metadata["entries"])
	assert.NotContains(t, event.Metadata, "password")

	require.NoError(t, json.Unmarshal([]byte(lines[1]), &event))
	assert.Equal(t, "boom", event.Error)
	assert.False(t, event.Success)
}

func TestFileLoggerQuery(t *testing.T) {
	logger, _ := newTestFileLogger(t)

	for i, service := range []string{"gmail", "github", "gmail", "bank"} {
		require.NoError(t, logger.Log("ENTRY_ADD", i != 3, map[string]interface{}{
			KeyUserID:  "0123456789abcdef0123456789abcdef",
			KeyService: service,
		}))
	}
	require.NoError(t, logger.Log("SESSION_OPEN", true, map[string]interface{}{
		KeyUserID: "fedcba9876543210fedcba9876543210",
	}))

	t.Run("All", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{})
		require.NoError(t, err)
		assert.Equal(t, 5, result.TotalCount)
		assert.Equal(t, 5, result.Filtered)
		assert.False(t, result.HasMore)
		assert.Equal(t, "SESSION_OPEN", result.Events[0].Action, "newest first")
	})

	t.Run("ByService", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Service: "gmail"})
		require.NoError(t, err)
		assert.Len(t, result.Events, 2)
	})

	t.Run("ByUser", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{UserID: "fedcba9876543210fedcba9876543210"})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		assert.Equal(t, "SESSION_OPEN", result.Events[0].Action)
	})

	t.Run("FailuresOnly", func(t *testing.T) {
		failed := false
		result, err := logger.Query(QueryOptions{Success: &failed})
		require.NoError(t, err)
		require.Len(t, result.Events, 1)
		assert.Equal(t, "bank", result.Events[0].Service)
	})

	t.Run("Pagination", func(t *testing.T) {
		result, err := logger.Query(QueryOptions{Action: "ENTRY_ADD", Limit: 3})
		require.NoError(t, err)
		assert.Len(t, result.Events, 3)
		assert.Equal(t, 4, result.Filtered)
		assert.True(t, result.HasMore)

		result, err = logger.Query(QueryOptions{Action: "ENTRY_ADD", Limit: 3, Offset: 3})
		require.NoError(t, err)
		assert.Len(t, result.Events, 1)
		assert.False(t, result.HasMore)
	})

	t.Run("FromCache", func(t *testing.T) {
		since := time.Now().Add(time.Hour)
		result, err := logger.Query(QueryOptions{Since: &since})
		require.NoError(t, err)
		assert.Empty(t, result.Events)
	})
}

func TestFileLoggerReopensAfterClose(t *testing.T) {
	logger, path := newTestFileLogger(t)

	require.NoError(t, logger.Log("SESSION_OPEN", true, nil))
	require.NoError(t, logger.Close())
	require.NoError(t, logger.Log("SESSION_CLOSE", true, nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))

	result, err := logger.Query(QueryOptions{})
	require.NoError(t, err)
	assert.Len(t, result.Events, 2)
}

func TestNoOpLogger(t *testing.T) {
	logger := NewNoOpLogger()
	assert.NoError(t, logger.Log("ANY", true, nil))
	result, err := logger.Query(QueryOptions{})
	assert.NoError(t, err)
	assert.Empty(t, result.Events)
	assert.NoError(t, logger.Close())
}
