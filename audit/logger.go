package audit

import (
	"encoding/json"
	"fmt"
	"github.com/google/uuid"
	"time"
)

// Config defines audit logging configuration
type Config struct {
	Enabled  bool                   `json:"enabled" yaml:"enabled"`
	Type     ConfigType             `json:"type" yaml:"type"`       // "file", "syslog" or empty for no-op
	Options  map[string]interface{} `json:"options" yaml:"options"` // Provider-specific options
	LogLevel string                 `json:"log_level,omitempty" yaml:"log_level,omitempty"`
}

type ConfigType string

const (
	FileAuditType   ConfigType = "file"
	SyslogAuditType ConfigType = "syslog"
	NoOp            ConfigType = ""
)

// Metadata keys lifted into dedicated Event fields
const (
	KeyUserID    = "user_id"
	KeySessionID = "session_id"
	KeyService   = "service"
	KeyUsername  = "username"
	KeyError     = "error"
	KeyCommand   = "command"
	KeyDuration  = "duration_ms"
	KeySource    = "source"
)

// Logger interface for pluggable audit implementations
type Logger interface {
	Log(action string, success bool, metadata map[string]interface{}) error
	Query(options QueryOptions) (QueryResult, error)
	Close() error
}

// Event represents an audit log event
type Event struct {
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Action    string                 `json:"action"`
	Success   bool                   `json:"success"`
	Error     string                 `json:"error,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Service   string                 `json:"service,omitempty"`
	Username  string                 `json:"username,omitempty"`
	Source    string                 `json:"source,omitempty"`
	Command   string                 `json:"command,omitempty"`
	Duration  int64                  `json:"duration_ms,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// QueryOptions for filtering audit logs
type QueryOptions struct {
	UserID  string
	Since   *time.Time
	Until   *time.Time
	Action  string
	Service string
	Success *bool // nil = all, true = only success, false = only failures
	Limit   int
	Offset  int
}

// QueryResult contains the results of an audit query
type QueryResult struct {
	Events     []Event `json:"events"`
	TotalCount int     `json:"total_count"`
	Filtered   int     `json:"filtered"`
	HasMore    bool    `json:"has_more"`
}

// NewLogger creates an appropriate logger based on configuration
func NewLogger(config *Config) (Logger, error) {
	if config == nil || !config.Enabled {
		return &NoOpLogger{}, nil
	}

	switch config.Type {
	case FileAuditType:
		return NewFileLogger(config)
	case SyslogAuditType:
		return NewSyslogLogger(config)
	case NoOp:
		return &NoOpLogger{}, nil
	default:
		return nil, fmt.Errorf("unknown audit provider: %s", config.Type)
	}
}

// newEvent builds an event from a Log call, moving well-known metadata
// keys into their fields. Password values never reach the trail.
func newEvent(action string, success bool, metadata map[string]interface{}, source string) Event {
	event := Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Action:    action,
		Success:   success,
		Source:    source,
	}

	rest := make(map[string]interface{}, len(metadata))
	for k, v := range metadata {
		switch k {
		case KeyUserID:
			event.UserID = stringValue(v)
		case KeySessionID:
			event.SessionID = stringValue(v)
		case KeyService:
			event.Service = stringValue(v)
		case KeyUsername:
			event.Username = stringValue(v)
		case KeyError:
			event.Error = stringValue(v)
		case KeyCommand:
			event.Command = stringValue(v)
		case KeySource:
			event.Source = stringValue(v)
		case KeyDuration:
			event.Duration = int64Value(v)
		case "password", "new_password":
		default:
			rest[k] = v
		}
	}
	if len(rest) > 0 {
		event.Metadata = rest
	}
	return event
}

func stringValue(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case fmt.Stringer:
		return s.String()
	case error:
		return s.Error()
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", s)
	}
}

func int64Value(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	case time.Duration:
		return n.Milliseconds()
	default:
		return 0
	}
}

// matchesFilter checks if an event matches the query filters
func matchesFilter(event Event, options QueryOptions) bool {
	if options.UserID != "" && event.UserID != options.UserID {
		return false
	}
	if options.Since != nil && event.Timestamp.Before(*options.Since) {
		return false
	}
	if options.Until != nil && event.Timestamp.After(*options.Until) {
		return false
	}
	if options.Action != "" && event.Action != options.Action {
		return false
	}
	if options.Service != "" && event.Service != options.Service {
		return false
	}
	if options.Success != nil && event.Success != *options.Success {
		return false
	}
	return true
}

// parseOptions converts map[string]interface{} to specific options struct
func parseOptions(options map[string]interface{}, target interface{}) error {
	if len(options) == 0 {
		return nil
	}

	// Convert to JSON and back to parse into struct
	jsonData, err := json.Marshal(options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	if err = json.Unmarshal(jsonData, target); err != nil {
		return fmt.Errorf("failed to unmarshal options: %w", err)
	}

	return nil
}
