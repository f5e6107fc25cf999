package audit

import "fmt"

// SyslogLogger is unavailable on Windows
type SyslogLogger struct {
	NoOpLogger
}

// NewSyslogLogger always fails on Windows, which has no syslog daemon
func NewSyslogLogger(*Config) (*SyslogLogger, error) {
	return nil, fmt.Errorf("syslog audit logging is not supported on windows")
}
