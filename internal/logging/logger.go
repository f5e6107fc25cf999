package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	clog "github.com/charmbracelet/log"
)

// L is the package-level logger. Output goes to stderr so that command
// output on stdout stays machine readable.
var L = clog.NewWithOptions(os.Stderr, clog.Options{
	Prefix:          "cardvault",
	ReportTimestamp: true,
})

// SetOutput redirects the package-level logger
func SetOutput(w io.Writer) {
	L.SetOutput(w)
}

// SetLevel sets the minimum level from its name (debug, info, warn, error).
// Unknown names fall back to info.
func SetLevel(name string) {
	level, err := clog.ParseLevel(strings.ToLower(strings.TrimSpace(name)))
	if err != nil {
		level = clog.InfoLevel
	}
	L.SetLevel(level)
}

// Debugf logs a debug-level formatted message.
func Debugf(format string, v ...interface{}) {
	L.Debug(fmt.Sprintf(format, v...))
}

// Infof logs an info-level formatted message.
func Infof(format string, v ...interface{}) {
	L.Info(fmt.Sprintf(format, v...))
}

// Warnf logs a warning-level formatted message.
func Warnf(format string, v ...interface{}) {
	L.Warn(fmt.Sprintf(format, v...))
}

// Errorf logs an error-level formatted message.
func Errorf(format string, v ...interface{}) {
	L.Error(fmt.Sprintf(format, v...))
}

// With returns a child logger carrying the given key/value pairs
func With(keyvals ...interface{}) *clog.Logger {
	return L.With(keyvals...)
}
