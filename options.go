package cardvault

import (
	"southwinds.dev/cardvault/audit"
	"time"
)

// DefaultHardwareTimeout bounds each call to the identity token
const DefaultHardwareTimeout = 30 * time.Second

// Options configures a Session
type Options struct {
	// HardwareTimeout bounds opening the token and reading the certificate.
	// Zero means DefaultHardwareTimeout.
	HardwareTimeout time.Duration

	// Duplicates decides whether Add accepts an existing service/username pair
	Duplicates DuplicatePolicy

	// Match decides how many entries Update and Delete touch
	Match MatchMode

	// Audit receives one event per session operation. Nil disables auditing.
	// The session does not close it.
	Audit audit.Logger
}

// DefaultOptions rejects duplicates, matches all entries and uses the
// default hardware timeout
func DefaultOptions() Options {
	return Options{
		HardwareTimeout: DefaultHardwareTimeout,
		Duplicates:      RejectDuplicates,
		Match:           MatchAll,
	}
}

func (o Options) withDefaults() Options {
	if o.HardwareTimeout <= 0 {
		o.HardwareTimeout = DefaultHardwareTimeout
	}
	if o.Audit == nil {
		o.Audit = audit.NewNoOpLogger()
	}
	return o
}

func (o Options) repository() Repository {
	return Repository{Duplicates: o.Duplicates, Match: o.Match}
}
