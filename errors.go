package cardvault

import (
	"errors"
	"strings"
)

var (
	// ErrAuthenticationFailure covers a bad or missing PIN, an absent token, an
	// unreadable certificate and a vault that does not authenticate under the
	// derived key
	ErrAuthenticationFailure = errors.New("authentication failure")

	// ErrNotAuthenticated is returned by vault operations on a session that is
	// not open
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrCorruptVault is returned when a vault file exists but cannot be
	// ciphertext produced by this package
	ErrCorruptVault = errors.New("corrupt vault")

	// ErrNotConfigured is returned when no vault location could be resolved
	ErrNotConfigured = errors.New("vault not configured")

	// ErrIOFailure wraps storage failures other than a missing vault
	ErrIOFailure = errors.New("vault i/o failure")

	// ErrDuplicateEntry is returned by Add when duplicates are rejected
	ErrDuplicateEntry = errors.New("duplicate entry")

	// ErrInvalidEntry is returned for entries without a service name
	ErrInvalidEntry = errors.New("invalid entry")

	// ErrConcurrentModification is returned when the vault changed on disk
	// between load and save
	ErrConcurrentModification = errors.New("vault modified concurrently")

	// ErrUnsupportedVersion is returned for vault files written by a newer
	// format. It also matches ErrCorruptVault.
	ErrUnsupportedVersion error = &refinedError{msg: "unsupported vault version", parent: ErrCorruptVault}

	// ErrHardwareTimeout is returned when the token does not answer in time.
	// It also matches ErrAuthenticationFailure.
	ErrHardwareTimeout error = &refinedError{msg: "hardware token timed out", parent: ErrAuthenticationFailure}
)

// refinedError is a sentinel that is also a more general sentinel
type refinedError struct {
	msg    string
	parent error
}

func (e *refinedError) Error() string { return e.msg }
func (e *refinedError) Unwrap() error { return e.parent }

// VaultError describes a failed vault operation. errors.Is matches both its
// Kind and the underlying cause.
type VaultError struct {
	Op     string // operation that failed, e.g. "load", "add"
	UserID UserID // empty when the identity is not known yet
	Kind   error  // one of the Err* sentinels
	Err    error  // underlying cause, may be nil
}

func (e *VaultError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Op)
	if e.UserID != "" {
		sb.WriteString(" (user ")
		sb.WriteString(e.UserID.Short())
		sb.WriteString(")")
	}
	sb.WriteString(": ")
	switch {
	case e.Err == nil:
		sb.WriteString(e.Kind.Error())
	case errors.Is(e.Err, e.Kind):
		sb.WriteString(e.Err.Error())
	default:
		sb.WriteString(e.Kind.Error())
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *VaultError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(op string, userID UserID, kind, err error) *VaultError {
	return &VaultError{Op: op, UserID: userID, Kind: kind, Err: err}
}

// wrapError returns err unchanged when it already is a VaultError and wraps
// it with the given kind otherwise
func wrapError(op string, userID UserID, kind, err error) error {
	var vaultErr *VaultError
	if errors.As(err, &vaultErr) {
		return err
	}
	return newError(op, userID, kind, err)
}
