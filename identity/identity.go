// Package identity reads the certificate that keys a vault from a hardware
// token or, for development, from a file.
package identity

import (
	"context"
	"errors"
)

var (
	// ErrTokenNotPresent is returned when no token is inserted
	ErrTokenNotPresent = errors.New("no token present")

	// ErrPINIncorrect is returned when the token rejects the PIN
	ErrPINIncorrect = errors.New("incorrect PIN")

	// ErrPINLocked is returned when the token is locked after too many bad PINs
	ErrPINLocked = errors.New("PIN locked")

	// ErrCertificateNotFound is returned when the token holds no usable certificate
	ErrCertificateNotFound = errors.New("certificate not found")

	// ErrLibraryUnavailable is returned when the token driver cannot be loaded
	ErrLibraryUnavailable = errors.New("token library unavailable")
)

// Opener authenticates to an identity source with a PIN
type Opener interface {
	Open(ctx context.Context, pin string) (Provider, error)
}

// Provider is an authenticated session with an identity source. Close
// releases the session and must be called exactly once, and never while a
// Certificate call is still running.
type Provider interface {
	Certificate(ctx context.Context) ([]byte, error)
	Close() error
}

// PresenceChecker reports whether a token is available without logging in
type PresenceChecker interface {
	Present(ctx context.Context) (bool, error)
}
