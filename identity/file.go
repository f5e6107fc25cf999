package identity

import (
	"context"
	"crypto/subtle"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

// FileOpener reads the certificate from a PEM or DER file. It stands in for
// a token during development and in tests.
type FileOpener struct {
	// Path of the certificate file
	Path string
	// PIN, when set, must match the PIN passed to Open
	PIN string
}

var (
	_ Opener          = (*FileOpener)(nil)
	_ PresenceChecker = (*FileOpener)(nil)
)

// Present reports whether the certificate file exists
func (o *FileOpener) Present(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if o.Path == "" {
		return false, nil
	}
	_, err := os.Stat(o.Path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, os.ErrNotExist):
		return false, nil
	default:
		return false, err
	}
}

// Open checks the PIN and loads the certificate
func (o *FileOpener) Open(ctx context.Context, pin string) (Provider, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if o.PIN != "" && subtle.ConstantTimeCompare([]byte(o.PIN), []byte(pin)) != 1 {
		return nil, ErrPINIncorrect
	}

	data, err := os.ReadFile(o.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrTokenNotPresent, o.Path)
		}
		return nil, fmt.Errorf("failed to read certificate file: %w", err)
	}

	der, err := ParseCertificate(data)
	if err != nil {
		return nil, err
	}
	return &staticProvider{certificate: der}, nil
}

// ParseCertificate returns the DER bytes of the first certificate in data,
// which may be PEM or DER encoded
func ParseCertificate(data []byte) ([]byte, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("%w: unexpected PEM block %q", ErrCertificateNotFound, block.Type)
		}
		der = block.Bytes
	}
	if _, err := x509.ParseCertificate(der); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCertificateNotFound, err)
	}
	return der, nil
}

// staticProvider hands out a certificate already in memory
type staticProvider struct {
	certificate []byte
	closed      bool
}

// NewStaticProvider returns a Provider for a certificate already read
func NewStaticProvider(certificate []byte) Provider {
	return &staticProvider{certificate: append([]byte(nil), certificate...)}
}

func (p *staticProvider) Certificate(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.closed {
		return nil, errors.New("provider closed")
	}
	if len(p.certificate) == 0 {
		return nil, ErrCertificateNotFound
	}
	return append([]byte(nil), p.certificate...), nil
}

func (p *staticProvider) Close() error {
	p.closed = true
	return nil
}
