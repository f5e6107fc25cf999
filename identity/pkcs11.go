package identity

import (
	"context"
	"errors"
	"fmt"
	"github.com/miekg/pkcs11"
	"runtime"
	"southwinds.dev/cardvault/internal/logging"
	"sync"
)

const (
	linuxLibraryPath   = "/usr/lib/opensc-pkcs11.so"
	darwinLibraryPath  = "/Library/OpenSC/lib/opensc-pkcs11.so"
	windowsLibraryPath = `C:\Program Files\OpenSC Project\OpenSC\pkcs11\opensc-pkcs11.dll`
)

// DefaultLibraryPath returns where OpenSC installs its PKCS#11 module on
// this platform
func DefaultLibraryPath() string {
	switch runtime.GOOS {
	case "windows":
		return windowsLibraryPath
	case "darwin":
		return darwinLibraryPath
	default:
		return linuxLibraryPath
	}
}

// PKCS11Opener logs in to the first slot that holds a token and reads a
// certificate object from it
type PKCS11Opener struct {
	// LibPath is the PKCS#11 module; DefaultLibraryPath when empty
	LibPath string
	// Label selects the certificate by CKA_LABEL; the first certificate when empty
	Label string
}

var (
	_ Opener          = (*PKCS11Opener)(nil)
	_ PresenceChecker = (*PKCS11Opener)(nil)
)

func (o *PKCS11Opener) libPath() string {
	if o.LibPath == "" {
		return DefaultLibraryPath()
	}
	return o.LibPath
}

// load initializes the module. The returned context must be released with
// finalize.
func (o *PKCS11Opener) load() (*pkcs11.Ctx, error) {
	path := o.libPath()
	p := pkcs11.New(path)
	if p == nil {
		return nil, fmt.Errorf("%w: cannot load %s", ErrLibraryUnavailable, path)
	}
	if err := p.Initialize(); err != nil && !isCode(err, pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED) {
		p.Destroy()
		return nil, fmt.Errorf("%w: initialize %s: %v", ErrLibraryUnavailable, path, err)
	}
	return p, nil
}

func finalize(p *pkcs11.Ctx) {
	if err := p.Finalize(); err != nil {
		logging.Debugf("pkcs11 finalize: %v", err)
	}
	p.Destroy()
}

// Present reports whether any slot holds a token
func (o *PKCS11Opener) Present(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	p, err := o.load()
	if err != nil {
		return false, err
	}
	defer finalize(p)

	slots, err := p.GetSlotList(true)
	if err != nil {
		return false, fmt.Errorf("failed to list slots: %w", err)
	}
	return len(slots) > 0, nil
}

// Open logs in to the token in the first occupied slot
func (o *PKCS11Opener) Open(ctx context.Context, pin string) (Provider, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := o.load()
	if err != nil {
		return nil, err
	}

	slots, err := p.GetSlotList(true)
	if err != nil {
		finalize(p)
		return nil, fmt.Errorf("failed to list slots: %w", err)
	}
	if len(slots) == 0 {
		finalize(p)
		return nil, ErrTokenNotPresent
	}

	session, err := p.OpenSession(slots[0], pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		finalize(p)
		return nil, mapError("open session", err)
	}

	if err = p.Login(session, pkcs11.CKU_USER, pin); err != nil && !isCode(err, pkcs11.CKR_USER_ALREADY_LOGGED_IN) {
		_ = p.CloseSession(session)
		finalize(p)
		return nil, mapError("login", err)
	}

	logging.Debugf("logged in to token in slot %d", slots[0])
	return &pkcs11Provider{ctx: p, session: session, label: o.Label}, nil
}

type pkcs11Provider struct {
	mu      sync.Mutex
	ctx     *pkcs11.Ctx
	session pkcs11.SessionHandle
	label   string
	closed  bool
}

// Certificate returns the DER bytes of the selected certificate object
func (pp *pkcs11Provider) Certificate(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if pp.closed {
		return nil, errors.New("token session closed")
	}

	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_CERTIFICATE),
	}
	if pp.label != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, pp.label))
	}

	if err := pp.ctx.FindObjectsInit(pp.session, template); err != nil {
		return nil, mapError("find certificate", err)
	}
	objects, _, err := pp.ctx.FindObjects(pp.session, 1)
	if finalErr := pp.ctx.FindObjectsFinal(pp.session); finalErr != nil && err == nil {
		err = finalErr
	}
	if err != nil {
		return nil, mapError("find certificate", err)
	}
	if len(objects) == 0 {
		return nil, ErrCertificateNotFound
	}

	attrs, err := pp.ctx.GetAttributeValue(pp.session, objects[0], []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
	})
	if err != nil {
		return nil, mapError("read certificate", err)
	}
	if len(attrs) == 0 || len(attrs[0].Value) == 0 {
		return nil, ErrCertificateNotFound
	}
	return attrs[0].Value, nil
}

// Close logs out and releases the module
func (pp *pkcs11Provider) Close() error {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	if pp.closed {
		return nil
	}
	pp.closed = true

	var errs []error
	if err := pp.ctx.Logout(pp.session); err != nil && !isCode(err, pkcs11.CKR_USER_NOT_LOGGED_IN) {
		errs = append(errs, fmt.Errorf("logout: %w", err))
	}
	if err := pp.ctx.CloseSession(pp.session); err != nil {
		errs = append(errs, fmt.Errorf("close session: %w", err))
	}
	finalize(pp.ctx)
	return errors.Join(errs...)
}

// mapError translates PKCS#11 return values into the package errors
func mapError(op string, err error) error {
	switch {
	case isCode(err, pkcs11.CKR_PIN_INCORRECT), isCode(err, pkcs11.CKR_PIN_INVALID), isCode(err, pkcs11.CKR_PIN_LEN_RANGE):
		return fmt.Errorf("%s: %w", op, ErrPINIncorrect)
	case isCode(err, pkcs11.CKR_PIN_LOCKED):
		return fmt.Errorf("%s: %w", op, ErrPINLocked)
	case isCode(err, pkcs11.CKR_TOKEN_NOT_PRESENT), isCode(err, pkcs11.CKR_DEVICE_REMOVED), isCode(err, pkcs11.CKR_TOKEN_NOT_RECOGNIZED):
		return fmt.Errorf("%s: %w", op, ErrTokenNotPresent)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func isCode(err error, code uint) bool {
	var p11Err pkcs11.Error
	return errors.As(err, &p11Err) && uint(p11Err) == code
}
