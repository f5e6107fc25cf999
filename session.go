package cardvault

import (
	"context"
	"errors"
	"fmt"
	"github.com/awnumar/memguard"
	"github.com/google/uuid"
	"southwinds.dev/cardvault/audit"
	"southwinds.dev/cardvault/identity"
	"southwinds.dev/cardvault/internal/logging"
	"southwinds.dev/cardvault/persist"
	"sync"
	"time"
)

// State is the lifecycle stage of a Session
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	default:
		return "unauthenticated"
	}
}

// Session is an authenticated use of one user's vault. It holds the token
// session and the derived key until Close. A zero Session is
// unauthenticated and rejects every operation.
type Session struct {
	mu       sync.Mutex
	id       string
	state    State
	provider identity.Provider
	key      *Key
	userID   UserID
	location string
	vaults   *VaultStore
	repo     Repository
	audit    audit.Logger
}

// Open authenticates to the token with pin and prepares the owner's vault.
//
// The steps are:
//  1. open the identity provider with the PIN
//  2. read the certificate
//  3. derive the user id and the vault key from it
//  4. resolve the vault location in store
//
// Opening the provider and reading the certificate are each bounded by
// opts.HardwareTimeout; a call that does not return in time fails with
// ErrHardwareTimeout and a provider that is opened late is closed. On any
// other failure the provider is released before Open returns. After a
// certificate timeout it is released once the read returns, never while
// the read is still using it.
//
// Errors:
//   - ErrAuthenticationFailure: wrong PIN, no token, no certificate, timeout
//   - ErrNotConfigured: no opener or store, or the location cannot be resolved
//   - ErrIOFailure: the location exists but cannot be created or accessed
func Open(ctx context.Context, opener identity.Opener, pin string, store persist.Store, opts Options) (*Session, error) {
	const op = "open"
	opts = opts.withDefaults()

	s := &Session{
		id:     uuid.NewString(),
		vaults: NewVaultStore(store),
		repo:   opts.repository(),
		audit:  opts.Audit,
	}

	if opener == nil || store == nil {
		err := newError(op, "", ErrNotConfigured, errors.New("identity opener and store are required"))
		s.logAudit("SESSION_OPEN", err, nil)
		return nil, err
	}

	start := time.Now()
	provider, _, err := callWithTimeout(ctx, opts.HardwareTimeout,
		func(ctx context.Context) (identity.Provider, error) {
			return opener.Open(ctx, pin)
		},
		func(late identity.Provider, err error) {
			if err == nil && late != nil {
				releaseProvider(late)
			}
		})
	if err != nil {
		err = newError(op, "", hardwareErrorKind(err), err)
		s.logAudit("SESSION_OPEN", err, nil)
		return nil, err
	}

	certificate, abandoned, err := callWithTimeout(ctx, opts.HardwareTimeout, provider.Certificate,
		func(late []byte, _ error) {
			memguard.WipeBytes(late)
			releaseProvider(provider)
		})
	if err == nil && len(certificate) == 0 {
		err = identity.ErrCertificateNotFound
	}
	if err != nil {
		// an abandoned read closes the provider once it returns
		if !abandoned {
			releaseProvider(provider)
		}
		err = newError(op, "", hardwareErrorKind(err), err)
		s.logAudit("SESSION_OPEN", err, nil)
		return nil, err
	}

	userID := DeriveUserID(certificate)
	key, err := DeriveVaultKey(certificate)
	memguard.WipeBytes(certificate)
	if err != nil {
		releaseProvider(provider)
		s.logAudit("SESSION_OPEN", err, nil)
		return nil, err
	}

	location, err := store.Resolve(string(userID))
	if err != nil {
		key.Destroy()
		releaseProvider(provider)
		err = newError(op, userID, storeErrorKind(err), err)
		s.logAudit("SESSION_OPEN", err, nil)
		return nil, err
	}

	s.provider = provider
	s.key = key
	s.userID = userID
	s.location = location
	s.state = StateAuthenticated

	logging.Debugf("session %s opened for user %s in %s", s.id, userID.Short(), time.Since(start))
	s.logAudit("SESSION_OPEN", nil, map[string]interface{}{
		audit.KeyDuration: time.Since(start),
	})
	return s, nil
}

// WithSession opens a session, passes it to fn and closes it on every exit
// path, including a panic in fn
func WithSession(ctx context.Context, opener identity.Opener, pin string, store persist.Store, opts Options, fn func(*Session) error) (err error) {
	s, err := Open(ctx, opener, pin, store, opts)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil {
			err = errors.Join(err, closeErr)
		}
	}()
	return fn(s)
}

// ID returns the random identifier of the session used in audit events
func (s *Session) ID() string {
	if s == nil {
		return ""
	}
	return s.id
}

// UserID returns the identity of the vault owner
func (s *Session) UserID() UserID {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Location returns where the user's vault lives in the store
func (s *Session) Location() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.location
}

// State returns the lifecycle stage
func (s *Session) State() State {
	if s == nil {
		return StateUnauthenticated
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Initialize creates an empty vault if the user has none and verifies the
// existing one otherwise. It reports whether a vault was created.
func (s *Session) Initialize() (bool, error) {
	const op = "initialize"
	if s == nil {
		return false, newError(op, "", ErrNotAuthenticated, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ready(op); err != nil {
		return false, err
	}
	created, err := s.vaults.Initialize(s.key, s.userID)
	s.logAudit("VAULT_INITIALIZE", err, map[string]interface{}{"created": created})
	return created, err
}

// Add stores a new entry
func (s *Session) Add(entry Entry) error {
	const op = "add"
	if s == nil {
		return newError(op, "", ErrNotAuthenticated, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.mutate(op, func(v *Vault) (*Vault, bool, error) {
		next, err := s.repo.Add(v, entry)
		if err != nil {
			kind := ErrInvalidEntry
			if errors.Is(err, ErrDuplicateEntry) {
				kind = ErrDuplicateEntry
			}
			return nil, false, newError(op, s.userID, kind, err)
		}
		return next, true, nil
	})
	s.logAudit("ENTRY_ADD", err, entryMetadata(entry.Service, entry.Username))
	return err
}

// List returns every entry in insertion order
func (s *Session) List() ([]Entry, error) {
	const op = "list"
	if s == nil {
		return nil, newError(op, "", ErrNotAuthenticated, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read(op, List)
	s.logAudit("ENTRY_LIST", err, map[string]interface{}{"count": len(entries)})
	return entries, err
}

// Find returns the entries whose service contains query, ignoring case
func (s *Session) Find(query string) ([]Entry, error) {
	const op = "find"
	if s == nil {
		return nil, newError(op, "", ErrNotAuthenticated, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read(op, func(v *Vault) []Entry { return Find(v, query) })
	s.logAudit("ENTRY_FIND", err, map[string]interface{}{
		audit.KeyService: query,
		"count":          len(entries),
	})
	return entries, err
}

// Update changes the password of the matching entries and reports whether
// any matched. No match writes nothing and is not an error.
func (s *Session) Update(service, username, password string) (bool, error) {
	const op = "update"
	if s == nil {
		return false, newError(op, "", ErrNotAuthenticated, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	found := false
	err := s.mutate(op, func(v *Vault) (*Vault, bool, error) {
		var next *Vault
		next, found = s.repo.Update(v, service, username, password)
		return next, found, nil
	})
	metadata := entryMetadata(service, username)
	metadata["found"] = found
	s.logAudit("ENTRY_UPDATE", err, metadata)
	return found, err
}

// Delete removes the matching entries and returns how many were removed
func (s *Session) Delete(service, username string) (int, error) {
	const op = "delete"
	if s == nil {
		return 0, newError(op, "", ErrNotAuthenticated, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	err := s.mutate(op, func(v *Vault) (*Vault, bool, error) {
		var next *Vault
		next, removed = s.repo.Delete(v, service, username)
		return next, removed > 0, nil
	})
	metadata := entryMetadata(service, username)
	metadata["removed"] = removed
	s.logAudit("ENTRY_DELETE", err, metadata)
	return removed, err
}

// Info describes the session user's vault location without decrypting it
func (s *Session) Info() (*persist.VaultInfo, error) {
	const op = "info"
	if s == nil {
		return nil, newError(op, "", ErrNotAuthenticated, nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ready(op); err != nil {
		return nil, err
	}
	info, err := s.vaults.Store().Stat(string(s.userID))
	if err != nil {
		return nil, newError(op, s.userID, storeErrorKind(err), err)
	}
	return info, nil
}

// Close destroys the key and releases the token. Further operations fail
// with ErrNotAuthenticated. Closing again is a no-op.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateClosed {
		return nil
	}
	wasOpen := s.state == StateAuthenticated
	s.state = StateClosed

	s.key.Destroy()
	s.key = nil

	var err error
	if s.provider != nil {
		if closeErr := s.provider.Close(); closeErr != nil {
			err = newError("close", s.userID, ErrIOFailure, fmt.Errorf("failed to release identity provider: %w", closeErr))
		}
		s.provider = nil
	}

	if wasOpen {
		s.logAudit("SESSION_CLOSE", err, nil)
		logging.Debugf("session %s closed", s.id)
	}
	return err
}

// ready checks that vault operations are allowed. The caller holds s.mu.
func (s *Session) ready(op string) error {
	if s.state != StateAuthenticated {
		return newError(op, s.userID, ErrNotAuthenticated, fmt.Errorf("session is %s", s.state))
	}
	if s.userID == "" || s.vaults == nil {
		return newError(op, "", ErrNotConfigured, errors.New("no vault location resolved"))
	}
	return nil
}

func (s *Session) read(op string, fn func(*Vault) []Entry) ([]Entry, error) {
	if err := s.ready(op); err != nil {
		return nil, err
	}
	vault, _, err := s.vaults.DecryptAndLoad(s.key, s.userID)
	if err != nil {
		return nil, err
	}
	return fn(vault), nil
}

// mutate runs one load, mutate, save cycle. The save only succeeds if the
// vault is unchanged since the load. Nothing is written when fn reports no
// change.
func (s *Session) mutate(op string, fn func(*Vault) (*Vault, bool, error)) error {
	if err := s.ready(op); err != nil {
		return err
	}
	vault, version, err := s.vaults.DecryptAndLoad(s.key, s.userID)
	if err != nil {
		return err
	}
	next, changed, err := fn(vault)
	if err != nil || !changed {
		return err
	}
	_, err = s.vaults.EncryptAndPersist(s.key, s.userID, next, version)
	return err
}

func (s *Session) logAudit(action string, err error, metadata map[string]interface{}) {
	if s.audit == nil {
		return
	}
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	metadata[audit.KeySessionID] = s.id
	if s.userID != "" {
		metadata[audit.KeyUserID] = string(s.userID)
	}
	if err != nil {
		metadata[audit.KeyError] = err.Error()
	}
	if auditErr := s.audit.Log(action, err == nil, metadata); auditErr != nil {
		logging.Errorf("audit logging failed for action %s: %v", action, auditErr)
	}
}

func entryMetadata(service, username string) map[string]interface{} {
	return map[string]interface{}{
		audit.KeyService:  service,
		audit.KeyUsername: username,
	}
}

func releaseProvider(p identity.Provider) {
	if err := p.Close(); err != nil {
		logging.Warnf("failed to close identity provider: %v", err)
	}
}

func hardwareErrorKind(err error) error {
	if errors.Is(err, ErrHardwareTimeout) {
		return ErrHardwareTimeout
	}
	return ErrAuthenticationFailure
}

// callWithTimeout runs a blocking hardware call in its own goroutine and
// gives up after timeout or when ctx ends. abandoned reports that the call
// was still running; its late result is passed to release, if set, once the
// call returns.
func callWithTimeout[T any](ctx context.Context, timeout time.Duration, call func(context.Context) (T, error), release func(T, error)) (value T, abandoned bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		value, err := call(ctx)
		done <- result{value: value, err: err}
	}()

	select {
	case r := <-done:
		return r.value, false, r.err
	case <-ctx.Done():
		if release != nil {
			go func() {
				r := <-done
				release(r.value, r.err)
			}()
		}
		var zero T
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return zero, true, fmt.Errorf("%w after %s", ErrHardwareTimeout, timeout)
		}
		return zero, true, ctx.Err()
	}
}

// CheckPresence asks checker whether a token is available, giving up after
// timeout. Zero or negative timeout means DefaultHardwareTimeout.
//
// Errors:
//   - ErrNotConfigured: no checker
//   - ErrHardwareTimeout: the token did not answer in time
//   - ErrAuthenticationFailure: the check itself failed
func CheckPresence(ctx context.Context, checker identity.PresenceChecker, timeout time.Duration) (bool, error) {
	const op = "presence"
	if checker == nil {
		return false, newError(op, "", ErrNotConfigured, errors.New("no presence checker"))
	}
	if timeout <= 0 {
		timeout = DefaultHardwareTimeout
	}

	present, _, err := callWithTimeout(ctx, timeout, checker.Present, nil)
	if err != nil {
		return false, newError(op, "", hardwareErrorKind(err), err)
	}
	return present, nil
}
