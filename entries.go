package cardvault

import (
	"fmt"
	"strings"
)

// DuplicatePolicy decides whether Add accepts a second entry with the same
// service and username
type DuplicatePolicy int

const (
	RejectDuplicates DuplicatePolicy = iota
	AllowDuplicates
)

// MatchMode decides how many matching entries Update and Delete touch
type MatchMode int

const (
	// MatchAll touches every entry with the given service and username
	MatchAll MatchMode = iota
	// MatchFirst touches only the first one in insertion order
	MatchFirst
)

func (m MatchMode) String() string {
	switch m {
	case MatchFirst:
		return "first"
	default:
		return "all"
	}
}

// ParseMatchMode accepts "all", "first" or an empty string (all)
func ParseMatchMode(s string) (MatchMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return MatchAll, nil
	case "first":
		return MatchFirst, nil
	default:
		return MatchAll, fmt.Errorf("unknown match mode %q (want all or first)", s)
	}
}

// Repository applies entry operations to vaults. Every method returns a new
// vault and leaves its input untouched.
type Repository struct {
	Duplicates DuplicatePolicy
	Match      MatchMode
}

// Add appends e to the vault
func (r Repository) Add(v *Vault, e Entry) (*Vault, error) {
	if strings.TrimSpace(e.Service) == "" {
		return nil, fmt.Errorf("%w: service is required", ErrInvalidEntry)
	}
	out := v.Clone()
	if r.Duplicates == RejectDuplicates {
		for _, existing := range out.Entries {
			if matches(existing, e.Service, e.Username) {
				return nil, fmt.Errorf("%w: %s", ErrDuplicateEntry, e)
			}
		}
	}
	out.Entries = append(out.Entries, e)
	return out, nil
}

// Update sets the password of the matching entries in place, keeping their
// position, and reports whether any entry matched. Without a match the
// returned vault equals the input.
func (r Repository) Update(v *Vault, service, username, password string) (*Vault, bool) {
	out := v.Clone()
	found := false
	for i := range out.Entries {
		if !matches(out.Entries[i], service, username) {
			continue
		}
		out.Entries[i].Password = password
		found = true
		if r.Match == MatchFirst {
			break
		}
	}
	return out, found
}

// Delete removes the matching entries and returns how many were removed.
// No match is not an error.
func (r Repository) Delete(v *Vault, service, username string) (*Vault, int) {
	out := v.Clone()
	kept := out.Entries[:0]
	removed := 0
	for _, e := range out.Entries {
		if matches(e, service, username) && (r.Match == MatchAll || removed == 0) {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	out.Entries = kept
	return out, removed
}

// List returns a copy of the entries in insertion order
func List(v *Vault) []Entry {
	return v.Clone().Entries
}

// Find returns the entries whose service contains query, ignoring case.
// An empty query returns every entry.
func Find(v *Vault, query string) []Entry {
	query = strings.ToLower(strings.TrimSpace(query))
	found := []Entry{}
	for _, e := range v.Clone().Entries {
		if strings.Contains(strings.ToLower(e.Service), query) {
			found = append(found, e)
		}
	}
	return found
}

func matches(e Entry, service, username string) bool {
	return e.Service == service && e.Username == username
}
