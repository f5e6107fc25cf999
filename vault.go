package cardvault

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/awnumar/memguard"
	"southwinds.dev/cardvault/internal/crypto"
)

const (
	// SchemaVersion is the newest plaintext schema this package reads and writes
	SchemaVersion = 1

	formatVersion byte = 0x01
	prefixSize         = 5 // magic and format byte
	headerSize         = prefixSize + crypto.KeyCheckSize
	minFileSize        = headerSize + crypto.NonceSize + crypto.Overhead
)

var fileMagic = []byte("CVLT")

// Entry is one stored credential. Entries are matched by Service and
// Username; there is no entry id.
type Entry struct {
	Service  string `json:"service"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// String hides the password so entries can be logged
func (e Entry) String() string {
	return fmt.Sprintf("%s/%s", e.Service, e.Username)
}

// Vault is the ordered list of a user's credentials
type Vault struct {
	Version int     `json:"version"`
	Entries []Entry `json:"entries"`
}

// NewVault returns an empty vault at the current schema version
func NewVault() *Vault {
	return &Vault{Version: SchemaVersion, Entries: []Entry{}}
}

// Clone returns a deep copy of the vault
func (v *Vault) Clone() *Vault {
	if v == nil {
		return NewVault()
	}
	entries := make([]Entry, len(v.Entries))
	copy(entries, v.Entries)
	return &Vault{Version: v.Version, Entries: entries}
}

// Len returns the number of entries
func (v *Vault) Len() int {
	if v == nil {
		return 0
	}
	return len(v.Entries)
}

func encodeVault(v *Vault) ([]byte, error) {
	out := v.Clone()
	if out.Version == 0 {
		out.Version = SchemaVersion
	}
	return json.Marshal(out)
}

// decodeVault parses authenticated plaintext. A missing version field is
// read as version 1.
func decodeVault(data []byte) (*Vault, error) {
	var v Vault
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptVault, err)
	}
	if v.Version == 0 {
		v.Version = 1
	}
	if v.Version < 0 || v.Version > SchemaVersion {
		return nil, fmt.Errorf("%w: schema version %d", ErrUnsupportedVersion, v.Version)
	}
	if v.Entries == nil {
		v.Entries = []Entry{}
	}
	return &v, nil
}

func fileHeader(key []byte) []byte {
	header := make([]byte, 0, headerSize)
	header = append(header, fileMagic...)
	header = append(header, formatVersion)
	return append(header, crypto.KeyCheck(key)...)
}

// sealVault produces the vault file: magic, format byte, key check, nonce,
// ciphertext. The header is authenticated as associated data.
func sealVault(key *memguard.LockedBuffer, plaintext []byte) ([]byte, error) {
	header := fileHeader(key.Bytes())
	sealed, err := crypto.Seal(key.Bytes(), plaintext, header)
	if err != nil {
		return nil, err
	}
	return append(header, sealed...), nil
}

// openVault checks the header and decrypts the vault file. The key check
// decides the error: a mismatch is a wrong card, a failed tag under a
// matching key check is a damaged file.
func openVault(key *memguard.LockedBuffer, blob []byte) ([]byte, error) {
	if len(blob) < prefixSize || !bytes.Equal(blob[:len(fileMagic)], fileMagic) {
		return nil, fmt.Errorf("%w: not a vault file", ErrCorruptVault)
	}
	if blob[len(fileMagic)] != formatVersion {
		return nil, fmt.Errorf("%w: file format %#x", ErrUnsupportedVersion, blob[len(fileMagic)])
	}
	if len(blob) < headerSize {
		return nil, fmt.Errorf("%w: truncated vault header (%d bytes)", ErrCorruptVault, len(blob))
	}
	if !crypto.VerifyKeyCheck(key.Bytes(), blob[prefixSize:headerSize]) {
		return nil, fmt.Errorf("%w: vault does not decrypt with this card", ErrAuthenticationFailure)
	}
	if len(blob) < minFileSize {
		return nil, fmt.Errorf("%w: truncated vault file (%d bytes)", ErrCorruptVault, len(blob))
	}

	plaintext, err := crypto.Open(key.Bytes(), blob[headerSize:], blob[:headerSize])
	if err != nil {
		if errors.Is(err, crypto.ErrAuthentication) {
			return nil, fmt.Errorf("%w: vault content fails authentication", ErrCorruptVault)
		}
		return nil, fmt.Errorf("%w: %v", ErrCorruptVault, err)
	}
	return plaintext, nil
}
