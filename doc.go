// Package cardvault keeps a per-user encrypted credential vault whose key is
// derived from the certificate stored on a smartcard.
//
// A Session is opened with a PIN through an identity.Opener. The certificate
// read from the token yields both the user identifier, which selects the
// vault location, and the vault key. Every add, update and delete is a full
// load, mutate and save of the vault blob; the blob on disk is always
// XChaCha20-Poly1305 ciphertext and is replaced atomically.
//
//	err := cardvault.WithSession(ctx, opener, pin, store, cardvault.DefaultOptions(),
//	    func(s *cardvault.Session) error {
//	        return s.Add(cardvault.Entry{Service: "gmail", Username: "alice", Password: "p1"})
//	    })
package cardvault
