package cardvault

import (
	"southwinds.dev/cardvault/persist"
)

// ListKnownUsers returns the identities that have a vault location in store,
// in the order the store lists them
func ListKnownUsers(store persist.Store) ([]UserID, error) {
	if store == nil {
		return nil, newError("list_users", "", ErrNotConfigured, nil)
	}
	ids, err := store.ListUsers()
	if err != nil {
		return nil, newError("list_users", "", storeErrorKind(err), err)
	}
	users := make([]UserID, 0, len(ids))
	for _, id := range ids {
		users = append(users, UserID(id))
	}
	return users, nil
}

// GetUserInfo describes a user's vault location and size without a key
func GetUserInfo(store persist.Store, userID UserID) (*persist.VaultInfo, error) {
	const op = "user_info"
	if store == nil {
		return nil, newError(op, userID, ErrNotConfigured, nil)
	}
	info, err := store.Stat(string(userID))
	if err != nil {
		return nil, newError(op, userID, storeErrorKind(err), err)
	}
	return info, nil
}
