package cardvault

import (
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func vaultOf(entries ...Entry) *Vault {
	v := NewVault()
	v.Entries = append(v.Entries, entries...)
	return v
}

func TestAddScenario(t *testing.T) {
	repo := Repository{}

	v, err := repo.Add(NewVault(), Entry{Service: "gmail", Username: "alice", Password: "p1"})
	require.NoError(t, err)

	assert.Equal(t, []Entry{{Service: "gmail", Username: "alice", Password: "p1"}}, List(v))
}

func TestAddDoesNotMutateInput(t *testing.T) {
	repo := Repository{}
	original := vaultOf(Entry{Service: "a", Username: "u", Password: "1"})

	_, err := repo.Add(original, Entry{Service: "b", Username: "u", Password: "2"})
	require.NoError(t, err)
	assert.Len(t, original.Entries, 1)
}

func TestAddDuplicatePolicy(t *testing.T) {
	v := vaultOf(Entry{Service: "gmail", Username: "alice", Password: "p1"})
	dup := Entry{Service: "gmail", Username: "alice", Password: "p2"}

	t.Run("RejectedByDefault", func(t *testing.T) {
		_, err := Repository{}.Add(v, dup)
		assert.ErrorIs(t, err, ErrDuplicateEntry)
	})

	t.Run("Allowed", func(t *testing.T) {
		out, err := Repository{Duplicates: AllowDuplicates}.Add(v, dup)
		require.NoError(t, err)
		assert.Len(t, out.Entries, 2)
	})

	t.Run("SameServiceOtherUser", func(t *testing.T) {
		out, err := Repository{}.Add(v, Entry{Service: "gmail", Username: "bob", Password: "p3"})
		require.NoError(t, err)
		assert.Len(t, out.Entries, 2)
	})
}

func TestAddRequiresService(t *testing.T) {
	_, err := Repository{}.Add(NewVault(), Entry{Service: "  ", Username: "alice"})
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestUpdateFirstMatch(t *testing.T) {
	repo := Repository{Duplicates: AllowDuplicates, Match: MatchFirst}
	v := vaultOf(
		Entry{Service: "gmail", Username: "alice", Password: "p1"},
		Entry{Service: "gmail", Username: "alice", Password: "p1-second"},
	)

	out, found := repo.Update(v, "gmail", "alice", "p2")
	assert.True(t, found)
	assert.Equal(t, "p2", out.Entries[0].Password)
	assert.Equal(t, "p1-second", out.Entries[1].Password)
	assert.Equal(t, "p1", v.Entries[0].Password, "input vault is unchanged")

	same, found := repo.Update(v, "gmail", "nobody", "p3")
	assert.False(t, found)
	assert.Equal(t, v, same)
}

func TestUpdateAllMatches(t *testing.T) {
	repo := Repository{Match: MatchAll}
	v := vaultOf(
		Entry{Service: "gmail", Username: "alice", Password: "p1"},
		Entry{Service: "bank", Username: "alice", Password: "b1"},
		Entry{Service: "gmail", Username: "alice", Password: "p1-second"},
	)

	out, found := repo.Update(v, "gmail", "alice", "p2")
	assert.True(t, found)
	assert.Equal(t, []Entry{
		{Service: "gmail", Username: "alice", Password: "p2"},
		{Service: "bank", Username: "alice", Password: "b1"},
		{Service: "gmail", Username: "alice", Password: "p2"},
	}, out.Entries)
}

func TestDeleteAllMatches(t *testing.T) {
	repo := Repository{Match: MatchAll}
	v := vaultOf(
		Entry{Service: "gmail", Username: "alice", Password: "p1"},
		Entry{Service: "bank", Username: "alice", Password: "b1"},
		Entry{Service: "gmail", Username: "alice", Password: "p2"},
	)

	out, removed := repo.Delete(v, "gmail", "alice")
	assert.Equal(t, 2, removed)
	assert.Equal(t, []Entry{{Service: "bank", Username: "alice", Password: "b1"}}, out.Entries)
	assert.Len(t, v.Entries, 3, "input vault is unchanged")

	same, removed := repo.Delete(out, "gmail", "alice")
	assert.Zero(t, removed)
	assert.Equal(t, out, same)
}

func TestDeleteFirstMatch(t *testing.T) {
	repo := Repository{Match: MatchFirst}
	v := vaultOf(
		Entry{Service: "gmail", Username: "alice", Password: "p1"},
		Entry{Service: "gmail", Username: "alice", Password: "p2"},
	)

	out, removed := repo.Delete(v, "gmail", "alice")
	assert.Equal(t, 1, removed)
	assert.Equal(t, []Entry{{Service: "gmail", Username: "alice", Password: "p2"}}, out.Entries)
}

func TestListAndFind(t *testing.T) {
	v := vaultOf(
		Entry{Service: "GMail", Username: "alice", Password: "p1"},
		Entry{Service: "bank", Username: "alice", Password: "b1"},
		Entry{Service: "gmail-work", Username: "alice", Password: "w1"},
	)

	listed := List(v)
	assert.Len(t, listed, 3)
	listed[0].Password = "changed"
	assert.Equal(t, "p1", v.Entries[0].Password, "List returns a copy")

	found := Find(v, "gmail")
	require.Len(t, found, 2)
	assert.Equal(t, "GMail", found[0].Service)
	assert.Equal(t, "gmail-work", found[1].Service)

	assert.Len(t, Find(v, ""), 3)
	assert.Empty(t, Find(v, "none"))
	assert.Empty(t, List(nil))
}

func TestParseMatchMode(t *testing.T) {
	for input, want := range map[string]MatchMode{"": MatchAll, "all": MatchAll, "First": MatchFirst} {
		got, err := ParseMatchMode(input)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseMatchMode("some")
	assert.Error(t, err)
	assert.Equal(t, "first", MatchFirst.String())
}

func TestEntryStringHidesPassword(t *testing.T) {
	e := Entry{Service: "gmail", Username: "alice", Password: "secret"}
	assert.Equal(t, "gmail/alice", e.String())
}
