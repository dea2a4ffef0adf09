package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New()
	t.Cleanup(s.Stop)
	return s
}

func TestStoreAppearsInBothIndexes(t *testing.T) {
	s := newTestStore(t)
	id := s.Store("alice", "bob", []byte("ct"))
	require.NotEmpty(t, id)

	assert.Len(t, s.GetForUser("alice", 0, 0), 1)
	assert.Len(t, s.GetForUser("bob", 0, 0), 1)
}

func TestGetForUserDedupsAndSortsAscending(t *testing.T) {
	s := newTestStore(t)
	s.Store("alice", "bob", []byte("m1"))
	s.Store("bob", "alice", []byte("m2"))
	s.Store("alice", "bob", []byte("m3"))

	msgs := s.GetForUser("alice", 0, 0)
	require.Len(t, msgs, 3)
	for i := 1; i < len(msgs); i++ {
		assert.LessOrEqual(t, msgs[i-1].Timestamp, msgs[i].Timestamp)
	}
}

func TestGetForUserFiltersSinceTimestamp(t *testing.T) {
	s := newTestStore(t)
	s.Store("alice", "bob", []byte("m1"))
	msgs := s.GetForUser("alice", 0, 0)
	require.Len(t, msgs, 1)

	future := msgs[0].Timestamp + 1000
	assert.Empty(t, s.GetForUser("alice", future, 0))
}

func TestGetConversationFiltersByParticipants(t *testing.T) {
	s := newTestStore(t)
	s.Store("a", "b", []byte("ab"))
	s.Store("b", "a", []byte("ba"))
	s.Store("a", "c", []byte("ac"))
	s.Store("c", "a", []byte("ca"))

	msgs := s.GetConversation("a", "b", 0, 0)
	assert.Len(t, msgs, 2)
}

func TestGetUndeliveredAndMarkDelivered(t *testing.T) {
	s := newTestStore(t)
	id := s.Store("alice", "bob", []byte("m"))

	undelivered := s.GetUndelivered("bob")
	require.Len(t, undelivered, 1)

	ok := s.MarkDelivered(id, "device-1")
	assert.True(t, ok)
	assert.Empty(t, s.GetUndelivered("bob"))
}

func TestMarkDeliveredUnknownIDReturnsFalse(t *testing.T) {
	s := newTestStore(t)
	assert.False(t, s.MarkDelivered("msg_nonexistent", "device-1"))
}

func TestDeleteAllForUserRemovesBothDirections(t *testing.T) {
	s := newTestStore(t)
	s.Store("alice", "bob", []byte("m1"))
	s.Store("bob", "alice", []byte("m2"))
	s.Store("alice", "carol", []byte("m3"))

	removed := s.DeleteAllForUser("alice")
	assert.Equal(t, 3, removed)
	assert.Empty(t, s.GetForUser("alice", 0, 0))
	assert.Empty(t, s.GetForUser("bob", 0, 0))
}

func TestDeleteConversationRemovesOnlyThatPair(t *testing.T) {
	s := newTestStore(t)
	s.Store("a", "b", []byte("ab"))
	s.Store("b", "a", []byte("ba"))
	s.Store("a", "c", []byte("ac"))

	removed := s.DeleteConversation("a", "b")
	assert.Equal(t, 2, removed)
	assert.Empty(t, s.GetConversation("a", "b", 0, 0))
	assert.Len(t, s.GetConversation("a", "c", 0, 0), 1)
}

func TestStoreCapsEntriesPerKey(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < maxEntriesPerKey+10; i++ {
		s.Store("alice", "bob", []byte("m"))
	}
	assert.Len(t, s.GetForUser("bob", 0, maxEntriesPerKey+10), maxEntriesPerKey)
}
