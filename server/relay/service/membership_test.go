package service

import (
	"testing"

	"github.com/stretchr/testify/require"

	"chat_relay/server/relay/domain"
)

func TestMembershipCache_InitializeRebuildsFromScratch(t *testing.T) {
	cache := NewMembershipCache()
	cache.Initialize([]domain.MembershipRow{
		{ChatID: "c1", UserID: "u1"},
		{ChatID: "c1", UserID: "u2"},
		{ChatID: "c2", UserID: ""},
	})

	require.ElementsMatch(t, []string{"u1", "u2"}, cache.MembersOf("c1"))
	require.True(t, cache.ChatExists("c2"))
	require.Empty(t, cache.MembersOf("c2"))

	cache.Initialize([]domain.MembershipRow{{ChatID: "c3", UserID: "u9"}})
	require.False(t, cache.ChatExists("c1"))
	require.False(t, cache.ChatExists("c2"))
	require.ElementsMatch(t, []string{"u9"}, cache.MembersOf("c3"))
}

func TestMembershipCache_EventSequenceMatchesSetSemantics(t *testing.T) {
	cache := NewMembershipCache()

	cache.OnChatCreated("c1", []string{"u1", "u2"})
	cache.OnMemberAdded("c1", "u3")
	cache.OnMemberRemoved("c1", "u1")
	require.ElementsMatch(t, []string{"u2", "u3"}, cache.MembersOf("c1"))

	cache.OnChatDeleted("c1")
	require.False(t, cache.ChatExists("c1"))
	require.Empty(t, cache.MembersOf("c1"))
}

func TestMembershipCache_HandlersAreIdempotent(t *testing.T) {
	cache := NewMembershipCache()

	cache.OnChatCreated("c1", []string{"u1"})
	cache.OnChatCreated("c1", []string{"u1"})
	cache.OnMemberAdded("c1", "u2")
	cache.OnMemberAdded("c1", "u2")
	require.ElementsMatch(t, []string{"u1", "u2"}, cache.MembersOf("c1"))

	cache.OnMemberRemoved("c1", "u2")
	cache.OnMemberRemoved("c1", "u2")
	require.ElementsMatch(t, []string{"u1"}, cache.MembersOf("c1"))

	cache.OnChatDeleted("c1")
	cache.OnChatDeleted("c1")
	require.False(t, cache.ChatExists("c1"))
}

func TestMembershipCache_MemberRemovedAfterAddedExcludesUser(t *testing.T) {
	cache := NewMembershipCache()
	cache.OnChatCreated("c1", []string{"u1"})
	cache.OnMemberAdded("c1", "u2")
	cache.OnMemberRemoved("c1", "u2")

	require.NotContains(t, cache.MembersOf("c1"), "u2")
	require.ElementsMatch(t, []string{"u1"}, cache.MembersOf("c1"))
}

func TestMembershipCache_UnknownChatHealsOnMemberAdded(t *testing.T) {
	cache := NewMembershipCache()
	require.False(t, cache.ChatExists("c_unknown"))

	cache.OnMemberAdded("c_unknown", "u3")

	require.True(t, cache.ChatExists("c_unknown"))
	require.ElementsMatch(t, []string{"u3"}, cache.MembersOf("c_unknown"))
}

func TestMembershipCache_UnknownChatHealsOnMemberRemoved(t *testing.T) {
	cache := NewMembershipCache()

	cache.OnMemberRemoved("c_ghost", "u1")

	require.True(t, cache.ChatExists("c_ghost"))
	require.Empty(t, cache.MembersOf("c_ghost"))
}

func TestMembershipCache_HandleEventDispatchesAllVariants(t *testing.T) {
	cache := NewMembershipCache()

	cache.HandleEvent(domain.ChatCreated{EventMeta: domain.NewEventMeta(), ChatID: "c1", MemberIDs: []string{"u1"}})
	cache.HandleEvent(domain.MemberAdded{EventMeta: domain.NewEventMeta(), ChatID: "c1", UserID: "u2"})
	require.ElementsMatch(t, []string{"u1", "u2"}, cache.MembersOf("c1"))
	require.True(t, cache.IsMember("c1", "u2"))

	cache.HandleEvent(domain.MemberRemoved{EventMeta: domain.NewEventMeta(), ChatID: "c1", UserID: "u1"})
	require.False(t, cache.IsMember("c1", "u1"))

	cache.HandleEvent(domain.ChatDeleted{EventMeta: domain.NewEventMeta(), ChatID: "c1"})
	require.False(t, cache.ChatExists("c1"))
}
