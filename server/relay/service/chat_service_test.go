package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"chat_relay/server/relay/domain"
)

type fakeChatStore struct {
	chats    map[string][]string
	failNext error
}

func newFakeChatStore() *fakeChatStore {
	return &fakeChatStore{chats: map[string][]string{}}
}

func (s *fakeChatStore) CreateChat(_ context.Context, name, creatorID string, memberIDs []string) (domain.Chat, error) {
	if s.failNext != nil {
		return domain.Chat{}, s.failNext
	}
	chatID := "chat-" + name
	s.chats[chatID] = append([]string{}, memberIDs...)
	return domain.Chat{ID: chatID, Name: name, CreatedBy: creatorID}, nil
}

func (s *fakeChatStore) DeleteChat(_ context.Context, chatID string) error {
	delete(s.chats, chatID)
	return nil
}

func (s *fakeChatStore) AddMember(_ context.Context, chatID, userID string) error {
	s.chats[chatID] = append(s.chats[chatID], userID)
	return nil
}

func (s *fakeChatStore) RemoveMember(_ context.Context, chatID, userID string) error {
	if s.failNext != nil {
		return s.failNext
	}
	members := s.chats[chatID]
	kept := members[:0]
	for _, id := range members {
		if id != userID {
			kept = append(kept, id)
		}
	}
	s.chats[chatID] = kept
	return nil
}

func (s *fakeChatStore) ChatExists(_ context.Context, chatID string) (bool, error) {
	_, ok := s.chats[chatID]
	return ok, nil
}

type fakeUserStore struct {
	users map[string]bool
}

func (s *fakeUserStore) UserExists(_ context.Context, userID string) (bool, error) {
	return s.users[userID], nil
}

func newChatServiceFixture() (*ChatService, *fakeChatStore, *MembershipCache) {
	chats := newFakeChatStore()
	users := &fakeUserStore{users: map[string]bool{"u1": true, "u2": true, "u3": true}}
	bus := NewBus()
	cache := NewMembershipCache()
	bus.Subscribe(cache.HandleEvent)
	return NewChatService(chats, users, bus), chats, cache
}

func TestChatService_CreateChatIncludesCreatorAndUpdatesCache(t *testing.T) {
	svc, _, cache := newChatServiceFixture()

	chat, err := svc.CreateChat(context.Background(), "general", "u1", []string{"u2", "u2", " "})
	require.NoError(t, err)
	require.Equal(t, "u1", chat.CreatedBy)

	require.True(t, cache.ChatExists(chat.ID))
	require.ElementsMatch(t, []string{"u1", "u2"}, cache.MembersOf(chat.ID))
}

func TestChatService_CreateChatRejectsUnknownMember(t *testing.T) {
	svc, _, cache := newChatServiceFixture()

	_, err := svc.CreateChat(context.Background(), "general", "u1", []string{"u_ghost"})
	require.ErrorIs(t, err, ErrUserNotFound)
	require.Equal(t, 0, cacheChatCount(cache))
}

func TestChatService_NoEventWhenCommitFails(t *testing.T) {
	svc, chats, cache := newChatServiceFixture()
	chats.failNext = errors.New("constraint violation")

	_, err := svc.CreateChat(context.Background(), "general", "u1", nil)
	require.Error(t, err)
	require.Equal(t, 0, cacheChatCount(cache))
}

func TestChatService_MembershipLifecycleFlowsThroughCache(t *testing.T) {
	ctx := context.Background()
	svc, _, cache := newChatServiceFixture()

	chat, err := svc.CreateChat(ctx, "general", "u1", nil)
	require.NoError(t, err)

	require.NoError(t, svc.AddMember(ctx, chat.ID, "u2"))
	require.True(t, cache.IsMember(chat.ID, "u2"))

	require.NoError(t, svc.RemoveMember(ctx, chat.ID, "u2"))
	require.False(t, cache.IsMember(chat.ID, "u2"))

	require.NoError(t, svc.DeleteChat(ctx, chat.ID))
	require.False(t, cache.ChatExists(chat.ID))
}

func TestChatService_AddMemberValidatesTargets(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newChatServiceFixture()

	chat, err := svc.CreateChat(ctx, "general", "u1", nil)
	require.NoError(t, err)

	require.ErrorIs(t, svc.AddMember(ctx, chat.ID, "u_ghost"), ErrUserNotFound)
	require.ErrorIs(t, svc.AddMember(ctx, "c_missing", "u2"), ErrChatNotFound)
	require.ErrorIs(t, svc.DeleteChat(ctx, "c_missing"), ErrChatNotFound)
}

func cacheChatCount(cache *MembershipCache) int {
	cache.mu.RLock()
	defer cache.mu.RUnlock()
	return len(cache.chats)
}
