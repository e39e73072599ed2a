package service

import (
	"context"
	"errors"
	"strings"

	"chat_relay/server/relay/domain"
)

var (
	ErrChatNotFound = errors.New("chat not found")
	ErrUserNotFound = errors.New("user not found")
)

type chatStore interface {
	CreateChat(ctx context.Context, name, creatorID string, memberIDs []string) (domain.Chat, error)
	DeleteChat(ctx context.Context, chatID string) error
	AddMember(ctx context.Context, chatID, userID string) error
	RemoveMember(ctx context.Context, chatID, userID string) error
	ChatExists(ctx context.Context, chatID string) (bool, error)
}

type userStore interface {
	UserExists(ctx context.Context, userID string) (bool, error)
}

// ChatService is the write path: each mutation commits to storage first
// and only then publishes the matching domain event, so the membership
// cache never observes an uncommitted change.
type ChatService struct {
	chats chatStore
	users userStore
	bus   *Bus
}

func NewChatService(chats chatStore, users userStore, bus *Bus) *ChatService {
	return &ChatService{chats: chats, users: users, bus: bus}
}

func (s *ChatService) CreateChat(ctx context.Context, name, creatorID string, memberIDs []string) (domain.Chat, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Chat{}, errors.New("name is required")
	}
	members := dedupeAndTrim(append(memberIDs, creatorID))
	for _, userID := range members {
		exists, err := s.users.UserExists(ctx, userID)
		if err != nil {
			return domain.Chat{}, err
		}
		if !exists {
			return domain.Chat{}, ErrUserNotFound
		}
	}

	chat, err := s.chats.CreateChat(ctx, name, creatorID, members)
	if err != nil {
		return domain.Chat{}, err
	}
	s.bus.Publish(domain.ChatCreated{EventMeta: domain.NewEventMeta(), ChatID: chat.ID, MemberIDs: members})
	return chat, nil
}

func (s *ChatService) DeleteChat(ctx context.Context, chatID string) error {
	exists, err := s.chats.ChatExists(ctx, chatID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrChatNotFound
	}
	if err := s.chats.DeleteChat(ctx, chatID); err != nil {
		return err
	}
	s.bus.Publish(domain.ChatDeleted{EventMeta: domain.NewEventMeta(), ChatID: chatID})
	return nil
}

func (s *ChatService) AddMember(ctx context.Context, chatID, userID string) error {
	userID = strings.TrimSpace(userID)
	exists, err := s.users.UserExists(ctx, userID)
	if err != nil {
		return err
	}
	if !exists {
		return ErrUserNotFound
	}
	chatExists, err := s.chats.ChatExists(ctx, chatID)
	if err != nil {
		return err
	}
	if !chatExists {
		return ErrChatNotFound
	}
	if err := s.chats.AddMember(ctx, chatID, userID); err != nil {
		return err
	}
	s.bus.Publish(domain.MemberAdded{EventMeta: domain.NewEventMeta(), ChatID: chatID, UserID: userID})
	return nil
}

func (s *ChatService) RemoveMember(ctx context.Context, chatID, userID string) error {
	if err := s.chats.RemoveMember(ctx, chatID, userID); err != nil {
		return err
	}
	s.bus.Publish(domain.MemberRemoved{EventMeta: domain.NewEventMeta(), ChatID: chatID, UserID: userID})
	return nil
}

func dedupeAndTrim(items []string) []string {
	result := make([]string, 0, len(items))
	seen := map[string]struct{}{}
	for _, item := range items {
		value := strings.TrimSpace(item)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		result = append(result, value)
	}
	return result
}
