package domain

import (
	"time"

	"github.com/google/uuid"
)

// Event is a chat-lifecycle fact published after a storage commit.
// Events are immutable values routed once to every subscriber.
type Event interface {
	Kind() string
	Meta() EventMeta
}

type EventMeta struct {
	EventID    string    `json:"event_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

func NewEventMeta() EventMeta {
	return EventMeta{EventID: uuid.NewString(), OccurredAt: time.Now().UTC()}
}

type ChatCreated struct {
	EventMeta
	ChatID    string   `json:"chat_id"`
	MemberIDs []string `json:"member_ids"`
}

type ChatDeleted struct {
	EventMeta
	ChatID string `json:"chat_id"`
}

type MemberAdded struct {
	EventMeta
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

type MemberRemoved struct {
	EventMeta
	ChatID string `json:"chat_id"`
	UserID string `json:"user_id"`
}

func (e ChatCreated) Kind() string   { return "chat.created" }
func (e ChatDeleted) Kind() string   { return "chat.deleted" }
func (e MemberAdded) Kind() string   { return "chat.member_added" }
func (e MemberRemoved) Kind() string { return "chat.member_removed" }

func (m EventMeta) Meta() EventMeta { return m }
