package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	commonlog "chat_relay/server/common/log"
	"chat_relay/server/relay/domain"
)

var (
	ErrAuthFailed    = errors.New("authentication failed")
	ErrNotChatMember = errors.New("not a member of this chat")
	ErrSessionClosed = errors.New("session is closed")
)

// Conn is the opaque per-connection handle the transport layer hands to
// the router. Send must be time-bounded so one slow recipient cannot stall
// fan-out to others.
type Conn interface {
	Send(payload []byte) error
	Close() error
}

type SessionState string

const (
	SessionConnecting    SessionState = "connecting"
	SessionAuthenticated SessionState = "authenticated"
	SessionRegistered    SessionState = "registered"
	SessionClosed        SessionState = "closed"
)

// Session is the router-owned state of one physical connection. It is
// never persisted; a dropped socket is immediately terminal.
type Session struct {
	ID     string
	UserID string

	mu    sync.Mutex
	state SessionState
	conn  Conn
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// send serializes writes to the underlying connection.
func (s *Session) send(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SessionClosed {
		return ErrSessionClosed
	}
	return s.conn.Send(payload)
}

const (
	FrameConnected = "session.connected"
	FrameMessage   = "message"
	FrameWarning   = "delivery.warning"
)

// Frame is the wire envelope delivered through a connection handle.
type Frame struct {
	Type    string          `json:"type"`
	Message *domain.Message `json:"message,omitempty"`
	Pending bool            `json:"pending,omitempty"`
	ChatID  string          `json:"chat_id,omitempty"`
	UserID  string          `json:"user_id,omitempty"`
	Warning string          `json:"warning,omitempty"`
	Error   string          `json:"error,omitempty"`
}

type messageStore interface {
	SaveMessage(ctx context.Context, msg domain.Message) error
}

type authenticator interface {
	Authenticate(token string) (userID string, err error)
}

type RouterConfig struct {
	// EchoToSender controls whether the sending session receives its own
	// message back in the fan-out. Other sessions of the sender's user are
	// always included.
	EchoToSender bool
}

// Router owns the connection lifecycle: authenticate, register presence,
// route and deliver, deregister on disconnect. The membership cache,
// presence set and offline queue are shared with all connection workers;
// no external-store call happens while an in-memory lock is held.
type Router struct {
	auth     authenticator
	members  *MembershipCache
	presence *PresenceSet
	offline  *OfflineQueue
	messages messageStore
	echo     bool

	mu    sync.RWMutex
	conns map[string]map[string]*Session
}

func NewRouter(auth authenticator, members *MembershipCache, presence *PresenceSet, offline *OfflineQueue, messages messageStore, cfg RouterConfig) *Router {
	return &Router{
		auth:     auth,
		members:  members,
		presence: presence,
		offline:  offline,
		messages: messages,
		echo:     cfg.EchoToSender,
		conns:    map[string]map[string]*Session{},
	}
}

// Connect authenticates the connection, flushes the user's offline queue
// through it, registers presence and returns the live session. Pending
// messages are delivered before the caller starts consuming new inbound
// traffic, so the user's inbox order is pending-then-live. On auth failure
// the connection is closed without any state change.
func (r *Router) Connect(ctx context.Context, conn Conn, token string) (*Session, error) {
	sess := &Session{ID: uuid.NewString(), state: SessionConnecting, conn: conn}

	userID, err := r.auth.Authenticate(token)
	if err != nil {
		sess.setState(SessionClosed)
		_ = conn.Close()
		commonlog.Warnf("event=router action=connect status=auth_failed error=%v", err)
		return nil, ErrAuthFailed
	}
	sess.UserID = userID
	sess.setState(SessionAuthenticated)

	if payload, err := json.Marshal(Frame{Type: FrameConnected, UserID: userID}); err == nil {
		if err := sess.send(payload); err != nil {
			commonlog.Warnf("event=router action=connect status=hello_failed user_id=%s session_id=%s error=%v", userID, sess.ID, err)
		}
	}

	// Backlog first: the user is still offline for routing purposes, so
	// anything sent during this flush lands in the queue behind it.
	if err := r.deliverPending(ctx, sess); err != nil {
		commonlog.Errorf("event=router action=drain status=failed user_id=%s session_id=%s error=%v", userID, sess.ID, err)
	}

	r.mu.Lock()
	if r.conns[userID] == nil {
		r.conns[userID] = map[string]*Session{}
	}
	r.conns[userID][sess.ID] = sess
	r.mu.Unlock()
	r.presence.SetOnline(userID, sess.ID)
	sess.setState(SessionRegistered)

	// Second pass catches messages parked in the window between the first
	// flush and presence registration.
	if err := r.deliverPending(ctx, sess); err != nil {
		commonlog.Errorf("event=router action=drain status=failed user_id=%s session_id=%s error=%v", userID, sess.ID, err)
	}

	commonlog.Infof("event=router action=connect status=ok user_id=%s session_id=%s", userID, sess.ID)
	return sess, nil
}

// Disconnect is idempotent: the first call closes the session and drops
// its presence entry, later calls are no-ops, so an error followed by an
// explicit close cannot double-decrement presence.
func (r *Router) Disconnect(sess *Session) {
	sess.mu.Lock()
	if sess.state == SessionClosed {
		sess.mu.Unlock()
		return
	}
	sess.state = SessionClosed
	conn := sess.conn
	sess.mu.Unlock()

	r.mu.Lock()
	if sessions, ok := r.conns[sess.UserID]; ok {
		delete(sessions, sess.ID)
		if len(sessions) == 0 {
			delete(r.conns, sess.UserID)
		}
	}
	r.mu.Unlock()

	wasLast := r.presence.SetOffline(sess.UserID, sess.ID)
	_ = conn.Close()
	commonlog.Infof("event=router action=disconnect user_id=%s session_id=%s last_session=%t", sess.UserID, sess.ID, wasLast)
}

// Route persists an inbound message and fans it out to the chat's members:
// online members through their connection handles, offline members into
// their queues. Per-recipient failures are isolated; a failed live send
// falls back to an offline enqueue for that recipient.
func (r *Router) Route(ctx context.Context, sess *Session, chatID, body string) (domain.Message, error) {
	if sess.State() != SessionRegistered {
		return domain.Message{}, ErrSessionClosed
	}

	members := r.members.MembersOf(chatID)
	// An unknown chat routes to zero recipients; only a chat that exists
	// can reject a non-member sender.
	if r.members.ChatExists(chatID) && !r.members.IsMember(chatID, sess.UserID) {
		return domain.Message{}, ErrNotChatMember
	}

	msg := domain.Message{
		ID:       uuid.NewString(),
		ChatID:   chatID,
		SenderID: sess.UserID,
		Body:     body,
		SentAt:   time.Now().UTC(),
	}
	if err := r.messages.SaveMessage(ctx, msg); err != nil {
		commonlog.Errorf("event=router action=persist status=failed chat_id=%s sender_id=%s error=%v", chatID, sess.UserID, err)
		return domain.Message{}, err
	}

	queueFull := 0
	for _, recipientID := range members {
		if !r.deliverTo(ctx, sess, recipientID, msg) {
			queueFull++
		}
	}
	if queueFull > 0 {
		r.warnSender(sess, msg, queueFull)
	}
	commonlog.Infof("event=router action=route status=ok chat_id=%s sender_id=%s message_id=%s recipients=%d queue_full=%d", chatID, sess.UserID, msg.ID, len(members), queueFull)
	return msg, nil
}

// deliverTo returns false only when the recipient lost durability
// (offline queue full).
func (r *Router) deliverTo(ctx context.Context, sender *Session, recipientID string, msg domain.Message) bool {
	sessions := r.sessionsOf(recipientID)
	if recipientID == sender.UserID && !r.echo {
		filtered := sessions[:0]
		for _, sess := range sessions {
			if sess.ID != sender.ID {
				filtered = append(filtered, sess)
			}
		}
		sessions = filtered
		// The sender's only session was excluded; nothing to deliver and
		// nothing to queue, the sender is online by definition.
		if len(sessions) == 0 {
			return true
		}
	}

	if len(sessions) == 0 || !r.presence.IsOnline(recipientID) {
		return r.enqueue(ctx, recipientID, msg)
	}

	payload, err := json.Marshal(Frame{Type: FrameMessage, Message: &msg})
	if err != nil {
		commonlog.Errorf("event=router action=deliver status=marshal_failed message_id=%s error=%v", msg.ID, err)
		return true
	}

	delivered := false
	for _, sess := range sessions {
		if err := sess.send(payload); err != nil {
			commonlog.Warnf("event=router action=deliver status=send_failed user_id=%s session_id=%s message_id=%s error=%v", recipientID, sess.ID, msg.ID, err)
			continue
		}
		delivered = true
	}
	if !delivered {
		// Every live handle failed; park the message so the recipient
		// still gets it on reconnect.
		return r.enqueue(ctx, recipientID, msg)
	}
	return true
}

func (r *Router) enqueue(ctx context.Context, recipientID string, msg domain.Message) bool {
	pending := domain.PendingMessage{
		MessageID:   msg.ID,
		SenderID:    msg.SenderID,
		ChatID:      msg.ChatID,
		RecipientID: recipientID,
		Body:        msg.Body,
		SentAt:      msg.SentAt,
	}
	err := r.offline.Enqueue(ctx, recipientID, pending)
	if errors.Is(err, ErrQueueFull) {
		commonlog.Errorf("event=router action=enqueue status=data_loss reason=queue_full recipient_id=%s message_id=%s", recipientID, msg.ID)
		return false
	}
	if err != nil {
		commonlog.Errorf("event=router action=enqueue status=failed recipient_id=%s message_id=%s error=%v", recipientID, msg.ID, err)
	}
	return true
}

func (r *Router) warnSender(sess *Session, msg domain.Message, dropped int) {
	payload, err := json.Marshal(Frame{
		Type:    FrameWarning,
		ChatID:  msg.ChatID,
		Warning: "message could not be queued for every offline recipient",
	})
	if err != nil {
		return
	}
	if err := sess.send(payload); err != nil {
		commonlog.Warnf("event=router action=warn_sender status=send_failed user_id=%s dropped=%d error=%v", sess.UserID, dropped, err)
	}
}

func (r *Router) deliverPending(ctx context.Context, sess *Session) error {
	has, err := r.offline.HasPending(ctx, sess.UserID)
	if err != nil {
		return err
	}
	if !has {
		return nil
	}

	drained, err := r.offline.Drain(ctx, sess.UserID)
	for _, pending := range drained {
		msg := domain.Message{
			ID:       pending.MessageID,
			ChatID:   pending.ChatID,
			SenderID: pending.SenderID,
			Body:     pending.Body,
			SentAt:   pending.SentAt,
		}
		payload, marshalErr := json.Marshal(Frame{Type: FrameMessage, Message: &msg, Pending: true})
		if marshalErr != nil {
			continue
		}
		if sendErr := sess.send(payload); sendErr != nil {
			// The entry is already popped; park it again rather than losing
			// it to a connection that died mid-drain.
			commonlog.Warnf("event=router action=deliver_pending status=send_failed user_id=%s message_id=%s error=%v", sess.UserID, msg.ID, sendErr)
			if enqErr := r.offline.Enqueue(ctx, sess.UserID, pending); enqErr != nil {
				commonlog.Errorf("event=router action=deliver_pending status=data_loss user_id=%s message_id=%s error=%v", sess.UserID, pending.MessageID, enqErr)
			}
		}
	}
	if len(drained) > 0 {
		commonlog.Infof("event=router action=deliver_pending status=ok user_id=%s session_id=%s delivered=%d", sess.UserID, sess.ID, len(drained))
	}
	return err
}

func (r *Router) sessionsOf(userID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sessions := r.conns[userID]
	if len(sessions) == 0 {
		return nil
	}
	result := make([]*Session, 0, len(sessions))
	for _, sess := range sessions {
		result = append(result, sess)
	}
	return result
}
