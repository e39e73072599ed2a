package service

import "sync"

// PresenceSet tracks which users currently hold at least one live,
// authenticated connection. State is intentionally not persisted: presence
// is a live-connection fact and every user starts offline at boot.
type PresenceSet struct {
	mu       sync.RWMutex
	sessions map[string]map[string]struct{}
}

func NewPresenceSet() *PresenceSet {
	return &PresenceSet{sessions: map[string]map[string]struct{}{}}
}

func (p *PresenceSet) SetOnline(userID, sessionID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sessions[userID] == nil {
		p.sessions[userID] = map[string]struct{}{}
	}
	p.sessions[userID][sessionID] = struct{}{}
}

// SetOffline drops one session and reports whether it was the user's last.
// Dropping an unknown session is a no-op, so double disconnects cannot
// push a user offline while another device is still connected.
func (p *PresenceSet) SetOffline(userID, sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sessions, ok := p.sessions[userID]
	if !ok {
		return false
	}
	if _, ok := sessions[sessionID]; !ok {
		return false
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(p.sessions, userID)
		return true
	}
	return false
}

func (p *PresenceSet) IsOnline(userID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions[userID]) > 0
}

func (p *PresenceSet) OnlineCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}
