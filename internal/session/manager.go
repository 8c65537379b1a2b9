package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/voicebridge/internal/turn"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
	StatusError  Status = "error"
)

var ErrNotFound = errors.New("session not found")

// Session is one conversation between a client and the upstream speech
// service. Turn state is mutated only by the relay loop that owns the
// session; everyone else reads clones.
type Session struct {
	ID             string     `json:"session_id"`
	Status         Status     `json:"status"`
	TurnState      turn.State `json:"turn_state"`
	Reconnects     int        `json:"reconnects"`
	InputTokens    int        `json:"input_tokens"`
	OutputTokens   int        `json:"output_tokens"`
	CreatedAt      time.Time  `json:"created_at"`
	LastHeartbeat  time.Time  `json:"last_heartbeat"`
	LastActivityAt time.Time  `json:"last_activity_at"`
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create() *Session {
	now := time.Now().UTC()
	s := &Session{
		ID:             uuid.NewString(),
		Status:         StatusActive,
		TurnState:      turn.StateIdle,
		CreatedAt:      now,
		LastHeartbeat:  now,
		LastActivityAt: now,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s)
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// Heartbeat records a liveness probe from the client.
func (m *Manager) Heartbeat(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	s.LastHeartbeat = now
	s.LastActivityAt = now
	return nil
}

// SetTurnState mirrors the relay-owned turn machine into the registry so
// the status surface can read it.
func (m *Manager) SetTurnState(sessionID string, state turn.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.TurnState = state
	s.LastActivityAt = time.Now().UTC()
	return nil
}

// RecordReconnect bumps the reconnect counter and returns its new value.
func (m *Manager) RecordReconnect(sessionID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return 0, ErrNotFound
	}
	s.Reconnects++
	s.LastActivityAt = time.Now().UTC()
	return s.Reconnects, nil
}

// AddUsage accumulates token usage reported by response.done events.
func (m *Manager) AddUsage(sessionID string, inputTokens, outputTokens int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.InputTokens += inputTokens
	s.OutputTokens += outputTokens
	return nil
}

// MarkError puts the session in the terminal error status, reached when
// reconnection attempts are exhausted. Only a fresh session recovers.
func (m *Manager) MarkError(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	s.Status = StatusError
	s.TurnState = turn.StateError
	s.LastActivityAt = time.Now().UTC()
	return clone(s), nil
}

func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	s.Status = StatusEnded
	s.TurnState = turn.StateIdle
	s.LastActivityAt = time.Now().UTC()
	return clone(s), nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Status != StatusActive {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		s.Status = StatusEnded
		s.TurnState = turn.StateIdle
		s.LastActivityAt = now
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
