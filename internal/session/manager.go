package session

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

type Status string

const (
	StatusDispatching Status = "dispatching"
	StatusRunning     Status = "running"
	StatusExited      Status = "exited"
	StatusFailed      Status = "failed"
	StatusExpired     Status = "expired"
)

// Ended reports whether the worker for this session is gone.
func (s Status) Ended() bool {
	switch s {
	case StatusExited, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

var (
	ErrNotFound          = errors.New("session not found")
	ErrAlreadyDispatched = errors.New("a worker was already dispatched for this room and token")
)

// Session is one dispatched worker as seen by the orchestrator. Tokens are
// never stored; DispatchKey is a digest of the room URL and bot token.
type Session struct {
	ID          string    `json:"session_id"`
	RoomName    string    `json:"room_name"`
	RoomURL     string    `json:"room_url"`
	Strategy    string    `json:"strategy"`
	Handle      string    `json:"handle,omitempty"`
	Status      Status    `json:"status"`
	DispatchKey string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	EndedAt     time.Time `json:"ended_at,omitzero"`
	ExitDetail  string    `json:"exit_detail,omitempty"`
}

// Manager tracks dispatched sessions for their lifetime plus a short
// retention window. It enforces at most one dispatch per room+token pair.
type Manager struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	byKey     map[string]string
	retention time.Duration
	onExpire  func(*Session)
	now       func() time.Time
}

func NewManager(retention time.Duration) *Manager {
	if retention <= 0 {
		retention = time.Minute
	}
	return &Manager{
		sessions:  make(map[string]*Session),
		byKey:     make(map[string]string),
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// DispatchKey derives the registry key for a room URL and bot token.
func DispatchKey(roomURL, token string) string {
	sum := blake3.Sum256([]byte(roomURL + "\x00" + token))
	return hex.EncodeToString(sum[:])
}

// Reserve registers a pending dispatch. It fails with ErrAlreadyDispatched if
// the pair was reserved before, whatever the earlier outcome: a failed
// dispatch must not be retried with the same tokens.
func (m *Manager) Reserve(roomName, roomURL, token, strategy string, expiresAt time.Time) (*Session, error) {
	key := DispatchKey(roomURL, token)
	now := m.now()
	s := &Session{
		ID:          uuid.NewString(),
		RoomName:    roomName,
		RoomURL:     roomURL,
		Strategy:    strategy,
		Status:      StatusDispatching,
		DispatchKey: key,
		CreatedAt:   now,
		ExpiresAt:   expiresAt.UTC(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.byKey[key]; exists {
		return nil, ErrAlreadyDispatched
	}
	m.sessions[s.ID] = s
	m.byKey[key] = s.ID
	return clone(s), nil
}

// Attach records the worker handle after a successful dispatch.
func (m *Manager) Attach(sessionID, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.Handle = handle
	if s.Status == StatusDispatching {
		s.Status = StatusRunning
	}
	return nil
}

// Fail marks a session whose dispatch failed.
func (m *Manager) Fail(sessionID, detail string) error {
	return m.end(sessionID, StatusFailed, detail)
}

// Exit marks a session whose worker has terminated.
func (m *Manager) Exit(sessionID, detail string) error {
	return m.end(sessionID, StatusExited, detail)
}

func (m *Manager) end(sessionID string, status Status, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.Status.Ended() {
		return nil
	}
	s.Status = status
	s.ExitDetail = detail
	s.EndedAt = m.now()
	return nil
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

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if !s.Status.Ended() {
			count++
		}
	}
	return count
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
				m.sweep()
			}
		}
	}()
}

// sweep expires sessions past their cap and forgets ended sessions after
// the retention window. A dispatch key is kept until its tokens have expired.
func (m *Manager) sweep() {
	now := m.now()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		tokensExpired := !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
		if !s.Status.Ended() && tokensExpired {
			s.Status = StatusExpired
			s.EndedAt = now
			expired = append(expired, clone(s))
			continue
		}
		if s.Status.Ended() && tokensExpired && now.Sub(s.EndedAt) >= m.retention {
			delete(m.sessions, id)
			delete(m.byKey, s.DispatchKey)
		}
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
