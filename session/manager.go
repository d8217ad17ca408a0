package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("session not found")

const defaultTimeout = time.Hour

type Session struct {
	ID         string    `json:"session_id"`
	UserID     string    `json:"user_id,omitempty"`
	StartTime  time.Time `json:"start_time"`
	LastActive time.Time `json:"last_active"`
	Turns      int       `json:"turns"`
}

type Stats struct {
	Active  int    `json:"active"`
	Created uint64 `json:"created"`
	Expired uint64 `json:"expired"`
}

// Manager 会话管理. 不活跃超过 timeout 的会话在下一次访问时过期
type Manager struct {
	mu            sync.Mutex
	sessions      map[string]*Session
	sessionByUser map[string]string
	timeout       time.Duration
	created       uint64
	expired       uint64
	now           func() time.Time
	logger        *zap.Logger
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func NewManager(timeout time.Duration, opts ...Option) *Manager {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	m := &Manager{
		sessions:      make(map[string]*Session),
		sessionByUser: make(map[string]string),
		timeout:       timeout,
		now:           time.Now,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("component", "session"))
	return m
}

// Resolve 返回本次请求所属的会话并刷新活跃时间.
//
// 给定 sessionID 时：未过期则沿用；过期则开启新会话；未知 id 直接采用.
// 未给定时复用该用户的活跃会话，否则新建.
func (m *Manager) Resolve(sessionID, userID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()

	if sessionID == "" && userID != "" {
		sessionID = m.sessionByUser[userID]
	}
	if sessionID != "" {
		if s, ok := m.sessions[sessionID]; ok {
			if !m.expiredLocked(s, now) {
				s.LastActive = now
				if userID != "" && s.UserID == "" {
					s.UserID = userID
					m.sessionByUser[userID] = s.ID
				}
				return *s, false
			}
			m.expireLocked(s)
			sessionID = ""
		}
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	s := &Session{ID: sessionID, UserID: userID, StartTime: now, LastActive: now}
	m.sessions[s.ID] = s
	if userID != "" {
		m.sessionByUser[userID] = s.ID
	}
	m.created++
	m.logger.Debug("session started", zap.String("session_id", s.ID))
	return *s, true
}

func (m *Manager) Get(sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	if m.expiredLocked(s, m.now().UTC()) {
		m.expireLocked(s)
		return Session{}, ErrNotFound
	}
	return *s, nil
}

// RecordTurn 记录一轮对话
func (m *Manager) RecordTurn(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	s.Turns++
	s.LastActive = m.now().UTC()
	return nil
}

func (m *Manager) End(sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	m.removeLocked(s)
	return *s, nil
}

// ExpireInactive 清理所有已过期的会话，返回清理数量
func (m *Manager) ExpireInactive() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	n := 0
	for _, s := range m.sessions {
		if m.expiredLocked(s, now) {
			m.expireLocked(s)
			n++
		}
	}
	if n > 0 {
		m.logger.Debug("sessions expired", zap.Int("count", n))
	}
	return n
}

func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	count := 0
	for _, s := range m.sessions {
		if !m.expiredLocked(s, now) {
			count++
		}
	}
	return count
}

func (m *Manager) Stats() Stats {
	active := m.ActiveCount()
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Active: active, Created: m.created, Expired: m.expired}
}

func (m *Manager) expiredLocked(s *Session, now time.Time) bool {
	return now.Sub(s.LastActive) >= m.timeout
}

func (m *Manager) expireLocked(s *Session) {
	m.removeLocked(s)
	m.expired++
}

func (m *Manager) removeLocked(s *Session) {
	delete(m.sessions, s.ID)
	if s.UserID != "" && m.sessionByUser[s.UserID] == s.ID {
		delete(m.sessionByUser, s.UserID)
	}
}
