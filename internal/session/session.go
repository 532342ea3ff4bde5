// Package session keeps the per-user conversation state: which task the user is
// editing and which input the bot is waiting for.
package session

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Screen names what the next free-text message from the user means.
type Screen string

const (
	ScreenNone     Screen = ""
	ScreenContent  Screen = "content"
	ScreenName     Screen = "name"
	ScreenTimezone Screen = "timezone"
)

type Session struct {
	UserID        int64     `json:"user_id"`
	CurrentTaskID int64     `json:"current_task_id,omitempty"`
	Screen        Screen    `json:"screen,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Store persists sessions keyed by user id. Get returns an empty session for
// unknown users.
type Store interface {
	Get(ctx context.Context, userID int64) (Session, error)
	Save(ctx context.Context, s Session) error
	Clear(ctx context.Context, userID int64) error
	Close() error
}

type Config struct {
	Driver string // memory | redis

	RedisAddr     string
	RedisUsername string
	RedisPassword string
	RedisDB       int
	KeyPrefix     string

	TTL time.Duration
}

// Open returns the store selected by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(cfg.TTL), nil
	case "redis":
		return NewRedis(ctx, cfg)
	default:
		return nil, &UnknownDriverError{Driver: cfg.Driver}
	}
}

type UnknownDriverError struct{ Driver string }

func (e *UnknownDriverError) Error() string { return "session: unknown driver " + e.Driver }

// Memory is an in-process Store.
type Memory struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[int64]Session
	now func() time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	return &Memory{ttl: ttl, m: make(map[int64]Session), now: time.Now}
}

func (m *Memory) Get(_ context.Context, userID int64) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.m[userID]
	if !ok {
		return Session{UserID: userID}, nil
	}
	if m.ttl > 0 && m.now().Sub(s.UpdatedAt) > m.ttl {
		delete(m.m, userID)
		return Session{UserID: userID}, nil
	}
	return s, nil
}

func (m *Memory) Save(_ context.Context, s Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.UpdatedAt = m.now()
	m.m[s.UserID] = s
	return nil
}

func (m *Memory) Clear(_ context.Context, userID int64) error {
	m.mu.Lock()
	delete(m.m, userID)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
