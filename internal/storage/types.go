package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("storage: not found")
	ErrChannelClaimed = errors.New("storage: channel is registered by another user")
	ErrChannelGone    = errors.New("storage: channel is not active")
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means 5s
}
