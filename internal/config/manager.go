package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	logx "postbot/pkg/logx"
)

const (
	reloadDebounce  = 250 * time.Millisecond
	checkTimeout    = 5 * time.Second
	watchBackoffMin = 250 * time.Millisecond
	watchBackoffMax = 5 * time.Second
)

// Manager owns the running config. Every config it commits has passed
// Validate, and hot reloads keep restart-only settings at their running
// values.
type Manager struct {
	path string
	log  logx.Logger

	mu   sync.RWMutex
	cfg  *Config
	hash uint64

	// subsMu is held while sending so Unsubscribe never closes a channel
	// mid-send.
	subsMu sync.Mutex
	subs   []chan *Config

	check func(ctx context.Context, cfg *Config) error
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop()}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetCheck installs an extra gate run after Validate on every hot reload.
func (m *Manager) SetCheck(fn func(ctx context.Context, cfg *Config) error) {
	m.check = fn
}

// Parse reads the file (JSON, or YAML by extension) with unknown keys
// rejected, then overlays POSTBOT_* environment variables.
func (m *Manager) Parse() (*Config, error) {
	b, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeFile(m.path, b)
	if err != nil {
		return nil, err
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load parses, validates and commits the startup config.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.Parse()
	if err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	m.commit(cfg)
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) commit(cfg *Config) {
	h := hashConfig(cfg)
	m.mu.Lock()
	m.cfg = cfg
	m.hash = h
	m.mu.Unlock()
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

// Reload re-reads the file and publishes it when it differs from the running
// config and passes validation. published is false for an unchanged file.
func (m *Manager) Reload(ctx context.Context) (published bool, err error) {
	cfg, err := m.Parse()
	if err != nil {
		return false, err
	}
	if held := holdRestartOnly(m.Get(), cfg); len(held) > 0 {
		m.log.Warn("config change needs a restart; keeping running values",
			logx.String("settings", strings.Join(held, ",")))
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.hash
	m.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	if err := Validate(cfg); err != nil {
		return false, fmt.Errorf("config rejected: %w", err)
	}
	if m.check != nil {
		cctx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := m.check(cctx, cfg)
		cancel()
		if err != nil {
			return false, fmt.Errorf("config rejected: %w", err)
		}
	}

	m.commit(cfg)
	m.publish(cfg)
	m.log.Debug("config published", logx.String("path", m.path), logx.String("hash", fmt.Sprintf("%x", h)))
	return true, nil
}

// holdRestartOnly copies the settings read only at startup from cur into next
// and names the ones that differed.
func holdRestartOnly(cur, next *Config) []string {
	if cur == nil || next == nil {
		return nil
	}
	var held []string
	if next.Telegram.Token != cur.Telegram.Token {
		held = append(held, "telegram.token")
		next.Telegram.Token = cur.Telegram.Token
	}
	if next.Telegram.APIURL != cur.Telegram.APIURL {
		held = append(held, "telegram.api_url")
		next.Telegram.APIURL = cur.Telegram.APIURL
	}
	if next.Storage != cur.Storage {
		held = append(held, "storage")
		next.Storage = cur.Storage
	}
	if !reflect.DeepEqual(next.Session, cur.Session) {
		held = append(held, "session")
		next.Session = cur.Session
	}
	return held
}

// Subscribe returns a channel receiving each published config. A slow
// subscriber misses intermediate configs but always gets the latest.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, max(buffer, 1))
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if i := slices.Index(m.subs, ch); i >= 0 && ch != nil {
		m.subs = slices.Delete(m.subs, i, i+1)
		close(ch)
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		if !offerLatest(ch, cfg) {
			m.log.Debug("config update dropped (subscriber slow)", logx.Int("queue_cap", cap(ch)))
		}
	}
}

// offerLatest sends cfg, evicting the oldest queued config when full.
func offerLatest(ch chan *Config, cfg *Config) bool {
	for range 2 {
		select {
		case ch <- cfg:
			return true
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
	return false
}

// Watch reloads the config whenever its file changes until ctx ends. A broken
// watcher is recreated after a jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	b := &backoff{base: watchBackoffMin, ceil: watchBackoffMax, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
	for {
		err := m.watchOnce(ctx, b.reset)
		if ctx.Err() != nil {
			return nil
		}
		wait := b.next()
		m.log.Warn("config watcher stopped; restarting",
			logx.String("path", m.path), logx.Err(err), logx.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// watchOnce runs one watcher on the config directory until it breaks or ctx
// ends. Bursts of events (editors writing in steps) produce a single reload.
func (m *Manager) watchOnce(ctx context.Context, started func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("new watcher: %w", err)
	}
	defer w.Close()
	// The directory, not the file: editors replace the file on save.
	dir := filepath.Dir(m.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	started()
	m.log.Debug("config watcher started", logx.String("path", m.path))

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(reloadDebounce)
		} else {
			timer.Reset(reloadDebounce)
		}
		fire = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event stream closed")
			}
			if m.isConfigEvent(ev) {
				schedule()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("error stream closed")
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				m.log.Warn("config watch overflow; forcing reload", logx.String("path", m.path))
				schedule()
				continue
			}
			m.log.Warn("config watch error", logx.String("path", m.path), logx.Err(err))
		case <-fire:
			fire = nil
			m.reloadAndLog(ctx)
		}
	}
}

func (m *Manager) isConfigEvent(ev fsnotify.Event) bool {
	if !strings.EqualFold(filepath.Base(ev.Name), filepath.Base(m.path)) {
		return false
	}
	return ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0
}

func (m *Manager) reloadAndLog(ctx context.Context) {
	published, err := m.Reload(ctx)
	switch {
	case err != nil:
		m.log.Warn("config reload failed", logx.String("path", m.path), logx.Err(err))
	case !published:
		m.log.Debug("config unchanged; skipping publish", logx.String("path", m.path))
	}
}

type backoff struct {
	base, ceil, cur time.Duration
	rng             *rand.Rand
}

func (b *backoff) reset() { b.cur = 0 }

// next doubles the wait up to ceil and adds up to half of it as jitter.
func (b *backoff) next() time.Duration {
	if b.cur == 0 {
		b.cur = b.base
	} else {
		b.cur = min(b.cur*2, b.ceil)
	}
	return b.cur + time.Duration(b.rng.Int63n(int64(b.cur/2)+1))
}
