package publisher

import (
	"context"
	"errors"
	"sync"
	"time"

	"postbot/internal/domain"
	"postbot/internal/eventbus"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// Service owns every publication job: it expands schedules into jobs, runs
// them when due and keeps them in sync with task edits.
type Service struct {
	store  *storage.Store
	msg    Messenger
	timers Timers
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time

	mu  sync.RWMutex
	cfg Config

	locks   sync.Mutex
	taskMus map[int64]*taskLock

	reports *reportBuffer
	albums  *AlbumAggregator
}

type taskLock struct {
	mu   sync.Mutex
	refs int
}

func New(cfg Config, store *storage.Store, msg Messenger, timers Timers, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		store:   store,
		msg:     msg,
		timers:  timers,
		bus:     bus,
		log:     log,
		now:     time.Now,
		cfg:     withDefaults(cfg),
		taskMus: map[int64]*taskLock{},
	}
	s.reports = newReportBuffer(s)
	s.albums = newAlbumAggregator(s)
	return s
}

// Apply swaps the runtime config. Pending jobs keep the values they were
// created with.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = withDefaults(cfg)
	s.mu.Unlock()
}

func (s *Service) config() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Albums returns the intake aggregator for media groups.
func (s *Service) Albums() *AlbumAggregator { return s.albums }

// lockTask serializes every job mutation of one task.
func (s *Service) lockTask(id int64) func() {
	s.locks.Lock()
	l := s.taskMus[id]
	if l == nil {
		l = &taskLock{}
		s.taskMus[id] = l
	}
	l.refs++
	s.locks.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locks.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.taskMus, id)
		}
		s.locks.Unlock()
	}
}

func (s *Service) getTask(ctx context.Context, id int64) (domain.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.Task{}, ErrTaskNotFound
	}
	return t, err
}

// user returns the stored user, or a placeholder with default settings.
func (s *Service) user(ctx context.Context, id int64) domain.User {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn("user lookup failed", logx.Int64("user", id), logx.Err(err))
		}
		return domain.User{ID: id}
	}
	return u
}

func (s *Service) location(u domain.User) *time.Location {
	return domain.LoadLocation(u.Timezone, s.config().DefaultTimezone)
}

func (s *Service) tariffOf(u domain.User) domain.Tariff {
	cfg := s.config()
	name := u.Tariff
	if name == "" {
		name = cfg.DefaultTariff
	}
	return cfg.tariff(name)
}

func (s *Service) publish(typ string, data any) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: typ, Time: s.now(), Data: data})
	}
}
