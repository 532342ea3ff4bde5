package scheduler

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"postbot/internal/task/engine"
	logx "postbot/pkg/logx"
)

func New(cfg Config, eng *engine.Service, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		engine: eng,
		// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
		parser:      cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		once:        map[string]*onceDef{},
		lastEnqWarn: map[string]time.Time{},
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Location is the zone cron schedules are evaluated in.
func (s *Service) Location() *time.Location {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loc != nil {
		return s.loc
	}
	return s.loadLocationLocked()
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	if s.c == nil {
		return
	}
	if oldTZ != newTZ {
		s.restartLocked()
	}
}

// Start arms cron triggers and every registered one-shot timer.
func (s *Service) Start(ctx context.Context) {
	_ = ctx

	s.mu.Lock()
	if s.c != nil {
		s.mu.Unlock()
		return
	}
	cur := s.cfg
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for i := range s.defs {
		_ = s.addCronLocked(&s.defs[i])
	}
	s.c.Start()
	s.running = true
	n := len(s.defs)
	s.mu.Unlock()

	armed := s.armAll()
	s.log.Info("scheduler started",
		logx.Bool("enabled", cur.Enabled),
		logx.String("tz", loc.String()),
		logx.Int("schedules", n),
		logx.Int("once", armed),
	)
}

// Stop halts cron and disarms one-shot timers. Definitions are kept and
// re-armed by the next Start.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()

	s.mu.Lock()
	c := s.c
	s.c = nil
	s.running = false
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	s.disarmAll()
	s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

func (s *Service) restartLocked() {
	old := s.c
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for i := range s.defs {
		s.defs[i].entryID = 0
		_ = s.addCronLocked(&s.defs[i])
	}
	s.c.Start()
	if old != nil {
		go func() { <-old.Stop().Done() }()
	}
	s.log.Info("scheduler timezone changed", logx.String("tz", s.loc.String()))
}

// submit hands a fired trigger to the engine. Blocking submission means a
// busy engine delays callbacks instead of dropping them.
func (s *Service) submit(name string, timeout time.Duration, job Job) {
	if s.engine == nil {
		s.log.Warn("trigger fired without engine", logx.String("name", name))
		return
	}
	err := s.engine.Submit(context.Background(), engine.Task{Name: name, Timeout: timeout, Run: job})
	if err == nil {
		return
	}
	now := time.Now()
	s.enqMu.Lock()
	last := s.lastEnqWarn[name]
	warn := now.Sub(last) >= 5*time.Second
	if warn {
		s.lastEnqWarn[name] = now
	}
	s.enqMu.Unlock()
	if warn {
		s.log.Warn("trigger not submitted", logx.String("name", name), logx.Err(err))
	}
}
