package scheduler

import (
	"errors"
	"strings"
	"time"

	logx "postbot/pkg/logx"
)

// AddOnce registers a one-shot trigger at the given instant. Re-adding a name
// replaces the previous trigger. Instants in the past fire immediately.
func (s *Service) AddOnce(name string, at time.Time, timeout time.Duration, job Job) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("once name is required")
	}
	if job == nil {
		return "", errors.New("once job is nil")
	}
	if at.IsZero() {
		return "", errors.New("once time is zero")
	}

	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	s.tmu.Lock()
	defer s.tmu.Unlock()
	if old, ok := s.once[name]; ok && old.timer != nil {
		old.timer.Stop()
	}
	s.ver++
	d := &onceDef{at: at, timeout: timeout, job: job, ver: s.ver}
	s.once[name] = d
	if running {
		s.armLocked(name, d)
	}
	return name, nil
}

// Remove drops a cron or one-shot trigger by name.
func (s *Service) Remove(name string) bool {
	name = strings.TrimSpace(name)

	s.mu.Lock()
	removed := s.removeCronLocked(name)
	s.mu.Unlock()

	s.tmu.Lock()
	if d, ok := s.once[name]; ok {
		if d.timer != nil {
			d.timer.Stop()
		}
		delete(s.once, name)
		removed = true
	}
	s.tmu.Unlock()
	return removed
}

// Has reports whether a one-shot trigger is pending under name.
func (s *Service) Has(name string) bool {
	s.tmu.Lock()
	_, ok := s.once[strings.TrimSpace(name)]
	s.tmu.Unlock()
	return ok
}

func (s *Service) armLocked(name string, d *onceDef) {
	ver := d.ver
	s.log.Trace("once armed", logx.String("name", name), logx.Time("at", d.at))
	d.timer = time.AfterFunc(max(0, time.Until(d.at)), func() { s.fire(name, ver) })
}

func (s *Service) fire(name string, ver uint64) {
	s.tmu.Lock()
	d, ok := s.once[name]
	if !ok || d.ver != ver {
		s.tmu.Unlock()
		return
	}
	delete(s.once, name)
	s.tmu.Unlock()

	s.submit(name, d.timeout, d.job)
}

func (s *Service) armAll() int {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	for name, d := range s.once {
		if d.timer != nil {
			d.timer.Stop()
		}
		s.armLocked(name, d)
	}
	return len(s.once)
}

func (s *Service) disarmAll() {
	s.tmu.Lock()
	for _, d := range s.once {
		if d.timer != nil {
			d.timer.Stop()
			d.timer = nil
		}
	}
	s.tmu.Unlock()
}
