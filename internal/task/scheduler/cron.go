package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"postbot/internal/domain"
)

// AddCron registers a recurring trigger. Re-adding a name replaces it.
func (s *Service) AddCron(name, spec string, timeout time.Duration, job Job) (string, error) {
	name = strings.TrimSpace(name)
	spec = strings.TrimSpace(spec)
	if name == "" || spec == "" {
		return "", errors.New("cron name and spec are required")
	}
	if job == nil {
		return "", errors.New("cron job is nil")
	}
	if _, err := s.parser.Parse(spec); err != nil {
		return "", fmt.Errorf("parse cron %q: %w", spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeCronLocked(name)
	s.defs = append(s.defs, cronDef{name: name, spec: spec, timeout: timeout, job: job})
	if s.c != nil {
		if err := s.addCronLocked(&s.defs[len(s.defs)-1]); err != nil {
			s.defs = s.defs[:len(s.defs)-1]
			return "", err
		}
	}
	return name, nil
}

// AddDaily runs job every day at atHHMM in the scheduler timezone.
func (s *Service) AddDaily(name, atHHMM string, timeout time.Duration, job Job) (string, error) {
	h, m, err := domain.ParseClock(atHHMM)
	if err != nil {
		return "", err
	}
	return s.AddCron(name, fmt.Sprintf("0 %d %d * * *", m, h), timeout, job)
}

func (s *Service) addCronLocked(d *cronDef) error {
	name, timeout, job := d.name, d.timeout, d.job
	id, err := s.c.AddFunc(d.spec, func() { s.submit(name, timeout, job) })
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

func (s *Service) removeCronLocked(name string) bool {
	for i := range s.defs {
		if s.defs[i].name != name {
			continue
		}
		if s.c != nil && s.defs[i].entryID != 0 {
			s.c.Remove(s.defs[i].entryID)
		}
		s.defs = append(s.defs[:i], s.defs[i+1:]...)
		return true
	}
	return false
}
