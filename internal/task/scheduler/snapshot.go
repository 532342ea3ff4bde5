package scheduler

import "sort"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	loc := s.loc
	c := s.c
	defs := append([]cronDef(nil), s.defs...)
	s.mu.Unlock()

	snap := Snapshot{Enabled: cfg.Enabled, Timezone: cfg.Timezone}
	if loc != nil {
		snap.Timezone = loc.String()
	}
	for _, d := range defs {
		info := ScheduleInfo{Name: d.name, Spec: d.spec, Timeout: d.timeout}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Schedules = append(snap.Schedules, info)
	}
	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].Name < snap.Schedules[j].Name })

	s.tmu.Lock()
	snap.Pending = len(s.once)
	for _, d := range s.once {
		if snap.NextOnce.IsZero() || d.at.Before(snap.NextOnce) {
			snap.NextOnce = d.at
		}
	}
	s.tmu.Unlock()

	if s.engine != nil {
		snap.Engine = s.engine.Snapshot()
	}
	return snap
}
