package scheduler

import "time"

// Snapshot lists schedules with their next and previous fire times.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	snap := Snapshot{
		Enabled:   s.cfg.Enabled,
		Running:   s.c != nil,
		Timezone:  loc.String(),
		Schedules: make([]ScheduleInfo, 0, len(s.defs)),
	}
	for _, d := range s.defs {
		it := ScheduleInfo{
			ID:     d.id,
			Name:   d.name,
			Spec:   d.spec.String(),
			Kind:   d.spec.Kind.String(),
			Spread: d.spread,
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			it.Next, it.Prev = e.Next, e.Prev
		}
		d.stats.mu.Lock()
		it.Fired = d.stats.fired
		it.Failed = d.stats.failed
		it.LastTaskID = d.stats.lastTaskID
		it.LastError = d.stats.lastErr
		it.LastFireAt = d.stats.lastFireAt
		d.stats.mu.Unlock()
		snap.Schedules = append(snap.Schedules, it)
	}
	return snap
}

// NextRuns previews up to n upcoming fire times for a schedule string in the
// scheduler timezone.
func (s *Service) NextRuns(spec string, n int) ([]time.Time, error) {
	ps, err := ParseSchedule(spec)
	if err != nil {
		return nil, err
	}
	sched, err := s.parser.Parse(ps.String())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	loc := s.loc
	if loc == nil {
		loc = s.loadLocationLocked()
	}
	s.mu.Unlock()

	out := make([]time.Time, 0, n)
	t := time.Now().In(loc)
	for i := 0; i < n; i++ {
		t = sched.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
	}
	return out, nil
}
