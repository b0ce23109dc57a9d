package engine

// Stats scans the registry. O(n); the registry is expected to stay small
// because finished records are purged after Retention.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{
		Total:          s.reg.len(),
		InFlight:       s.inFlight,
		MaxConcurrency: s.cfg.MaxConcurrency,
		Pollers:        int(s.pollers.Load()),
		IsEnabled:      s.cfg.Enabled,
		IsShuttingDown: s.shuttingDown,
	}
	for _, t := range s.reg.tasks {
		switch t.Status {
		case StatusPending:
			st.Pending++
			switch t.Priority {
			case PriorityHigh:
				st.PendingByPriority.High++
			case PriorityLow:
				st.PendingByPriority.Low++
			default:
				st.PendingByPriority.Normal++
			}
		case StatusRunning:
			st.Running++
		case StatusCompleted:
			st.Completed++
		case StatusFailed:
			st.Failed++
		}
	}
	return st
}
