package engine

import "time"

// eligible reports whether t may be claimed at now.
func eligible(t *Task, now time.Time) bool {
	if t.Status != StatusPending {
		return false
	}
	if now.Before(t.CreatedAt.Add(t.Delay)) {
		return false
	}
	return t.NextRetryAt.IsZero() || !now.Before(t.NextRetryAt)
}

// before orders candidates: priority descending, then creation ascending.
// The admission sequence breaks CreatedAt ties so the order is total.
func before(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.seq < b.seq
}

// selectNext returns the best eligible task or nil. O(n) over the registry.
func selectNext(tasks map[string]*Task, now time.Time) *Task {
	var best *Task
	for _, t := range tasks {
		if !eligible(t, now) {
			continue
		}
		if best == nil || before(t, best) {
			best = t
		}
	}
	return best
}
