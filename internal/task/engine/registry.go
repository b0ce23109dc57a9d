package engine

import (
	"time"

	"github.com/google/uuid"
)

// registry maps task id to record. It is not safe for concurrent use; the
// Service mutex guards it.
type registry struct {
	tasks map[string]*Task
	seq   uint64
}

func newRegistry() *registry {
	return &registry{tasks: make(map[string]*Task)}
}

func newTaskID() string {
	return "tsk-" + uuid.NewString()
}

// insert assigns the id and admission sequence and stores t.
func (r *registry) insert(t *Task) {
	r.seq++
	t.seq = r.seq
	for {
		t.ID = newTaskID()
		if _, dup := r.tasks[t.ID]; !dup {
			break
		}
	}
	r.tasks[t.ID] = t
}

func (r *registry) get(id string) (*Task, bool) {
	t, ok := r.tasks[id]
	return t, ok
}

func (r *registry) remove(id string) { delete(r.tasks, id) }

func (r *registry) len() int { return len(r.tasks) }

// finishedIDs lists completed and failed records.
func (r *registry) finishedIDs() []string {
	var ids []string
	for id, t := range r.tasks {
		if t.Status.finished() {
			ids = append(ids, id)
		}
	}
	return ids
}

// claim marks t running for a new attempt.
func claim(t *Task, now time.Time) {
	t.Status = StatusRunning
	t.Attempts++
	t.LastAttemptAt = now
}
