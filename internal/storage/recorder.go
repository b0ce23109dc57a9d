package storage

import (
	"context"
	"time"

	"taskd/internal/eventbus"
	"taskd/internal/task/engine"
	logx "taskd/pkg/logx"
)

// Recorder writes terminal task events from the bus into a Store.
type Recorder struct {
	store   Store
	bus     eventbus.Bus
	log     logx.Logger
	timeout time.Duration
}

func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: store, bus: bus, log: log, timeout: 2 * time.Second}
}

// Run consumes events until ctx is done. It is meant to run under the
// supervisor; a nil return is a clean stop. Events still buffered when ctx
// ends are written before returning.
func (r *Recorder) Run(ctx context.Context) error {
	if r.store == nil || r.bus == nil {
		<-ctx.Done()
		return nil
	}
	events, unsubscribe := r.bus.Subscribe(256, engine.EventCompleted, engine.EventFailed, engine.EventCancelled)
	defer unsubscribe()
	defer r.reportDrops(r.bus.Dropped())

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					r.write(ev)
				default:
					return nil
				}
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			r.write(ev)
		}
	}
}

// reportDrops warns when the bus dropped deliveries while the recorder ran.
// The count is bus-wide, so some drops may belong to other subscribers.
func (r *Recorder) reportDrops(since uint64) {
	if n := r.bus.Dropped() - since; n > 0 {
		r.log.Warn("event bus dropped deliveries; history may be incomplete", logx.Uint64("dropped", n))
	}
}

func (r *Recorder) write(ev eventbus.Event) {
	te, ok := ev.Data.(engine.TaskEvent)
	if !ok {
		return
	}
	o := OutcomeFromEvent(ev.Type, ev.Time, te)

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.store.AppendOutcome(ctx, o); err != nil {
		r.log.Warn("outcome write failed", logx.String("task_id", o.TaskID), logx.Err(err))
	}
}

// OutcomeFromEvent maps a task event onto a stored outcome.
func OutcomeFromEvent(typ string, at time.Time, te engine.TaskEvent) Outcome {
	status := string(te.Status)
	if typ == engine.EventCancelled {
		status = "cancelled"
	}
	return Outcome{
		TaskID:      te.ID,
		Name:        te.Name,
		Priority:    te.Priority.String(),
		Status:      status,
		Outcome:     string(te.Outcome),
		Attempts:    te.Attempt,
		MaxAttempts: te.MaxAttempts,
		Error:       te.Error,
		TookMS:      te.Duration.Milliseconds(),
		At:          at,
	}
}
