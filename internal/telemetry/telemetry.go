// Package telemetry exports task engine metrics through OpenTelemetry.
//
// Counters are fed from the event bus; gauges are sampled from engine stats
// on every collection.
package telemetry

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"taskd/internal/eventbus"
	"taskd/internal/task/engine"
	logx "taskd/pkg/logx"
)

const instrumentationName = "taskd/internal/telemetry"

// Config controls the stdout exporter.
type Config struct {
	Interval time.Duration // export period; 0 means one minute
	Writer   io.Writer     // nil means stdout
	Version  string
}

// StatsSource is what the gauges sample.
type StatsSource interface {
	Stats() engine.Stats
}

type Metrics struct {
	provider *sdkmetric.MeterProvider
	bus      eventbus.Bus
	log      logx.Logger

	submitted metric.Int64Counter
	completed metric.Int64Counter
	failed    metric.Int64Counter
	retried   metric.Int64Counter
	timeouts  metric.Int64Counter
	cancelled metric.Int64Counter
	duration  metric.Float64Histogram

	gauges metric.Registration
	drops  metric.Registration
}

// New builds a meter provider with a periodic stdout exporter.
func New(cfg Config, stats StatsSource, bus eventbus.Bus, log logx.Logger) (*Metrics, error) {
	w := cfg.Writer
	if w == nil {
		w = os.Stdout
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, err
	}
	return newWithReader(sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval)), cfg.Version, stats, bus, log)
}

func newWithReader(reader sdkmetric.Reader, version string, stats StatsSource, bus eventbus.Bus, log logx.Logger) (*Metrics, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", "taskd"),
		attribute.String("service.version", version),
	)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res), sdkmetric.WithReader(reader))
	meter := mp.Meter(instrumentationName)

	m := &Metrics{provider: mp, bus: bus, log: log}
	var errs []error
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit("{task}"))
		errs = append(errs, err)
		return c
	}
	m.submitted = counter("taskd.tasks.submitted", "Tasks admitted")
	m.completed = counter("taskd.tasks.completed", "Tasks that finished successfully")
	m.failed = counter("taskd.tasks.failed", "Tasks that exhausted their attempts")
	m.retried = counter("taskd.tasks.retried", "Failed attempts scheduled for retry")
	m.timeouts = counter("taskd.tasks.timeouts", "Attempts that exceeded their timeout")
	m.cancelled = counter("taskd.tasks.cancelled", "Pending tasks cancelled before running")

	var err error
	m.duration, err = meter.Float64Histogram("taskd.task.attempt.duration",
		metric.WithDescription("Wall time of finished attempts"), metric.WithUnit("s"))
	errs = append(errs, err)

	if stats != nil {
		pending, err1 := meter.Int64ObservableGauge("taskd.tasks.pending", metric.WithDescription("Pending tasks"))
		running, err2 := meter.Int64ObservableGauge("taskd.tasks.running", metric.WithDescription("Running tasks"))
		inFlight, err3 := meter.Int64ObservableGauge("taskd.tasks.in_flight", metric.WithDescription("Claimed slots"))
		errs = append(errs, err1, err2, err3)
		if err1 == nil && err2 == nil && err3 == nil {
			m.gauges, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
				st := stats.Stats()
				o.ObserveInt64(pending, int64(st.Pending))
				o.ObserveInt64(running, int64(st.Running))
				o.ObserveInt64(inFlight, int64(st.InFlight))
				return nil
			}, pending, running, inFlight)
			errs = append(errs, err)
		}
	}

	if bus != nil {
		dropped, err := meter.Int64ObservableCounter("taskd.events.dropped",
			metric.WithDescription("Bus deliveries dropped on full subscriber buffers"), metric.WithUnit("{event}"))
		errs = append(errs, err)
		if err == nil {
			m.drops, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
				o.ObserveInt64(dropped, int64(bus.Dropped()))
				return nil
			}, dropped)
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		_ = mp.Shutdown(context.Background())
		return nil, err
	}
	return m, nil
}

// Run feeds counters from task events until ctx is done. Events still
// buffered when ctx ends are counted before returning.
func (m *Metrics) Run(ctx context.Context) error {
	if m.bus == nil {
		<-ctx.Done()
		return nil
	}
	events, unsubscribe := m.bus.Subscribe(512, "task.")
	defer unsubscribe()
	return m.consume(ctx, events)
}

func (m *Metrics) consume(ctx context.Context, events <-chan eventbus.Event) error {
	for {
		select {
		case <-ctx.Done():
			flush := context.WithoutCancel(ctx)
			for {
				select {
				case ev, ok := <-events:
					if !ok {
						return nil
					}
					m.observe(flush, ev)
				default:
					return nil
				}
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			m.observe(ctx, ev)
		}
	}
}

func (m *Metrics) observe(ctx context.Context, ev eventbus.Event) {
	te, ok := ev.Data.(engine.TaskEvent)
	if !ok {
		return
	}
	attrs := metric.WithAttributes(attribute.String("priority", te.Priority.String()))

	switch ev.Type {
	case engine.EventSubmitted:
		m.submitted.Add(ctx, 1, attrs)
	case engine.EventCompleted:
		m.completed.Add(ctx, 1, attrs)
	case engine.EventFailed:
		m.failed.Add(ctx, 1, attrs)
	case engine.EventRetrying:
		m.retried.Add(ctx, 1, attrs)
	case engine.EventCancelled:
		m.cancelled.Add(ctx, 1, attrs)
	default:
		return
	}

	switch ev.Type {
	case engine.EventCompleted, engine.EventFailed, engine.EventRetrying:
		m.duration.Record(ctx, te.Duration.Seconds(), metric.WithAttributes(
			attribute.String("outcome", string(te.Outcome)),
		))
		if te.Outcome == engine.OutcomeTimeout {
			m.timeouts.Add(ctx, 1, attrs)
		}
	}
}

// Shutdown flushes the exporter and releases the provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	for _, reg := range []metric.Registration{m.gauges, m.drops} {
		if reg != nil {
			_ = reg.Unregister()
		}
	}
	err := m.provider.Shutdown(ctx)
	if err != nil {
		m.log.Warn("metrics shutdown failed", logx.Err(err))
	}
	return err
}
