package engine

import "time"

// Option overrides a per-task default at submission.
type Option func(*submitOptions)

type submitOptions struct {
	priority   Priority
	delay      time.Duration
	retries    int
	retryDelay time.Duration
	timeout    time.Duration
}

func WithPriority(p Priority) Option { return func(o *submitOptions) { o.priority = p } }

func WithDelay(d time.Duration) Option { return func(o *submitOptions) { o.delay = d } }

// WithRetries sets how many times a failed attempt is retried (0 = run once).
func WithRetries(n int) Option { return func(o *submitOptions) { o.retries = n } }

func WithRetryDelay(d time.Duration) Option { return func(o *submitOptions) { o.retryDelay = d } }

func WithTimeout(d time.Duration) Option { return func(o *submitOptions) { o.timeout = d } }

func resolveOptions(cfg Config, opts []Option) submitOptions {
	o := submitOptions{
		priority:   PriorityNormal,
		retries:    cfg.DefaultRetries,
		retryDelay: cfg.DefaultRetryDelay,
		timeout:    cfg.DefaultTimeout,
	}
	for _, fn := range opts {
		if fn != nil {
			fn(&o)
		}
	}
	if o.priority > PriorityHigh {
		o.priority = PriorityHigh
	} else if o.priority < PriorityLow {
		o.priority = PriorityLow
	}
	if o.delay < 0 {
		o.delay = 0
	}
	if o.retries < 0 {
		o.retries = 0
	}
	if o.retryDelay < 0 {
		o.retryDelay = 0
	}
	if o.timeout <= 0 {
		o.timeout = cfg.DefaultTimeout
	}
	return o
}
