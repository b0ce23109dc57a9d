package logx

import (
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Sampler rate-limits a noisy log line (e.g. a retry storm) while keeping a
// count of suppressed entries. The count is attached to the next emitted line
// as "suppressed".
type Sampler struct {
	lim        *rate.Limiter
	suppressed atomic.Uint64
}

// NewSampler allows perSec lines per second with the given burst.
func NewSampler(perSec float64, burst int) *Sampler {
	if perSec <= 0 {
		perSec = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &Sampler{lim: rate.NewLimiter(rate.Limit(perSec), burst)}
}

// Allow reports whether a line may be written now. When it returns true the
// returned field carries the number of lines dropped since the last one.
func (s *Sampler) Allow() (Field, bool) {
	if s == nil || s.lim == nil {
		return nil, true
	}
	if !s.lim.Allow() {
		s.suppressed.Add(1)
		return nil, false
	}
	n := s.suppressed.Swap(0)
	if n == 0 {
		return nil, true
	}
	return Uint64("suppressed", n), true
}

// Warn logs through l if the sampler allows it.
func (s *Sampler) Warn(l Logger, msg string, fields ...Field) {
	f, ok := s.Allow()
	if !ok {
		return
	}
	if f != nil {
		fields = append(fields, f)
	}
	l.Warn(msg, fields...)
}
