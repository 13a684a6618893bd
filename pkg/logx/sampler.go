package logx

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const maxSamplerKeys = 1024

// Sampler throttles repetitive log lines per key (e.g. one delivery target
// failing on every reminder). Allow is safe for concurrent use.
type Sampler struct {
	mu    sync.Mutex
	every time.Duration
	burst int
	lim   map[string]*rate.Limiter
}

func NewSampler(every time.Duration, burst int) *Sampler {
	if every <= 0 {
		every = time.Minute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Sampler{every: every, burst: burst, lim: map[string]*rate.Limiter{}}
}

// Allow reports whether a line for key may be emitted now.
func (s *Sampler) Allow(key string) bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	l, ok := s.lim[key]
	if !ok {
		if len(s.lim) >= maxSamplerKeys {
			// Bounded: forget everything rather than track an unbounded key set.
			s.lim = map[string]*rate.Limiter{}
		}
		l = rate.NewLimiter(rate.Every(s.every), s.burst)
		s.lim[key] = l
	}
	s.mu.Unlock()
	return l.Allow()
}
