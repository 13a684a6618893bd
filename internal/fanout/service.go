package fanout

import (
	"time"

	"golang.org/x/time/rate"

	"calnotify/internal/eventbus"
	"calnotify/pkg/logx"
)

func New(cfg Config, provider TargetProvider, transport Transport, retirer Retirer, log logx.Logger, bus eventbus.Bus) *Service {
	if bus == nil {
		bus = eventbus.Nop()
	}
	s := &Service{
		provider:  provider,
		transport: transport,
		retirer:   retirer,
		log:       log,
		sampler:   logx.NewSampler(time.Minute, 3),
		bus:       bus,
	}
	s.Apply(cfg)
	return s
}

// Apply swaps the config. Dispatches already running keep the old values.
func (s *Service) Apply(cfg Config) {
	cfg = normalizeConfig(cfg)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	s.limiter = newLimiter(cfg.RatePerSec)
}

// SetTransport replaces the delivery sink, e.g. after the bot token changed.
func (s *Service) SetTransport(t Transport) {
	s.mu.Lock()
	s.transport = t
	s.mu.Unlock()
}

func (s *Service) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

func normalizeConfig(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = defaultDeliveryTimeout
	}
	return cfg
}

func newLimiter(rps float64) *rate.Limiter {
	if rps <= 0 {
		return nil
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(rps), burst)
}

// Recent returns up to n of the latest dispatch reports, newest first.
func (s *Service) Recent(n int) []Report {
	s.reportsMu.Lock()
	defer s.reportsMu.Unlock()
	if n <= 0 || n > len(s.reports) {
		n = len(s.reports)
	}
	out := make([]Report, 0, n)
	for i := len(s.reports) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.reports[i])
	}
	return out
}

func (s *Service) remember(r Report) {
	s.reportsMu.Lock()
	defer s.reportsMu.Unlock()
	s.reports = append(s.reports, r)
	if over := len(s.reports) - maxReports; over > 0 {
		s.reports = append([]Report(nil), s.reports[over:]...)
	}
}
