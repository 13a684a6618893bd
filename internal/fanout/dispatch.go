package fanout

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"calnotify/internal/eventbus"
	"calnotify/pkg/logx"
)

// Dispatch resolves the current targets and makes one delivery attempt per
// target. Deliveries run in parallel up to Config.Workers; a failure for one
// target never affects the others. Targets whose delivery fails with
// ErrInvalidTarget are retired once. Nothing is retried.
//
// The returned error is non-nil only when the target set could not be read.
func (s *Service) Dispatch(ctx context.Context, msg Message) (Report, error) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	provider := s.provider
	transport := s.transport
	retirer := s.retirer
	s.mu.Unlock()

	rep := Report{ID: uuid.NewString(), Key: msg.Key, StartedAt: time.Now()}
	log := s.log.With(logx.String("dispatch", rep.ID), logx.String("key", msg.Key))

	if provider == nil || transport == nil {
		return rep, errors.New("fanout: provider and transport required")
	}
	targets, err := provider.Targets(ctx)
	if err != nil {
		return rep, fmt.Errorf("resolve targets: %w", err)
	}
	targets = dedupe(targets)
	rep.Targets = len(targets)
	if len(targets) == 0 {
		log.Debug("no notification targets")
		rep.Took = time.Since(rep.StartedAt)
		s.remember(rep)
		return rep, nil
	}

	workers := cfg.Workers
	if workers > len(targets) {
		workers = len(targets)
	}
	queue := make(chan Target)
	results := make(chan result, len(targets))
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for t := range queue {
				results <- s.deliverOne(ctx, log, cfg, lim, transport, retirer, t, msg)
			}
		}()
	}
	for _, t := range targets {
		queue <- t
	}
	close(queue)
	wg.Wait()
	close(results)

	for r := range results {
		if r.err == nil {
			rep.Sent++
			continue
		}
		rep.Failed++
		if r.retired {
			rep.Retired++
		}
		if len(rep.Failures) < maxFailuresPerReport {
			rep.Failures = append(rep.Failures, Failure{
				Target:    r.target,
				Err:       r.err.Error(),
				Permanent: errors.Is(r.err, ErrInvalidTarget),
			})
		}
	}
	rep.Took = time.Since(rep.StartedAt)
	s.remember(rep)

	fields := []logx.Field{
		logx.Int("targets", rep.Targets),
		logx.Int("sent", rep.Sent),
		logx.Int("failed", rep.Failed),
		logx.Int("retired", rep.Retired),
		logx.Duration("took", rep.Took),
	}
	if rep.Failed > 0 {
		log.Warn("reminder dispatched with failures", fields...)
	} else {
		log.Info("reminder dispatched", fields...)
	}
	return rep, nil
}

func (s *Service) deliverOne(ctx context.Context, log logx.Logger, cfg Config, lim *rate.Limiter, transport Transport, retirer Retirer, t Target, msg Message) (res result) {
	res.target = t
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			res.err = err
			return res
		}
	}

	dctx, cancel := context.WithTimeout(ctx, cfg.DeliveryTimeout)
	res.err = safeDeliver(dctx, transport, t, msg)
	cancel()

	if res.err == nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.DeliverySent, Key: msg.Key, Data: string(t)})
		return res
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.DeliveryError, Key: msg.Key, Data: string(t)})

	if !errors.Is(res.err, ErrInvalidTarget) {
		if s.sampler.Allow(string(t)) {
			log.Warn("delivery failed", logx.String("target", string(t)), logx.Err(res.err))
		}
		return res
	}

	log.Info("retiring invalid target", logx.String("target", string(t)), logx.Err(res.err))
	if retirer == nil {
		return res
	}
	if err := retirer.Retire(ctx, t); err != nil {
		log.Error("target retirement failed", logx.String("target", string(t)), logx.Err(err))
		return res
	}
	res.retired = true
	s.bus.Publish(eventbus.Event{Type: eventbus.TargetRetired, Key: msg.Key, Data: string(t)})
	return res
}

func safeDeliver(ctx context.Context, transport Transport, t Target, msg Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("deliver panic: %v\n%s", r, debug.Stack())
		}
	}()
	return transport.Deliver(ctx, t, msg.Title, msg.Body)
}

func dedupe(in []Target) []Target {
	seen := make(map[Target]struct{}, len(in))
	out := make([]Target, 0, len(in))
	for _, t := range in {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
