package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/get2b/dealflow/backend/model"
	"github.com/get2b/dealflow/backend/pkg/logger"
)

// FetchFunc retrieves the current deal record for a poll tick
type FetchFunc func(ctx context.Context) (*model.Deal, error)

// ObserveFunc inspects a fetched record and reports whether the awaited
// condition is satisfied. Returning true stops the poller.
type ObserveFunc func(deal *model.Deal) bool

// Poller repeatedly fetches a deal record until an observer reports its
// condition satisfied or the poller is cancelled. The first fetch
// happens immediately on start, then once per interval. A failed fetch
// is logged and retried on the next tick; it never stops the loop and
// never counts as an observation.
type Poller struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// StartPoller launches a poller. Stop is idempotent and safe to call
// after the poller stopped on its own.
func StartPoller(ctx context.Context, name string, interval time.Duration, fetch FetchFunc, observe ObserveFunc) *Poller {
	ctx, cancel := context.WithCancel(ctx)
	p := &Poller{
		name:   name,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.run(ctx, interval, fetch, observe)
	return p
}

func (p *Poller) run(ctx context.Context, interval time.Duration, fetch FetchFunc, observe ObserveFunc) {
	defer close(p.done)
	defer p.cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if p.tick(ctx, fetch, observe) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *Poller) tick(ctx context.Context, fetch FetchFunc, observe ObserveFunc) bool {
	deal, err := fetch(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return false
		}
		if errors.Is(err, ErrDealNotFound) {
			// The record may not exist yet in a downstream view
			logger.Debug(ctx, "poll target not found yet", "poller", p.name)
		} else {
			logger.Warn(ctx, "poll fetch failed, retrying next tick", "poller", p.name, "error", err)
		}
		return false
	}
	return observe(deal)
}

// Stop cancels the poller. Idempotent.
func (p *Poller) Stop() {
	p.cancel()
}

// Done is closed when the poller has fully stopped, whether by
// cancellation or by a satisfied observation.
func (p *Poller) Done() <-chan struct{} {
	return p.done
}

// Stopped reports whether the poller is no longer running
func (p *Poller) Stopped() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// PollerSet tracks at most one live poller per named condition.
// Starting a condition implicitly cancels the previous poller for that
// condition only; other conditions keep running untouched.
type PollerSet struct {
	mu      sync.Mutex
	pollers map[string]*Poller
}

// NewPollerSet creates an empty poller set
func NewPollerSet() *PollerSet {
	return &PollerSet{pollers: make(map[string]*Poller)}
}

// Start replaces any live poller for the named condition
func (s *PollerSet) Start(ctx context.Context, name string, interval time.Duration, fetch FetchFunc, observe ObserveFunc) *Poller {
	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.pollers[name]; ok {
		prev.Stop()
	}
	p := StartPoller(ctx, name, interval, fetch, observe)
	s.pollers[name] = p
	return p
}

// Stop cancels the poller for the named condition, if any
func (s *PollerSet) Stop(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pollers[name]; ok {
		p.Stop()
		delete(s.pollers, name)
	}
}

// StopAll cancels every live poller
func (s *PollerSet) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for name, p := range s.pollers {
		p.Stop()
		delete(s.pollers, name)
	}
}

// Active reports whether a poller for the named condition is running
func (s *PollerSet) Active(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pollers[name]
	return ok && !p.Stopped()
}
