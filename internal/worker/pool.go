package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"cmdsched/internal/domain"
	"cmdsched/internal/scheduler"
)

// Handler executes one command. It is the command bus seen by the pool.
type Handler interface {
	Handle(ctx context.Context, cmd domain.Command) error
}

type HandlerFunc func(ctx context.Context, cmd domain.Command) error

func (f HandlerFunc) Handle(ctx context.Context, cmd domain.Command) error { return f(ctx, cmd) }

// Claimer is the part of the scheduler the pool drives.
type Claimer interface {
	GetCommands(ctx context.Context) ([]scheduler.Claimed, error)
	Complete(ctx context.Context, c scheduler.Claimed) error
	Fail(ctx context.Context, c scheduler.Claimed) error
}

type Stats struct {
	Polls       uint64 `json:"polls"`
	Claimed     uint64 `json:"claimed"`
	Succeeded   uint64 `json:"succeeded"`
	Failed      uint64 `json:"failed"`
	// Unfinalized counts commands that ran but whose outcome could not be
	// written back.
	Unfinalized uint64 `json:"unfinalized"`
}

type Pool struct {
	sched     Claimer
	handlers  map[string]Handler
	sem       chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	pollEvery time.Duration
	limiter   *rate.Limiter
	wg        sync.WaitGroup

	polls, claimed, succeeded, failed, unfinalized atomic.Uint64
}

type Option func(*Pool)

// WithRateLimit caps how many commands are dispatched per second.
func WithRateLimit(perSec float64, burst int) Option {
	return func(p *Pool) {
		if perSec <= 0 {
			return
		}
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
	}
}

func NewPool(sched Claimer, handlers map[string]Handler, size int, pollEvery time.Duration, opts ...Option) *Pool {
	if size <= 0 {
		size = 1
	}
	p := &Pool{
		sched:     sched,
		handlers:  handlers,
		sem:       make(chan struct{}, size),
		stop:      make(chan struct{}),
		pollEvery: pollEvery,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until ctx is done or Stop is called, then waits for in-flight
// commands to finish.
func (p *Pool) Run(ctx context.Context) {
	t := time.NewTicker(p.pollEvery)
	defer t.Stop()
	defer p.wg.Wait()

	log.Info().Dur("poll", p.pollEvery).Int("concurrency", cap(p.sem)).Msg("worker pool started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-t.C:
			p.Poll(ctx)
		}
	}
}

func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Poll claims due commands once and dispatches them.
func (p *Pool) Poll(ctx context.Context) {
	p.polls.Add(1)
	claimed, err := p.sched.GetCommands(ctx)
	if err != nil {
		// Whatever was claimed before the failure still has to run.
		log.Error().Err(err).Int("claimed", len(claimed)).Msg("poll failed")
	}
	p.claimed.Add(uint64(len(claimed)))

	for i, c := range claimed {
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				log.Warn().Err(err).Int("abandoned", len(claimed)-i).Msg("dispatch interrupted")
				return
			}
		}
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			log.Warn().Err(ctx.Err()).Int("abandoned", len(claimed)-i).Msg("dispatch interrupted")
			return
		}
		p.wg.Add(1)
		go p.execute(ctx, c)
	}
}

func (p *Pool) execute(ctx context.Context, c scheduler.Claimed) {
	defer p.wg.Done()
	defer func() { <-p.sem }()

	// The outcome is recorded even when ctx is cancelled mid-run.
	finalizeCtx := context.WithoutCancel(ctx)
	name := c.Command.CommandName()
	l := log.With().Str("id", c.ID).Str("command", name).Logger()

	h, ok := p.handlers[name]
	if !ok {
		l.Error().Msg("no handler")
		p.fail(finalizeCtx, c)
		return
	}
	start := time.Now()
	if err := h.Handle(ctx, c.Command); err != nil {
		l.Error().Err(err).Dur("took", time.Since(start)).Msg("command failed")
		p.fail(finalizeCtx, c)
		return
	}
	if err := p.sched.Complete(finalizeCtx, c); err != nil {
		p.unfinalized.Add(1)
		l.Error().Err(err).Dur("took", time.Since(start)).Msg("failed to finalize command")
		return
	}
	p.succeeded.Add(1)
	l.Info().Dur("took", time.Since(start)).Msg("command executed")
}

func (p *Pool) fail(ctx context.Context, c scheduler.Claimed) {
	p.failed.Add(1)
	if err := p.sched.Fail(ctx, c); err != nil {
		p.unfinalized.Add(1)
		log.Error().Err(err).Str("id", c.ID).Msg("failed to record command failure")
	}
}

func (p *Pool) Stats() Stats {
	return Stats{
		Polls:       p.polls.Load(),
		Claimed:     p.claimed.Load(),
		Succeeded:   p.succeeded.Load(),
		Failed:      p.failed.Load(),
		Unfinalized: p.unfinalized.Load(),
	}
}
