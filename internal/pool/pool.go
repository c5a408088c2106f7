// Package pool implements the Worker Pool (component D): admission,
// allocation, release, warm-reserve maintenance, TTL eviction, the
// hibernation scheduler, and background health checks.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"chromefleet/internal/clock"
	"chromefleet/internal/config"
	"chromefleet/internal/driver"
	"chromefleet/internal/ferrors"
	"chromefleet/internal/instance"
	"chromefleet/internal/launch"
	"chromefleet/internal/logging"
	"chromefleet/internal/metrics"
)

// WorkerState mirrors the Worker data model in spec section 3: a
// function of Instance.status and pool intent, not a passthrough of it.
type WorkerState string

const (
	WorkerIdle        WorkerState = "Idle"
	WorkerBusy        WorkerState = "Busy"
	WorkerHibernating WorkerState = "Hibernating"
	WorkerUnhealthy   WorkerState = "Unhealthy"
	WorkerRetired     WorkerState = "Retired"
)

// Worker is a thin wrapper over an Instance with pool bookkeeping.
type Worker struct {
	ID         string
	Inst       *instance.Instance
	Profile    string
	CreatedAt  time.Time
	LastUsed   time.Time
	TaskCount  int64
	ErrorCount int64

	state WorkerState
}

func (w *Worker) State() WorkerState { return w.state }

type waiter struct {
	opts  launch.Options
	ch    chan *Worker
	errCh chan error
}

// Pool is the Worker Pool.
type Pool struct {
	cfg        config.Pool
	browserCfg config.Browser
	builder    *launch.Builder
	factory    driver.Factory
	clk        clock.Clock
	metrics    *metrics.Pool
	limiter    *rate.Limiter
	log        *logging.Logger

	mu       sync.Mutex
	workers  map[string]*Worker
	waiters  []*waiter
	reserved int
	closed   bool

	profileLocksMu sync.Mutex
	profileLocks   map[string]*sync.Mutex

	dispatchMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Pool. Call Start to spawn the initial min workers and
// begin background maintenance.
func New(cfg config.Pool, browserCfg config.Browser, builder *launch.Builder, factory driver.Factory, clk clock.Clock, reg prometheus.Registerer) *Pool {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Pool{
		cfg:          cfg,
		browserCfg:   browserCfg,
		builder:      builder,
		factory:      factory,
		clk:          clk,
		metrics:      metrics.NewPool(reg),
		limiter:      rate.NewLimiter(rate.Limit(10), 20),
		log:          logging.Named("pool"),
		workers:      make(map[string]*Worker),
		profileLocks: make(map[string]*sync.Mutex),
	}
}

// Start spawns the initial min workers (bounded spawn concurrency) and
// launches the background maintenance loop.
func (p *Pool) Start(ctx context.Context) error {
	p.ctx, p.cancel = context.WithCancel(ctx)

	const spawnConcurrency = 4
	sem := make(chan struct{}, spawnConcurrency)
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Min; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			w, err := p.spawn(launch.Options{Headless: true, AntiDetect: p.cfg.AntiDetectDefault})
			if err != nil {
				p.log.Error("failed to spawn initial worker", zap.Error(err))
				return
			}
			p.mu.Lock()
			w.state = WorkerIdle
			p.workers[w.ID] = w
			p.mu.Unlock()
		}()
	}
	wg.Wait()

	p.wg.Add(1)
	go p.maintenanceLoop()
	return nil
}

// Acquire blocks until a Ready worker is available or ctx is done,
// returning PoolExhausted on expiry. Waiters are served FIFO.
func (p *Pool) Acquire(ctx context.Context, opts launch.Options) (*Worker, error) {
	p.metrics.AcquireTotal.Inc()
	start := p.clk.Now()
	defer func() { p.metrics.AcquireWaitSeconds.Observe(p.clk.Now().Sub(start).Seconds()) }()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ferrors.New(ferrors.KindPoolExhausted, "pool is closed")
	}
	w := &waiter{opts: opts, ch: make(chan *Worker, 1), errCh: make(chan error, 1)}
	p.waiters = append(p.waiters, w)
	p.mu.Unlock()

	p.dispatch()

	select {
	case worker := <-w.ch:
		worker.TaskCount++
		return worker, nil
	case err := <-w.errCh:
		return nil, err
	case <-ctx.Done():
		return p.cancelWaiter(w)
	}
}

func (p *Pool) cancelWaiter(w *waiter) (*Worker, error) {
	p.metrics.AcquireTimeouts.Inc()
	p.mu.Lock()
	for idx, cand := range p.waiters {
		if cand == w {
			p.waiters = append(p.waiters[:idx], p.waiters[idx+1:]...)
			p.mu.Unlock()
			return nil, ferrors.New(ferrors.KindPoolExhausted, "acquire deadline exceeded")
		}
	}
	p.mu.Unlock()

	// The waiter was already popped by a concurrent dispatch; a worker or
	// error may be in flight. Drain it so no worker is leaked, and hand
	// any worker straight back to the next waiter (or park it Idle).
	select {
	case worker := <-w.ch:
		p.Release(worker.ID)
		return nil, ferrors.New(ferrors.KindPoolExhausted, "acquire deadline exceeded")
	case <-w.errCh:
		return nil, ferrors.New(ferrors.KindPoolExhausted, "acquire deadline exceeded")
	case <-time.After(50 * time.Millisecond):
		return nil, ferrors.New(ferrors.KindPoolExhausted, "acquire deadline exceeded")
	}
}

// dispatch serves queued waiters against free/hibernating workers and
// spawns fresh ones up to max, stopping once no further progress is
// possible. Only one dispatch loop runs at a time.
func (p *Pool) dispatch() {
	p.dispatchMu.Lock()
	defer p.dispatchMu.Unlock()

	for {
		p.mu.Lock()
		if len(p.waiters) == 0 {
			p.mu.Unlock()
			return
		}
		w := p.waiters[0]

		if worker := p.pickIdleLocked(w.opts.Profile); worker != nil {
			p.waiters = p.waiters[1:]
			worker.state = WorkerBusy
			worker.LastUsed = p.clk.Now()
			p.mu.Unlock()
			w.ch <- worker
			continue
		}
		if worker := p.pickHibernatingLocked(w.opts.Profile); worker != nil {
			p.waiters = p.waiters[1:]
			worker.state = WorkerBusy
			worker.LastUsed = p.clk.Now()
			p.metrics.WakeupsTotal.Inc()
			p.mu.Unlock()
			w.ch <- worker
			continue
		}
		if len(p.workers)+p.reserved < p.cfg.Max {
			p.waiters = p.waiters[1:]
			p.reserved++
			opts := w.opts
			p.mu.Unlock()

			worker, err := p.spawn(opts)

			p.mu.Lock()
			p.reserved--
			if err != nil {
				p.mu.Unlock()
				w.errCh <- err
				continue
			}
			worker.state = WorkerBusy
			p.workers[worker.ID] = worker
			p.mu.Unlock()
			w.ch <- worker
			continue
		}
		p.mu.Unlock()
		return
	}
}

// pickIdleLocked returns an Idle worker whose profile exactly matches,
// including the no-profile ("") case. Caller must hold p.mu.
func (p *Pool) pickIdleLocked(profile string) *Worker {
	for _, w := range p.workers {
		if w.state == WorkerIdle && w.Profile == profile {
			return w
		}
	}
	return nil
}

// pickHibernatingLocked returns the oldest Hibernating worker matching
// profile. Caller must hold p.mu.
func (p *Pool) pickHibernatingLocked(profile string) *Worker {
	var best *Worker
	for _, w := range p.workers {
		if w.state != WorkerHibernating || w.Profile != profile {
			continue
		}
		if best == nil || w.LastUsed.Before(best.LastUsed) {
			best = w
		}
	}
	return best
}

// spawn builds and launches a fresh worker, serializing concurrent
// spawns against the same profile so the profile-copy-plus-lockfile
// dance in the Launch Options Builder never races (spec section 4.4).
func (p *Pool) spawn(opts launch.Options) (*Worker, error) {
	lock := p.profileLock(opts.Profile)
	lock.Lock()
	defer lock.Unlock()

	inst, err := instance.Launch(p.ctx, p.builder, p.factory, p.browserCfg, opts)
	if err != nil {
		return nil, err
	}
	p.metrics.SpawnsTotal.Inc()
	now := p.clk.Now()
	return &Worker{
		ID:        inst.ID,
		Inst:      inst,
		Profile:   opts.Profile,
		CreatedAt: now,
		LastUsed:  now,
		state:     WorkerIdle,
	}, nil
}

func (p *Pool) profileLock(profile string) *sync.Mutex {
	p.profileLocksMu.Lock()
	defer p.profileLocksMu.Unlock()
	l, ok := p.profileLocks[profile]
	if !ok {
		l = &sync.Mutex{}
		p.profileLocks[profile] = l
	}
	return l
}

// Release reverts a worker to Idle and wakes the next matching waiter,
// if any. Does not kill the underlying instance.
func (p *Pool) Release(id string) error {
	p.mu.Lock()
	w, ok := p.workers[id]
	if !ok {
		p.mu.Unlock()
		return ferrors.New(ferrors.KindInstanceNotFound, "worker "+id+" not found")
	}
	w.state = WorkerIdle
	w.LastUsed = p.clk.Now()
	p.mu.Unlock()

	p.dispatch()
	return nil
}

// Get returns the worker for id, if present and not Retired.
func (p *Pool) Get(id string) (*Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.workers[id]
	return w, ok
}

// Snapshot returns every current worker, for the Fleet Manager's list
// operation.
func (p *Pool) Snapshot() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, w)
	}
	return out
}

// UpdateLimits swaps the pool's sizing and timing config in place, for
// config hot-reload (internal/config.Reloader). Only the values the
// maintenance loop reads on each tick change; in-flight acquires and
// existing workers are unaffected until their next evaluation.
func (p *Pool) UpdateLimits(cfg config.Pool) {
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
	p.log.Info("pool limits updated",
		zap.Int("min", cfg.Min), zap.Int("max", cfg.Max), zap.Int("warm", cfg.Warm))
}

// Terminate force-retires a worker regardless of state, used by the Fleet
// Manager when a caller asks to terminate without returning to the pool.
// Reports false if id is unknown.
func (p *Pool) Terminate(id string) bool {
	p.mu.Lock()
	w, ok := p.workers[id]
	p.mu.Unlock()
	if !ok {
		return false
	}
	p.retire(w, "terminated")
	return true
}

// Stats summarizes pool occupancy by worker state.
type Stats struct {
	Idle        int
	Busy        int
	Hibernating int
	Total       int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	var s Stats
	for _, w := range p.workers {
		switch w.state {
		case WorkerIdle:
			s.Idle++
		case WorkerBusy:
			s.Busy++
		case WorkerHibernating:
			s.Hibernating++
		}
	}
	s.Total = len(p.workers)
	return s
}

// Shutdown is a barrier: stops background tasks, then terminates every
// worker. After it returns, no worker process remains.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	for _, w := range waiters {
		w.errCh <- ferrors.New(ferrors.KindPoolExhausted, "pool shutting down")
	}

	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()

	p.mu.Lock()
	workers := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		workers = append(workers, w)
	}
	p.workers = make(map[string]*Worker)
	p.mu.Unlock()

	var firstErr error
	for _, w := range workers {
		if err := w.Inst.Quit(ctx); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("quit worker %s: %w", w.ID, err)
		}
	}
	return firstErr
}
