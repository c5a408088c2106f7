package pool

import (
	"context"
	"time"

	"go.uber.org/zap"

	"chromefleet/internal/launch"
)

// maintenanceLoop runs health checks, TTL eviction, hibernation, and
// warm-reserve top-up on a single ticking cadence driven by health_interval_s.
func (p *Pool) maintenanceLoop() {
	defer p.wg.Done()

	for {
		interval := p.cfg.HealthInterval()
		if interval <= 0 {
			interval = 30 * time.Second
		}
		select {
		case <-p.ctx.Done():
			return
		case <-p.clk.After(interval):
			p.runMaintenance()
		}
	}
}

func (p *Pool) runMaintenance() {
	p.healthCheck()
	p.evictExpired()
	p.hibernateIdle()
	p.topUpWarm()
}

// healthCheck probes every Idle or Hibernating worker, throttled by the
// shared rate limiter, and retires any that fail.
func (p *Pool) healthCheck() {
	for _, w := range p.snapshotProbeable() {
		if err := p.limiter.Wait(p.ctx); err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(p.ctx, 5*time.Second)
		err := w.Inst.Probe(ctx)
		cancel()
		if err != nil {
			p.metrics.HealthCheckFailure.Inc()
			p.log.Warn("worker failed health probe, retiring", zap.String("worker_id", w.ID), zap.Error(err))
			p.retire(w, "health_check_failed")
		}
	}
}

func (p *Pool) snapshotProbeable() []*Worker {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Worker, 0, len(p.workers))
	for _, w := range p.workers {
		if w.state == WorkerIdle || w.state == WorkerHibernating {
			out = append(out, w)
		}
	}
	return out
}

// evictExpired retires non-Busy workers whose age exceeds ttl_s.
func (p *Pool) evictExpired() {
	ttl := p.cfg.TTL()
	if ttl <= 0 {
		return
	}
	now := p.clk.Now()
	p.mu.Lock()
	var expired []*Worker
	for _, w := range p.workers {
		if w.state == WorkerBusy {
			continue
		}
		if now.Sub(w.CreatedAt) >= ttl {
			expired = append(expired, w)
		}
	}
	p.mu.Unlock()

	for _, w := range expired {
		p.log.Info("retiring worker past ttl", zap.String("worker_id", w.ID))
		p.retire(w, "ttl_expired")
	}
}

// hibernateIdle transitions Idle workers that have sat unused past
// hibernation_delay_s into Hibernating, optionally cleansing their tabs.
func (p *Pool) hibernateIdle() {
	delay := p.cfg.HibernationDelay()
	if delay <= 0 {
		return
	}
	now := p.clk.Now()
	p.mu.Lock()
	var toHibernate []*Worker
	for _, w := range p.workers {
		if w.state == WorkerIdle && now.Sub(w.LastUsed) >= delay {
			w.state = WorkerHibernating
			toHibernate = append(toHibernate, w)
		}
	}
	p.mu.Unlock()

	for _, w := range toHibernate {
		p.metrics.HibernationsTotal.Inc()
		if p.cfg.CloseTabsOnHibernation {
			p.cleanseTabs(w)
		}
	}
}

// cleanseTabs navigates the main tab to about:blank, clears cookies, and
// closes every extra window, per the close_tabs_on_hibernation knob.
func (p *Pool) cleanseTabs(w *Worker) {
	ctx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()

	handles, err := w.Inst.Driver.WindowHandles(ctx)
	if err != nil {
		p.log.Warn("failed to list windows before hibernation cleanse", zap.String("worker_id", w.ID), zap.Error(err))
		return
	}
	if len(handles) == 0 {
		return
	}
	main := handles[0]
	for _, h := range handles[1:] {
		if err := w.Inst.Driver.CloseWindow(ctx, h); err != nil {
			p.log.Warn("failed to close extra window during hibernation cleanse", zap.String("worker_id", w.ID), zap.Error(err))
		}
	}
	if err := w.Inst.Driver.SwitchToWindow(ctx, main); err != nil {
		return
	}
	if err := w.Inst.Driver.DeleteAllCookies(ctx); err != nil {
		p.log.Warn("failed to clear cookies during hibernation cleanse", zap.String("worker_id", w.ID), zap.Error(err))
	}
	_ = w.Inst.Navigate(ctx, "about:blank", 5*time.Second)
}

// topUpWarm spawns fresh Idle workers until the warm reserve (Idle plus
// Hibernating count) reaches warm, bounded by max.
func (p *Pool) topUpWarm() {
	for {
		p.mu.Lock()
		ready := 0
		for _, w := range p.workers {
			if w.state == WorkerIdle || w.state == WorkerHibernating {
				ready++
			}
		}
		total := len(p.workers) + p.reserved
		needMore := ready < p.cfg.Warm && total < p.cfg.Max
		if needMore {
			p.reserved++
		}
		p.mu.Unlock()
		if !needMore {
			return
		}

		w, err := p.spawn(launch.Options{Headless: true, AntiDetect: p.cfg.AntiDetectDefault})
		p.mu.Lock()
		p.reserved--
		if err != nil {
			p.mu.Unlock()
			p.log.Warn("warm top-up spawn failed", zap.Error(err))
			return
		}
		p.workers[w.ID] = w
		p.mu.Unlock()
	}
}

// retire removes a worker from the pool and quits its browser process.
func (p *Pool) retire(w *Worker, reason string) {
	p.mu.Lock()
	delete(p.workers, w.ID)
	p.mu.Unlock()

	p.metrics.RetiredTotal.WithLabelValues(reason).Inc()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := w.Inst.Quit(ctx); err != nil {
		p.log.Warn("error quitting retired worker", zap.String("worker_id", w.ID), zap.Error(err))
	}
}
