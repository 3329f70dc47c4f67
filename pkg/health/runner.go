package health

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/nexus/pkg/telemetry"
)

// TargetSource lists the targets that should currently be monitored.
type TargetSource interface {
	ListTargets(ctx context.Context) ([]Target, error)
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// RefreshInterval is how often the target list is reloaded.
	RefreshInterval time.Duration
}

// Runner schedules one monitoring loop per target. Each loop runs its
// target's cycles sequentially on the policy interval, so cycles of one
// target never overlap while different targets run concurrently.
type Runner struct {
	monitor *Monitor
	source  TargetSource
	config  RunnerConfig
	tel     *telemetry.Telemetry
	log     zerolog.Logger

	mu    sync.Mutex
	loops map[string]*targetLoop
	// retired holds cancelled loops that may still be inside a cycle.
	retired map[string]*targetLoop
	wg      sync.WaitGroup
}

type targetLoop struct {
	cancel context.CancelFunc
	update chan Target
	done   chan struct{}
}

// NewRunner creates a runner. tel may be nil.
func NewRunner(monitor *Monitor, source TargetSource, cfg RunnerConfig, tel *telemetry.Telemetry) *Runner {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 10 * time.Second
	}
	return &Runner{
		monitor: monitor,
		source:  source,
		config:  cfg,
		tel:     tel,
		log:     tel.Component("health-runner"),
		loops:   make(map[string]*targetLoop),
		retired: make(map[string]*targetLoop),
	}
}

// Run reconciles target loops until ctx is cancelled, then waits for every
// loop to stop.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.config.RefreshInterval)
	defer ticker.Stop()

	r.log.Info().Dur("refresh_interval", r.config.RefreshInterval).Msg("health runner started")
	for {
		if err := r.Refresh(ctx); err != nil {
			r.log.Error().Err(err).Msg("failed to refresh health targets")
		}

		select {
		case <-ctx.Done():
			r.stopAll()
			r.log.Info().Msg("health runner stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Refresh starts loops for new targets, hands updated targets to running
// loops and stops loops of targets that disappeared.
func (r *Runner) Refresh(ctx context.Context) error {
	targets, err := r.source.ListTargets(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		key := t.Key()
		seen[key] = struct{}{}

		if loop, ok := r.loops[key]; ok {
			select {
			case loop.update <- t:
			default:
			}
			continue
		}

		loopCtx, cancel := context.WithCancel(ctx)
		loop := &targetLoop{cancel: cancel, update: make(chan Target, 1), done: make(chan struct{})}
		prev := r.retired[key]
		delete(r.retired, key)
		r.loops[key] = loop
		r.wg.Add(1)
		go r.runLoop(loopCtx, t, loop, prev)
	}

	for key, loop := range r.loops {
		if _, ok := seen[key]; !ok {
			loop.cancel()
			delete(r.loops, key)
			r.retired[key] = loop
		}
	}
	for key, loop := range r.retired {
		select {
		case <-loop.done:
			delete(r.retired, key)
		default:
		}
	}

	r.tel.M().SetMonitoredTargets(len(r.loops))
	return nil
}

// Targets returns the keys of the running loops.
func (r *Runner) Targets() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.loops))
	for key := range r.loops {
		keys = append(keys, key)
	}
	return keys
}

// runLoop runs the cycles of t. When the target came back while its
// previous loop was still inside a cycle, prev is that loop and the first
// cycle waits for it to finish.
func (r *Runner) runLoop(ctx context.Context, t Target, loop *targetLoop, prev *targetLoop) {
	defer r.wg.Done()
	defer close(loop.done)
	log := r.log.With().Str("target", t.Key()).Logger()

	if prev != nil {
		<-prev.done
		if ctx.Err() != nil {
			return
		}
	}
	log.Debug().Msg("monitoring started")

	for {
		if _, err := r.monitor.RunCycle(ctx, t); err != nil {
			log.Warn().Err(err).Msg("health cycle failed")
		}

		interval := t.Policy().IntervalDuration()
		if interval <= 0 {
			interval = DefaultInterval * time.Second
		}
		timer := time.NewTimer(interval)

		select {
		case <-ctx.Done():
			timer.Stop()
			log.Debug().Msg("monitoring stopped")
			return
		case next := <-loop.update:
			// Keep the schedule; the new policy applies from the next cycle.
			t = next
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		case <-timer.C:
		}
	}
}

func (r *Runner) stopAll() {
	r.mu.Lock()
	for key, loop := range r.loops {
		loop.cancel()
		delete(r.loops, key)
	}
	for key := range r.retired {
		delete(r.retired, key)
	}
	r.mu.Unlock()

	r.wg.Wait()
	r.tel.M().SetMonitoredTargets(0)
}
