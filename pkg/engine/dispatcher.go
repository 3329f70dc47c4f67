package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/nexus/pkg/telemetry"
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	// Owner is the lease owner ID. Defaults to a random UUID.
	Owner string

	// LeaseTTL is how long a claimed strand stays exclusive to this worker.
	LeaseTTL time.Duration

	// PollInterval is the delay between polls for due strands.
	PollInterval time.Duration

	// MaxParallel is the number of strands executed concurrently.
	MaxParallel int

	// BatchSize caps how many strands are leased per poll.
	BatchSize int

	// MaxStepsPerRun is passed to the runner.
	MaxStepsPerRun int

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Dispatcher polls the store for due strands, leases them, and executes them
// on a bounded worker pool.
type Dispatcher struct {
	store  StrandStore
	runner *Runner
	config DispatcherConfig
	tel    *telemetry.Telemetry
	log    zerolog.Logger
}

// NewDispatcher creates a dispatcher. tel may be nil.
func NewDispatcher(store StrandStore, registry *Registry, cfg DispatcherConfig, tel *telemetry.Telemetry) *Dispatcher {
	if cfg.Owner == "" {
		cfg.Owner = uuid.New().String()
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 10
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.MaxParallel
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	runner := NewRunner(store, registry, RunnerConfig{
		Owner:          cfg.Owner,
		LeaseTTL:       cfg.LeaseTTL,
		MaxStepsPerRun: cfg.MaxStepsPerRun,
		Now:            cfg.Now,
	}, tel)

	return &Dispatcher{
		store:  store,
		runner: runner,
		config: cfg,
		tel:    tel,
		log:    tel.Component("dispatcher").With().Str("owner", cfg.Owner).Logger(),
	}
}

// Owner returns the lease owner ID used by this dispatcher.
func (d *Dispatcher) Owner() string {
	return d.config.Owner
}

// Run polls until ctx is cancelled. In-flight strands finish their current
// step before Run returns.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.log.Info().
		Dur("poll_interval", d.config.PollInterval).
		Int("max_parallel", d.config.MaxParallel).
		Msg("dispatcher started")

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.log.Error().Err(err).Msg("dispatch cycle failed")
		}

		select {
		case <-ctx.Done():
			d.log.Info().Msg("dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce leases one batch of due strands and executes them in parallel,
// returning once all of them have been released or have failed. It returns
// the number of strands leased.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	strands, err := d.store.LeaseDueStrands(ctx, d.config.Owner, d.config.Now(), d.config.LeaseTTL, d.config.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to lease due strands: %w", err)
	}
	if len(strands) == 0 {
		return 0, nil
	}
	d.tel.M().RecordLeasesClaimed(len(strands))

	workerCount := d.config.MaxParallel
	if len(strands) < workerCount {
		workerCount = len(strands)
	}

	workQueue := make(chan *Strand, len(strands))
	for _, st := range strands {
		workQueue <- st
	}
	close(workQueue)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for st := range workQueue {
				// Leases of unstarted strands simply expire after cancellation.
				if ctx.Err() != nil {
					return
				}

				d.tel.M().AddStrandsInFlight(1)
				if err := d.runner.Run(ctx, st); err != nil {
					d.log.Warn().
						Err(err).
						Str("strand_id", st.ID).
						Str("label", st.Label()).
						Bool("retryable", IsRetryable(err)).
						Msg("strand run failed")
				}
				d.tel.M().AddStrandsInFlight(-1)
			}
		}()
	}

	wg.Wait()
	return len(strands), nil
}
