package commands

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/nexus/pkg/engine"
	"github.com/openfroyo/nexus/pkg/health"
	"github.com/openfroyo/nexus/pkg/lb"
	"github.com/openfroyo/nexus/pkg/transports/ssh"
)

func newServeCommand(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the strand dispatcher and the health monitor",
		Long: `Run the strand dispatcher until interrupted. When the monitor is enabled,
every load balancer backend is probed over SSH on its VM host and state
changes flag the load balancer for a rebuild.

With admission.watch set, policy files are reloaded when they change.`,
		Example: `  # Run with the defaults (nexus.db in the working directory)
  nexusd serve

  # Run with a CUE configuration
  nexusd serve --config /etc/nexus/nexusd.cue`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := openApp(ctx, version)
			if err != nil {
				return err
			}
			defer a.close()

			return a.serve(ctx)
		},
	}
	return cmd
}

// serve runs the long-lived workers until ctx is cancelled or one of them
// fails, in which case the others are stopped too.
func (a *app) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	run := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("worker", name).Msg("Worker failed")
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
				cancel()
			}
		}()
	}

	dispatcher := engine.NewDispatcher(a.store, a.registry, a.cfg.EngineDispatcherConfig(), a.tel)
	run("dispatcher", dispatcher.Run)

	if a.cfg.Monitor.Enabled {
		dialer, err := ssh.NewDialer(a.cfg.SSHTransportConfig(), a.tel.Component("ssh"))
		if err != nil {
			return err
		}
		monitor := health.NewMonitor(a.store, a.store, a.tel)
		runner := health.NewRunner(monitor, lb.NewTargetSource(a.store, dialer), a.cfg.HealthRunnerConfig(), a.tel)
		run("health", runner.Run)
	}

	if a.admission != nil && a.cfg.Admission.Watch && len(a.cfg.Admission.PolicyPaths) > 0 {
		run("admission", a.admission.Watch)
	}

	a.tel.StartMetricsServer()

	log.Info().
		Str("owner", dispatcher.Owner()).
		Bool("monitor", a.cfg.Monitor.Enabled).
		Bool("admission", a.admission != nil).
		Msg("nexusd running")

	wg.Wait()
	log.Info().Msg("nexusd stopped")
	return errors.Join(errs...)
}
