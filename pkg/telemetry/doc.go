// Package telemetry bundles the observability of nexusd: structured logging
// with zerolog, tracing with OpenTelemetry, Prometheus metrics and an
// in-process event publisher.
//
// # Usage
//
// A *Telemetry is built once at startup and handed to every component.
// Components tolerate a nil *Telemetry, which logs nothing and records
// nothing, so tests can pass nil.
//
//	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	tel.StartMetricsServer()
//
// # Logging
//
// Component returns a zerolog logger tagged with the component name:
//
//	log := tel.Component("dispatcher")
//	log.Info().Str("strand_id", id).Msg("strand leased")
//
// Levels are trace, debug, info, warn, error and fatal. Sampling can be
// enabled for the frequent messages of probes and naps.
//
// # Tracing
//
// Each leased strand run and each health cycle gets a span:
//
//	ctx, span := tel.T().StartStrandSpan(ctx, st.ID, prog, label)
//	defer span.End()
//
// Exporters are otlp (gRPC), stdout and none.
//
// # Metrics
//
// Metrics live in a private registry under the configured namespace
// (nexus by default) and are served on Metrics.ListenAddress:
//
//	nexus_strand_steps_total{prog,label}
//	nexus_strand_transitions_total{prog,kind}
//	nexus_strand_step_errors_total{prog,label}
//	nexus_strand_run_duration_seconds{prog}
//	nexus_strand_deadline_breaches_total{prog,target}
//	nexus_health_cycles_total{reading}
//	nexus_health_probe_results_total{kind,reading}
//	nexus_health_transitions_total{state}
//	nexus_health_rebuild_signals_total{outcome}
//
// # Events
//
// Engine and monitor milestones are published as Events. Subscribers are
// registered with an optional filter:
//
//	tel.E().Subscribe(func(ev telemetry.Event) {
//	    fmt.Println(ev.Type, ev.Message)
//	}, telemetry.FilterByLevel(telemetry.EventLevelWarning))
//
// With EnableAsync set, Publish only enqueues and a full buffer drops the
// event with an error; Shutdown drains what is queued.
package telemetry
