package telemetry

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"
)

// Telemetry bundles logging, tracing, metrics and events.
// Components accept a *Telemetry and tolerate nil.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config

	metricsServer *http.Server
}

// NewTelemetry creates a new telemetry instance from configuration.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}

	tracer, err := NewTracer(cfg.Tracing, cfg.ServiceName, cfg.resourceAttributes())
	if err != nil {
		return nil, err
	}

	metrics, err := NewMetrics(cfg.Metrics)
	if err != nil {
		return nil, err
	}

	events, err := NewEventPublisher(cfg.Events)
	if err != nil {
		return nil, err
	}

	return &Telemetry{
		Logger:  logger,
		Tracer:  tracer,
		Metrics: metrics,
		Events:  events,
		Config:  cfg,
	}, nil
}

// Component returns a zerolog logger scoped to component.
func (t *Telemetry) Component(component string) zerolog.Logger {
	if t == nil || t.Logger == nil {
		return zerolog.Nop()
	}
	return t.Logger.Zerolog().With().Str("component", component).Logger()
}

// M returns the metrics collector, or nil.
func (t *Telemetry) M() *Metrics {
	if t == nil {
		return nil
	}
	return t.Metrics
}

// T returns the tracer, or nil.
func (t *Telemetry) T() *Tracer {
	if t == nil {
		return nil
	}
	return t.Tracer
}

// E returns the event publisher, or nil.
func (t *Telemetry) E() *EventPublisher {
	if t == nil {
		return nil
	}
	return t.Events
}

// StartMetricsServer starts serving metrics in the background when enabled.
// Serve errors are logged.
func (t *Telemetry) StartMetricsServer() {
	srv := t.M().NewMetricsServer()
	if srv == nil {
		return
	}
	t.metricsServer = srv

	log := t.Component("metrics")
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", srv.Addr).Msg("metrics server stopped")
		}
	}()
}

// Shutdown stops all telemetry components in reverse order of creation.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	var errs []error
	if t.metricsServer != nil {
		errs = append(errs, t.metricsServer.Shutdown(ctx))
	}
	errs = append(errs, t.Events.Shutdown(ctx), t.Tracer.Shutdown(ctx))
	return errors.Join(errs...)
}
