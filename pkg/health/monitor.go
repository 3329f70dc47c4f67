package health

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/nexus/pkg/telemetry"
)

// Session is an opaque transport handle opened once per cycle.
type Session interface {
	Close() error
}

// ProbeSpec names one readiness check of a target.
// Disabled probes read as up and are left out of the composite reading.
type ProbeSpec struct {
	Kind    string
	Enabled bool
}

// Target is the capability a monitored entity exposes to the monitor.
type Target interface {
	// Key uniquely identifies the target.
	Key() string

	// ParentID identifies the resource that owns the target and receives
	// rebuild signals.
	ParentID() string

	// Policy is the health-check policy of the target's endpoint mapping.
	Policy() Policy

	// Probes lists the checks to run each cycle.
	Probes() []ProbeSpec

	// OpenSession acquires the transport used by Probe.
	OpenSession(ctx context.Context) (Session, error)

	// Probe runs one check over sess.
	Probe(ctx context.Context, sess Session, kind string) (Reading, error)
}

// StateStore persists the state and pulse of each target.
type StateStore interface {
	// LoadHealth returns the current state and last pulse of key. A target
	// that was never checked returns StateDown and a zero Pulse.
	LoadHealth(ctx context.Context, key string) (State, Pulse, error)

	// RecordHealth stores the new pulse and state of key.
	RecordHealth(ctx context.Context, key string, state State, pulse Pulse) error
}

// RebuildSignaler is implemented by the owner of monitored targets.
type RebuildSignaler interface {
	// MarkRebuildPending raises the parent's rebuild flag with a
	// test-and-set. It returns false when a rebuild was already pending.
	MarkRebuildPending(ctx context.Context, parentID string) (bool, error)
}

// CycleResult describes one completed cycle.
type CycleResult struct {
	Pulse        Pulse
	State        State
	Transitioned bool
	Signaled     bool
}

// Monitor turns probe readings into hysteresis-controlled state changes.
type Monitor struct {
	store    StateStore
	signaler RebuildSignaler
	tel      *telemetry.Telemetry
	log      zerolog.Logger
	now      func() time.Time
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithClock overrides the monitor clock.
func WithClock(now func() time.Time) MonitorOption {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a monitor. tel may be nil.
func NewMonitor(store StateStore, signaler RebuildSignaler, tel *telemetry.Telemetry, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		store:    store,
		signaler: signaler,
		tel:      tel,
		log:      tel.Component("health-monitor"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RunCycle probes t once, aggregates the reading, applies any eligible
// transition and signals the parent on a transition. Probe and session
// failures read as down and are never returned. The returned error is
// either a persistence failure or a failed rebuild signal, which ends the
// cycle after the new state has been stored.
func (m *Monitor) RunCycle(ctx context.Context, t Target) (*CycleResult, error) {
	start := m.now()
	key := t.Key()
	log := m.log.With().Str("target", key).Str("parent_id", t.ParentID()).Logger()

	ctx, span := m.tel.T().StartHealthCycleSpan(ctx, key, t.ParentID())
	defer span.End()

	state, prev, err := m.store.LoadHealth(ctx, key)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to load health of %s: %w", key, err)
	}

	reading, data := m.probe(ctx, t, log)
	now := m.now()
	pulse := Aggregate(prev, reading, data, now)
	next, transitioned := Decide(state, pulse, t.Policy(), now)

	if err := m.store.RecordHealth(ctx, key, next, pulse); err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("failed to record health of %s: %w", key, err)
	}

	result := &CycleResult{Pulse: pulse, State: next, Transitioned: transitioned}
	m.tel.M().RecordHealthCycle(string(reading), m.now().Sub(start))
	span.SetAttributes(telemetry.AttrReading.String(string(reading)))

	if !transitioned {
		log.Debug().
			Str("reading", string(reading)).
			Int("reading_rpt", pulse.ReadingRpt).
			Str("state", string(next)).
			Msg("health cycle")
		telemetry.RecordSuccess(span)
		return result, nil
	}

	log.Info().
		Str("from", string(state)).
		Str("to", string(next)).
		Int("reading_rpt", pulse.ReadingRpt).
		Time("reading_chg", pulse.ReadingChg).
		Msg("target state changed")
	m.tel.M().RecordBackendTransition(string(next))
	_ = m.tel.E().PublishBackendTransition(key, t.ParentID(), string(state), string(next))

	raised, err := m.signaler.MarkRebuildPending(ctx, t.ParentID())
	if err != nil {
		telemetry.RecordError(span, err)
		_ = m.tel.E().PublishRebuildSignalFailed(key, t.ParentID(), err)
		log.Error().Err(err).Msg("failed to signal rebuild")
		return result, fmt.Errorf("failed to signal rebuild of %s: %w", t.ParentID(), err)
	}

	result.Signaled = raised
	m.tel.M().RecordRebuildSignal(raised)
	if raised {
		_ = m.tel.E().PublishRebuildRequested(t.ParentID(), raised)
		log.Info().Msg("rebuild requested")
	} else {
		log.Debug().Msg("rebuild already pending")
	}

	telemetry.RecordSuccess(span)
	return result, nil
}

// probe runs every enabled probe and returns the AND of their readings.
func (m *Monitor) probe(ctx context.Context, t Target, log zerolog.Logger) (Reading, map[string]Reading) {
	specs := t.Probes()
	data := make(map[string]Reading, len(specs))

	enabled := make([]string, 0, len(specs))
	for _, spec := range specs {
		if spec.Enabled {
			enabled = append(enabled, spec.Kind)
		} else {
			data[spec.Kind] = ReadingUp
		}
	}
	if len(enabled) == 0 {
		return ReadingUp, data
	}

	composite := ReadingUp
	sess, err := t.OpenSession(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("failed to open health session")
		for _, kind := range enabled {
			data[kind] = ReadingDown
			m.tel.M().RecordProbe(kind, string(ReadingDown))
		}
		return ReadingDown, data
	}
	defer func() { _ = sess.Close() }()

	timeout := t.Policy().TimeoutDuration()
	for _, kind := range enabled {
		r := m.runProbe(ctx, t, sess, kind, timeout, log)
		data[kind] = r
		m.tel.M().RecordProbe(kind, string(r))
		if r != ReadingUp {
			composite = ReadingDown
		}
	}
	return composite, data
}

func (m *Monitor) runProbe(ctx context.Context, t Target, sess Session, kind string, timeout time.Duration, log zerolog.Logger) Reading {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	r, err := t.Probe(ctx, sess, kind)
	if err != nil {
		log.Debug().Err(err).Str("probe", kind).Msg("probe failed")
		return ReadingDown
	}
	if r != ReadingUp {
		return ReadingDown
	}
	return ReadingUp
}
