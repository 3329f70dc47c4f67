package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/nexus/pkg/telemetry"
)

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	// Owner is the lease owner ID of this worker.
	Owner string

	// LeaseTTL is the lease duration used for renewals.
	LeaseTTL time.Duration

	// MaxStepsPerRun bounds how many hops a single lease may execute before
	// the strand is handed back to the dispatcher.
	MaxStepsPerRun int

	// Now overrides the clock. Defaults to time.Now.
	Now func() time.Time
}

// Runner executes leased strands.
type Runner struct {
	store    StrandStore
	registry *Registry
	config   RunnerConfig
	tel      *telemetry.Telemetry
	log      zerolog.Logger
}

// NewRunner creates a runner. tel may be nil.
func NewRunner(store StrandStore, registry *Registry, cfg RunnerConfig, tel *telemetry.Telemetry) *Runner {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 2 * time.Minute
	}
	if cfg.MaxStepsPerRun <= 0 {
		cfg.MaxStepsPerRun = 32
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Runner{
		store:    store,
		registry: registry,
		config:   cfg,
		tel:      tel,
		log:      tel.Component("strand-runner"),
	}
}

// Run executes st, which must be leased by the runner's owner, until it naps,
// exits, or exhausts its step budget. Every transition is persisted before
// the next step starts. On a step error the strand stays at its last
// persisted label and the lease is left to expire, which delays the retry by
// the lease TTL.
func (r *Runner) Run(ctx context.Context, st *Strand) (err error) {
	if st.LeaseOwner != r.config.Owner {
		return NewLeaseLostError(st.ID, r.config.Owner)
	}

	start := r.config.Now()
	prog := st.Prog()
	log := r.log.With().Str("strand_id", st.ID).Str("prog", prog).Logger()

	ctx, span := r.tel.T().StartStrandSpan(ctx, st.ID, prog, st.Label())
	defer func() {
		if err != nil {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
		r.tel.M().RecordStrandRun(prog, r.config.Now().Sub(start))
	}()

	st = st.Clone()
	if r.checkDeadlines(st, r.config.Now()) {
		if err := r.store.SaveStrand(ctx, st, r.config.Owner, r.config.Now()); err != nil {
			return fmt.Errorf("failed to save strand %s: %w", st.ID, err)
		}
	}

	for steps := 0; !st.Done && steps < r.config.MaxStepsPerRun; steps++ {
		now := r.config.Now()
		if st.WakeAt != nil && st.WakeAt.After(now) {
			break
		}

		if err := r.renewIfNeeded(ctx, st, now); err != nil {
			return err
		}

		label := st.Label()
		tr, err := r.step(ctx, st, now)
		if err != nil {
			r.reportStepError(st, label, err)
			log.Error().Err(err).Str("label", label).Msg("step failed")
			return err
		}

		next, err := r.apply(st, tr, now)
		if err != nil {
			r.reportStepError(st, label, err)
			log.Error().Err(err).Str("label", label).Msg("invalid transition")
			return err
		}

		if err := r.store.SaveStrand(ctx, next, r.config.Owner, now); err != nil {
			log.Error().Err(err).Str("label", label).Msg("failed to persist transition")
			return fmt.Errorf("failed to save strand %s: %w", st.ID, err)
		}

		r.tel.M().RecordTransition(prog, tr.Kind.String())
		log.Debug().
			Str("from", label).
			Str("to", next.Label()).
			Str("transition", tr.Kind.String()).
			Int("depth", len(next.Stack)).
			Msg("strand transition")

		st = next
		if st.Done {
			_ = r.tel.E().PublishStrandExited(st.ID, prog, st.ExitResult)
			log.Info().RawJSON("result", exitPayload(st.ExitResult)).Msg("strand exited")
		}
		if tr.Kind == TransitionNap {
			break
		}
	}

	if err := r.store.ReleaseLease(ctx, st.ID, r.config.Owner); err != nil {
		return fmt.Errorf("failed to release lease for strand %s: %w", st.ID, err)
	}
	return nil
}

// step runs the before-run hooks and then the active label.
func (r *Runner) step(ctx context.Context, st *Strand, now time.Time) (Transition, error) {
	frame := st.Active()
	prog, err := r.registry.Lookup(frame.Prog)
	if err != nil {
		return Transition{}, err
	}

	nx := NewNexus(st, prog, now)

	if br, ok := prog.(BeforeRunner); ok {
		tr, err := br.BeforeRun(ctx, nx)
		if err != nil {
			return Transition{}, err
		}
		if tr.Kind != transitionNone {
			return r.withDeadline(nx, tr)
		}
	}

	tr, redirected, err := nx.beforeRun(ctx, r.registry)
	if err != nil {
		return Transition{}, err
	}
	if redirected {
		_ = r.tel.E().PublishDestroyRedirected(st.ID, st.Prog(), frame.Label)
		return tr, nil
	}

	fn, ok := prog.Step(frame.Label)
	if !ok {
		return Transition{}, NewPermanentError(fmt.Sprintf("program %s has no label %q", prog.Name(), frame.Label), nil).
			WithCode(ErrCodeUnknownLabel).
			WithResource(st.ID)
	}

	r.tel.M().RecordStep(prog.Name(), frame.Label)
	tr, err = fn(ctx, nx)
	if err != nil {
		return Transition{}, err
	}
	return r.withDeadline(nx, tr)
}

func (r *Runner) withDeadline(nx *Nexus, tr Transition) (Transition, error) {
	if err := tr.Err(); err != nil {
		return Transition{}, NewPermanentError("failed to build transition", err).
			WithResource(nx.SubjectID()).
			WithOperation(nx.Label())
	}
	if tr.Kind == transitionNone {
		return Transition{}, NewPermanentError("step returned without hop, nap, push or exit", nil).
			WithCode(ErrCodeNoFlowControl).
			WithResource(nx.SubjectID()).
			WithOperation(nx.Label())
	}
	if nx.deadline != nil {
		tr.deadline = nx.deadline
	}
	return tr, nil
}

// apply returns the strand that results from tr. st is not modified.
func (r *Runner) apply(st *Strand, tr Transition, now time.Time) (*Strand, error) {
	next := st.Clone()
	next.UpdatedAt = now
	next.WakeAt = nil

	if tr.unwind {
		next.Stack = next.Stack[:1]
	}
	top := next.Active()
	if tr.deadline != nil {
		d := *tr.deadline
		top.Deadline = &d
	}

	switch tr.Kind {
	case TransitionHop:
		prog, err := r.registry.Lookup(top.Prog)
		if err != nil {
			return nil, err
		}
		if _, ok := prog.Step(tr.Label); !ok {
			return nil, NewPermanentError(fmt.Sprintf("program %s has no label %q", prog.Name(), tr.Label), nil).
				WithCode(ErrCodeUnknownLabel).
				WithResource(st.ID)
		}
		top.Label = tr.Label
		if top.Deadline != nil && top.Deadline.Target == tr.Label {
			top.Deadline = nil
		}

	case TransitionNap:
		wake := now.Add(tr.Nap)
		next.WakeAt = &wake

	case TransitionPush:
		child, err := r.registry.Lookup(tr.Prog)
		if err != nil {
			return nil, err
		}
		top.ChildResult = nil
		next.Stack = append(next.Stack, Frame{
			Prog:  child.Name(),
			Label: child.InitialLabel(),
			Args:  tr.Args,
		})

	case TransitionExit:
		if len(next.Stack) == 1 {
			next.Stack = nil
			next.Done = true
			next.ExitResult = tr.Result
			break
		}
		next.Stack = next.Stack[:len(next.Stack)-1]
		parent := next.Active()
		parent.ChildResult = tr.Result

	default:
		return nil, NewPermanentError("unknown transition kind", nil).
			WithCode(ErrCodeNoFlowControl).
			WithResource(st.ID)
	}

	return next, nil
}

// checkDeadlines reports breached deadlines once and marks them reported.
// It returns true when the strand was modified.
func (r *Runner) checkDeadlines(st *Strand, now time.Time) bool {
	changed := false
	for i := range st.Stack {
		f := &st.Stack[i]
		d := f.Deadline
		if d == nil || d.Reported || !now.After(d.At) || f.Label == d.Target {
			continue
		}
		d.Reported = true
		changed = true

		r.tel.M().RecordDeadlineBreach(f.Prog, d.Target)
		_ = r.tel.E().PublishDeadlineBreached(st.ID, f.Prog, f.Label, d.Target, d.At)
		r.log.Warn().
			Str("strand_id", st.ID).
			Str("prog", f.Prog).
			Str("label", f.Label).
			Str("target", d.Target).
			Time("deadline", d.At).
			Msg("strand deadline breached")
	}
	return changed
}

// renewIfNeeded extends the lease once less than half of the TTL remains.
func (r *Runner) renewIfNeeded(ctx context.Context, st *Strand, now time.Time) error {
	if st.LeaseExpiresAt != nil && st.LeaseExpiresAt.Sub(now) > r.config.LeaseTTL/2 {
		return nil
	}
	expires, err := r.store.RenewLease(ctx, st.ID, r.config.Owner, now, r.config.LeaseTTL)
	if err != nil {
		return fmt.Errorf("failed to renew lease for strand %s: %w", st.ID, err)
	}
	st.LeaseExpiresAt = &expires
	return nil
}

func (r *Runner) reportStepError(st *Strand, label string, err error) {
	r.tel.M().RecordStepError(st.Prog(), label)
	var ee *EngineError
	if errors.As(err, &ee) {
		r.tel.M().RecordError(string(ee.Class), ee.Code)
	} else {
		r.tel.M().RecordError(string(ErrorClassTransient), "")
	}
	_ = r.tel.E().PublishStepFailed(st.ID, st.Active().Prog, label, err)
}

func exitPayload(result []byte) []byte {
	if len(result) == 0 {
		return []byte("null")
	}
	return result
}
