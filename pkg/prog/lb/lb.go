// Package lb implements the program driving a load balancer strand. The
// program publishes the load balancer hostname, consumes the rebuild flag
// raised by backend health transitions and hands the resulting routing plan
// to a Rebuilder.
package lb

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/nexus/pkg/engine"
	"github.com/openfroyo/nexus/pkg/lb"
	"github.com/openfroyo/nexus/pkg/telemetry"
)

// ProgName is the registry name of the load balancer program.
const ProgName = "load_balancer"

// WaitInterval bounds how long the strand naps between flag checks.
// Raising the flag wakes the strand earlier.
const WaitInterval = 5 * time.Minute

// Store is the persistence the load balancer program needs.
type Store interface {
	lb.Repository

	// CreateLoadBalancerWithStrand inserts the load balancer, its ports and
	// st atomically.
	CreateLoadBalancerWithStrand(ctx context.Context, l *lb.LoadBalancer, ports []lb.Port, st *engine.Strand) error
}

// Config configures the load balancer program.
type Config struct {
	// DNSZone is appended to generated hostnames.
	DNSZone string
}

// Nexus is the load balancer program.
type Nexus struct {
	store     Store
	svc       *lb.Service
	rebuilder lb.Rebuilder
	config    Config
	log       zerolog.Logger
	now       func() time.Time
}

var _ engine.Program = (*Nexus)(nil)

// New creates the load balancer program. tel may be nil.
func New(store Store, rebuilder lb.Rebuilder, cfg Config, tel *telemetry.Telemetry) *Nexus {
	if cfg.DNSZone == "" {
		cfg.DNSZone = "lb.nexus.internal"
	}
	return &Nexus{
		store:     store,
		svc:       lb.NewService(store),
		rebuilder: rebuilder,
		config:    cfg,
		log:       tel.Component("prog-lb"),
		now:       time.Now,
	}
}

func (p *Nexus) Name() string         { return ProgName }
func (p *Nexus) InitialLabel() string { return "start" }
func (p *Nexus) DestroyLabel() string { return "destroy" }

// Step returns the function for label.
func (p *Nexus) Step(label string) (engine.StepFunc, bool) {
	return engine.Labels{
		"start":   p.start,
		"wait":    p.wait,
		"update":  p.update,
		"destroy": p.destroy,
	}.Step(label)
}

// Assemble validates l and its ports and stores them together with the
// strand driving the load balancer. The strand ID is the load balancer ID.
func (p *Nexus) Assemble(ctx context.Context, l *lb.LoadBalancer, ports []lb.Port) (*engine.Strand, error) {
	if err := p.svc.Prepare(l, ports); err != nil {
		return nil, err
	}
	st, err := engine.NewStrand(l.ID, p, nil, p.now())
	if err != nil {
		return nil, err
	}
	if err := p.store.CreateLoadBalancerWithStrand(ctx, l, ports, st); err != nil {
		return nil, err
	}
	p.log.Info().
		Str("lb_id", l.ID).
		Str("name", l.Name).
		Int("ports", len(ports)).
		Msg("load balancer assembled")
	return st, nil
}

// Hostname returns the public hostname of l.
func (p *Nexus) Hostname(l *lb.LoadBalancer) string {
	suffix := strings.ReplaceAll(l.ID, "-", "")
	if len(suffix) > 5 {
		suffix = suffix[len(suffix)-5:]
	}
	return fmt.Sprintf("%s.%s.%s", l.Name, suffix, p.config.DNSZone)
}

func (p *Nexus) start(ctx context.Context, nx *engine.Nexus) (engine.Transition, error) {
	l, err := p.store.GetLoadBalancer(ctx, nx.SubjectID())
	if err != nil {
		return engine.Transition{}, err
	}
	if l.Hostname == "" {
		hostname := p.Hostname(l)
		if err := p.store.SetHostname(ctx, l.ID, hostname); err != nil {
			return engine.Transition{}, err
		}
		p.log.Info().Str("lb_id", l.ID).Str("hostname", hostname).Msg("hostname assigned")
	}
	return nx.Hop("wait"), nil
}

func (p *Nexus) wait(ctx context.Context, nx *engine.Nexus) (engine.Transition, error) {
	l, err := p.store.GetLoadBalancer(ctx, nx.SubjectID())
	if err != nil {
		return engine.Transition{}, err
	}
	if l.UpdatePending {
		return nx.Hop("update"), nil
	}
	return nx.Nap(WaitInterval), nil
}

// update clears the flag before reading backend states, so a transition
// that lands during the rebuild raises it again and is not lost.
func (p *Nexus) update(ctx context.Context, nx *engine.Nexus) (engine.Transition, error) {
	id := nx.SubjectID()
	if _, err := p.store.ConsumeRebuildPending(ctx, id); err != nil {
		return engine.Transition{}, err
	}

	plan, err := p.plan(ctx, id)
	if err == nil {
		err = p.rebuilder.Rebuild(ctx, plan)
	}
	if err != nil {
		if _, markErr := p.store.MarkRebuildPending(ctx, id); markErr != nil {
			p.log.Error().Err(markErr).Str("lb_id", id).Msg("failed to restore rebuild flag")
		}
		return engine.Transition{}, fmt.Errorf("failed to rebuild load balancer %s: %w", id, err)
	}

	p.log.Info().
		Str("lb_id", id).
		Int("routes", len(plan.Routes)).
		Int("targets", plan.TargetCount()).
		Msg("load balancer rebuilt")
	return nx.Hop("wait"), nil
}

func (p *Nexus) plan(ctx context.Context, id string) (*lb.Plan, error) {
	l, err := p.store.GetLoadBalancer(ctx, id)
	if err != nil {
		return nil, err
	}
	ports, err := p.store.ListPorts(ctx, id)
	if err != nil {
		return nil, err
	}
	backends, err := p.store.ListBackends(ctx, id)
	if err != nil {
		return nil, err
	}
	return lb.BuildPlan(l, ports, backends), nil
}

func (p *Nexus) destroy(ctx context.Context, nx *engine.Nexus) (engine.Transition, error) {
	id := nx.SubjectID()
	if err := p.store.DeleteLoadBalancer(ctx, id); err != nil && !engine.IsNotFound(err) {
		return engine.Transition{}, err
	}
	p.log.Info().Str("lb_id", id).Msg("load balancer deleted")
	return nx.Exit(map[string]string{"msg": "load balancer deleted"}), nil
}
