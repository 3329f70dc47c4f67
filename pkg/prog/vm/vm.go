// Package vm implements the program driving a VM strand. It keeps the VM
// record alive until destruction is requested and then removes it together
// with its load balancer backends.
package vm

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/nexus/pkg/engine"
	"github.com/openfroyo/nexus/pkg/lb"
	"github.com/openfroyo/nexus/pkg/telemetry"
)

// ProgName is the registry name of the VM program.
const ProgName = "vm"

// WaitInterval is how long an idle VM strand naps between checks.
const WaitInterval = 6 * time.Hour

// Store is the persistence the VM program needs.
type Store interface {
	lb.Repository

	// CreateVMWithStrand inserts vm and st atomically.
	CreateVMWithStrand(ctx context.Context, vm *lb.VM, st *engine.Strand) error
}

// Nexus is the VM program.
type Nexus struct {
	store Store
	svc   *lb.Service
	log   zerolog.Logger
	now   func() time.Time
}

var _ engine.Program = (*Nexus)(nil)

// New creates the VM program. tel may be nil.
func New(store Store, tel *telemetry.Telemetry) *Nexus {
	return &Nexus{
		store: store,
		svc:   lb.NewService(store),
		log:   tel.Component("prog-vm"),
		now:   time.Now,
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
		"destroy": p.destroy,
	}.Step(label)
}

// Assemble validates vm and stores it together with its strand.
func (p *Nexus) Assemble(ctx context.Context, vm *lb.VM) (*engine.Strand, error) {
	if err := p.svc.PrepareVM(vm); err != nil {
		return nil, err
	}
	st, err := engine.NewStrand(vm.ID, p, nil, p.now())
	if err != nil {
		return nil, err
	}
	if err := p.store.CreateVMWithStrand(ctx, vm, st); err != nil {
		return nil, err
	}
	p.log.Info().Str("vm_id", vm.ID).Str("name", vm.Name).Msg("vm assembled")
	return st, nil
}

func (p *Nexus) start(ctx context.Context, nx *engine.Nexus) (engine.Transition, error) {
	if _, err := p.store.GetVM(ctx, nx.SubjectID()); err != nil {
		return engine.Transition{}, err
	}
	return nx.Hop("wait"), nil
}

func (p *Nexus) wait(ctx context.Context, nx *engine.Nexus) (engine.Transition, error) {
	return nx.Nap(WaitInterval), nil
}

// destroy flags every load balancer that loses a backend for a rebuild,
// then removes the VM. Flagging first keeps a retry after a failed flag
// from losing the affected load balancers.
func (p *Nexus) destroy(ctx context.Context, nx *engine.Nexus) (engine.Transition, error) {
	id := nx.SubjectID()

	backends, err := p.store.ListBackends(ctx, "")
	if err != nil {
		return engine.Transition{}, fmt.Errorf("failed to list backends of vm %s: %w", id, err)
	}
	affected := make(map[string]bool)
	for _, b := range backends {
		if b.VM.ID == id {
			affected[b.LoadBalancer.ID] = true
		}
	}

	for lbID := range affected {
		if _, err := p.store.MarkRebuildPending(ctx, lbID); err != nil && !engine.IsNotFound(err) {
			return engine.Transition{}, fmt.Errorf("failed to flag load balancer %s: %w", lbID, err)
		}
	}

	if err := p.store.DeleteVM(ctx, id); err != nil && !engine.IsNotFound(err) {
		return engine.Transition{}, err
	}

	p.log.Info().Str("vm_id", id).Int("load_balancers", len(affected)).Msg("vm deleted")
	return nx.Exit(map[string]string{"msg": "vm deleted"}), nil
}
