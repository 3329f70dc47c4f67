package lb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/openfroyo/nexus/pkg/engine"
)

// Service validates load balancer requests before they reach the repository.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Create validates lb and its ports, fills defaults and stores them.
// Nothing is stored when any part is invalid.
func (s *Service) Create(ctx context.Context, lb *LoadBalancer, ports []Port) error {
	if err := s.Prepare(lb, ports); err != nil {
		return err
	}
	return s.repo.CreateLoadBalancer(ctx, lb, ports)
}

// Prepare fills the defaults of lb and its ports and validates them without
// storing anything.
func (s *Service) Prepare(lb *LoadBalancer, ports []Port) error {
	if lb.ID == "" {
		lb.ID = uuid.New().String()
	}
	if lb.Stack == "" {
		lb.Stack = StackDual
	}
	if lb.Algorithm == "" {
		lb.Algorithm = AlgorithmRoundRobin
	}
	lb.CreatedAt = s.now()

	if err := lb.Validate(); err != nil {
		return err
	}
	if len(ports) == 0 {
		return engine.NewValidationError("load balancer needs at least one port", nil).WithResource(lb.Name)
	}

	seen := make(map[string]bool, len(ports))
	for i := range ports {
		p := &ports[i]
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		p.LoadBalancerID = lb.ID
		if err := p.Validate(); err != nil {
			return err
		}
		if seen[p.Key()] {
			return engine.NewConflictError(fmt.Sprintf("duplicate port mapping %s", p.Key()), nil).
				WithCode(engine.ErrCodeAlreadyExists).
				WithResource(lb.Name)
		}
		seen[p.Key()] = true
	}
	return nil
}

// CreateVM validates and stores a VM.
func (s *Service) CreateVM(ctx context.Context, vm *VM) error {
	if err := s.PrepareVM(vm); err != nil {
		return err
	}
	return s.repo.CreateVM(ctx, vm)
}

// PrepareVM assigns an ID to vm when it has none and validates it.
func (s *Service) PrepareVM(vm *VM) error {
	if vm.ID == "" {
		vm.ID = uuid.New().String()
	}
	vm.CreatedAt = s.now()
	return vm.Validate()
}

// Attach associates vmID with every port of lbID.
func (s *Service) Attach(ctx context.Context, lbID, vmID string) ([]VmPort, error) {
	if _, err := s.repo.GetLoadBalancer(ctx, lbID); err != nil {
		if engine.IsNotFound(err) {
			return nil, invalidReference("load balancer", lbID)
		}
		return nil, err
	}
	if _, err := s.repo.GetVM(ctx, vmID); err != nil {
		if engine.IsNotFound(err) {
			return nil, invalidReference("vm", vmID)
		}
		return nil, err
	}
	return s.repo.AttachVM(ctx, lbID, vmID)
}

// Detach removes vmID from every port of lbID and raises the rebuild flag
// so the data plane stops routing to it.
func (s *Service) Detach(ctx context.Context, lbID, vmID string) error {
	if err := s.repo.DetachVM(ctx, lbID, vmID); err != nil {
		return err
	}
	if _, err := s.repo.MarkRebuildPending(ctx, lbID); err != nil {
		return fmt.Errorf("failed to flag %s for rebuild: %w", lbID, err)
	}
	return nil
}
