package lb

import (
	"context"
)

// Repository persists load balancers, their ports, VMs and backend
// associations.
type Repository interface {
	// CreateLoadBalancer inserts lb and its ports in one transaction.
	// A duplicate (SrcPort, DstPort) pair fails with an already-exists error
	// and nothing is stored.
	CreateLoadBalancer(ctx context.Context, lb *LoadBalancer, ports []Port) error

	// GetLoadBalancer loads a load balancer by ID.
	GetLoadBalancer(ctx context.Context, id string) (*LoadBalancer, error)

	// SetHostname records the public hostname of a load balancer.
	SetHostname(ctx context.Context, id, hostname string) error

	// DeleteLoadBalancer removes a load balancer, its ports and its backend
	// associations.
	DeleteLoadBalancer(ctx context.Context, id string) error

	// ListPorts returns the ports of a load balancer ordered by source port.
	ListPorts(ctx context.Context, lbID string) ([]Port, error)

	// CreateVM inserts a VM.
	CreateVM(ctx context.Context, vm *VM) error

	// GetVM loads a VM by ID.
	GetVM(ctx context.Context, id string) (*VM, error)

	// DeleteVM removes a VM and its backend associations.
	DeleteVM(ctx context.Context, id string) error

	// AttachVM creates one down association per port of the load balancer.
	AttachVM(ctx context.Context, lbID, vmID string) ([]VmPort, error)

	// DetachVM removes every association between the load balancer and vmID.
	DetachVM(ctx context.Context, lbID, vmID string) error

	// ListBackends returns the backends of one load balancer, or of all load
	// balancers when lbID is empty.
	ListBackends(ctx context.Context, lbID string) ([]Backend, error)

	// MarkRebuildPending raises the rebuild flag with a test-and-set and
	// wakes the load balancer strand. It returns false when the flag was
	// already raised.
	MarkRebuildPending(ctx context.Context, lbID string) (bool, error)

	// ConsumeRebuildPending clears the rebuild flag and reports whether it
	// was raised.
	ConsumeRebuildPending(ctx context.Context, lbID string) (bool, error)
}

// Rebuilder applies the routing configuration of a load balancer to its
// data plane.
type Rebuilder interface {
	Rebuild(ctx context.Context, plan *Plan) error
}
