package lb

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/openfroyo/nexus/pkg/engine"
	"github.com/openfroyo/nexus/pkg/health"
)

// Stack selects the address families a load balancer serves.
type Stack string

const (
	StackIPv4 Stack = "ipv4"
	StackIPv6 Stack = "ipv6"
	StackDual Stack = "dual"
)

// Algorithm is the backend selection algorithm.
type Algorithm string

const (
	AlgorithmRoundRobin Algorithm = "round_robin"
	AlgorithmHashBased  Algorithm = "hash_based"
)

// Probe kinds run against every backend.
const (
	ProbeIPv4 = "ipv4"
	ProbeIPv6 = "ipv6"
)

// LoadBalancer is the parent resource of monitored backends.
type LoadBalancer struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name" validate:"required,max=63"`
	ProjectID string    `json:"project_id" yaml:"project_id" validate:"required"`
	Hostname  string    `json:"hostname,omitempty" yaml:"hostname,omitempty"`
	Stack     Stack     `json:"stack" yaml:"stack" validate:"oneof=ipv4 ipv6 dual"`
	Algorithm Algorithm `json:"algorithm" yaml:"algorithm" validate:"oneof=round_robin hash_based"`

	// UpdatePending is the coalescing rebuild flag. It is raised by health
	// transitions and cleared by the load balancer program.
	UpdatePending bool      `json:"update_pending" yaml:"-"`
	CreatedAt     time.Time `json:"created_at" yaml:"-"`
}

// IPv4Enabled reports whether the stack serves IPv4.
func (l *LoadBalancer) IPv4Enabled() bool {
	return l.Stack == StackIPv4 || l.Stack == StackDual
}

// IPv6Enabled reports whether the stack serves IPv6.
func (l *LoadBalancer) IPv6Enabled() bool {
	return l.Stack == StackIPv6 || l.Stack == StackDual
}

// Validate checks the load balancer fields.
func (l *LoadBalancer) Validate() error {
	return health.ValidateStruct(l)
}

// Port is an endpoint mapping of a load balancer. (LoadBalancerID, SrcPort,
// DstPort) is unique.
type Port struct {
	ID             string        `json:"id" yaml:"id"`
	LoadBalancerID string        `json:"load_balancer_id" yaml:"load_balancer_id"`
	SrcPort        int           `json:"src_port" yaml:"src_port" validate:"gte=1,lte=65535"`
	DstPort        int           `json:"dst_port" yaml:"dst_port" validate:"gte=1,lte=65535"`
	HealthCheck    health.Policy `json:"health_check" yaml:"health_check"`
}

// NewPort returns a port with the default health-check policy.
func NewPort(src, dst int) Port {
	return Port{SrcPort: src, DstPort: dst, HealthCheck: health.DefaultPolicy()}
}

// Validate checks the port numbers and the health-check policy.
func (p *Port) Validate() error {
	return health.ValidateStruct(p)
}

// Key returns the uniqueness key of the port within its load balancer.
func (p *Port) Key() string {
	return fmt.Sprintf("%d:%d", p.SrcPort, p.DstPort)
}

// VM is a backend instance.
type VM struct {
	ID        string `json:"id" yaml:"id"`
	Name      string `json:"name" yaml:"name" validate:"required"`
	ProjectID string `json:"project_id" yaml:"project_id" validate:"required"`

	// HostAddress is the SSH address of the host running the VM.
	HostAddress string `json:"host_address" yaml:"host_address"`

	// InhostName is the network namespace of the VM on its host.
	InhostName string `json:"inhost_name" yaml:"inhost_name"`

	PrivateIPv4 string `json:"private_ipv4,omitempty" yaml:"private_ipv4,omitempty" validate:"omitempty,ipv4"`

	// EphemeralNet6 is the IPv6 prefix routed to the VM.
	EphemeralNet6 string    `json:"ephemeral_net6,omitempty" yaml:"ephemeral_net6,omitempty" validate:"omitempty,cidrv6"`
	CreatedAt     time.Time `json:"created_at" yaml:"-"`
}

// Validate checks the VM fields.
func (v *VM) Validate() error {
	return health.ValidateStruct(v)
}

// IPv6Address returns the address the VM answers on inside its IPv6 prefix,
// the second host address after the network address.
func (v *VM) IPv6Address() (netip.Addr, error) {
	prefix, err := netip.ParsePrefix(v.EphemeralNet6)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to parse ipv6 prefix of vm %s: %w", v.ID, err)
	}
	addr := prefix.Masked().Addr().Next().Next()
	if !addr.IsValid() || !prefix.Contains(addr) {
		return netip.Addr{}, fmt.Errorf("ipv6 prefix %s of vm %s is too small", v.EphemeralNet6, v.ID)
	}
	return addr, nil
}

// VmPort associates a VM with one port of a load balancer. (PortID, VMID)
// is unique; deleting the load balancer deletes its associations.
type VmPort struct {
	ID             string       `json:"id"`
	LoadBalancerID string       `json:"load_balancer_id"`
	PortID         string       `json:"port_id"`
	VMID           string       `json:"vm_id"`
	State          health.State `json:"state"`
	Pulse          health.Pulse `json:"pulse"`
}

// Backend is a VmPort together with everything needed to probe it.
type Backend struct {
	LoadBalancer LoadBalancer
	Port         Port
	VM           VM
	VmPort       VmPort
}

func invalidReference(kind, id string) error {
	return engine.NewValidationError(fmt.Sprintf("unknown %s %q", kind, id), nil).
		WithResource(id)
}
