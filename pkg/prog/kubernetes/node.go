package kubernetes

import (
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/nexus/pkg/engine"
	"github.com/openfroyo/nexus/pkg/kubernetes"
	"github.com/openfroyo/nexus/pkg/lb"
	"github.com/openfroyo/nexus/pkg/telemetry"
)

// NodeProgName is the registry name of the node program.
const NodeProgName = "provision_kubernetes_node"

// NodeArgs are the arguments the cluster program pushes the node program
// with.
type NodeArgs struct {
	ClusterID string `json:"cluster_id"`
	Index     int    `json:"index"`
}

// NodeID returns the VM ID of the control plane node at index. Deriving it
// keeps a retried provisioning step from creating a second VM.
func NodeID(clusterID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(clusterID+"/cp/"+strconv.Itoa(index))).String()
}

// NodeAllocator places a new control plane VM. The returned VM carries
// placement and addressing; ID and name are assigned by the caller.
type NodeAllocator interface {
	AllocateNode(ctx context.Context, c *kubernetes.Cluster, index int, vmID string) (*lb.VM, error)
}

// StaticAllocator places nodes round-robin on a fixed host list and numbers
// their addresses by index. Every cluster has its own private network, so
// addresses only need to be unique within a cluster.
type StaticAllocator struct {
	ProjectID  string
	Hosts      []string
	IPv4Subnet netip.Prefix
	IPv6Prefix netip.Prefix
}

// NewStaticAllocator parses the address ranges of a StaticAllocator. The
// IPv6 prefix must leave room for /64 node prefixes.
func NewStaticAllocator(projectID string, hosts []string, ipv4Subnet, ipv6Prefix string) (*StaticAllocator, error) {
	if len(hosts) == 0 {
		return nil, engine.NewValidationError("at least one vm host is required", nil)
	}
	v4, err := netip.ParsePrefix(ipv4Subnet)
	if err != nil || !v4.Addr().Is4() {
		return nil, engine.NewValidationError(fmt.Sprintf("invalid ipv4 subnet %q", ipv4Subnet), err)
	}
	v6, err := netip.ParsePrefix(ipv6Prefix)
	if err != nil || !v6.Addr().Is6() || v6.Bits() > 48 {
		return nil, engine.NewValidationError(fmt.Sprintf("invalid ipv6 prefix %q", ipv6Prefix), err)
	}
	return &StaticAllocator{
		ProjectID:  projectID,
		Hosts:      hosts,
		IPv4Subnet: v4.Masked(),
		IPv6Prefix: v6.Masked(),
	}, nil
}

// AllocateNode implements NodeAllocator.
func (a *StaticAllocator) AllocateNode(_ context.Context, c *kubernetes.Cluster, index int, vmID string) (*lb.VM, error) {
	// .0 is the network and .1 the gateway.
	addr := a.IPv4Subnet.Addr()
	for i := 0; i < index+2; i++ {
		addr = addr.Next()
	}
	if !a.IPv4Subnet.Contains(addr) {
		return nil, fmt.Errorf("ipv4 subnet %s exhausted at node %d", a.IPv4Subnet, index)
	}

	id, err := uuid.Parse(vmID)
	if err != nil {
		return nil, fmt.Errorf("invalid vm id %q: %w", vmID, err)
	}
	b := a.IPv6Prefix.Addr().As16()
	binary.BigEndian.PutUint16(b[6:8], binary.BigEndian.Uint16(id[:2]))
	net6 := netip.PrefixFrom(netip.AddrFrom16(b), 64)

	return &lb.VM{
		ProjectID:     a.ProjectID,
		HostAddress:   a.Hosts[index%len(a.Hosts)],
		InhostName:    "vm" + strings.ReplaceAll(vmID, "-", "")[:6],
		PrivateIPv4:   addr.String(),
		EphemeralNet6: net6.String(),
	}, nil
}

// ProvisionNode is the child program that creates one control plane VM and
// joins it to the cluster and its API server load balancer.
type ProvisionNode struct {
	deps Deps
	svc  *lb.Service
	log  zerolog.Logger
}

var _ engine.Program = (*ProvisionNode)(nil)

// NewProvisionNode creates the node program. tel may be nil.
func NewProvisionNode(deps Deps, tel *telemetry.Telemetry) *ProvisionNode {
	return &ProvisionNode{
		deps: deps,
		svc:  lb.NewService(deps.Store),
		log:  tel.Component("prog-kubernetes-node"),
	}
}

func (p *ProvisionNode) Name() string         { return NodeProgName }
func (p *ProvisionNode) InitialLabel() string { return "start" }

// DestroyLabel is empty: cancellation is handled by the cluster program,
// which discards this frame.
func (p *ProvisionNode) DestroyLabel() string { return "" }

// Step returns the function for label.
func (p *ProvisionNode) Step(label string) (engine.StepFunc, bool) {
	return engine.Labels{
		"start": p.start,
		"join":  p.join,
	}.Step(label)
}

func (p *ProvisionNode) load(ctx context.Context, nx *engine.Nexus) (*kubernetes.Cluster, NodeArgs, error) {
	var args NodeArgs
	if err := nx.Args(&args); err != nil {
		return nil, args, err
	}
	c, err := p.deps.Store.GetCluster(ctx, args.ClusterID)
	if err != nil {
		return nil, args, err
	}
	return c, args, nil
}

func (p *ProvisionNode) start(ctx context.Context, nx *engine.Nexus) (engine.Transition, error) {
	c, args, err := p.load(ctx, nx)
	if err != nil {
		return engine.Transition{}, err
	}

	vmID := NodeID(c.ID, args.Index)
	if _, err := p.deps.Store.GetVM(ctx, vmID); err == nil {
		return nx.Hop("join"), nil
	} else if !engine.IsNotFound(err) {
		return engine.Transition{}, err
	}

	vm, err := p.deps.Allocator.AllocateNode(ctx, c, args.Index, vmID)
	if err != nil {
		return engine.Transition{}, err
	}
	vm.ID = vmID
	vm.Name = fmt.Sprintf("%s-control-plane-%s", c.Name, strings.ReplaceAll(vmID, "-", "")[:5])

	if _, err := p.deps.VM.Assemble(ctx, vm); err != nil && !engine.HasCode(err, engine.ErrCodeAlreadyExists) {
		return engine.Transition{}, err
	}
	p.log.Info().
		Str("cluster_id", c.ID).
		Str("vm_id", vm.ID).
		Str("host", vm.HostAddress).
		Int("index", args.Index).
		Msg("control plane vm created")
	return nx.Hop("join"), nil
}

func (p *ProvisionNode) join(ctx context.Context, nx *engine.Nexus) (engine.Transition, error) {
	c, args, err := p.load(ctx, nx)
	if err != nil {
		return engine.Transition{}, err
	}
	vmID := NodeID(c.ID, args.Index)

	if _, err := p.svc.Attach(ctx, c.APIServerLBID, vmID); err != nil && !engine.HasCode(err, engine.ErrCodeAlreadyExists) {
		return engine.Transition{}, err
	}
	if err := p.deps.Store.AddCPVM(ctx, c.ID, vmID); err != nil {
		return engine.Transition{}, err
	}

	p.log.Info().Str("cluster_id", c.ID).Str("vm_id", vmID).Msg("control plane vm joined")
	return nx.Exit(map[string]interface{}{"vm_id": vmID, "joined_at": nx.Now().UTC().Format(time.RFC3339)}), nil
}
