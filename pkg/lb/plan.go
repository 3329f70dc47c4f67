package lb

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/openfroyo/nexus/pkg/health"
)

// Route forwards one source port to the healthy backends of a port.
type Route struct {
	SrcPort int      `json:"src_port"`
	DstPort int      `json:"dst_port"`
	Targets []string `json:"targets"`
}

// Plan is the routing configuration of a load balancer built from the
// current backend states.
type Plan struct {
	LoadBalancerID string    `json:"load_balancer_id"`
	Hostname       string    `json:"hostname"`
	Algorithm      Algorithm `json:"algorithm"`
	Stack          Stack     `json:"stack"`
	Routes         []Route   `json:"routes"`
}

// BuildPlan routes every port of lb to the backends that are up. Addresses
// follow the load balancer stack.
func BuildPlan(lb *LoadBalancer, ports []Port, backends []Backend) *Plan {
	plan := &Plan{
		LoadBalancerID: lb.ID,
		Hostname:       lb.Hostname,
		Algorithm:      lb.Algorithm,
		Stack:          lb.Stack,
	}

	byPort := make(map[string][]Backend, len(ports))
	for _, b := range backends {
		if b.VmPort.State != health.StateUp {
			continue
		}
		byPort[b.VmPort.PortID] = append(byPort[b.VmPort.PortID], b)
	}

	for _, p := range ports {
		route := Route{SrcPort: p.SrcPort, DstPort: p.DstPort, Targets: []string{}}
		for _, b := range byPort[p.ID] {
			port := strconv.Itoa(p.DstPort)
			if lb.IPv4Enabled() && b.VM.PrivateIPv4 != "" {
				route.Targets = append(route.Targets, net.JoinHostPort(b.VM.PrivateIPv4, port))
			}
			if lb.IPv6Enabled() {
				if addr, err := b.VM.IPv6Address(); err == nil {
					route.Targets = append(route.Targets, net.JoinHostPort(addr.String(), port))
				}
			}
		}
		sort.Strings(route.Targets)
		plan.Routes = append(plan.Routes, route)
	}
	return plan
}

// TargetCount returns the number of routed addresses across all routes.
func (p *Plan) TargetCount() int {
	n := 0
	for _, r := range p.Routes {
		n += len(r.Targets)
	}
	return n
}

func (p *Plan) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%s, %s)", p.Hostname, p.Algorithm, p.Stack)
	for _, r := range p.Routes {
		fmt.Fprintf(&sb, " %d->[%s]", r.SrcPort, strings.Join(r.Targets, ","))
	}
	return sb.String()
}

// LogRebuilder records plans in the log without touching a data plane.
type LogRebuilder struct {
	log zerolog.Logger
}

// NewLogRebuilder creates a LogRebuilder.
func NewLogRebuilder(log zerolog.Logger) *LogRebuilder {
	return &LogRebuilder{log: log}
}

// Rebuild logs the plan.
func (r *LogRebuilder) Rebuild(ctx context.Context, plan *Plan) error {
	r.log.Info().
		Str("load_balancer_id", plan.LoadBalancerID).
		Int("routes", len(plan.Routes)).
		Int("targets", plan.TargetCount()).
		Str("plan", plan.String()).
		Msg("load balancer rebuilt")
	return nil
}
