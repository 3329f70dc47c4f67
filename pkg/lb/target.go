package lb

import (
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/nexus/pkg/health"
)

// CommandSession runs shell commands on a VM host.
type CommandSession interface {
	health.Session
	Run(ctx context.Context, cmd string) (string, error)
}

// HostDialer opens command sessions to VM hosts.
type HostDialer interface {
	Dial(ctx context.Context, address string) (CommandSession, error)
}

// BackendTarget probes one backend from inside the VM's network namespace
// on its host.
type BackendTarget struct {
	Backend
	dialer HostDialer
}

var _ health.Target = (*BackendTarget)(nil)

// NewBackendTarget creates a health target for b.
func NewBackendTarget(b Backend, dialer HostDialer) *BackendTarget {
	return &BackendTarget{Backend: b, dialer: dialer}
}

// Key returns the backend association ID.
func (t *BackendTarget) Key() string { return t.VmPort.ID }

// ParentID returns the load balancer ID.
func (t *BackendTarget) ParentID() string { return t.LoadBalancer.ID }

// Policy returns the port's health-check policy.
func (t *BackendTarget) Policy() health.Policy { return t.Port.HealthCheck }

// Probes returns one probe per address family, enabled by the stack.
func (t *BackendTarget) Probes() []health.ProbeSpec {
	return []health.ProbeSpec{
		{Kind: ProbeIPv4, Enabled: t.LoadBalancer.IPv4Enabled()},
		{Kind: ProbeIPv6, Enabled: t.LoadBalancer.IPv6Enabled()},
	}
}

// OpenSession dials the VM host.
func (t *BackendTarget) OpenSession(ctx context.Context) (health.Session, error) {
	return t.dialer.Dial(ctx, t.VM.HostAddress)
}

// Probe runs the probe command for kind. Only an output of exactly 200
// reads as up.
func (t *BackendTarget) Probe(ctx context.Context, sess health.Session, kind string) (health.Reading, error) {
	cs, ok := sess.(CommandSession)
	if !ok {
		return health.ReadingDown, fmt.Errorf("session %T cannot run commands", sess)
	}

	cmd, err := t.ProbeCommand(kind)
	if err != nil {
		return health.ReadingDown, err
	}

	out, err := cs.Run(ctx, cmd)
	if err != nil {
		return health.ReadingDown, fmt.Errorf("failed to run %s probe: %w", kind, err)
	}
	if strings.TrimSpace(out) != "200" {
		return health.ReadingDown, nil
	}
	return health.ReadingUp, nil
}

// ProbeCommand renders the shell command for kind. Connection probes use
// nc and print 200 on success; request probes use curl with the load
// balancer hostname resolved to the backend address and print the status
// code.
func (t *BackendTarget) ProbeCommand(kind string) (string, error) {
	var addr, resolveAddr string
	switch kind {
	case ProbeIPv4:
		if t.VM.PrivateIPv4 == "" {
			return "", fmt.Errorf("vm %s has no private ipv4 address", t.VM.ID)
		}
		addr = t.VM.PrivateIPv4
		resolveAddr = addr
	case ProbeIPv6:
		ip, err := t.VM.IPv6Address()
		if err != nil {
			return "", err
		}
		addr = ip.String()
		resolveAddr = "[" + addr + "]"
	default:
		return "", fmt.Errorf("invalid probe kind %q", kind)
	}

	policy := t.Port.HealthCheck
	prefix := "sudo ip netns exec " + t.VM.InhostName

	if !policy.IsRequestProbe() {
		return fmt.Sprintf("%s nc -z -w %d %s %d && echo 200 || echo 400",
			prefix, policy.Timeout, addr, t.Port.DstPort), nil
	}

	host := t.LoadBalancer.Hostname
	return fmt.Sprintf("%s curl --insecure --resolve %s:%d:%s --max-time %d --silent --output /dev/null --write-out '%%{http_code}' %s://%s:%d%s",
		prefix, host, t.Port.DstPort, resolveAddr, policy.Timeout,
		policy.Protocol, host, t.Port.DstPort, policy.Endpoint), nil
}

// TargetSource lists every backend of every load balancer as health targets.
type TargetSource struct {
	repo   Repository
	dialer HostDialer
}

var _ health.TargetSource = (*TargetSource)(nil)

// NewTargetSource creates a TargetSource.
func NewTargetSource(repo Repository, dialer HostDialer) *TargetSource {
	return &TargetSource{repo: repo, dialer: dialer}
}

// ListTargets returns one target per backend association.
func (s *TargetSource) ListTargets(ctx context.Context) ([]health.Target, error) {
	backends, err := s.repo.ListBackends(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("failed to list backends: %w", err)
	}

	targets := make([]health.Target, 0, len(backends))
	for _, b := range backends {
		targets = append(targets, NewBackendTarget(b, s.dialer))
	}
	return targets, nil
}
