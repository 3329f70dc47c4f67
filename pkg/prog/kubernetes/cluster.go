// Package kubernetes implements the programs that build a Kubernetes
// cluster: the cluster program creates the API server load balancer and
// pushes one node program per control plane VM, then idles until it is
// destroyed.
package kubernetes

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/nexus/pkg/engine"
	"github.com/openfroyo/nexus/pkg/health"
	"github.com/openfroyo/nexus/pkg/kubernetes"
	"github.com/openfroyo/nexus/pkg/lb"
	lbprog "github.com/openfroyo/nexus/pkg/prog/lb"
	vmprog "github.com/openfroyo/nexus/pkg/prog/vm"
	"github.com/openfroyo/nexus/pkg/telemetry"
)

// ClusterProgName is the registry name of the cluster program.
const ClusterProgName = "kubernetes_cluster"

const (
	// BootstrapDeadline is how long a new cluster may take to reach wait.
	BootstrapDeadline = 120 * time.Minute

	// EndpointPollInterval is the nap while the API server hostname is unset.
	EndpointPollInterval = 5 * time.Second

	// IdleNap is the nap of a running cluster.
	IdleNap = 65536 * time.Second
)

// AdmissionKindCluster is the admission kind used for cluster requests.
const AdmissionKindCluster = "kubernetes_cluster"

// Store is the persistence the cluster programs need.
type Store interface {
	kubernetes.Repository
	lb.Repository

	// CreateClusterWithStrand inserts c and st atomically.
	CreateClusterWithStrand(ctx context.Context, c *kubernetes.Cluster, st *engine.Strand) error

	// RequestDestroy raises the destroy flag of a strand.
	RequestDestroy(ctx context.Context, id string) error
}

// Admitter decides whether a request may be assembled. A denial is an
// error carrying the ADMISSION_DENIED code.
type Admitter interface {
	Admit(ctx context.Context, kind string, input interface{}) error
}

// Config configures the cluster programs.
type Config struct {
	// ServiceProjectID owns the load balancers and VMs created for clusters.
	ServiceProjectID string
}

// Deps are the collaborators shared by the cluster and node programs.
type Deps struct {
	Store     Store
	LB        *lbprog.Nexus
	VM        *vmprog.Nexus
	Allocator NodeAllocator

	// Admitter may be nil, in which case every request is admitted.
	Admitter Admitter
}

// ClusterNexus is the Kubernetes cluster program.
type ClusterNexus struct {
	deps   Deps
	config Config
	log    zerolog.Logger
	now    func() time.Time
}

var _ engine.Program = (*ClusterNexus)(nil)

// NewCluster creates the cluster program. tel may be nil.
func NewCluster(deps Deps, cfg Config, tel *telemetry.Telemetry) *ClusterNexus {
	return &ClusterNexus{
		deps:   deps,
		config: cfg,
		log:    tel.Component("prog-kubernetes-cluster"),
		now:    time.Now,
	}
}

func (p *ClusterNexus) Name() string         { return ClusterProgName }
func (p *ClusterNexus) InitialLabel() string { return "start" }
func (p *ClusterNexus) DestroyLabel() string { return "destroy" }

// Step returns the function for label.
func (p *ClusterNexus) Step(label string) (engine.StepFunc, bool) {
	return engine.Labels{
		"start":                       p.start,
		"setup_network":               p.setupNetwork,
		"bootstrap_control_plane_vms": p.bootstrapControlPlaneVMs,
		"wait":                        p.wait,
		"destroy":                     p.destroy,
	}.Step(label)
}

// Assemble checks req and stores the cluster together with its strand,
// which starts at the initial label.
func (p *ClusterNexus) Assemble(ctx context.Context, req kubernetes.ClusterRequest) (*engine.Strand, error) {
	if _, err := p.deps.Store.GetProject(ctx, req.ProjectID); err != nil {
		if engine.IsNotFound(err) {
			return nil, engine.NewPermanentError("no existing project", err).
				WithCode(engine.ErrCodeNoProject).
				WithResource(req.ProjectID)
		}
		return nil, err
	}

	if !kubernetes.IsSupportedVersion(req.Version) {
		return nil, engine.NewValidationError(fmt.Sprintf("invalid kubernetes version %q", req.Version), nil).
			WithCode(engine.ErrCodeInvalidVersion).
			WithDetail("supported", kubernetes.SupportedVersions)
	}

	c := &kubernetes.Cluster{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Version:     req.Version,
		Location:    req.Location,
		CPNodeCount: req.CPNodeCount,
		ProjectID:   req.ProjectID,
		CreatedAt:   p.now(),
	}
	if err := health.ValidateStruct(c); err != nil {
		return nil, err
	}

	if p.deps.Admitter != nil {
		if err := p.deps.Admitter.Admit(ctx, AdmissionKindCluster, req); err != nil {
			return nil, err
		}
	}

	st, err := engine.NewStrand(c.ID, p, nil, c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := p.deps.Store.CreateClusterWithStrand(ctx, c, st); err != nil {
		return nil, err
	}

	p.log.Info().
		Str("cluster_id", c.ID).
		Str("name", c.Name).
		Str("version", c.Version).
		Int("cp_node_count", c.CPNodeCount).
		Msg("kubernetes cluster assembled")
	return st, nil
}

// APIServerLBID returns the ID of the API server load balancer of a cluster.
// It is derived from the cluster ID so a retried setup finds the load
// balancer it created before.
func APIServerLBID(clusterID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(clusterID+"/apiserver")).String()
}

func (p *ClusterNexus) start(ctx context.Context, nx *engine.Nexus) (engine.Transition, error) {
	nx.RegisterDeadline("wait", BootstrapDeadline)
	return nx.Hop("setup_network"), nil
}

func (p *ClusterNexus) setupNetwork(ctx context.Context, nx *engine.Nexus) (engine.Transition, error) {
	c, err := p.deps.Store.GetCluster(ctx, nx.SubjectID())
	if err != nil {
		return engine.Transition{}, err
	}

	lbID := c.APIServerLBID
	if lbID == "" {
		lbID = APIServerLBID(c.ID)
		l := &lb.LoadBalancer{
			ID:        lbID,
			Name:      c.APIServerLBName(),
			ProjectID: p.config.ServiceProjectID,
			Stack:     lb.StackDual,
			Algorithm: lb.AlgorithmHashBased,
		}
		port := lb.NewPort(443, 6443)
		port.HealthCheck.Endpoint = "/healthz"
		port.HealthCheck.Protocol = health.ProtocolTCP

		if _, err := p.deps.LB.Assemble(ctx, l, []lb.Port{port}); err != nil {
			if !engine.HasCode(err, engine.ErrCodeAlreadyExists) {
				return engine.Transition{}, err
			}
			if _, getErr := p.deps.Store.GetLoadBalancer(ctx, lbID); getErr != nil {
				return engine.Transition{}, err
			}
		}
		if err := p.deps.Store.SetAPIServerLB(ctx, c.ID, lbID); err != nil {
			return engine.Transition{}, err
		}
		p.log.Info().Str("cluster_id", c.ID).Str("lb_id", lbID).Msg("api server load balancer created")
	}

	return nx.Hop("bootstrap_control_plane_vms"), nil
}

func (p *ClusterNexus) bootstrapControlPlaneVMs(ctx context.Context, nx *engine.Nexus) (engine.Transition, error) {
	c, err := p.deps.Store.GetCluster(ctx, nx.SubjectID())
	if err != nil {
		return engine.Transition{}, err
	}
	l, err := p.deps.Store.GetLoadBalancer(ctx, c.APIServerLBID)
	if err != nil {
		return engine.Transition{}, err
	}
	if l.Hostname == "" {
		return nx.Nap(EndpointPollInterval), nil
	}

	if len(c.CPVMIDs) >= c.CPNodeCount {
		return nx.Hop("wait"), nil
	}

	return nx.Push(NodeProgName, NodeArgs{ClusterID: c.ID, Index: len(c.CPVMIDs)}), nil
}

func (p *ClusterNexus) wait(ctx context.Context, nx *engine.Nexus) (engine.Transition, error) {
	return nx.Nap(IdleNap), nil
}

func (p *ClusterNexus) destroy(ctx context.Context, nx *engine.Nexus) (engine.Transition, error) {
	result := map[string]string{"msg": "kubernetes cluster is deleted"}

	c, err := p.deps.Store.GetCluster(ctx, nx.SubjectID())
	if engine.IsNotFound(err) {
		return nx.Exit(result), nil
	}
	if err != nil {
		return engine.Transition{}, err
	}

	// A node program discarded by the destroy redirect may have created its
	// VM without recording it yet, so every derivable node ID is signalled.
	targets := append([]string{}, c.CPVMIDs...)
	seen := make(map[string]bool, len(targets))
	for _, id := range targets {
		seen[id] = true
	}
	for i := 0; i < c.CPNodeCount; i++ {
		if id := NodeID(c.ID, i); !seen[id] {
			seen[id] = true
			targets = append(targets, id)
		}
	}
	if c.APIServerLBID != "" {
		targets = append(targets, c.APIServerLBID)
	}
	for _, id := range targets {
		if err := p.deps.Store.RequestDestroy(ctx, id); err != nil && !engine.IsNotFound(err) {
			return engine.Transition{}, fmt.Errorf("failed to request destroy of %s: %w", id, err)
		}
	}

	if err := p.deps.Store.DeleteCluster(ctx, c.ID); err != nil && !engine.IsNotFound(err) {
		return engine.Transition{}, err
	}

	p.log.Info().Str("cluster_id", c.ID).Int("signalled", len(targets)).Msg("kubernetes cluster deleted")
	return nx.Exit(result), nil
}
