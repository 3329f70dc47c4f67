package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/nexus/pkg/admission"
	"github.com/openfroyo/nexus/pkg/config"
	"github.com/openfroyo/nexus/pkg/engine"
	"github.com/openfroyo/nexus/pkg/kubernetes"
	"github.com/openfroyo/nexus/pkg/lb"
	k8sprog "github.com/openfroyo/nexus/pkg/prog/kubernetes"
	lbprog "github.com/openfroyo/nexus/pkg/prog/lb"
	vmprog "github.com/openfroyo/nexus/pkg/prog/vm"
	"github.com/openfroyo/nexus/pkg/stores"
	"github.com/openfroyo/nexus/pkg/telemetry"
)

// shutdownTimeout bounds flushing telemetry and closing the store.
const shutdownTimeout = 10 * time.Second

// app holds the components every command shares.
type app struct {
	cfg       *config.Config
	tel       *telemetry.Telemetry
	store     *stores.SQLiteStore
	admission *admission.Controller
	cluster   *k8sprog.ClusterNexus
	registry  *engine.Registry
}

// openApp loads the configuration, opens and migrates the store and builds
// the program registry.
func openApp(ctx context.Context, version string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if version != "" {
		cfg.Telemetry.ServiceVersion = version
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	store, err := stores.NewSQLiteStore(cfg.StoreConfig())
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}
	a := &app{cfg: cfg, tel: tel, store: store}

	if err := a.init(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	if err := a.store.Init(ctx); err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	if err := a.store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	a.tel.E().Subscribe(a.store.EventSink(a.tel.Component("events")), nil)

	if err := a.store.EnsureProject(ctx, &kubernetes.Project{
		ID:        a.cfg.Kubernetes.ServiceProjectID,
		Name:      a.cfg.Kubernetes.ServiceProjectID,
		CreatedAt: time.Now(),
	}); err != nil {
		return fmt.Errorf("failed to ensure service project: %w", err)
	}

	rebuilder := lb.NewLogRebuilder(a.tel.Component("lb-rebuilder"))
	vmP := vmprog.New(a.store, a.tel)
	lbP := lbprog.New(a.store, rebuilder, lbprog.Config{DNSZone: a.cfg.LoadBalancer.DNSZone}, a.tel)

	k := a.cfg.Kubernetes
	alloc, err := k8sprog.NewStaticAllocator(k.ServiceProjectID, k.VMHosts, k.IPv4Subnet, k.IPv6Prefix)
	if err != nil {
		return err
	}

	deps := k8sprog.Deps{Store: a.store, LB: lbP, VM: vmP, Allocator: alloc}
	if a.cfg.Admission.Enabled {
		ctl, err := admission.New(ctx, a.cfg.Admission.PolicyPaths, a.tel)
		if err != nil {
			return err
		}
		a.admission = ctl
		deps.Admitter = ctl
	}

	a.cluster = k8sprog.NewCluster(deps, k8sprog.Config{ServiceProjectID: k.ServiceProjectID}, a.tel)
	a.registry = engine.NewRegistry(vmP, lbP, a.cluster, k8sprog.NewProvisionNode(deps, a.tel))
	return nil
}

// close flushes telemetry, then closes the store the event sink writes to.
func (a *app) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := errors.Join(a.tel.Shutdown(ctx), a.store.Close())
	if err != nil {
		log.Warn().Err(err).Msg("Shutdown incomplete")
	}
}
