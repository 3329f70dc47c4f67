package lb

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/nexus/pkg/engine"
	"github.com/openfroyo/nexus/pkg/health"
	"github.com/openfroyo/nexus/pkg/lb"
	"github.com/openfroyo/nexus/pkg/stores"
)

type recordingRebuilder struct {
	mu    sync.Mutex
	plans []*lb.Plan
	err   error
}

func (r *recordingRebuilder) Rebuild(ctx context.Context, plan *lb.Plan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plans = append(r.plans, plan)
	return r.err
}

func (r *recordingRebuilder) last() *lb.Plan {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.plans) == 0 {
		return nil
	}
	return r.plans[len(r.plans)-1]
}

type fixture struct {
	store     *stores.SQLiteStore
	prog      *Nexus
	rebuilder *recordingRebuilder
	now       time.Time
}

func setup(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	rebuilder := &recordingRebuilder{}
	return &fixture{
		store:     store,
		prog:      New(store, rebuilder, Config{DNSZone: "lb.example.com"}, nil),
		rebuilder: rebuilder,
		now:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func (f *fixture) assemble(t *testing.T) *lb.LoadBalancer {
	t.Helper()
	l := &lb.LoadBalancer{Name: "web", ProjectID: "p1", Stack: lb.StackIPv4}
	if _, err := f.prog.Assemble(context.Background(), l, []lb.Port{lb.NewPort(80, 8080)}); err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}
	return l
}

func (f *fixture) step(t *testing.T, id, label string) (engine.Transition, error) {
	t.Helper()
	st, err := f.store.GetStrand(context.Background(), id)
	if err != nil {
		t.Fatalf("GetStrand failed: %v", err)
	}
	st.Stack[0].Label = label
	fn, ok := f.prog.Step(label)
	if !ok {
		t.Fatalf("no label %s", label)
	}
	return fn(context.Background(), engine.NewNexus(st, f.prog, f.now))
}

func (f *fixture) attachUpVM(t *testing.T, lbID, vmID, ipv4 string) {
	t.Helper()
	ctx := context.Background()
	vm := &lb.VM{ID: vmID, Name: vmID, ProjectID: "p1", HostAddress: "10.0.0.5", InhostName: "ns" + vmID, PrivateIPv4: ipv4}
	if err := f.store.CreateVM(ctx, vm); err != nil {
		t.Fatalf("CreateVM failed: %v", err)
	}
	vmPorts, err := f.store.AttachVM(ctx, lbID, vmID)
	if err != nil {
		t.Fatalf("AttachVM failed: %v", err)
	}
	for _, vp := range vmPorts {
		pulse := health.Pulse{Reading: health.ReadingUp, ReadingRpt: 5, ReadingChg: f.now, LastCheckedAt: f.now}
		if err := f.store.RecordHealth(ctx, vp.ID, health.StateUp, pulse); err != nil {
			t.Fatalf("RecordHealth failed: %v", err)
		}
	}
}

func TestAssemble(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.prog.Assemble(ctx, &lb.LoadBalancer{Name: "nop", ProjectID: "p1"}, nil)
	if !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("Expected validation error without ports, got %v", err)
	}

	l := f.assemble(t)
	st, err := f.store.GetStrand(ctx, l.ID)
	if err != nil {
		t.Fatalf("Expected strand keyed by load balancer id, got %v", err)
	}
	if st.Prog() != ProgName || st.Label() != "start" {
		t.Errorf("Expected %s at start, got %s at %s", ProgName, st.Prog(), st.Label())
	}
	if l.Algorithm != lb.AlgorithmRoundRobin {
		t.Errorf("Expected default algorithm, got %s", l.Algorithm)
	}
}

func TestStart_AssignsHostname(t *testing.T) {
	f := setup(t)
	l := f.assemble(t)

	tr, err := f.step(t, l.ID, "start")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if tr.Kind != engine.TransitionHop || tr.Label != "wait" {
		t.Errorf("Expected hop to wait, got %s %s", tr.Kind, tr.Label)
	}

	got, _ := f.store.GetLoadBalancer(context.Background(), l.ID)
	if !strings.HasPrefix(got.Hostname, "web.") || !strings.HasSuffix(got.Hostname, ".lb.example.com") {
		t.Errorf("Unexpected hostname %q", got.Hostname)
	}
	if got.Hostname != f.prog.Hostname(got) {
		t.Errorf("Expected stable hostname, got %q and %q", got.Hostname, f.prog.Hostname(got))
	}
}

func TestWait(t *testing.T) {
	f := setup(t)
	l := f.assemble(t)

	tr, _ := f.step(t, l.ID, "wait")
	if tr.Kind != engine.TransitionNap || tr.Nap != WaitInterval {
		t.Errorf("Expected nap without pending rebuild, got %s %v", tr.Kind, tr.Nap)
	}

	if _, err := f.store.MarkRebuildPending(context.Background(), l.ID); err != nil {
		t.Fatalf("MarkRebuildPending failed: %v", err)
	}
	tr, _ = f.step(t, l.ID, "wait")
	if tr.Kind != engine.TransitionHop || tr.Label != "update" {
		t.Errorf("Expected hop to update, got %s %s", tr.Kind, tr.Label)
	}
}

func TestUpdate_RebuildsWithUpBackends(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	l := f.assemble(t)
	f.attachUpVM(t, l.ID, "vm1", "10.10.0.4")

	vm2 := &lb.VM{ID: "vm2", Name: "vm2", ProjectID: "p1", HostAddress: "10.0.0.5", InhostName: "nsvm2", PrivateIPv4: "10.10.0.5"}
	if err := f.store.CreateVM(ctx, vm2); err != nil {
		t.Fatalf("CreateVM failed: %v", err)
	}
	if _, err := f.store.AttachVM(ctx, l.ID, "vm2"); err != nil {
		t.Fatalf("AttachVM failed: %v", err)
	}
	_, _ = f.store.MarkRebuildPending(ctx, l.ID)

	tr, err := f.step(t, l.ID, "update")
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if tr.Kind != engine.TransitionHop || tr.Label != "wait" {
		t.Errorf("Expected hop to wait, got %s %s", tr.Kind, tr.Label)
	}

	plan := f.rebuilder.last()
	if plan == nil || len(plan.Routes) != 1 {
		t.Fatalf("Expected one route, got %+v", plan)
	}
	if targets := plan.Routes[0].Targets; len(targets) != 1 || targets[0] != "10.10.0.4:8080" {
		t.Errorf("Expected only the up backend, got %v", targets)
	}

	got, _ := f.store.GetLoadBalancer(ctx, l.ID)
	if got.UpdatePending {
		t.Error("Expected rebuild flag consumed")
	}
}

func TestUpdate_FailureRestoresFlag(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	l := f.assemble(t)
	_, _ = f.store.MarkRebuildPending(ctx, l.ID)
	f.rebuilder.err = errors.New("data plane unreachable")

	if _, err := f.step(t, l.ID, "update"); err == nil {
		t.Fatal("Expected rebuild error")
	}
	got, _ := f.store.GetLoadBalancer(ctx, l.ID)
	if !got.UpdatePending {
		t.Error("Expected rebuild flag raised again")
	}
}

func TestDestroy(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	l := f.assemble(t)
	f.attachUpVM(t, l.ID, "vm1", "10.10.0.4")

	tr, err := f.step(t, l.ID, "destroy")
	if err != nil {
		t.Fatalf("destroy failed: %v", err)
	}
	if tr.Kind != engine.TransitionExit {
		t.Errorf("Expected exit, got %s", tr.Kind)
	}
	if _, err := f.store.GetLoadBalancer(ctx, l.ID); !engine.IsNotFound(err) {
		t.Errorf("Expected load balancer deleted, got %v", err)
	}
	if backends, _ := f.store.ListBackends(ctx, l.ID); len(backends) != 0 {
		t.Errorf("Expected backends removed, got %d", len(backends))
	}
	if _, err := f.store.GetVM(ctx, "vm1"); err != nil {
		t.Errorf("Expected vm kept, got %v", err)
	}

	// Re-running after a crash still exits.
	if tr, err := f.step(t, l.ID, "destroy"); err != nil || tr.Kind != engine.TransitionExit {
		t.Errorf("Expected idempotent destroy, got %s (%v)", tr.Kind, err)
	}
}

func TestHealthTransitionWakesStrand(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	l := f.assemble(t)
	f.attachUpVM(t, l.ID, "vm1", "10.10.0.4")

	clock := f.now
	dispatcher := engine.NewDispatcher(f.store, engine.NewRegistry(f.prog), engine.DispatcherConfig{
		Owner:    "worker-1",
		LeaseTTL: time.Minute,
		Now:      func() time.Time { return clock },
	}, nil)

	if _, err := dispatcher.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce failed: %v", err)
	}
	st, _ := f.store.GetStrand(ctx, l.ID)
	if st.Label() != "wait" || st.WakeAt == nil {
		t.Fatalf("Expected strand napping in wait, got %s %v", st.Label(), st.WakeAt)
	}

	raised, err := f.store.MarkRebuildPending(ctx, l.ID)
	if err != nil || !raised {
		t.Fatalf("MarkRebuildPending = %v, %v", raised, err)
	}

	n, err := dispatcher.RunOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Expected woken strand leased, got %d (%v)", n, err)
	}
	if plan := f.rebuilder.last(); plan == nil || plan.TargetCount() != 1 {
		t.Errorf("Expected a rebuild with one target, got %+v", plan)
	}
}
