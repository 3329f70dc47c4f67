package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/openfroyo/nexus/pkg/telemetry"
)

const testOwner = "worker-1"

type runnerFixture struct {
	store    *memStrandStore
	runner   *Runner
	clock    *fakeClock
	events   *eventRecorder
	registry *Registry
}

func setupRunner(t *testing.T, progs ...Program) *runnerFixture {
	t.Helper()
	clock := newFakeClock()
	store := newMemStrandStore()
	tel, rec := newTestTelemetry(t)
	registry := NewRegistry(progs...)
	runner := NewRunner(store, registry, RunnerConfig{
		Owner:          testOwner,
		LeaseTTL:       time.Minute,
		MaxStepsPerRun: 16,
		Now:            clock.Now,
	}, tel)
	return &runnerFixture{store: store, runner: runner, clock: clock, events: rec, registry: registry}
}

func (f *runnerFixture) assemble(t *testing.T, id string, prog Program, args interface{}) {
	t.Helper()
	st, err := NewStrand(id, prog, args, f.clock.Now())
	if err != nil {
		t.Fatalf("NewStrand failed: %v", err)
	}
	if err := f.store.CreateStrand(context.Background(), st); err != nil {
		t.Fatalf("CreateStrand failed: %v", err)
	}
}

// lease claims id, returning nil if it is not due.
func (f *runnerFixture) lease(t *testing.T, id string) *Strand {
	t.Helper()
	strands, err := f.store.LeaseDueStrands(context.Background(), testOwner, f.clock.Now(), time.Minute, 100)
	if err != nil {
		t.Fatalf("LeaseDueStrands failed: %v", err)
	}
	var found *Strand
	for _, st := range strands {
		if st.ID == id {
			found = st
			continue
		}
		_ = f.store.ReleaseLease(context.Background(), st.ID, testOwner)
	}
	return found
}

func (f *runnerFixture) runDue(t *testing.T, id string) error {
	t.Helper()
	st := f.lease(t, id)
	if st == nil {
		t.Fatalf("strand %s is not due", id)
	}
	return f.runner.Run(context.Background(), st)
}

func (f *runnerFixture) get(t *testing.T, id string) *Strand {
	t.Helper()
	st, err := f.store.GetStrand(context.Background(), id)
	if err != nil {
		t.Fatalf("GetStrand failed: %v", err)
	}
	return st
}

func TestRunner_HopThenNap(t *testing.T) {
	prog := &testProg{name: "seq", initial: "start", labels: Labels{
		"start": func(ctx context.Context, nx *Nexus) (Transition, error) {
			return nx.Hop("middle"), nil
		},
		"middle": func(ctx context.Context, nx *Nexus) (Transition, error) {
			return nx.Nap(10 * time.Second), nil
		},
	}}
	f := setupRunner(t, prog)
	f.assemble(t, "s1", prog, nil)

	if err := f.runDue(t, "s1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	st := f.get(t, "s1")
	if st.Label() != "middle" {
		t.Errorf("Expected label middle, got %s", st.Label())
	}
	if st.WakeAt == nil || !st.WakeAt.Equal(f.clock.Now().Add(10*time.Second)) {
		t.Errorf("Expected wake_at now+10s, got %v", st.WakeAt)
	}
	if st.LeaseOwner != "" {
		t.Errorf("Expected lease released, owner=%s", st.LeaseOwner)
	}
}

func TestRunner_NapIsNotResumedEarly(t *testing.T) {
	runs := 0
	prog := &testProg{name: "sleeper", initial: "wait", labels: Labels{
		"wait": func(ctx context.Context, nx *Nexus) (Transition, error) {
			runs++
			return nx.Nap(30 * time.Second), nil
		},
	}}
	f := setupRunner(t, prog)
	f.assemble(t, "s1", prog, nil)

	if err := f.runDue(t, "s1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	f.clock.Advance(29 * time.Second)
	if st := f.lease(t, "s1"); st != nil {
		t.Fatal("Expected napping strand not to be due before wake_at")
	}

	f.clock.Advance(2 * time.Second)
	if err := f.runDue(t, "s1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if runs != 2 {
		t.Errorf("Expected 2 executions of wait, got %d", runs)
	}
}

func TestRunner_PushAndExitHandsResultToCaller(t *testing.T) {
	type childArgs struct {
		N int `json:"n"`
	}
	parent := &testProg{name: "parent", initial: "start", labels: Labels{
		"start": func(ctx context.Context, nx *Nexus) (Transition, error) {
			var res map[string]int
			ok, err := nx.ChildResult(&res)
			if err != nil {
				return Transition{}, err
			}
			if ok {
				return nx.Exit(map[string]int{"total": res["doubled"]}), nil
			}
			return nx.Push("child", childArgs{N: 21}), nil
		},
	}}
	child := &testProg{name: "child", initial: "compute", labels: Labels{
		"compute": func(ctx context.Context, nx *Nexus) (Transition, error) {
			var args childArgs
			if err := nx.Args(&args); err != nil {
				return Transition{}, err
			}
			if nx.Depth() != 2 {
				t.Errorf("Expected depth 2 inside child, got %d", nx.Depth())
			}
			return nx.Exit(map[string]int{"doubled": args.N * 2}), nil
		},
	}}
	f := setupRunner(t, parent, child)
	f.assemble(t, "s1", parent, nil)

	if err := f.runDue(t, "s1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	st := f.get(t, "s1")
	if !st.Done {
		t.Fatal("Expected strand to be done")
	}
	if string(st.ExitResult) != `{"total":42}` {
		t.Errorf("Unexpected exit result: %s", st.ExitResult)
	}
	if len(st.Stack) != 0 {
		t.Errorf("Expected empty stack, got %d frames", len(st.Stack))
	}
	if f.events.count(telemetry.EventTypeStrandExited) != 1 {
		t.Error("Expected one exit event")
	}
	if again := f.lease(t, "s1"); again != nil {
		t.Error("Expected terminated strand never to be due again")
	}
}

func TestRunner_StepErrorKeepsPersistedLabel(t *testing.T) {
	boom := errors.New("ssh: connection refused")
	prog := &testProg{name: "flaky", initial: "start", labels: Labels{
		"start": func(ctx context.Context, nx *Nexus) (Transition, error) {
			return nx.Hop("provision"), nil
		},
		"provision": func(ctx context.Context, nx *Nexus) (Transition, error) {
			return Transition{}, boom
		},
	}}
	f := setupRunner(t, prog)
	f.assemble(t, "s1", prog, nil)

	err := f.runDue(t, "s1")
	if !errors.Is(err, boom) {
		t.Fatalf("Expected step error, got %v", err)
	}

	st := f.get(t, "s1")
	if st.Label() != "provision" {
		t.Errorf("Expected label provision, got %s", st.Label())
	}
	if st.LeaseOwner != testOwner {
		t.Error("Expected lease to be kept until expiry after a failed step")
	}
	if f.events.count(telemetry.EventTypeStrandStepFailed) != 1 {
		t.Error("Expected one step failure event")
	}

	if again := f.lease(t, "s1"); again != nil {
		t.Error("Expected strand not to be reclaimable before lease expiry")
	}
	f.clock.Advance(time.Minute + time.Second)
	if again := f.lease(t, "s1"); again == nil {
		t.Error("Expected strand to be reclaimable after lease expiry")
	}
}

func TestRunner_StepWithoutTransitionFails(t *testing.T) {
	prog := &testProg{name: "broken", initial: "start", labels: Labels{
		"start": func(ctx context.Context, nx *Nexus) (Transition, error) {
			return Transition{}, nil
		},
	}}
	f := setupRunner(t, prog)
	f.assemble(t, "s1", prog, nil)

	err := f.runDue(t, "s1")
	if !HasCode(err, ErrCodeNoFlowControl) {
		t.Fatalf("Expected no-flow-control error, got %v", err)
	}
	if f.get(t, "s1").Label() != "start" {
		t.Error("Expected strand to stay at start")
	}
}

func TestRunner_HopToUnknownLabelFails(t *testing.T) {
	prog := &testProg{name: "typo", initial: "start", labels: Labels{
		"start": func(ctx context.Context, nx *Nexus) (Transition, error) {
			return nx.Hop("strat"), nil
		},
	}}
	f := setupRunner(t, prog)
	f.assemble(t, "s1", prog, nil)

	err := f.runDue(t, "s1")
	if !HasCode(err, ErrCodeUnknownLabel) {
		t.Fatalf("Expected unknown label error, got %v", err)
	}
	if !IsPermanent(err) {
		t.Error("Expected unknown label to be permanent")
	}
}

func TestRunner_PushUnknownProgramFails(t *testing.T) {
	prog := &testProg{name: "caller", initial: "start", labels: Labels{
		"start": func(ctx context.Context, nx *Nexus) (Transition, error) {
			return nx.Push("missing", nil), nil
		},
	}}
	f := setupRunner(t, prog)
	f.assemble(t, "s1", prog, nil)

	if err := f.runDue(t, "s1"); !HasCode(err, ErrCodeUnknownProgram) {
		t.Fatalf("Expected unknown program error, got %v", err)
	}
	if n := len(f.get(t, "s1").Stack); n != 1 {
		t.Errorf("Expected single frame, got %d", n)
	}
}

func destroyableProg(destroyRuns *int) *testProg {
	return &testProg{name: "res", initial: "start", destroy: "destroy", labels: Labels{
		"start": func(ctx context.Context, nx *Nexus) (Transition, error) {
			return nx.Hop("wait"), nil
		},
		"wait": func(ctx context.Context, nx *Nexus) (Transition, error) {
			return nx.Nap(24 * time.Hour), nil
		},
		"destroy": func(ctx context.Context, nx *Nexus) (Transition, error) {
			*destroyRuns++
			return nx.Nap(5 * time.Second), nil
		},
	}}
}

func TestRunner_DestroyRedirectIsIdempotent(t *testing.T) {
	destroyRuns := 0
	prog := destroyableProg(&destroyRuns)
	f := setupRunner(t, prog)
	f.assemble(t, "s1", prog, nil)
	ctx := context.Background()

	if err := f.runDue(t, "s1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if f.get(t, "s1").Label() != "wait" {
		t.Fatal("Expected strand in wait")
	}

	// A long nap does not delay cancellation.
	if err := f.store.RequestDestroy(ctx, "s1"); err != nil {
		t.Fatalf("RequestDestroy failed: %v", err)
	}
	if err := f.store.RequestDestroy(ctx, "s1"); err != nil {
		t.Fatalf("RequestDestroy failed: %v", err)
	}
	if err := f.runDue(t, "s1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	st := f.get(t, "s1")
	if st.Label() != "destroy" {
		t.Fatalf("Expected label destroy, got %s", st.Label())
	}
	if destroyRuns != 1 {
		t.Errorf("Expected destroy to run once, got %d", destroyRuns)
	}

	// Raising the flag again while already in destroy does not loop.
	if err := f.store.RequestDestroy(ctx, "s1"); err != nil {
		t.Fatalf("RequestDestroy failed: %v", err)
	}
	if err := f.runDue(t, "s1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if destroyRuns != 2 {
		t.Errorf("Expected destroy to run twice, got %d", destroyRuns)
	}
	if f.events.count(telemetry.EventTypeDestroyRedirected) != 1 {
		t.Errorf("Expected exactly one redirect event, got %d", f.events.count(telemetry.EventTypeDestroyRedirected))
	}
}

func TestRunner_DestroyRedirectDiscardsChildren(t *testing.T) {
	destroyRuns := 0
	parent := destroyableProg(&destroyRuns)
	parent.labels["start"] = func(ctx context.Context, nx *Nexus) (Transition, error) {
		return nx.Push("slow-child", nil), nil
	}
	child := &testProg{name: "slow-child", initial: "poll", labels: Labels{
		"poll": func(ctx context.Context, nx *Nexus) (Transition, error) {
			return nx.Nap(time.Hour), nil
		},
	}}
	f := setupRunner(t, parent, child)
	f.assemble(t, "s1", parent, nil)

	if err := f.runDue(t, "s1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if n := len(f.get(t, "s1").Stack); n != 2 {
		t.Fatalf("Expected child frame on stack, got %d frames", n)
	}

	if err := f.store.RequestDestroy(context.Background(), "s1"); err != nil {
		t.Fatalf("RequestDestroy failed: %v", err)
	}
	if err := f.runDue(t, "s1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	st := f.get(t, "s1")
	if len(st.Stack) != 1 || st.Label() != "destroy" {
		t.Errorf("Expected single frame at destroy, got %d frames at %s", len(st.Stack), st.Label())
	}
}

func TestRunner_DestroyRaisedDuringStepIsDeferred(t *testing.T) {
	destroyRuns := 0
	prog := destroyableProg(&destroyRuns)
	f := setupRunner(t, prog)
	prog.labels["wait"] = func(ctx context.Context, nx *Nexus) (Transition, error) {
		// Another actor cancels while this label is in flight.
		if err := f.store.RequestDestroy(ctx, nx.SubjectID()); err != nil {
			return Transition{}, err
		}
		return nx.Nap(24 * time.Hour), nil
	}
	f.assemble(t, "s1", prog, nil)

	if err := f.runDue(t, "s1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	st := f.get(t, "s1")
	if st.Label() != "wait" {
		t.Fatalf("Expected in-flight label to complete, got %s", st.Label())
	}
	if st.WakeAt != nil {
		t.Error("Expected nap to be dropped so the destroy request is observed promptly")
	}
	if err := f.runDue(t, "s1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if f.get(t, "s1").Label() != "destroy" {
		t.Error("Expected redirect on next resumption")
	}
}

func TestRunner_DeadlineBreachReportedOnce(t *testing.T) {
	prog := &testProg{name: "cluster", initial: "start", labels: Labels{
		"start": func(ctx context.Context, nx *Nexus) (Transition, error) {
			nx.RegisterDeadline("wait", time.Minute)
			return nx.Hop("bootstrap"), nil
		},
		"bootstrap": func(ctx context.Context, nx *Nexus) (Transition, error) {
			return nx.Nap(10 * time.Minute), nil
		},
		"wait": func(ctx context.Context, nx *Nexus) (Transition, error) {
			return nx.Nap(time.Hour), nil
		},
	}}
	f := setupRunner(t, prog)
	f.assemble(t, "s1", prog, nil)

	if err := f.runDue(t, "s1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	st := f.get(t, "s1")
	if st.Active().Deadline == nil || st.Active().Deadline.Target != "wait" {
		t.Fatalf("Expected deadline targeting wait, got %+v", st.Active().Deadline)
	}

	// The deadline makes the napping strand due so the breach is surfaced.
	f.clock.Advance(2 * time.Minute)
	if err := f.runDue(t, "s1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	st = f.get(t, "s1")
	if st.Label() != "bootstrap" {
		t.Errorf("Expected breach not to redirect, got %s", st.Label())
	}
	if !st.Active().Deadline.Reported {
		t.Error("Expected deadline marked reported")
	}
	if f.events.count(telemetry.EventTypeDeadlineBreached) != 1 {
		t.Errorf("Expected one breach event, got %d", f.events.count(telemetry.EventTypeDeadlineBreached))
	}

	f.clock.Advance(time.Minute)
	if again := f.lease(t, "s1"); again != nil {
		t.Error("Expected reported deadline not to make the strand due")
	}
	f.clock.Advance(10 * time.Minute)
	if err := f.runDue(t, "s1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if f.events.count(telemetry.EventTypeDeadlineBreached) != 1 {
		t.Error("Expected breach to be reported only once")
	}
}

func TestRunner_DeadlineClearedWhenTargetReached(t *testing.T) {
	prog := &testProg{name: "quick", initial: "start", labels: Labels{
		"start": func(ctx context.Context, nx *Nexus) (Transition, error) {
			nx.RegisterDeadline("wait", time.Minute)
			return nx.Hop("setup"), nil
		},
		"setup": func(ctx context.Context, nx *Nexus) (Transition, error) {
			return nx.Hop("wait"), nil
		},
		"wait": func(ctx context.Context, nx *Nexus) (Transition, error) {
			return nx.Nap(time.Hour), nil
		},
	}}
	f := setupRunner(t, prog)
	f.assemble(t, "s1", prog, nil)

	if err := f.runDue(t, "s1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	st := f.get(t, "s1")
	if st.Active().Deadline != nil {
		t.Errorf("Expected deadline cleared, got %+v", st.Active().Deadline)
	}
	if st.DeadlineAt() != nil {
		t.Error("Expected no outstanding deadline")
	}
}

func TestRunner_RejectsForeignLease(t *testing.T) {
	prog := destroyableProg(new(int))
	f := setupRunner(t, prog)
	f.assemble(t, "s1", prog, nil)

	strands, err := f.store.LeaseDueStrands(context.Background(), "worker-2", f.clock.Now(), time.Minute, 1)
	if err != nil || len(strands) != 1 {
		t.Fatalf("Expected worker-2 to lease the strand: %v", err)
	}

	err = f.runner.Run(context.Background(), strands[0])
	if !HasCode(err, ErrCodeLeaseLost) || !IsConflict(err) {
		t.Fatalf("Expected lease-lost conflict, got %v", err)
	}
}

func TestRunner_ExpiredLeaseCannotPersist(t *testing.T) {
	var f *runnerFixture
	prog := &testProg{name: "slow", initial: "start", labels: Labels{
		"start": func(ctx context.Context, nx *Nexus) (Transition, error) {
			// The step outlives the lease and another worker takes over.
			f.clock.Advance(2 * time.Minute)
			if _, err := f.store.LeaseDueStrands(ctx, "worker-2", f.clock.Now(), time.Minute, 1); err != nil {
				return Transition{}, err
			}
			return nx.Hop("next"), nil
		},
		"next": func(ctx context.Context, nx *Nexus) (Transition, error) {
			return nx.Nap(time.Hour), nil
		},
	}}
	f = setupRunner(t, prog)
	f.assemble(t, "s1", prog, nil)

	err := f.runDue(t, "s1")
	if !HasCode(err, ErrCodeLeaseLost) {
		t.Fatalf("Expected lease lost, got %v", err)
	}
	if f.get(t, "s1").Label() != "start" {
		t.Error("Expected no partial hop to be persisted")
	}
}

func TestRunner_StepBudgetHandsBackToDispatcher(t *testing.T) {
	steps := 0
	prog := &testProg{name: "pingpong", initial: "ping", labels: Labels{
		"ping": func(ctx context.Context, nx *Nexus) (Transition, error) {
			steps++
			return nx.Hop("pong"), nil
		},
		"pong": func(ctx context.Context, nx *Nexus) (Transition, error) {
			steps++
			return nx.Hop("ping"), nil
		},
	}}
	f := setupRunner(t, prog)
	f.assemble(t, "s1", prog, nil)

	if err := f.runDue(t, "s1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if steps != 16 {
		t.Errorf("Expected 16 steps, got %d", steps)
	}
	st := f.get(t, "s1")
	if st.LeaseOwner != "" {
		t.Error("Expected lease released after exhausting the budget")
	}
	if st.WakeAt != nil {
		t.Error("Expected strand to remain due")
	}
}

type guardedProg struct {
	*testProg
	blocked bool
}

func (p *guardedProg) BeforeRun(ctx context.Context, nx *Nexus) (Transition, error) {
	if p.blocked {
		return nx.Nap(time.Minute), nil
	}
	return Transition{}, nil
}

func TestRunner_ProgramBeforeRunHook(t *testing.T) {
	ran := false
	prog := &guardedProg{testProg: &testProg{name: "guarded", initial: "start", labels: Labels{
		"start": func(ctx context.Context, nx *Nexus) (Transition, error) {
			ran = true
			return nx.Nap(time.Hour), nil
		},
	}}, blocked: true}
	f := setupRunner(t, prog)
	f.assemble(t, "s1", prog, nil)

	if err := f.runDue(t, "s1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if ran {
		t.Error("Expected hook to suspend before the label ran")
	}

	prog.blocked = false
	f.clock.Advance(2 * time.Minute)
	if err := f.runDue(t, "s1"); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !ran {
		t.Error("Expected label to run once the hook passes")
	}
}

func TestNewStrand(t *testing.T) {
	prog := destroyableProg(new(int))
	now := time.Now()

	st, err := NewStrand("vm-1", prog, map[string]string{"size": "small"}, now)
	if err != nil {
		t.Fatalf("NewStrand failed: %v", err)
	}
	if st.Label() != "start" || st.Prog() != "res" {
		t.Errorf("Unexpected initial frame: %+v", st.Active())
	}
	if string(st.Active().Args) != `{"size":"small"}` {
		t.Errorf("Unexpected args: %s", st.Active().Args)
	}

	if _, err := NewStrand("", prog, nil, now); !HasCode(err, ErrCodeValidation) {
		t.Errorf("Expected validation error for empty id, got %v", err)
	}
}
