package admission

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/openfroyo/nexus/pkg/engine"
	"github.com/openfroyo/nexus/pkg/kubernetes"
	"github.com/openfroyo/nexus/pkg/telemetry"
)

const kindCluster = "kubernetes_cluster"

func request(name string, nodes int) kubernetes.ClusterRequest {
	return kubernetes.ClusterRequest{ProjectID: "p1", Name: name, Version: "v1.32", Location: "l", CPNodeCount: nodes}
}

func writePolicy(t *testing.T, dir, name, src string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(src), 0o600); err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}
	return path
}

func TestBuiltinPolicy(t *testing.T) {
	c, err := New(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	tests := []struct {
		name    string
		req     kubernetes.ClusterRequest
		reasons int
	}{
		{"single node", request("dev", 1), 0},
		{"three nodes", request("prod-1", 3), 0},
		{"five nodes", request("prod", 5), 0},
		{"two nodes", request("prod", 2), 1},
		{"no nodes", request("prod", 0), 1},
		{"uppercase name", request("Prod", 3), 1},
		{"both", request("-bad", 4), 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reasons, err := c.Evaluate(context.Background(), kindCluster, tt.req)
			if err != nil {
				t.Fatalf("Evaluate failed: %v", err)
			}
			if len(reasons) != tt.reasons {
				t.Errorf("Expected %d reasons, got %v", tt.reasons, reasons)
			}
		})
	}

	// Other kinds are not constrained by the cluster rules.
	reasons, err := c.Evaluate(context.Background(), "load_balancer", request("X", 2))
	if err != nil || len(reasons) != 0 {
		t.Errorf("Expected other kind admitted, got %v (%v)", reasons, err)
	}
}

func TestAdmit_DeniesAndPublishes(t *testing.T) {
	events, err := telemetry.NewEventPublisher(telemetry.EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewEventPublisher failed: %v", err)
	}
	var mu sync.Mutex
	var got []telemetry.Event
	events.Subscribe(func(e telemetry.Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	}, nil)

	c, err := New(context.Background(), nil, &telemetry.Telemetry{Events: events})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := c.Admit(context.Background(), kindCluster, request("prod", 3)); err != nil {
		t.Fatalf("Expected admission, got %v", err)
	}

	err = c.Admit(context.Background(), kindCluster, request("prod", 2))
	if !engine.HasCode(err, engine.ErrCodeAdmission) {
		t.Fatalf("Expected ADMISSION_DENIED, got %v", err)
	}
	if !engine.IsPermanent(err) {
		t.Error("Expected denial to be permanent")
	}
	if !strings.Contains(err.Error(), "control plane node count") {
		t.Errorf("Expected reason in error, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].Type != telemetry.EventTypeAdmissionDenied || got[0].ResourceID != "prod" {
		t.Errorf("Expected one denial event for prod, got %+v", got)
	}
}

func TestPolicyFiles(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "location.rego", `package nexus.admission

deny contains msg if {
	input.kind == "kubernetes_cluster"
	input.request.location != "hetzner-fsn1"
	msg := sprintf("location %s is not allowed", [input.request.location])
}
`)
	// Non-rego files are ignored.
	writePolicy(t, dir, "README.md", "not a policy")

	c, err := New(context.Background(), []string{dir}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if mods := c.Modules(); len(mods) != 2 {
		t.Errorf("Expected builtin and one file module, got %v", mods)
	}

	req := request("prod", 3)
	reasons, _ := c.Evaluate(context.Background(), kindCluster, req)
	if len(reasons) != 1 || !strings.Contains(reasons[0], "location l") {
		t.Errorf("Expected location denial, got %v", reasons)
	}

	req.Location = "hetzner-fsn1"
	if reasons, _ := c.Evaluate(context.Background(), kindCluster, req); len(reasons) != 0 {
		t.Errorf("Expected admission, got %v", reasons)
	}
}

func TestNew_InvalidPolicy(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "broken.rego", "package nexus.admission\n\ndeny contains msg if {")

	_, err := New(context.Background(), []string{dir}, nil)
	if !engine.HasCode(err, engine.ErrCodeValidation) {
		t.Errorf("Expected validation error, got %v", err)
	}

	if _, err := New(context.Background(), []string{filepath.Join(dir, "missing")}, nil); err == nil {
		t.Error("Expected error for missing policy path")
	}
}

func TestReload_KeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := writePolicy(t, dir, "extra.rego", `package nexus.admission

deny contains "frozen" if input.kind == "kubernetes_cluster"
`)

	c, err := New(context.Background(), []string{dir}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	writePolicy(t, dir, "extra.rego", "package nexus.admission\n\ndeny contains")
	if err := c.Reload(context.Background()); err == nil {
		t.Fatal("Expected reload error")
	}
	if reasons, _ := c.Evaluate(context.Background(), kindCluster, request("prod", 3)); len(reasons) != 1 || reasons[0] != "frozen" {
		t.Errorf("Expected previous policy kept, got %v", reasons)
	}

	if err := os.Remove(path); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := c.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if reasons, _ := c.Evaluate(context.Background(), kindCluster, request("prod", 3)); len(reasons) != 0 {
		t.Errorf("Expected policy removed, got %v", reasons)
	}
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	c, err := New(context.Background(), []string{dir}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Watch returned %v", err)
		}
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	writePolicy(t, dir, "deny_all.rego", `package nexus.admission

deny contains "closed for maintenance" if input.kind == "kubernetes_cluster"
`)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if len(c.Modules()) == 2 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if reasons, _ := c.Evaluate(context.Background(), kindCluster, request("prod", 3)); len(reasons) != 1 {
		t.Errorf("Expected watched policy applied, got %v", reasons)
	}
}
