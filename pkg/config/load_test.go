package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/nexus/pkg/engine"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load with defaults failed: %v", err)
	}
	if cfg.Dispatcher.LeaseTTL != 2*time.Minute {
		t.Errorf("Expected default lease ttl, got %v", cfg.Dispatcher.LeaseTTL)
	}
	if cfg.LoadBalancer.DNSZone != "lb.nexus.internal" {
		t.Errorf("Expected default dns zone, got %s", cfg.LoadBalancer.DNSZone)
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "nexus.yaml", `
database:
  path: /var/lib/nexus/nexus.db
dispatcher:
  owner: worker-7
  lease_ttl: 90s
  max_parallel: 4
kubernetes:
  service_project_id: svc
  vm_hosts: [10.0.0.5, 10.0.0.6]
telemetry:
  logging:
    level: debug
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Path != "/var/lib/nexus/nexus.db" {
		t.Errorf("Unexpected database path %s", cfg.Database.Path)
	}
	if cfg.Dispatcher.LeaseTTL != 90*time.Second || cfg.Dispatcher.MaxParallel != 4 {
		t.Errorf("Unexpected dispatcher config %+v", cfg.Dispatcher)
	}
	// Keys the file leaves out keep their defaults.
	if cfg.Dispatcher.BatchSize != 32 || cfg.Kubernetes.IPv4Subnet != "172.16.0.0/24" {
		t.Errorf("Expected defaults kept, got batch %d subnet %s", cfg.Dispatcher.BatchSize, cfg.Kubernetes.IPv4Subnet)
	}
	if len(cfg.Kubernetes.VMHosts) != 2 {
		t.Errorf("Expected 2 vm hosts, got %v", cfg.Kubernetes.VMHosts)
	}
	if cfg.Telemetry.Logging.Level != "debug" || cfg.Telemetry.Logging.Format != "json" {
		t.Errorf("Unexpected logging config %+v", cfg.Telemetry.Logging)
	}

	dc := cfg.EngineDispatcherConfig()
	if dc.Owner != "worker-7" || dc.LeaseTTL != 90*time.Second {
		t.Errorf("Unexpected engine dispatcher config %+v", dc)
	}
}

func TestLoadCUE(t *testing.T) {
	path := writeFile(t, "nexus.cue", `
monitor: refresh_interval: "10s"
ssh: {
	user:        "ops"
	auth_method: "password"
	password:    "secret"
}
load_balancer: dns_zone: "lb.example.com"
admission: {
	enabled: true
	policy_paths: ["/etc/nexus/policies"]
}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Monitor.RefreshInterval != 10*time.Second {
		t.Errorf("Unexpected refresh interval %v", cfg.Monitor.RefreshInterval)
	}
	if sc := cfg.SSHTransportConfig(); sc.User != "ops" || sc.Password != "secret" || sc.Port != 22 {
		t.Errorf("Unexpected ssh config %+v", sc)
	}
	if cfg.LoadBalancer.DNSZone != "lb.example.com" {
		t.Errorf("Unexpected dns zone %s", cfg.LoadBalancer.DNSZone)
	}
	if !cfg.Admission.Enabled || len(cfg.Admission.PolicyPaths) != 1 {
		t.Errorf("Unexpected admission config %+v", cfg.Admission)
	}
}

func TestLoadCUE_SchemaErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown key", `dispatcher: lease: "1m"`},
		{"wrong type", `dispatcher: max_parallel: "many"`},
		{"bad duration", `dispatcher: lease_ttl: "ninety"`},
		{"out of range", `dispatcher: max_parallel: 1000`},
		{"bad auth method", `ssh: auth_method: "kerberos"`},
		{"syntax", `dispatcher: {`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "nexus.cue", tt.content))
			if !engine.HasCode(err, engine.ErrCodeValidation) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "nexus.toml", `
[dispatcher]
lease_ttl = "45s"
max_parallel = 8

[kubernetes]
vm_hosts = ["10.0.0.9"]

[telemetry.metrics]
listen_address = "127.0.0.1:9100"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Dispatcher.LeaseTTL != 45*time.Second || cfg.Dispatcher.MaxParallel != 8 {
		t.Errorf("Unexpected dispatcher config %+v", cfg.Dispatcher)
	}
	if len(cfg.Kubernetes.VMHosts) != 1 || cfg.Kubernetes.VMHosts[0] != "10.0.0.9" {
		t.Errorf("Unexpected vm hosts %v", cfg.Kubernetes.VMHosts)
	}
	if cfg.Telemetry.Metrics.ListenAddress != "127.0.0.1:9100" || cfg.Telemetry.Metrics.Path != "/metrics" {
		t.Errorf("Unexpected metrics config %+v", cfg.Telemetry.Metrics)
	}
}

func TestLoadTOML_SchemaErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown key", "[dispatcher]\nlease = \"1m\"\n"},
		{"out of range", "[dispatcher]\nmax_parallel = 1000\n"},
		{"bad duration", "[monitor]\nrefresh_interval = 30\n"},
		{"syntax", "[dispatcher\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "nexus.toml", tt.content))
			if !engine.HasCode(err, engine.ErrCodeValidation) {
				t.Errorf("Expected validation error, got %v", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		key    string
	}{
		{"missing database path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"short lease", func(c *Config) { c.Dispatcher.LeaseTTL = 100 * time.Millisecond }, "dispatcher.lease_ttl"},
		{"no hosts", func(c *Config) { c.Kubernetes.VMHosts = nil }, "kubernetes.vm_hosts"},
		{"bad subnet", func(c *Config) { c.Kubernetes.IPv4Subnet = "10.0.0.1" }, "kubernetes.ipv4_subnet"},
		{"v4 as v6 prefix", func(c *Config) { c.Kubernetes.IPv6Prefix = "10.0.0.0/8" }, "kubernetes.ipv6_prefix"},
		{"bad zone", func(c *Config) { c.LoadBalancer.DNSZone = "not a zone" }, "load_balancer.dns_zone"},
		{"bad port", func(c *Config) { c.SSH.Port = 0 }, "ssh.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if !engine.HasCode(err, engine.ErrCodeValidation) {
				t.Fatalf("Expected validation error, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.key) {
				t.Errorf("Expected error naming %s, got %v", tt.key, err)
			}
		})
	}

	cfg := Default()
	cfg.Telemetry.Logging.Level = "loud"
	if err := cfg.Validate(); err == nil {
		t.Error("Expected telemetry validation error")
	}
}

func TestLoad_UnsupportedFormat(t *testing.T) {
	if _, err := Load(writeFile(t, "nexus.ini", "")); err == nil {
		t.Error("Expected error for unsupported format")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
}
