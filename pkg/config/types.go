package config

import (
	"time"

	"github.com/openfroyo/nexus/pkg/telemetry"
)

// Config is the configuration of the nexusd daemon.
type Config struct {
	Database     DatabaseConfig     `yaml:"database"`
	Dispatcher   DispatcherConfig   `yaml:"dispatcher"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	SSH          SSHConfig          `yaml:"ssh"`
	Kubernetes   KubernetesConfig   `yaml:"kubernetes"`
	LoadBalancer LoadBalancerConfig `yaml:"load_balancer"`
	Admission    AdmissionConfig    `yaml:"admission"`
	Telemetry    telemetry.Config   `yaml:"telemetry"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	Path         string        `yaml:"path" validate:"required"`
	MaxOpenConns int           `yaml:"max_open_conns" validate:"gte=0"`
	BusyTimeout  time.Duration `yaml:"busy_timeout" validate:"gte=0"`
}

// DispatcherConfig tunes strand leasing.
type DispatcherConfig struct {
	// Owner names this daemon in lease records. Defaults to the hostname.
	Owner          string        `yaml:"owner"`
	LeaseTTL       time.Duration `yaml:"lease_ttl" validate:"gte=1s"`
	PollInterval   time.Duration `yaml:"poll_interval" validate:"gte=10ms"`
	MaxParallel    int           `yaml:"max_parallel" validate:"gte=1,lte=256"`
	BatchSize      int           `yaml:"batch_size" validate:"gte=1"`
	MaxStepsPerRun int           `yaml:"max_steps_per_run" validate:"gte=1"`
}

// MonitorConfig tunes the backend health monitor.
type MonitorConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RefreshInterval time.Duration `yaml:"refresh_interval" validate:"gte=1s"`
}

// SSHConfig holds the credentials used to reach VM hosts.
type SSHConfig struct {
	User                  string        `yaml:"user" validate:"required"`
	Port                  int           `yaml:"port" validate:"gte=1,lte=65535"`
	AuthMethod            string        `yaml:"auth_method" validate:"oneof=key agent password"`
	PrivateKeyPath        string        `yaml:"private_key_path"`
	Password              string        `yaml:"password"`
	KnownHostsPath        string        `yaml:"known_hosts_path"`
	StrictHostKeyChecking bool          `yaml:"strict_host_key_checking"`
	ConnectionTimeout     time.Duration `yaml:"connection_timeout" validate:"gte=1s"`
	CommandTimeout        time.Duration `yaml:"command_timeout" validate:"gte=1s"`
}

// KubernetesConfig places the resources created for clusters.
type KubernetesConfig struct {
	ServiceProjectID string   `yaml:"service_project_id" validate:"required"`
	Location         string   `yaml:"location" validate:"required"`
	VMHosts          []string `yaml:"vm_hosts" validate:"required,min=1,dive,required"`
	IPv4Subnet       string   `yaml:"ipv4_subnet" validate:"required,cidrv4"`
	IPv6Prefix       string   `yaml:"ipv6_prefix" validate:"required,cidrv6"`
}

// LoadBalancerConfig configures load balancer hostnames.
type LoadBalancerConfig struct {
	DNSZone string `yaml:"dns_zone" validate:"required,fqdn"`
}

// AdmissionConfig locates the admission policies.
type AdmissionConfig struct {
	Enabled bool `yaml:"enabled"`

	// PolicyPaths are .rego files or directories of them. When empty the
	// built-in policy applies.
	PolicyPaths []string `yaml:"policy_paths"`

	// Watch reloads the policies when a file under PolicyPaths changes.
	Watch bool `yaml:"watch"`
}
