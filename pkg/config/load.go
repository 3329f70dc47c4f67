package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/nexus/pkg/engine"
	"github.com/openfroyo/nexus/pkg/health"
	"github.com/openfroyo/nexus/pkg/stores"
	"github.com/openfroyo/nexus/pkg/telemetry"
	"github.com/openfroyo/nexus/pkg/transports/ssh"
)

// Default returns the configuration used for every key a file leaves out.
func Default() *Config {
	home := os.Getenv("HOME")
	return &Config{
		Database: DatabaseConfig{
			Path:         "nexus.db",
			MaxOpenConns: 8,
			BusyTimeout:  5 * time.Second,
		},
		Dispatcher: DispatcherConfig{
			LeaseTTL:       2 * time.Minute,
			PollInterval:   time.Second,
			MaxParallel:    16,
			BatchSize:      32,
			MaxStepsPerRun: 64,
		},
		Monitor: MonitorConfig{
			Enabled:         true,
			RefreshInterval: 30 * time.Second,
		},
		SSH: SSHConfig{
			User:                  "nexus",
			Port:                  22,
			AuthMethod:            string(ssh.AuthMethodKey),
			KnownHostsPath:        filepath.Join(home, ".ssh", "known_hosts"),
			StrictHostKeyChecking: true,
			ConnectionTimeout:     10 * time.Second,
			CommandTimeout:        30 * time.Second,
		},
		Kubernetes: KubernetesConfig{
			ServiceProjectID: "nexus-service",
			Location:         "local",
			VMHosts:          []string{"127.0.0.1"},
			IPv4Subnet:       "172.16.0.0/24",
			IPv6Prefix:       "fd10:1234::/48",
		},
		LoadBalancer: LoadBalancerConfig{
			DNSZone: "lb.nexus.internal",
		},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

// FileError is a problem found at a position in a configuration file.
type FileError struct {
	File    string
	Line    int
	Column  int
	Message string
}

func (e FileError) Error() string {
	if e.Line == 0 {
		return fmt.Sprintf("%s: %s", e.File, e.Message)
	}
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Message)
}

// Load reads path and overlays it on Default. Files ending in .cue or .toml
// are checked against the configuration schema first; .yaml and .yml files
// are decoded directly. An empty path yields the defaults. The result is
// validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := readSource(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// readSource returns the file as YAML, which JSON exported from CUE is.
func readSource(path string) ([]byte, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return content, nil
	case ".cue":
		return evalCUE(path, content)
	case ".toml":
		return evalTOML(path, content)
	default:
		return nil, fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

func evalCUE(path string, content []byte) ([]byte, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(configSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}

	val := ctx.CompileBytes(content, cue.Filename(path))
	if err := val.Err(); err != nil {
		return nil, fileErrors(err)
	}

	return exportChecked(path, schema, val)
}

// evalTOML decodes a TOML file and checks it against the same schema as a
// CUE file.
func evalTOML(path string, content []byte) ([]byte, error) {
	var raw map[string]interface{}
	if _, err := toml.Decode(string(content), &raw); err != nil {
		var perr toml.ParseError
		if errors.As(err, &perr) {
			fe := FileError{File: path, Line: perr.Position.Line, Message: perr.Message}
			return nil, engine.NewValidationError("invalid config", err).WithDetail("errors", []string{fe.Error()})
		}
		return nil, fmt.Errorf("failed to decode %s: %w", path, err)
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(configSchema, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile config schema: %w", err)
	}

	val := ctx.Encode(raw)
	if err := val.Err(); err != nil {
		return nil, fileErrors(err)
	}
	return exportChecked(path, schema, val)
}

// exportChecked unifies val with #Config and exports the result as JSON.
func exportChecked(path string, schema, val cue.Value) ([]byte, error) {
	unified := schema.LookupPath(cue.ParsePath("#Config")).Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fileErrors(err)
	}

	data, err := unified.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to export %s: %w", path, err)
	}
	return data, nil
}

func fileErrors(err error) error {
	var msgs []string
	for _, e := range cueerrors.Errors(err) {
		fe := FileError{Message: strings.TrimSpace(cueerrors.Details(e, nil))}
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			fe.File = pos[0].Filename()
			fe.Line = pos[0].Line()
			fe.Column = pos[0].Column()
		}
		msgs = append(msgs, fe.Error())
	}
	return engine.NewValidationError("invalid config", err).WithDetail("errors", msgs)
}

var validate = newValidator()

// newValidator reports fields by their yaml key.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints and the telemetry section. Failing
// fields are listed by their dotted key, such as dispatcher.lease_ttl.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return engine.NewValidationError("invalid config", err)
		}
		ee := engine.NewValidationError("invalid config", nil)
		keys := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			key := strings.TrimPrefix(fe.Namespace(), "Config.")
			keys = append(keys, key)
			ee.WithDetail(key, fmt.Sprintf("%s=%s", fe.Tag(), fe.Param()))
		}
		ee.Message = "invalid config: " + strings.Join(keys, ", ")
		return ee
	}
	if err := c.Telemetry.Validate(); err != nil {
		return engine.NewValidationError("invalid telemetry config", err)
	}
	return nil
}

// StoreConfig returns the SQLite store settings.
func (c *Config) StoreConfig() stores.Config {
	return stores.Config{
		Path:         c.Database.Path,
		MaxOpenConns: c.Database.MaxOpenConns,
		BusyTimeout:  c.Database.BusyTimeout,
	}
}

// EngineDispatcherConfig returns the dispatcher settings. An empty owner is
// replaced by the hostname.
func (c *Config) EngineDispatcherConfig() engine.DispatcherConfig {
	owner := c.Dispatcher.Owner
	if owner == "" {
		if h, err := os.Hostname(); err == nil {
			owner = h
		} else {
			owner = "nexusd"
		}
	}
	return engine.DispatcherConfig{
		Owner:          owner,
		LeaseTTL:       c.Dispatcher.LeaseTTL,
		PollInterval:   c.Dispatcher.PollInterval,
		MaxParallel:    c.Dispatcher.MaxParallel,
		BatchSize:      c.Dispatcher.BatchSize,
		MaxStepsPerRun: c.Dispatcher.MaxStepsPerRun,
	}
}

// HealthRunnerConfig returns the health runner settings.
func (c *Config) HealthRunnerConfig() health.RunnerConfig {
	return health.RunnerConfig{RefreshInterval: c.Monitor.RefreshInterval}
}

// SSHTransportConfig returns the transport settings shared by every VM host.
func (c *Config) SSHTransportConfig() ssh.Config {
	return ssh.Config{
		Port:                  c.SSH.Port,
		User:                  c.SSH.User,
		AuthMethod:            ssh.AuthMethod(c.SSH.AuthMethod),
		Password:              c.SSH.Password,
		PrivateKeyPath:        c.SSH.PrivateKeyPath,
		KnownHostsPath:        c.SSH.KnownHostsPath,
		StrictHostKeyChecking: c.SSH.StrictHostKeyChecking,
		ConnectionTimeout:     c.SSH.ConnectionTimeout,
		CommandTimeout:        c.SSH.CommandTimeout,
	}
}

