package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/devenv/pkg/engine"
	"github.com/openfroyo/devenv/pkg/telemetry"
)

// StateFileName is the database file inside StateDir.
const StateFileName = "state.db"

// AppConfig is the tool's own configuration, as opposed to environment specs.
type AppConfig struct {
	// StateDir holds the state database. Defaults to StateDir().
	StateDir string `yaml:"state_dir"`

	// SpecDir is searched for <name>.cue|yaml|yml. Defaults to SpecDir().
	SpecDir string `yaml:"spec_dir"`

	// DockerHost overrides DOCKER_HOST and socket discovery.
	DockerHost string `yaml:"docker_host" validate:"omitempty,uri"`

	// ContentHash mixes build context file contents into the fingerprint.
	ContentHash bool `yaml:"content_hash"`

	// LockTTL bounds how long a crashed invocation blocks an environment.
	// Running invocations renew their lease, so it need not cover a build.
	LockTTL time.Duration `yaml:"lock_ttl" validate:"gte=0"`

	// Timeouts bound each runtime call.
	Timeouts engine.Timeouts `yaml:"timeouts"`

	// PolicyPaths are Rego files or directories applied to every spec.
	PolicyPaths []string `yaml:"policy_paths" validate:"dive,required"`

	// DisableBuiltinPolicies skips the built-in policy set.
	DisableBuiltinPolicies bool `yaml:"disable_builtin_policies"`

	// MetricsTextfile receives Prometheus metrics when the command exits.
	MetricsTextfile string `yaml:"metrics_textfile"`

	Logging telemetry.LoggingConfig `yaml:"logging"`
	Tracing telemetry.TracingConfig `yaml:"tracing"`

	// Path is the file the config was read from, if any.
	Path string `yaml:"-"`
}

// DefaultAppConfig returns the configuration used when no file exists.
func DefaultAppConfig() *AppConfig {
	tel := telemetry.DefaultConfig()
	return &AppConfig{
		StateDir: StateDir(),
		SpecDir:  SpecDir(),
		LockTTL:  engine.DefaultLockTTL,
		Timeouts: engine.DefaultTimeouts(),
		Logging:  tel.Logging,
		Tracing:  tel.Tracing,
	}
}

// LoadAppConfig reads the config at path over the defaults. A missing file
// is an error only when required is set; callers pass required when the user
// named the file explicitly. Environment overrides are applied last.
func LoadAppConfig(path string, required bool) (*AppConfig, error) {
	cfg := DefaultAppConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
			cfg.Path = path
			cfg.resolveRelative(filepath.Dir(path))
		case errors.Is(err, fs.ErrNotExist) && !required:
		default:
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies DEVENV_* overrides.
func (c *AppConfig) applyEnv() {
	if dir := os.Getenv(EnvStateDir); dir != "" {
		c.StateDir = filepath.Clean(dir)
	}
	if dir := os.Getenv(EnvSpecDir); dir != "" {
		c.SpecDir = filepath.Clean(dir)
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.Logging.Level = strings.ToLower(level)
	}
}

func (c *AppConfig) resolveRelative(base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	c.StateDir = abs(c.StateDir)
	c.SpecDir = abs(c.SpecDir)
	c.MetricsTextfile = abs(c.MetricsTextfile)
	for i, p := range c.PolicyPaths {
		c.PolicyPaths[i] = abs(p)
	}
}

// Validate checks the configuration.
func (c *AppConfig) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("invalid config: %s failed %s validation", fe.Namespace(), fe.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.StateDir == "" {
		return fmt.Errorf("invalid config: state_dir is required")
	}
	if c.LockTTL != 0 && c.LockTTL < engine.MinLockTTL {
		return fmt.Errorf("invalid config: lock_ttl must be at least %s, got %s", engine.MinLockTTL, c.LockTTL)
	}
	return c.TelemetryConfig("dev").Validate()
}

// StatePath returns the state database path.
func (c *AppConfig) StatePath() string {
	return filepath.Join(c.StateDir, StateFileName)
}

// EngineConfig returns the orchestrator settings derived from the config.
// Collaborators are left for the caller to wire.
func (c *AppConfig) EngineConfig() engine.Config {
	return engine.Config{
		Timeouts:    c.Timeouts,
		LockTTL:     c.LockTTL,
		Fingerprint: engine.FingerprintOptions{HashBuildContext: c.ContentHash},
	}
}

// TelemetryConfig returns the telemetry settings for this invocation.
func (c *AppConfig) TelemetryConfig(version string) *telemetry.Config {
	tel := telemetry.DefaultConfig()
	tel.ServiceVersion = version
	tel.Logging = c.Logging
	tel.Tracing = c.Tracing
	tel.Metrics.TextfilePath = c.MetricsTextfile
	return tel
}
