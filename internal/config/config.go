// Package config loads run configuration from file, environment and flags
// through viper, validates it and turns it into the engine's types.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/budget"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/probe"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/runner"
)

var (
	ErrMissing = errors.New("missing required setting")
	ErrInvalid = errors.New("invalid setting")
)

type StageConfig struct {
	Duration time.Duration      `mapstructure:"duration"`
	Target   float64            `mapstructure:"target"`
	Weights  map[string]float64 `mapstructure:"weights"`

	// Rates are absolute per-service iterations/s. Target defaults to
	// their sum; a larger target leaves the difference idle.
	Rates map[string]float64 `mapstructure:"rates"`
}

type ServicesConfig struct {
	Registry probe.RegistryConfig `mapstructure:"registry"`
	Artifact probe.ArtifactConfig `mapstructure:"artifact"`
	Secrets  probe.SecretConfig   `mapstructure:"secrets"`
	Identity probe.IdentityConfig `mapstructure:"identity"`
}

type ThresholdConfig struct {
	P95 time.Duration `mapstructure:"p95"`
}

type OutputConfig struct {
	Prefix    string `mapstructure:"prefix"`
	History   string `mapstructure:"history"`
	NoHistory bool   `mapstructure:"no_history"`
}

type MetricsConfig struct {
	Listen       string        `mapstructure:"listen"`
	PushURL      string        `mapstructure:"push_url"`
	PushInterval time.Duration `mapstructure:"push_interval"`
	Job          string        `mapstructure:"job"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type Config struct {
	Services   ServicesConfig             `mapstructure:"services"`
	Stages     []StageConfig              `mapstructure:"stages"`
	Weights    map[string]float64         `mapstructure:"weights"`
	Budget     budget.Config              `mapstructure:"budget"`
	Thresholds map[string]ThresholdConfig `mapstructure:"thresholds"`

	VUs          int           `mapstructure:"vus"`
	Timeout      time.Duration `mapstructure:"timeout"`
	GracefulStop time.Duration `mapstructure:"graceful_stop"`
	Seed         int64         `mapstructure:"seed"`

	MaxConns           int  `mapstructure:"max_conns"`
	NoConnectionReuse  bool `mapstructure:"no_connection_reuse"`
	InsecureSkipVerify bool `mapstructure:"insecure_skip_verify"`

	Output  OutputConfig  `mapstructure:"output"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

// envNames keeps the variable names the original scripts were driven by.
var envNames = map[string]string{
	"services.registry.url":           "HARBOR_URL",
	"services.registry.username":      "HARBOR_USER",
	"services.registry.password":      "HARBOR_PASS",
	"services.registry.project":       "HARBOR_PROJECT",
	"services.registry.image":         "HARBOR_IMAGE",
	"services.registry.tag":           "HARBOR_TAG",
	"services.artifact.url":           "ARTIFACTORY_URL",
	"services.artifact.username":      "ARTIFACTORY_USER",
	"services.artifact.password":      "ARTIFACTORY_PASS",
	"services.artifact.repo":          "ARTIFACTORY_REPO",
	"services.secrets.url":            "VAULT_URL",
	"services.secrets.token":          "VAULT_TOKEN",
	"services.secrets.paths":          "VAULT_SECRET_PATH",
	"services.identity.url":           "KEYCLOAK_URL",
	"services.identity.realm":         "KEYCLOAK_REALM",
	"services.identity.client_id":     "KEYCLOAK_CLIENT_ID",
	"services.identity.client_secret": "KEYCLOAK_CLIENT_SECRET",
	"services.identity.username":      "KEYCLOAK_USER",
	"services.identity.password":      "KEYCLOAK_PASS",
}

// DefaultWeights is the service mix for stages that give neither weights
// nor rates and no top-level weights are configured. It is applied after
// decoding so a partial weights map in a file replaces it instead of being
// merged key by key.
var DefaultWeights = map[string]float64{
	"registry": 0.1, "artifact": 0.1, "secrets": 0.4, "identity": 0.4,
}

func stage(d time.Duration, target, registry, artifact, secrets, identity float64) map[string]any {
	return map[string]any{
		"duration": d.String(),
		"target":   target,
		"rates": map[string]any{
			"registry": registry,
			"artifact": artifact,
			"secrets":  secrets,
			"identity": identity,
		},
	}
}

// SetDefaults installs the combined high/medium/low profile and the
// per-service defaults.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("stages", []map[string]any{
		stage(5*time.Minute, 450, 25, 25, 100, 100),
		stage(5*time.Minute, 130, 15, 15, 50, 50),
		stage(5*time.Minute, 70, 10, 10, 25, 25),
	})

	def := budget.DefaultConfig()
	v.SetDefault("budget.warn", def.Warn)
	v.SetDefault("budget.abort", def.Abort)
	v.SetDefault("budget.grace", def.Grace)
	v.SetDefault("budget.window", def.Window)
	v.SetDefault("budget.min_samples", def.MinSamples)
	v.SetDefault("budget.inclusive", def.Inclusive)
	v.SetDefault("budget.scope", string(def.Scope))

	v.SetDefault("thresholds.registry.p95", 5*time.Second)
	v.SetDefault("thresholds.artifact.p95", 500*time.Millisecond)
	v.SetDefault("thresholds.secrets.p95", time.Second)
	v.SetDefault("thresholds.identity.p95", 5*time.Second)

	v.SetDefault("vus", 300)
	v.SetDefault("timeout", 0)
	v.SetDefault("graceful_stop", 30*time.Second)
	v.SetDefault("seed", 0)
	v.SetDefault("max_conns", 2000)
	v.SetDefault("no_connection_reuse", true)
	v.SetDefault("insecure_skip_verify", false)

	v.SetDefault("services.registry.project", "library")
	v.SetDefault("services.registry.image", "test-image")
	v.SetDefault("services.registry.tag", "30mb")
	v.SetDefault("services.registry.auth_mode", probe.AuthBasic)
	v.SetDefault("services.registry.fetch_layer", true)
	v.SetDefault("services.artifact.repo", "k6-prueba")
	v.SetDefault("services.secrets.paths", []string{"/v1/kv_Production/data/data/testingk6"})
	v.SetDefault("services.identity.realm", "master")
	v.SetDefault("services.identity.client_id", "admin-cli")
	v.SetDefault("services.identity.retry.max_attempts", probe.DefaultIdentityRetry.MaxAttempts)
	v.SetDefault("services.identity.retry.backoff", probe.DefaultIdentityRetry.Backoff)

	v.SetDefault("output.prefix", "")
	v.SetDefault("output.history", defaultHistoryPath())
	v.SetDefault("output.no_history", false)

	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.push_url", "")
	v.SetDefault("metrics.push_interval", 15*time.Second)
	v.SetDefault("metrics.job", "stackload")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.file", "")
}

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".stackload_history.db"
	}
	return filepath.Join(home, ".stackload", "history.db")
}

var envReplacer = strings.NewReplacer(".", "_")

// BindEnv maps the legacy variable names and enables STACKLOAD_* for every
// other key (e.g. STACKLOAD_BUDGET_ABORT).
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix("STACKLOAD")
	v.SetEnvKeyReplacer(envReplacer)
	v.AutomaticEnv()
	for key, env := range envNames {
		v.BindEnv(key, "STACKLOAD_"+strings.ToUpper(envReplacer.Replace(key)), env)
	}
}

// Load decodes v into a Config. Callers apply flag overrides and then call
// Validate before any worker starts.
func Load(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return &c, nil
}

// ClientOptions returns the shared HTTP transport settings.
func (c *Config) ClientOptions() probe.ClientOptions {
	return probe.ClientOptions{
		MaxConns:           c.MaxConns,
		InsecureSkipVerify: c.InsecureSkipVerify,
		NoConnectionReuse:  c.NoConnectionReuse,
	}
}

// P95 returns the latency thresholds keyed by service.
func (c *Config) P95() (map[probe.Kind]time.Duration, error) {
	out := make(map[probe.Kind]time.Duration, len(c.Thresholds))
	for name, th := range c.Thresholds {
		k, err := probe.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("config: thresholds: %w: %w", ErrInvalid, err)
		}
		if th.P95 > 0 {
			out[k] = th.P95
		}
	}
	return out, nil
}

// RunnerConfig returns the worker pool settings.
func (c *Config) RunnerConfig() (runner.Config, error) {
	p95, err := c.P95()
	if err != nil {
		return runner.Config{}, err
	}
	return runner.Config{
		VUs:          c.VUs,
		Timeout:      c.Timeout,
		GracefulStop: c.GracefulStop,
		Seed:         c.Seed,
		Thresholds:   p95,
	}, nil
}
