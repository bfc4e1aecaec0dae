package config

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/probe"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/schedule"
)

// ParseStage reads the --stage flag form DURATION:TARGET[:svc=rate,...],
// for example "30s:10" or "5m:0:registry=25,secrets=100".
func ParseStage(s string) (StageConfig, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) < 2 {
		return StageConfig{}, fmt.Errorf("stage %q: %w: want DURATION:TARGET[:svc=rate,...]", s, ErrInvalid)
	}
	d, err := time.ParseDuration(parts[0])
	if err != nil {
		return StageConfig{}, fmt.Errorf("stage %q: %w: %w", s, ErrInvalid, err)
	}
	target, err := parseFinite(parts[1])
	if err != nil {
		return StageConfig{}, fmt.Errorf("stage %q: %w: %w", s, ErrInvalid, err)
	}
	sc := StageConfig{Duration: d, Target: target}
	if len(parts) == 3 && parts[2] != "" {
		sc.Rates = make(map[string]float64)
		for _, kv := range strings.Split(parts[2], ",") {
			name, val, ok := strings.Cut(kv, "=")
			if !ok {
				return StageConfig{}, fmt.Errorf("stage %q: %w: rate %q", s, ErrInvalid, kv)
			}
			r, err := parseFinite(val)
			if err != nil {
				return StageConfig{}, fmt.Errorf("stage %q: %w: %w", s, ErrInvalid, err)
			}
			sc.Rates[strings.TrimSpace(name)] = r
		}
	}
	return sc, nil
}

func parseFinite(s string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%q is not a finite number", s)
	}
	return f, nil
}

func parseKinds(m map[string]float64) (map[probe.Kind]float64, error) {
	if len(m) == 0 {
		return nil, nil
	}
	out := make(map[probe.Kind]float64, len(m))
	for name, v := range m {
		k, err := probe.ParseKind(name)
		if err != nil {
			return nil, err
		}
		out[k] += v
	}
	return out, nil
}

// Schedule resolves the configured stages into an engine schedule.
func (c *Config) Schedule() (*schedule.Schedule, error) {
	w := c.Weights
	if len(w) == 0 {
		w = DefaultWeights
	}
	defaults, err := parseKinds(w)
	if err != nil {
		return nil, fmt.Errorf("config: weights: %w: %w", ErrInvalid, err)
	}
	stages := make([]schedule.Stage, 0, len(c.Stages))
	for i, sc := range c.Stages {
		if len(sc.Rates) > 0 {
			rates, err := parseKinds(sc.Rates)
			if err != nil {
				return nil, fmt.Errorf("config: stage %d rates: %w: %w", i, ErrInvalid, err)
			}
			stages = append(stages, schedule.FromRates(sc.Duration, sc.Target, rates))
			continue
		}
		sw, err := parseKinds(sc.Weights)
		if err != nil {
			return nil, fmt.Errorf("config: stage %d weights: %w: %w", i, ErrInvalid, err)
		}
		stages = append(stages, schedule.Stage{Duration: sc.Duration, Target: sc.Target, Weights: sw})
	}
	s, err := schedule.New(stages, defaults)
	if err != nil {
		return nil, fmt.Errorf("config: %w: %w", ErrInvalid, err)
	}
	return s, nil
}

// required lists the settings a service cannot run without, with the
// environment variable that usually supplies each.
func (c *Config) required(k probe.Kind) [][3]string {
	s := c.Services
	switch k {
	case probe.Registry:
		return [][3]string{
			{s.Registry.URL, "services.registry.url", "HARBOR_URL"},
			{s.Registry.Username, "services.registry.username", "HARBOR_USER"},
			{s.Registry.Password, "services.registry.password", "HARBOR_PASS"},
		}
	case probe.ArtifactRepo:
		return [][3]string{
			{s.Artifact.URL, "services.artifact.url", "ARTIFACTORY_URL"},
			{s.Artifact.Username, "services.artifact.username", "ARTIFACTORY_USER"},
			{s.Artifact.Password, "services.artifact.password", "ARTIFACTORY_PASS"},
		}
	case probe.SecretStore:
		path := ""
		if len(s.Secrets.Paths) > 0 {
			path = s.Secrets.Paths[0]
		}
		return [][3]string{
			{s.Secrets.URL, "services.secrets.url", "VAULT_URL"},
			{s.Secrets.Token, "services.secrets.token", "VAULT_TOKEN"},
			{path, "services.secrets.paths", "VAULT_SECRET_PATH"},
		}
	case probe.Identity:
		return [][3]string{
			{s.Identity.URL, "services.identity.url", "KEYCLOAK_URL"},
			{s.Identity.ClientID, "services.identity.client_id", "KEYCLOAK_CLIENT_ID"},
			{s.Identity.Username, "services.identity.username", "KEYCLOAK_USER"},
			{s.Identity.Password, "services.identity.password", "KEYCLOAK_PASS"},
		}
	}
	return nil
}

// Validate checks everything a run needs before any worker starts. Only
// services that receive traffic in some stage need credentials.
func (c *Config) Validate() error {
	var errs []error
	if c.VUs <= 0 {
		errs = append(errs, fmt.Errorf("vus must be positive, got %d: %w", c.VUs, ErrInvalid))
	}
	if c.Timeout < 0 || c.GracefulStop < 0 {
		errs = append(errs, fmt.Errorf("timeout and graceful_stop must not be negative: %w", ErrInvalid))
	}
	if err := c.Budget.Validate(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.P95(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: %w", c.Log.Format, ErrInvalid))
	}

	sched, err := c.Schedule()
	if err != nil {
		errs = append(errs, err)
	} else {
		for _, k := range sched.Services() {
			for _, req := range c.required(k) {
				if strings.TrimSpace(req[0]) == "" {
					errs = append(errs, fmt.Errorf("%s: %w: set %s or %s", k, ErrMissing, req[1], req[2]))
				}
			}
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Probes builds one probe per service the schedule dispatches to.
func (c *Config) Probes(sched *schedule.Schedule, client probe.Doer, engine *probe.TemplateEngine) (map[probe.Kind]probe.Probe, error) {
	out := make(map[probe.Kind]probe.Probe, len(probe.Kinds))
	for _, k := range sched.Services() {
		switch k {
		case probe.Registry:
			out[k] = probe.NewRegistryProbe(c.Services.Registry, client)
		case probe.ArtifactRepo:
			p, err := probe.NewArtifactProbe(c.Services.Artifact, client, engine)
			if err != nil {
				return nil, fmt.Errorf("config: artifact probe: %w", err)
			}
			out[k] = p
		case probe.SecretStore:
			out[k] = probe.NewSecretProbe(c.Services.Secrets, client)
		case probe.Identity:
			out[k] = probe.NewIdentityProbe(c.Services.Identity, client)
		}
	}
	return out, nil
}
