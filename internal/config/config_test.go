package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/budget"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/probe"
)

func newViper(t *testing.T, yaml string) *viper.Viper {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	BindEnv(v)
	if yaml != "" {
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(strings.NewReader(yaml)))
	}
	return v
}

func setAllCredentials(t *testing.T) {
	t.Setenv("HARBOR_URL", "https://harbor.example")
	t.Setenv("HARBOR_USER", "robot")
	t.Setenv("HARBOR_PASS", "pw")
	t.Setenv("ARTIFACTORY_URL", "https://artifactory.example")
	t.Setenv("ARTIFACTORY_USER", "ci")
	t.Setenv("ARTIFACTORY_PASS", "pw")
	t.Setenv("VAULT_URL", "https://vault.example")
	t.Setenv("VAULT_TOKEN", "s.token")
	t.Setenv("KEYCLOAK_URL", "https://keycloak.example")
	t.Setenv("KEYCLOAK_USER", "admin")
	t.Setenv("KEYCLOAK_PASS", "pw")
}

func TestLoadDefaults(t *testing.T) {
	c, err := Load(newViper(t, ""))
	require.NoError(t, err)

	assert.Len(t, c.Stages, 3)
	assert.Equal(t, 5*time.Minute, c.Stages[0].Duration)
	assert.Equal(t, 450.0, c.Stages[0].Target)
	assert.Equal(t, 100.0, c.Stages[0].Rates["secrets"])
	assert.Equal(t, budget.DefaultConfig(), c.Budget)
	assert.Equal(t, 30*time.Second, c.GracefulStop)
	assert.True(t, c.NoConnectionReuse)
	assert.Equal(t, "library", c.Services.Registry.Project)
	assert.Equal(t, "k6-prueba", c.Services.Artifact.Repo)
	assert.Equal(t, "master", c.Services.Identity.Realm)
	assert.Equal(t, "admin-cli", c.Services.Identity.ClientID)

	sched, err := c.Schedule()
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, sched.Total())
	_, st := sched.StageAt(0)
	assert.InDelta(t, 25.0/450.0, st.Weights[probe.Registry], 1e-9)
	assert.InDelta(t, 100.0/450.0, st.Weights[probe.Identity], 1e-9)
	assert.Equal(t, probe.Kinds, sched.Services())

	p95, err := c.P95()
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, p95[probe.ArtifactRepo])
	assert.Equal(t, 5*time.Second, p95[probe.Registry])
}

func TestValidateMissingCredentials(t *testing.T) {
	c, err := Load(newViper(t, ""))
	require.NoError(t, err)

	err = c.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrMissing)
	assert.Contains(t, err.Error(), "HARBOR_URL")
	assert.Contains(t, err.Error(), "VAULT_TOKEN")
}

func TestEnvironmentCredentials(t *testing.T) {
	setAllCredentials(t)
	t.Setenv("VAULT_SECRET_PATH", "/v1/kv/data/a,/v1/kv/data/b")
	t.Setenv("STACKLOAD_BUDGET_ABORT", "0.7")

	c, err := Load(newViper(t, ""))
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, "https://harbor.example", c.Services.Registry.URL)
	assert.Equal(t, "s.token", c.Services.Secrets.Token)
	assert.Equal(t, []string{"/v1/kv/data/a", "/v1/kv/data/b"}, c.Services.Secrets.Paths)
	assert.Equal(t, 0.7, c.Budget.Abort)
}

func TestOnlyScheduledServicesNeedCredentials(t *testing.T) {
	t.Setenv("VAULT_URL", "https://vault.example")
	t.Setenv("VAULT_TOKEN", "s.token")

	c, err := Load(newViper(t, `
stages:
  - duration: 30s
    target: 10
    weights:
      vault: 1
`))
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	sched, err := c.Schedule()
	require.NoError(t, err)
	assert.Equal(t, []probe.Kind{probe.SecretStore}, sched.Services())

	probes, err := c.Probes(sched, probe.NewHTTPClient(c.ClientOptions()), probe.NewTemplateEngine())
	require.NoError(t, err)
	assert.Len(t, probes, 1)
	assert.Equal(t, probe.SecretStore, probes[probe.SecretStore].Kind())
}

func TestConfigFile(t *testing.T) {
	setAllCredentials(t)
	c, err := Load(newViper(t, `
vus: 50
seed: 42
weights:
  registry: 0.25
  artifact: 0.25
  secrets: 0.25
  identity: 0.25
stages:
  - duration: 1m
    target: 100
  - duration: 30s
    target: 200
    rates:
      identity: 50
budget:
  warn: 0.05
  abort: 0.2
  grace: 5s
  window: 200
  inclusive: false
  scope: both
thresholds:
  keycloak:
    p95: 2s
`))
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, 50, c.VUs)
	assert.Equal(t, int64(42), c.Seed)
	assert.Equal(t, budget.Config{
		Warn: 0.05, Abort: 0.2, Grace: 5 * time.Second, Window: 200,
		MinSamples: budget.DefaultConfig().MinSamples, Inclusive: false, Scope: budget.ScopeBoth,
	}, c.Budget)

	sched, err := c.Schedule()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, sched.Total())

	_, first := sched.StageAt(0)
	assert.Equal(t, 0.25, first.Weights[probe.Registry])

	i, second := sched.StageAt(time.Minute)
	assert.Equal(t, 1, i)
	assert.Equal(t, 200.0, second.Target)
	assert.Equal(t, map[probe.Kind]float64{probe.Identity: 0.25}, map[probe.Kind]float64(second.Weights))
	assert.InDelta(t, 0.75, sched.Table(1).Idle(), 1e-9)

	rc, err := c.RunnerConfig()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, rc.Thresholds[probe.Identity])
}

func TestIdleStagesNeedNoCredentials(t *testing.T) {
	t.Setenv("VAULT_URL", "https://vault.example")
	t.Setenv("VAULT_TOKEN", "s.token")

	c, err := Load(newViper(t, `
stages:
  - duration: 10s
    target: 0
  - duration: 30s
    target: 10
    weights:
      vault: 1
  - duration: 10s
    target: 0
`))
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	sched, err := c.Schedule()
	require.NoError(t, err)
	assert.Equal(t, []probe.Kind{probe.SecretStore}, sched.Services())
}

func TestValidateRejects(t *testing.T) {
	setAllCredentials(t)
	cases := map[string]string{
		"overweight stage": "stages: [{duration: 10s, target: 5, weights: {registry: 0.8, secrets: 0.4}}]",
		"unknown service":  "stages: [{duration: 10s, target: 5, weights: {ldap: 1}}]",
		"negative target":  "stages: [{duration: 10s, target: -1}]",
		"no stages":        "stages: []",
		"bad budget":       "budget: {warn: 0.8, abort: 0.5}",
		"zero vus":         "vus: 0",
		"bad log format":   "log: {format: xml}",
		"nan abort":        "budget: {abort: .nan}",
		"infinite target":  "stages: [{duration: 10s, target: .inf}]",
		"nan weight":       "stages: [{duration: 10s, target: 5, weights: {registry: .nan}}]",
	}
	for name, yaml := range cases {
		t.Run(name, func(t *testing.T) {
			c, err := Load(newViper(t, yaml))
			require.NoError(t, err)
			assert.Error(t, c.Validate())
		})
	}
}

func TestParseStage(t *testing.T) {
	sc, err := ParseStage("30s:10")
	require.NoError(t, err)
	assert.Equal(t, StageConfig{Duration: 30 * time.Second, Target: 10}, sc)

	sc, err = ParseStage("5m:0:registry=25, vault=100")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, sc.Duration)
	assert.Equal(t, map[string]float64{"registry": 25, "vault": 100}, sc.Rates)

	for _, bad := range []string{"30s", "abc:10", "30s:x", "30s:10:registry", "30s:NaN", "30s:+Inf", "30s:10:registry=NaN"} {
		_, err := ParseStage(bad)
		assert.ErrorIs(t, err, ErrInvalid, bad)
	}
}
