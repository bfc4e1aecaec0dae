package cmd

import (
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OscarOtaloraBVC/k6-grafana/internal/config"
	"github.com/OscarOtaloraBVC/k6-grafana/internal/dummy"
)

func TestMissingCredentialsExitCode(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("HARBOR_URL", "")

	rootCmd.SetArgs([]string{"--stage", "1s:5:registry=5", "--no-history"})
	err := rootCmd.Execute()
	require.Error(t, err)

	var ee *exitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, ExitConfig, ee.code)
	assert.ErrorIs(t, err, config.ErrMissing)
}

func TestRunAgainstDummyBackends(t *testing.T) {
	if testing.Short() {
		t.Skip("runs a one second schedule")
	}
	srv := httptest.NewServer(dummy.Handler(dummy.ServerConfig{Token: "hvs.test"}))
	defer srv.Close()

	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("VAULT_URL", srv.URL)
	t.Setenv("VAULT_TOKEN", "hvs.test")

	prefix := filepath.Join(dir, "run")
	rootCmd.SetArgs([]string{"run",
		"--stage", "1s:20:secrets=20",
		"--vus", "4",
		"--out", prefix,
		"--no-history",
		"--log-level", "error",
	})
	require.NoError(t, rootCmd.Execute())

	for _, suffix := range []string{"_summary.json", "_raw.csv", "_timeline.json"} {
		_, err := os.Stat(prefix + suffix)
		assert.NoError(t, err, suffix)
	}
}
