package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_defaults(t *testing.T) {
	t.Setenv("CAMSTREAM_CONFIG", "")
	t.Setenv("STREAM_EXPIRY_SECONDS", "")
	t.Setenv("STREAM_SWEEP_SECONDS", "")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Stream.Expiry)
	assert.Equal(t, 30*time.Second, cfg.Stream.SweepWindow)
	assert.Equal(t, []string{"python3", "python", "py"}, cfg.Scripts.Interpreters)
	assert.Equal(t, 5*time.Second, cfg.Scripts.StopGrace)
}

func TestLoad_envOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cam-stream.yaml")
	yml := "http_addr: \":9000\"\nstream:\n  expiry: 7s\n  viewer_buffer: 4\nscripts:\n  interpreters: [python3.12]\n" +
		"pull:\n  cameras:\n    - source_id: door\n      url: http://10.0.0.2/video\n      interval: 2s\n"
	require.NoError(t, os.WriteFile(path, []byte(yml), 0o600))

	t.Setenv("CAMSTREAM_CONFIG", path)
	t.Setenv("HTTP_ADDR", ":9100")
	t.Setenv("SCRIPTS_INTERPRETERS", "")

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.HTTPAddr)
	assert.Equal(t, 7*time.Second, cfg.Stream.Expiry)
	assert.Equal(t, 4, cfg.Stream.ViewerBuffer)
	assert.Equal(t, []string{"python3.12"}, cfg.Scripts.Interpreters)
	require.Len(t, cfg.Pull.Cameras, 1)
	assert.Equal(t, "door", cfg.Pull.Cameras[0].SourceID)
	assert.Equal(t, 2*time.Second, cfg.Pull.Cameras[0].Interval)
	assert.Equal(t, 5*time.Second, cfg.Pull.RetryDelay)
}

func TestLoad_sweepClampedToExpiry(t *testing.T) {
	t.Setenv("CAMSTREAM_CONFIG", "")
	t.Setenv("STREAM_EXPIRY_SECONDS", "20")
	t.Setenv("STREAM_SWEEP_SECONDS", "10")

	var warnings []string
	cfg, err := Load(func(msg string) { warnings = append(warnings, msg) })
	require.NoError(t, err)

	assert.Equal(t, 20*time.Second, cfg.Stream.SweepWindow)
	assert.NotEmpty(t, warnings)
}

func TestGetEnvInt_invalidFallsBack(t *testing.T) {
	t.Setenv("X_INT", "abc")
	var warned bool
	assert.Equal(t, 3, GetEnvInt("X_INT", 3, func(string) { warned = true }))
	assert.True(t, warned)
}

func TestParseCSV(t *testing.T) {
	assert.Nil(t, ParseCSV("  "))
	assert.Equal(t, []string{"a", "b", "c"}, ParseCSV("a, b,,c"))
}
