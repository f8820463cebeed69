package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.Equal(t, ":8000", cfg.Addr)
	require.Equal(t, "/workspace/document", cfg.DocRoot)
	require.Equal(t, 10, cfg.Agent.MaxIterations)
	require.Equal(t, 50*time.Millisecond, cfg.Agent.Pacing)
	require.Equal(t, 1500, cfg.Agent.DisplayLimit)
	require.Equal(t, 1000, cfg.Agent.MaxCommandLength)
	require.Equal(t, 30*time.Second, cfg.Sandbox.Timeout)
	require.Equal(t, 1<<20, cfg.Sandbox.MaxOutputBytes)
	require.Equal(t, time.Hour, cfg.Session.IdleTimeout)
	require.Equal(t, ProviderAnthropic, cfg.Model.Provider)
	require.NotEmpty(t, cfg.Model.ID)
}

func TestLoadConfigWithoutPathUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")

	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigFile(t *testing.T) {
	path := writeConfig(t, `
addr: ":9000"
doc_root: /srv/docs
agent:
  max_iterations: 4
  pacing: 10ms
sandbox:
  timeout: 5s
  max_concurrent: 2
session:
  idle_timeout: 30m
model:
  provider: openai
  id: gpt-4o
mongo:
  uri: mongodb://localhost:27017
  database: docs
redis:
  addr: localhost:6379
`)

	cfg, err := LoadConfig(path)

	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.Addr)
	require.Equal(t, "/srv/docs", cfg.DocRoot)
	require.Equal(t, 4, cfg.Agent.MaxIterations)
	require.Equal(t, 10*time.Millisecond, cfg.Agent.Pacing)
	require.Equal(t, 5*time.Second, cfg.Sandbox.Timeout)
	require.Equal(t, 2, cfg.Sandbox.MaxConcurrent)
	require.Equal(t, 30*time.Minute, cfg.Session.IdleTimeout)
	require.Equal(t, ProviderOpenAI, cfg.Model.Provider)
	require.Equal(t, "gpt-4o", cfg.Model.ID)
	require.Equal(t, "mongodb://localhost:27017", cfg.Mongo.URI)
	require.Equal(t, "docs", cfg.Mongo.Database)
	require.Equal(t, "localhost:6379", cfg.Redis.Addr)
	// Keys the file does not mention keep their defaults.
	require.Equal(t, 1500, cfg.Agent.DisplayLimit)
	require.Equal(t, 1<<20, cfg.Sandbox.MaxOutputBytes)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))

	require.ErrorContains(t, err, "read config")
}

func TestLoadConfigMalformedFile(t *testing.T) {
	path := writeConfig(t, "addr: [\n")

	_, err := LoadConfig(path)

	require.ErrorContains(t, err, "parse config")
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "addr: \":9000\"\n")
	t.Setenv("DOCSCOUT_ADDR", ":7000")
	t.Setenv("DOCSCOUT_PROVIDER", "bedrock")
	t.Setenv("DOCSCOUT_MODEL", "anthropic.claude-3-5-sonnet-20241022-v2:0")
	t.Setenv("DOCSCOUT_PACING", "5ms")
	t.Setenv("DOCSCOUT_MAX_ITERATIONS", "3")

	cfg, err := LoadConfig(path)

	require.NoError(t, err)
	require.Equal(t, ":7000", cfg.Addr)
	require.Equal(t, ProviderBedrock, cfg.Model.Provider)
	require.Equal(t, "anthropic.claude-3-5-sonnet-20241022-v2:0", cfg.Model.ID)
	require.Equal(t, 5*time.Millisecond, cfg.Agent.Pacing)
	require.Equal(t, 3, cfg.Agent.MaxIterations)
}

func TestMalformedEnvValuesAreIgnored(t *testing.T) {
	t.Setenv("DOCSCOUT_MAX_ITERATIONS", "lots")
	t.Setenv("DOCSCOUT_PACING", "soon")

	cfg, err := LoadConfig("")

	require.NoError(t, err)
	require.Equal(t, 10, cfg.Agent.MaxIterations)
	require.Equal(t, 50*time.Millisecond, cfg.Agent.Pacing)
}

func TestUnknownProviderRejected(t *testing.T) {
	path := writeConfig(t, "model:\n  provider: gemini\n")

	_, err := LoadConfig(path)

	require.ErrorContains(t, err, "unknown provider")
}

func TestMongoDatabaseRequiredWithURI(t *testing.T) {
	path := writeConfig(t, "mongo:\n  uri: mongodb://localhost:27017\n  database: \"\"\n")

	_, err := LoadConfig(path)

	require.ErrorContains(t, err, "mongo.database")
}

func TestNegativePacingRejected(t *testing.T) {
	path := writeConfig(t, "agent:\n  pacing: -10ms\n")

	_, err := LoadConfig(path)

	require.ErrorContains(t, err, "pacing")
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "docscout.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}
