package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ignatij/meetflow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meetflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, 3, cfg.Orchestrator.MaxConcurrentTasks)
	assert.Equal(t, 35, cfg.Stages.Weights["analyze"])
	assert.Equal(t, 5*time.Minute, cfg.Stages.Timeout)
	assert.Equal(t, 120*time.Minute, cfg.Audio.MaxDuration)
	assert.Equal(t, []string{"wav", "mp3", "m4a", "flac", "ogg"}, cfg.Audio.Formats)
	assert.Equal(t, 7*24*time.Hour, cfg.Orchestrator.TaskRetention)
	assert.Equal(t, 30*time.Second, cfg.Context.Timeout)
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
orchestrator:
  max_concurrent_tasks: 8
  queue_size: 5
stages:
  retries: 4
  timeout: 90s
context:
  timeout: 5s
llm:
  model: local-model
  api_key: secret
database:
  url: postgres://user:pass@db:5432/meetflow
`)
	t.Setenv("MEETFLOW_LLM_MODEL", "env-model")
	t.Setenv("MEETFLOW_CACHE_SIZE", "12")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Orchestrator.MaxConcurrentTasks)
	assert.Equal(t, 5, cfg.Orchestrator.QueueSize)
	assert.Equal(t, 90*time.Second, cfg.Stages.Timeout)
	assert.Equal(t, "env-model", cfg.LLM.Model)
	assert.Equal(t, 12, cfg.Cache.Size)
	assert.Equal(t, "secret", cfg.Embeddings.APIKey)

	svc := cfg.ServiceConfig()
	assert.Equal(t, 8, svc.MaxConcurrentTasks)
	assert.Equal(t, 4, svc.StageRetries)
	assert.Equal(t, 90*time.Second, svc.StageTimeout)
	assert.Equal(t, 12, svc.CacheSize)
	assert.Equal(t, 5*time.Second, svc.ContextTimeout)

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "secret")
	assert.NotContains(t, string(out), "pass@db")
	assert.Contains(t, string(out), "env-model")
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name:    "weights not summing to 100",
			content: "stages:\n  weights:\n    analyze: 90\n",
			wantErr: "sum to",
		},
		{
			name:    "empty queue",
			content: "orchestrator:\n  queue_size: 0\n",
			wantErr: "queue_size",
		},
		{
			name:    "negative retries",
			content: "agents:\n  retries: -1\n",
			wantErr: "retries",
		},
		{
			name:    "min score out of range",
			content: "context:\n  min_score: 2\n",
			wantErr: "min_score",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
