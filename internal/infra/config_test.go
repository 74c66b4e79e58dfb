package infra

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	config, err := LoadConfig(RoleCLI)
	require.NoError(t, err)

	assert.Equal(t, "info", config.LogLevel)
	assert.Equal(t, BackendDagger, config.Backend.Kind)
	assert.Equal(t, "ghcr.io", config.Registry.Host)
	assert.Equal(t, "rust:1.92.0", config.Pipeline.ToolchainImage)
	assert.Equal(t, "postgres:16", config.Pipeline.DatabaseImage)
	assert.Equal(t, 15*time.Minute, config.Pipeline.SmokeTimeout)
	assert.Equal(t, 10*time.Second, config.Pipeline.ConnectTimeout)
	assert.Equal(t, time.Hour, config.Pipeline.PruneInterval)
	assert.Equal(t, 6*time.Hour, config.Pipeline.PruneOlderThan)
	assert.Equal(t, "localhost:6379", config.Redis.Addr)
	assert.Empty(t, config.Postgres.DSN)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("BACKEND_KIND", "Docker")
	t.Setenv("REGISTRY_HOST", "registry.example.com")
	t.Setenv("PIPELINE_SMOKE_TIMEOUT", "90s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("WORKER_CONCURRENCY", "4")

	config, err := LoadConfig(RoleWorker)
	require.NoError(t, err)

	assert.Equal(t, BackendDocker, config.Backend.Kind)
	assert.Equal(t, "registry.example.com", config.Registry.Host)
	assert.Equal(t, 90*time.Second, config.Pipeline.SmokeTimeout)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, config.CORS.AllowedOrigins)
	assert.Equal(t, 4, config.WorkerConcurrency)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		role Role
		env  map[string]string
	}{
		{name: "api needs jwt secret", role: RoleAPI},
		{name: "unknown backend", role: RoleCLI, env: map[string]string{"BACKEND_KIND": "podman"}},
		{name: "bad log level", role: RoleCLI, env: map[string]string{"LOG_LEVEL": "loud"}},
		{name: "worker concurrency", role: RoleWorker, env: map[string]string{"WORKER_CONCURRENCY": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Chdir(t.TempDir())
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig(tt.role)
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigAPI(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("BACKEND_KIND", "anything")

	config, err := LoadConfig(RoleAPI)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", config.JWT.Secret)
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug")
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = NewLogger("loud")
	assert.Error(t, err)
}

func TestLoadConfigEnvFile(t *testing.T) {
	tests := []struct {
		name     string
		files    map[string]string
		env      map[string]string
		wantHost string
		wantErr  bool
	}{
		{
			name:     "dotenv in working directory",
			files:    map[string]string{".env": "REGISTRY_HOST=registry.example.com\nPIPELINE_SMOKE_TIMEOUT=45s\n"},
			wantHost: "registry.example.com",
		},
		{
			name:     "dotenv in configs directory",
			files:    map[string]string{"configs/.env": "REGISTRY_HOST=configs.example.com\n"},
			wantHost: "configs.example.com",
		},
		{
			name:     "env var beats dotenv",
			files:    map[string]string{".env": "REGISTRY_HOST=registry.example.com\n"},
			env:      map[string]string{"REGISTRY_HOST": "env.example.com"},
			wantHost: "env.example.com",
		},
		{
			name:     "binary named pipeline is ignored",
			files:    map[string]string{"pipeline": "\x7fELF garbage\n"},
			wantHost: "ghcr.io",
		},
		{
			name:    "malformed dotenv",
			files:   map[string]string{".env": "not a dotenv line\n"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			for name, content := range tt.files {
				path := filepath.Join(dir, name)
				require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
				require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
			}
			t.Chdir(dir)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			config, err := LoadConfig(RoleCLI)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantHost, config.Registry.Host)
		})
	}
}

func TestLoadConfigEnvFileDurations(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("PIPELINE_SMOKE_TIMEOUT=45s\nWORKER_CONCURRENCY=6\n"), 0o644))
	t.Chdir(dir)

	config, err := LoadConfig(RoleWorker)
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, config.Pipeline.SmokeTimeout)
	assert.Equal(t, 6, config.WorkerConcurrency)
}
