package infra

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Backend kinds
const (
	BackendDagger = "dagger"
	BackendDocker = "docker"
)

// Role selects which settings a process requires
type Role int

const (
	RoleCLI Role = iota
	RoleAPI
	RoleWorker
)

// Config holds application configuration
type Config struct {
	// Logging configuration
	LogLevel string

	// Build backend configuration
	Backend BackendConfig

	// Docker configuration
	Docker DockerConfig

	// Dagger configuration
	Dagger DaggerConfig

	// Registry configuration
	Registry RegistryConfig

	// Pipeline images and time bounds
	Pipeline PipelineConfig

	// Redis configuration
	Redis RedisConfig

	// Worker configuration
	WorkerConcurrency int

	// Run history database
	Postgres PostgresConfig

	// Server configuration
	Server ServerConfig

	// JWT configuration
	JWT JWTConfig

	// CORS configuration
	CORS CORSConfig
}

type BackendConfig struct {
	Kind string
}

type DockerConfig struct {
	Host string
}

type DaggerConfig struct {
	LogOutput bool
}

type RegistryConfig struct {
	Host string
}

type PipelineConfig struct {
	ToolchainImage      string
	DatabaseImage       string
	SmokeTimeout        time.Duration
	ConnectTimeout      time.Duration
	ServiceReadyTimeout time.Duration
	// Docker backend janitor schedule
	PruneInterval  time.Duration
	PruneOlderThan time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type PostgresConfig struct {
	// DSN of the run history database; empty disables run history
	DSN string
}

type ServerConfig struct {
	Addr string
	Port string
}

type JWTConfig struct {
	Secret string
}

type CORSConfig struct {
	AllowedOrigins []string
}

// configDirs are searched in order for a .env file; the first one found wins
var configDirs = []string{".", "./configs"}

// LoadConfig loads configuration using viper with support for:
// - Environment variables
// - .env files
// - Default values
// Fails fast on settings role needs but lacks
func LoadConfig(role Role) (*Config, error) {
	v := viper.New()

	// Enable environment variable support
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	// .env file is optional; env vars and defaults are enough
	if err := readEnvFile(v); err != nil {
		return nil, err
	}

	config := &Config{
		LogLevel: v.GetString("log.level"),
		Backend: BackendConfig{
			Kind: strings.ToLower(v.GetString("backend.kind")),
		},
		Docker: DockerConfig{
			Host: v.GetString("docker.host"),
		},
		Dagger: DaggerConfig{
			LogOutput: v.GetBool("dagger.log_output"),
		},
		Registry: RegistryConfig{
			Host: v.GetString("registry.host"),
		},
		Pipeline: PipelineConfig{
			ToolchainImage:      v.GetString("pipeline.toolchain_image"),
			DatabaseImage:       v.GetString("pipeline.database_image"),
			SmokeTimeout:        v.GetDuration("pipeline.smoke_timeout"),
			ConnectTimeout:      v.GetDuration("pipeline.connect_timeout"),
			ServiceReadyTimeout: v.GetDuration("pipeline.service_ready_timeout"),
			PruneInterval:       v.GetDuration("pipeline.prune_interval"),
			PruneOlderThan:      v.GetDuration("pipeline.prune_older_than"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		WorkerConcurrency: v.GetInt("worker.concurrency"),
		Postgres: PostgresConfig{
			DSN: v.GetString("postgres.dsn"),
		},
		Server: ServerConfig{
			Addr: v.GetString("server.addr"),
			Port: v.GetString("server.port"),
		},
		JWT: JWTConfig{
			Secret: v.GetString("jwt.secret"),
		},
		CORS: CORSConfig{
			AllowedOrigins: splitList(v.GetString("cors.allowed_origins")),
		},
	}

	// Validate required configs (fail fast)
	if err := validateConfig(config, role); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func setDefaults(v *viper.Viper) {
	// Logging defaults
	v.SetDefault("log.level", "info")

	// Backend defaults
	v.SetDefault("backend.kind", BackendDagger)
	v.SetDefault("docker.host", "")
	v.SetDefault("dagger.log_output", false)

	// Registry defaults
	v.SetDefault("registry.host", "ghcr.io")

	// Pipeline defaults
	v.SetDefault("pipeline.toolchain_image", "rust:1.92.0")
	v.SetDefault("pipeline.database_image", "postgres:16")
	v.SetDefault("pipeline.smoke_timeout", "15m")
	v.SetDefault("pipeline.connect_timeout", "10s")
	v.SetDefault("pipeline.service_ready_timeout", "2m")
	v.SetDefault("pipeline.prune_interval", "1h")
	v.SetDefault("pipeline.prune_older_than", "6h")

	// Redis defaults
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Worker defaults
	v.SetDefault("worker.concurrency", 2)

	// Run history defaults
	v.SetDefault("postgres.dsn", "")

	// Server defaults
	v.SetDefault("server.addr", "0.0.0.0")
	v.SetDefault("server.port", "8080")

	// JWT defaults
	v.SetDefault("jwt.secret", "")

	// CORS defaults
	v.SetDefault("cors.allowed_origins", "")
}

// readEnvFile layers the first .env file found over the defaults. Dotenv
// keys arrive flat (REGISTRY_HOST), so each one is mapped back onto its
// dotted key. Values land as defaults, which keeps real env vars on top.
func readEnvFile(v *viper.Viper) error {
	for _, dir := range configDirs {
		path := filepath.Join(dir, ".env")
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}

		file := viper.New()
		file.SetConfigFile(path)
		file.SetConfigType("env")
		if err := file.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file %s: %w", path, err)
		}

		for _, key := range v.AllKeys() {
			if fileKey := strings.ReplaceAll(key, ".", "_"); file.IsSet(fileKey) {
				v.SetDefault(key, file.Get(fileKey))
			}
		}
		return nil
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func validateConfig(config *Config, role Role) error {
	var problems []string

	switch config.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		problems = append(problems, fmt.Sprintf("LOG_LEVEL %q is not one of debug, info, warn, error", config.LogLevel))
	}

	if role != RoleAPI {
		if config.Backend.Kind != BackendDagger && config.Backend.Kind != BackendDocker {
			problems = append(problems, fmt.Sprintf("BACKEND_KIND %q is not one of dagger, docker", config.Backend.Kind))
		}
		if config.Registry.Host == "" {
			problems = append(problems, "REGISTRY_HOST")
		}
		if config.Pipeline.ToolchainImage == "" {
			problems = append(problems, "PIPELINE_TOOLCHAIN_IMAGE")
		}
		if config.Pipeline.DatabaseImage == "" {
			problems = append(problems, "PIPELINE_DATABASE_IMAGE")
		}
		if config.Pipeline.SmokeTimeout <= 0 {
			problems = append(problems, "PIPELINE_SMOKE_TIMEOUT must be positive")
		}
		if config.Pipeline.ConnectTimeout <= 0 {
			problems = append(problems, "PIPELINE_CONNECT_TIMEOUT must be positive")
		}
	}

	if role == RoleAPI || role == RoleWorker {
		if config.Redis.Addr == "" {
			problems = append(problems, "REDIS_ADDR")
		}
	}

	if role == RoleWorker && config.WorkerConcurrency <= 0 {
		problems = append(problems, "WORKER_CONCURRENCY must be positive")
	}

	// Required: JWT secret (always required for the API)
	if role == RoleAPI && config.JWT.Secret == "" {
		problems = append(problems, "JWT_SECRET")
	}

	if len(problems) > 0 {
		return fmt.Errorf("missing or invalid configuration: %s", strings.Join(problems, ", "))
	}
	return nil
}
