package domain

import (
	"fmt"
	"regexp"

	"stackyn/pipeline/internal/secrets"
)

// ServiceSpec describes an ephemeral dependency started for a pipeline run
type ServiceSpec struct {
	Name      string // Used for logging and container naming
	Image     string
	Port      int
	Env       map[string]string
	SecretEnv map[string]secrets.Secret
	// HealthCmd, when set, must succeed before the service counts as started
	HealthCmd []string
}

var envNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidEnvName reports whether name can be used as an environment variable
func ValidEnvName(name string) bool {
	return envNamePattern.MatchString(name)
}

// Validate checks the spec is startable
func (s ServiceSpec) Validate() error {
	if s.Image == "" {
		return fmt.Errorf("service %s has no image", s.Name)
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("service %s has invalid port %d", s.Name, s.Port)
	}
	for name := range s.SecretEnv {
		if !ValidEnvName(name) {
			return fmt.Errorf("service %s: invalid secret variable name %q", s.Name, name)
		}
	}
	return nil
}

// CacheHandle is a named volume that persists across pipeline runs
type CacheHandle struct {
	Name string
	Path string
}
