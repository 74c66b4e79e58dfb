package domain

import (
	"fmt"
	"strings"

	"stackyn/pipeline/internal/secrets"
)

// Image is an opaque handle to a built image. Only the backend that
// produced it can use it.
type Image interface {
	// Describe returns a human-readable identifier safe to log
	Describe() string
}

// Service is an opaque handle to a running service container
type Service interface {
	// Endpoint returns host:port reachable from the invoking side, if any
	Endpoint() string
}

// Mount places a source tree inside a container
type Mount struct {
	Source Source
	Path   string
}

// ServiceBinding makes a service reachable under Alias
type ServiceBinding struct {
	Alias   string
	Service Service
}

// ExecSpec describes a container run. Exactly one of Image or BaseImage is set.
type ExecSpec struct {
	Image     Image  // Start from a previously built image
	BaseImage string // Or pull this reference
	Platform  string

	Workdir   string
	Mounts    []Mount
	Caches    []CacheHandle
	Env       map[string]string
	SecretEnv map[string]secrets.Secret
	Services  []ServiceBinding

	// Commands run in order, each on top of the previous one's filesystem
	Commands [][]string
}

// Validate checks the spec is runnable
func (s ExecSpec) Validate() error {
	if (s.Image == nil) == (s.BaseImage == "") {
		return fmt.Errorf("exec spec needs exactly one of an image handle or a base image")
	}
	if len(s.Commands) == 0 {
		return fmt.Errorf("exec spec has no commands")
	}
	for i, cmd := range s.Commands {
		if len(cmd) == 0 {
			return fmt.Errorf("command %d is empty", i)
		}
	}
	for name := range s.SecretEnv {
		if _, clash := s.Env[name]; clash {
			return fmt.Errorf("variable %s is set both as plain and secret env", name)
		}
	}
	return nil
}

// ExecError reports a command that exited non-zero
type ExecError struct {
	Cmd      []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *ExecError) Error() string {
	return fmt.Sprintf("command %q exited with code %d", strings.Join(e.Cmd, " "), e.ExitCode)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// Output returns the captured stderr, falling back to stdout
func (e *ExecError) Output() string {
	if strings.TrimSpace(e.Stderr) != "" {
		return e.Stderr
	}
	return e.Stdout
}

// RegistryAuth holds credentials for one registry host
type RegistryAuth struct {
	Address  string
	Username string
	Secret   secrets.Secret
}
