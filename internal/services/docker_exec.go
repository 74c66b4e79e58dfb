package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/strslice"
	"go.uber.org/zap"

	"stackyn/pipeline/internal/domain"
	"stackyn/pipeline/internal/secrets"
)

const (
	// secretMountPath is where secret files appear inside containers
	secretMountPath = "/run/pipeline-secrets"
	// cacheVolumePrefix namespaces cache volumes on the daemon
	cacheVolumePrefix = "pipeline-cache-"
)

// secretWrapperScript exports every file under secretMountPath as the
// variable of the same name, then replaces itself with the real command.
const secretWrapperScript = `for f in ` + secretMountPath + `/*; do [ -f "$f" ] && export "${f##*/}=$(cat "$f")"; done; exec "$@"`

func wrapWithSecrets(argv []string) []string {
	return append([]string{"sh", "-c", secretWrapperScript, "pipeline-secret"}, argv...)
}

// writeSecretDir writes each secret to a private file named after its
// variable. The returned cleanup removes the directory.
func writeSecretDir(secretEnv map[string]secrets.Secret) (string, func(), error) {
	if len(secretEnv) == 0 {
		return "", func() {}, nil
	}

	dir, err := os.MkdirTemp("", "pipeline-secrets-")
	if err != nil {
		return "", func() {}, fmt.Errorf("failed to create secret directory: %w", err)
	}
	cleanup := func() { os.RemoveAll(dir) }

	for name, secret := range secretEnv {
		if !domain.ValidEnvName(name) {
			cleanup()
			return "", func() {}, fmt.Errorf("invalid secret variable name %q", name)
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(secret.Reveal()), 0o400); err != nil {
			cleanup()
			return "", func() {}, fmt.Errorf("failed to write secret %s: %w", secret.Name(), err)
		}
	}
	return dir, cleanup, nil
}

func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}

func cacheVolumeName(name string) string {
	return cacheVolumePrefix + name
}

// execHostConfig translates the spec's mounts, caches, secrets and service
// bindings into container host configuration.
func execHostConfig(spec domain.ExecSpec, secretDir string, services []*dockerService) (*container.HostConfig, error) {
	hostConfig := &container.HostConfig{}

	for _, m := range spec.Mounts {
		source, err := filepath.Abs(m.Source.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve mount source %s: %w", m.Source.Path, err)
		}
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: source,
			Target: m.Path,
		})
	}
	for _, cache := range spec.Caches {
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:          mount.TypeVolume,
			Source:        cacheVolumeName(cache.Name),
			Target:        cache.Path,
			VolumeOptions: &mount.VolumeOptions{Labels: managedLabels()},
		})
	}
	if secretDir != "" {
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   secretDir,
			Target:   secretMountPath,
			ReadOnly: true,
		})
	}
	for i, svc := range services {
		hostConfig.ExtraHosts = append(hostConfig.ExtraHosts, spec.Services[i].Alias+":"+svc.ip)
	}
	return hostConfig, nil
}

type stepResult struct {
	stdout    string
	stderr    string
	exitCode  int
	committed string
}

// Exec runs each command in its own container, starting from the previous
// command's committed filesystem, and returns the last command's stdout.
func (b *DockerBackend) Exec(ctx context.Context, spec domain.ExecSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	base, err := b.execBaseImage(ctx, spec)
	if err != nil {
		return "", err
	}

	services := make([]*dockerService, 0, len(spec.Services))
	for _, binding := range spec.Services {
		svc, ok := binding.Service.(*dockerService)
		if !ok {
			return "", fmt.Errorf("service %q was not started by the Docker backend", binding.Alias)
		}
		services = append(services, svc)
	}

	secretDir, cleanupSecrets, err := writeSecretDir(spec.SecretEnv)
	if err != nil {
		return "", err
	}
	defer cleanupSecrets()

	hostConfig, err := execHostConfig(spec, secretDir, services)
	if err != nil {
		return "", err
	}

	cleanupCtx := context.WithoutCancel(ctx)
	var intermediates []string
	defer func() {
		for _, id := range intermediates {
			if _, err := b.client.ImageRemove(cleanupCtx, id, image.RemoveOptions{Force: true, PruneChildren: true}); err != nil {
				b.logger.Warn("Failed to remove intermediate image", zap.String("image_id", id), zap.Error(err))
			}
		}
	}()

	current := base
	var stdout string
	for i, cmd := range spec.Commands {
		commit := i < len(spec.Commands)-1
		res, err := b.runStep(ctx, current, cmd, spec, hostConfig, services, commit)
		if err != nil {
			return "", err
		}
		if res.exitCode != 0 {
			return "", &domain.ExecError{
				Cmd:      cmd,
				ExitCode: res.exitCode,
				Stdout:   res.stdout,
				Stderr:   res.stderr,
			}
		}
		stdout = res.stdout
		if res.committed != "" {
			intermediates = append(intermediates, res.committed)
			current = res.committed
		}
	}
	return stdout, nil
}

func (b *DockerBackend) execBaseImage(ctx context.Context, spec domain.ExecSpec) (string, error) {
	if spec.Image != nil {
		img, err := b.resolveImage(spec.Image)
		if err != nil {
			return "", err
		}
		return img.id, nil
	}
	if err := b.pullImage(ctx, spec.BaseImage, spec.Platform); err != nil {
		return "", err
	}
	return spec.BaseImage, nil
}

func (b *DockerBackend) runStep(ctx context.Context, imageRef string, cmd []string, spec domain.ExecSpec, hostConfig *container.HostConfig, services []*dockerService, commit bool) (stepResult, error) {
	argv := cmd
	if len(spec.SecretEnv) > 0 {
		argv = wrapWithSecrets(cmd)
	}

	created, err := b.client.ContainerCreate(ctx, &container.Config{
		Image:      imageRef,
		Entrypoint: strslice.StrSlice{""},
		Cmd:        strslice.StrSlice(argv),
		WorkingDir: spec.Workdir,
		Env:        envList(spec.Env),
		Labels:     managedLabels(),
	}, hostConfig, nil, nil, "")
	if err != nil {
		return stepResult{}, fmt.Errorf("failed to create container: %w", err)
	}

	cleanupCtx := context.WithoutCancel(ctx)
	defer func() {
		if err := b.client.ContainerRemove(cleanupCtx, created.ID, container.RemoveOptions{Force: true}); err != nil {
			b.logger.Warn("Failed to remove container", zap.String("container_id", created.ID), zap.Error(err))
		}
	}()

	for _, svc := range services {
		if err := b.client.NetworkConnect(ctx, svc.networkID, created.ID, nil); err != nil {
			return stepResult{}, fmt.Errorf("failed to attach to network of service %s: %w", svc.name, err)
		}
	}

	b.logger.Debug("Running command", zap.String("container_id", created.ID), zap.Strings("cmd", cmd))
	if err := b.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return stepResult{}, fmt.Errorf("failed to start container: %w", err)
	}

	statusCh, errCh := b.client.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		return stepResult{}, fmt.Errorf("failed waiting for container: %w", err)
	case status := <-statusCh:
		if status.Error != nil {
			return stepResult{}, fmt.Errorf("container wait error: %s", status.Error.Message)
		}
		exitCode = status.StatusCode
	}

	stdout, stderr, err := b.containerOutput(ctx, created.ID)
	if err != nil {
		return stepResult{}, err
	}

	res := stepResult{stdout: stdout, stderr: stderr, exitCode: int(exitCode)}
	if commit && exitCode == 0 {
		committed, err := b.client.ContainerCommit(ctx, created.ID, container.CommitOptions{})
		if err != nil {
			return stepResult{}, fmt.Errorf("failed to commit container: %w", err)
		}
		res.committed = committed.ID
	}
	return res, nil
}
