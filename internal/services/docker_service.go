package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"stackyn/pipeline/internal/domain"
)

const healthPollInterval = 500 * time.Millisecond

type dockerService struct {
	name          string
	containerID   string
	networkID     string
	ip            string
	port          int
	cleanupSecret func()
}

func (s *dockerService) Endpoint() string {
	return net.JoinHostPort(s.ip, strconv.Itoa(s.port))
}

// healthConfig turns a health command into a container health check
func healthConfig(cmd []string) *container.HealthConfig {
	if len(cmd) == 0 {
		return nil
	}
	return &container.HealthConfig{
		Test:        append([]string{"CMD"}, cmd...),
		Interval:    time.Second,
		Timeout:     5 * time.Second,
		StartPeriod: time.Second,
		Retries:     5,
	}
}

// StartService runs spec on a dedicated bridge network and waits until it
// is healthy, or merely running when it has no health command.
func (b *DockerBackend) StartService(ctx context.Context, spec domain.ServiceSpec) (domain.Service, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	if err := b.pullImage(ctx, spec.Image, ""); err != nil {
		return nil, err
	}

	svcName := fmt.Sprintf("pipeline-%s-%s", spec.Name, uuid.NewString()[:8])
	svc := &dockerService{name: svcName, port: spec.Port, cleanupSecret: func() {}}
	cleanupCtx := context.WithoutCancel(ctx)

	started := false
	defer func() {
		if !started {
			if err := b.teardown(cleanupCtx, svc); err != nil {
				b.logger.Warn("Failed to clean up service", zap.String("service", svcName), zap.Error(err))
			}
		}
	}()

	netResp, err := b.client.NetworkCreate(ctx, svcName, network.CreateOptions{
		Driver: "bridge",
		Labels: managedLabels(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create network for %s: %w", spec.Name, err)
	}
	svc.networkID = netResp.ID

	config := &container.Config{
		Image:       spec.Image,
		Env:         envList(spec.Env),
		Healthcheck: healthConfig(spec.HealthCmd),
		Labels:      managedLabels(),
	}
	hostConfig := &container.HostConfig{NetworkMode: container.NetworkMode(svcName)}

	if len(spec.SecretEnv) > 0 {
		secretDir, cleanup, err := writeSecretDir(spec.SecretEnv)
		if err != nil {
			return nil, err
		}
		svc.cleanupSecret = cleanup

		argv, err := b.imageCommand(ctx, spec.Image)
		if err != nil {
			return nil, err
		}
		wrapped := wrapWithSecrets(argv)
		config.Entrypoint = strslice.StrSlice(wrapped[:4])
		config.Cmd = strslice.StrSlice(wrapped[4:])
		hostConfig.Mounts = append(hostConfig.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   secretDir,
			Target:   secretMountPath,
			ReadOnly: true,
		})
	}

	created, err := b.client.ContainerCreate(ctx, config, hostConfig, nil, nil, svcName)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s container: %w", spec.Name, err)
	}
	svc.containerID = created.ID

	if err := b.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start %s container: %w", spec.Name, err)
	}

	b.logger.Info("Waiting for service",
		zap.String("service", svcName),
		zap.String("image", spec.Image),
		zap.Duration("timeout", b.readyTimeout),
	)
	if err := b.waitReady(ctx, created.ID); err != nil {
		logs := b.containerLogTail(cleanupCtx, created.ID, serviceLogTailLines)
		return nil, fmt.Errorf("service %s did not become ready: %w\n%s", spec.Name, err, logs)
	}

	inspect, err := b.client.ContainerInspect(ctx, created.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s container: %w", spec.Name, err)
	}
	if endpoint, ok := inspect.NetworkSettings.Networks[svcName]; ok && endpoint != nil {
		svc.ip = endpoint.IPAddress
	}
	if svc.ip == "" {
		return nil, fmt.Errorf("service %s has no address on network %s", spec.Name, svcName)
	}

	started = true
	b.logger.Info("Service started", zap.String("service", svcName), zap.String("endpoint", svc.Endpoint()))
	return svc, nil
}

// imageCommand returns the entrypoint followed by the default command of ref
func (b *DockerBackend) imageCommand(ctx context.Context, ref string) ([]string, error) {
	inspect, err := b.client.ImageInspect(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect %s: %w", ref, err)
	}
	if inspect.Config == nil {
		return nil, fmt.Errorf("image %s has no config", ref)
	}
	argv := append([]string{}, inspect.Config.Entrypoint...)
	argv = append(argv, inspect.Config.Cmd...)
	if len(argv) == 0 {
		return nil, fmt.Errorf("image %s has no entrypoint or command", ref)
	}
	return argv, nil
}

func (b *DockerBackend) waitReady(ctx context.Context, containerID string) error {
	ctx, cancel := context.WithTimeout(ctx, b.readyTimeout)
	defer cancel()

	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		inspect, err := b.client.ContainerInspect(ctx, containerID)
		if err != nil {
			return fmt.Errorf("failed to inspect container: %w", err)
		}

		state := inspect.State
		if state == nil {
			return errors.New("container has no state")
		}
		if !state.Running {
			return fmt.Errorf("container exited with code %d", state.ExitCode)
		}
		if state.Health == nil {
			return nil
		}
		switch state.Health.Status {
		case container.Healthy:
			return nil
		case container.Unhealthy:
			return errors.New("health check reported unhealthy")
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("not healthy after %s: %w", b.readyTimeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// StopService removes the service container, its network and its secrets
func (b *DockerBackend) StopService(ctx context.Context, svc domain.Service) error {
	ds, ok := svc.(*dockerService)
	if !ok {
		return errors.New("service was not started by the Docker backend")
	}
	if err := b.teardown(ctx, ds); err != nil {
		return err
	}
	b.logger.Info("Service stopped", zap.String("service", ds.name))
	return nil
}

func (b *DockerBackend) teardown(ctx context.Context, svc *dockerService) error {
	var errs []error
	if svc.containerID != "" {
		if err := b.client.ContainerRemove(ctx, svc.containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove container %s: %w", svc.name, err))
		}
	}
	if svc.networkID != "" {
		if err := b.client.NetworkRemove(ctx, svc.networkID); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove network %s: %w", svc.name, err))
		}
	}
	svc.cleanupSecret()
	return errors.Join(errs...)
}
