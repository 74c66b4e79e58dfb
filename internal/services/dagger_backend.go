package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"dagger.io/dagger"
	"go.uber.org/zap"

	"stackyn/pipeline/internal/domain"
)

// DaggerBackend runs pipeline operations on a Dagger engine
type DaggerBackend struct {
	client *dagger.Client
	logger *zap.Logger
}

// NewDaggerBackend connects to the Dagger engine. Engine progress is written
// to logOutput when it is non-nil.
func NewDaggerBackend(ctx context.Context, logOutput io.Writer, logger *zap.Logger) (*DaggerBackend, error) {
	var opts []dagger.ClientOpt
	if logOutput != nil {
		opts = append(opts, dagger.WithLogOutput(logOutput))
	}

	client, err := dagger.Connect(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Dagger engine: %w", err)
	}

	logger.Info("Connected to Dagger engine")
	return &DaggerBackend{
		client: client,
		logger: logger,
	}, nil
}

// Close disconnects from the engine
func (b *DaggerBackend) Close() error {
	return b.client.Close()
}

type daggerImage struct {
	ctr  *dagger.Container
	desc string
}

func (i *daggerImage) Describe() string {
	return i.desc
}

type daggerService struct {
	svc      *dagger.Service
	name     string
	endpoint string
}

func (s *daggerService) Endpoint() string {
	return s.endpoint
}

// Build runs a Dockerfile build and forces evaluation so build errors
// surface here rather than at first use.
func (b *DaggerBackend) Build(ctx context.Context, req domain.BuildRequest) (domain.Image, error) {
	opts := dagger.DirectoryDockerBuildOpts{
		Dockerfile: req.Dockerfile,
		Target:     req.Target,
	}
	for _, arg := range req.BuildArgs {
		opts.BuildArgs = append(opts.BuildArgs, dagger.BuildArg{Name: arg.Name, Value: arg.Value})
	}
	if req.Platform != "" {
		opts.Platform = dagger.Platform(req.Platform)
	}

	ctr, err := b.client.Host().Directory(req.Source.Path).DockerBuild(opts).Sync(ctx)
	if err != nil {
		return nil, fmt.Errorf("docker build of %s failed: %w", req.Source.Path, translateDaggerError(err))
	}

	return &daggerImage{ctr: ctr, desc: fmt.Sprintf("dagger:%s/%s", req.Source.Path, req.Dockerfile)}, nil
}

// Exec chains spec.Commands onto a container and returns the last one's stdout
func (b *DaggerBackend) Exec(ctx context.Context, spec domain.ExecSpec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}

	ctr, err := b.baseContainer(spec)
	if err != nil {
		return "", err
	}

	for _, m := range spec.Mounts {
		ctr = ctr.WithMountedDirectory(m.Path, b.client.Host().Directory(m.Source.Path))
	}
	for _, cache := range spec.Caches {
		ctr = ctr.WithMountedCache(cache.Path, b.client.CacheVolume(cache.Name))
	}
	if spec.Workdir != "" {
		ctr = ctr.WithWorkdir(spec.Workdir)
	}
	for _, name := range sortedKeys(spec.Env) {
		ctr = ctr.WithEnvVariable(name, spec.Env[name])
	}
	for _, name := range sortedKeys(spec.SecretEnv) {
		secret := spec.SecretEnv[name]
		ctr = ctr.WithSecretVariable(name, b.client.SetSecret(secretName(secret.Name(), name), secret.Reveal()))
	}
	for _, binding := range spec.Services {
		svc, ok := binding.Service.(*daggerService)
		if !ok {
			return "", fmt.Errorf("service %q was not started by the Dagger backend", binding.Alias)
		}
		ctr = ctr.WithServiceBinding(binding.Alias, svc.svc)
	}
	for _, cmd := range spec.Commands {
		ctr = ctr.WithExec(cmd)
	}

	out, err := ctr.Stdout(ctx)
	if err != nil {
		return "", translateDaggerError(err)
	}
	return out, nil
}

func (b *DaggerBackend) baseContainer(spec domain.ExecSpec) (*dagger.Container, error) {
	if spec.Image != nil {
		img, ok := spec.Image.(*daggerImage)
		if !ok {
			return nil, fmt.Errorf("image %s was not built by the Dagger backend", spec.Image.Describe())
		}
		return img.ctr, nil
	}

	var opts dagger.ContainerOpts
	if spec.Platform != "" {
		opts.Platform = dagger.Platform(spec.Platform)
	}
	return b.client.Container(opts).From(spec.BaseImage), nil
}

// StartService starts spec as a Dagger service. Start returns once the
// exposed port accepts connections, which stands in for HealthCmd here.
func (b *DaggerBackend) StartService(ctx context.Context, spec domain.ServiceSpec) (domain.Service, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	ctr := b.client.Container().From(spec.Image)
	for _, name := range sortedKeys(spec.Env) {
		ctr = ctr.WithEnvVariable(name, spec.Env[name])
	}
	for _, name := range sortedKeys(spec.SecretEnv) {
		secret := spec.SecretEnv[name]
		ctr = ctr.WithSecretVariable(name, b.client.SetSecret(secretName(secret.Name(), name), secret.Reveal()))
	}

	svc, err := ctr.WithExposedPort(spec.Port).AsService().Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start service %s: %w", spec.Name, translateDaggerError(err))
	}

	endpoint, err := svc.Endpoint(ctx, dagger.ServiceEndpointOpts{Port: spec.Port})
	if err != nil {
		b.stop(ctx, svc, spec.Name)
		return nil, fmt.Errorf("failed to resolve endpoint of service %s: %w", spec.Name, translateDaggerError(err))
	}

	b.logger.Info("Service started",
		zap.String("service", spec.Name),
		zap.String("image", spec.Image),
		zap.String("endpoint", endpoint),
	)
	return &daggerService{svc: svc, name: spec.Name, endpoint: endpoint}, nil
}

// StopService stops a service started by StartService
func (b *DaggerBackend) StopService(ctx context.Context, svc domain.Service) error {
	ds, ok := svc.(*daggerService)
	if !ok {
		return fmt.Errorf("service was not started by the Dagger backend")
	}
	if _, err := ds.svc.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop service %s: %w", ds.name, err)
	}
	b.logger.Info("Service stopped", zap.String("service", ds.name))
	return nil
}

func (b *DaggerBackend) stop(ctx context.Context, svc *dagger.Service, name string) {
	if _, err := svc.Stop(context.WithoutCancel(ctx)); err != nil {
		b.logger.Warn("Failed to stop service", zap.String("service", name), zap.Error(err))
	}
}

// Publish pushes img to ref with auth and returns the engine's reference
// including the pushed digest.
func (b *DaggerBackend) Publish(ctx context.Context, img domain.Image, ref string, auth domain.RegistryAuth) (string, error) {
	di, ok := img.(*daggerImage)
	if !ok {
		return "", fmt.Errorf("image %s was not built by the Dagger backend", img.Describe())
	}

	ctr := di.ctr
	if auth.Username != "" || !auth.Secret.IsZero() {
		token := b.client.SetSecret(secretName(auth.Secret.Name(), "registry-token"), auth.Secret.Reveal())
		ctr = ctr.WithRegistryAuth(auth.Address, auth.Username, token)
	}

	published, err := ctr.Publish(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("failed to publish %s: %w", ref, translateDaggerError(err))
	}
	return published, nil
}

// translateDaggerError converts engine exec failures into domain.ExecError
func translateDaggerError(err error) error {
	var execErr *dagger.ExecError
	if errors.As(err, &execErr) {
		return &domain.ExecError{
			Cmd:      execErr.Cmd,
			ExitCode: execErr.ExitCode,
			Stdout:   execErr.Stdout,
			Stderr:   execErr.Stderr,
			Err:      err,
		}
	}
	return err
}

// secretName keys engine secrets by both the secret and the variable it
// feeds, so two secrets never share an engine-side name.
func secretName(name, target string) string {
	if name == "" {
		return target
	}
	return name + "-" + target
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
