package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"stackyn/pipeline/internal/domain"
	pipelineerrors "stackyn/pipeline/internal/errors"
	"stackyn/pipeline/internal/secrets"
)

type fakeImage struct{ id string }

func (i fakeImage) Describe() string { return i.id }

type fakeService struct{ endpoint string }

func (s *fakeService) Endpoint() string { return s.endpoint }

type fakeBackend struct {
	mu sync.Mutex

	builds    []domain.BuildRequest
	execs     []domain.ExecSpec
	started   []domain.ServiceSpec
	stopped   []domain.Service
	published []string
	auths     []domain.RegistryAuth

	buildErr  error
	startErr  error
	execFn    func(ctx context.Context, spec domain.ExecSpec) (string, error)
	publishFn func(ref string) (string, error)
}

func (f *fakeBackend) Build(ctx context.Context, req domain.BuildRequest) (domain.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.builds = append(f.builds, req)
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	return fakeImage{id: "img-1"}, nil
}

func (f *fakeBackend) Exec(ctx context.Context, spec domain.ExecSpec) (string, error) {
	f.mu.Lock()
	f.execs = append(f.execs, spec)
	fn := f.execFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, spec)
	}
	return "ok\n", nil
}

func (f *fakeBackend) StartService(ctx context.Context, spec domain.ServiceSpec) (domain.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, spec)
	if f.startErr != nil {
		return nil, f.startErr
	}
	return &fakeService{endpoint: "10.0.0.2:5432"}, nil
}

func (f *fakeBackend) StopService(ctx context.Context, svc domain.Service) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, svc)
	return ctx.Err()
}

func (f *fakeBackend) Publish(ctx context.Context, img domain.Image, ref string, auth domain.RegistryAuth) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, ref)
	f.auths = append(f.auths, auth)
	if f.publishFn != nil {
		return f.publishFn(ref)
	}
	return ref + "@sha256:abc", nil
}

func (f *fakeBackend) Close() error { return nil }

type fakeCommits struct {
	hash string
	err  error
}

func (f fakeCommits) ResolveCommit(ctx context.Context, src domain.Source) (string, error) {
	return f.hash, f.err
}

const testCommit = "abcdef1234567890abcdef1234567890abcdef12"

func newTestComposer(backend *fakeBackend) *Composer {
	return New(backend, fakeCommits{hash: testCommit}, Config{}, nil)
}

func failWith(cmd []string, stderr string) func(context.Context, domain.ExecSpec) (string, error) {
	return func(ctx context.Context, spec domain.ExecSpec) (string, error) {
		for _, c := range spec.Commands {
			if assert.ObjectsAreEqual(c, cmd) {
				return "", &domain.ExecError{Cmd: cmd, ExitCode: 1, Stderr: stderr}
			}
		}
		return "ok", nil
	}
}

func TestBuildAppliesDefaults(t *testing.T) {
	backend := &fakeBackend{}
	c := newTestComposer(backend)

	img, err := c.Build(context.Background(), domain.Source{Path: "."}, BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, "img-1", img.Describe())

	require.Len(t, backend.builds, 1)
	req := backend.builds[0]
	assert.Equal(t, "Dockerfile", req.Dockerfile)
	assert.Empty(t, req.Target)
	assert.Empty(t, req.BuildArgs)
	assert.Empty(t, req.Platform)
}

func TestBuildPassesOptions(t *testing.T) {
	backend := &fakeBackend{}
	c := newTestComposer(backend)

	_, err := c.Build(context.Background(), domain.Source{Path: "svc"}, BuildOptions{
		Dockerfile: "docker/Release.Dockerfile",
		Target:     "runtime",
		BuildArgs:  []string{"A=1", "B=x=y"},
		Platform:   "linux/arm64",
	})
	require.NoError(t, err)

	req := backend.builds[0]
	assert.Equal(t, "docker/Release.Dockerfile", req.Dockerfile)
	assert.Equal(t, "runtime", req.Target)
	assert.Equal(t, "linux/arm64", req.Platform)
	assert.Equal(t, []domain.BuildArg{{Name: "A", Value: "1"}, {Name: "B", Value: "x=y"}}, req.BuildArgs)
}

func TestBuildMalformedArgumentNeverReachesBackend(t *testing.T) {
	backend := &fakeBackend{}
	c := newTestComposer(backend)

	_, err := c.Build(context.Background(), domain.Source{Path: "."}, BuildOptions{BuildArgs: []string{"NOVALUE"}})
	require.Error(t, err)
	assert.Equal(t, pipelineerrors.ErrorCodeMalformedArgument, pipelineerrors.CodeOf(err))
	assert.Empty(t, backend.builds)
}

func TestBuildFailure(t *testing.T) {
	backend := &fakeBackend{buildErr: errors.New("step 3/7: exit code 2")}
	c := newTestComposer(backend)

	_, err := c.Build(context.Background(), domain.Source{Path: "."}, BuildOptions{})
	require.Error(t, err)
	assert.Equal(t, pipelineerrors.ErrorCodeBuildFailed, pipelineerrors.CodeOf(err))
}

func TestSmokeTest(t *testing.T) {
	backend := &fakeBackend{
		execFn: func(ctx context.Context, spec domain.ExecSpec) (string, error) {
			return "built\nLinux x86_64\n", nil
		},
	}
	c := newTestComposer(backend)

	out, err := c.SmokeTest(context.Background(), domain.Source{Path: "."})
	require.NoError(t, err)
	assert.Contains(t, out, "built")

	require.Len(t, backend.execs, 1)
	spec := backend.execs[0]
	assert.Equal(t, fakeImage{id: "img-1"}, spec.Image)
	assert.Equal(t, [][]string{{"sh", "-lc", "echo built && uname -a && ls -la"}}, spec.Commands)
}

func TestSmokeTestCommandFailure(t *testing.T) {
	backend := &fakeBackend{execFn: failWith(SmokeCommand, "sh: uname: not found")}
	c := newTestComposer(backend)

	_, err := c.SmokeTest(context.Background(), domain.Source{Path: "."})
	require.Error(t, err)

	pipelineErr, ok := pipelineerrors.AsPipelineError(err)
	require.True(t, ok)
	assert.Equal(t, pipelineerrors.ErrorCodeCommandFailed, pipelineErr.Code)
	assert.Equal(t, "sh: uname: not found", pipelineErr.Details)
}

func TestLintCommand(t *testing.T) {
	tests := []struct {
		name  string
		extra []string
		deny  bool
		want  []string
	}{
		{name: "deny", deny: true, want: []string{"cargo", "clippy", "--", "-D", "warnings"}},
		{name: "allow", want: []string{"cargo", "clippy", "--"}},
		{
			name:  "extra args in order",
			extra: []string{"--all-targets", "--all-features"},
			deny:  true,
			want:  []string{"cargo", "clippy", "--all-targets", "--all-features", "--", "-D", "warnings"},
		},
		{
			name:  "existing separator",
			extra: []string{"--workspace", "--", "-W", "clippy::pedantic"},
			deny:  true,
			want:  []string{"cargo", "clippy", "--workspace", "--", "-W", "clippy::pedantic", "-D", "warnings"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LintCommand(tt.extra, tt.deny))
		})
	}
}

func TestLintExecSpec(t *testing.T) {
	backend := &fakeBackend{}
	c := newTestComposer(backend)

	_, err := c.Lint(context.Background(), domain.Source{Path: "/src"}, nil, true)
	require.NoError(t, err)

	require.Len(t, backend.execs, 1)
	spec := backend.execs[0]
	assert.Equal(t, "rust:1.92.0", spec.BaseImage)
	assert.Nil(t, spec.Image)
	assert.Equal(t, "/work", spec.Workdir)
	assert.Equal(t, []domain.Mount{{Source: domain.Source{Path: "/src"}, Path: "/work"}}, spec.Mounts)
	assert.Equal(t, []domain.CacheHandle{
		{Name: "cargo-registry", Path: "/cargo/registry"},
		{Name: "cargo-git", Path: "/cargo/git"},
		{Name: "cargo-target", Path: "/work/target"},
	}, spec.Caches)
	assert.Equal(t, "/cargo", spec.Env["CARGO_HOME"])
	assert.Equal(t, [][]string{
		{"rustup", "component", "add", "clippy"},
		{"cargo", "clippy", "--", "-D", "warnings"},
	}, spec.Commands)
}

func TestLintFailures(t *testing.T) {
	t.Run("clippy", func(t *testing.T) {
		lintCmd := LintCommand(nil, true)
		backend := &fakeBackend{execFn: failWith(lintCmd, "error: unused variable")}
		_, err := newTestComposer(backend).Lint(context.Background(), domain.Source{Path: "."}, nil, true)
		require.Error(t, err)
		assert.Equal(t, pipelineerrors.ErrorCodeLintFailed, pipelineerrors.CodeOf(err))
		assert.Contains(t, err.Error(), "unused variable")
	})

	t.Run("toolchain setup", func(t *testing.T) {
		backend := &fakeBackend{execFn: failWith(InstallClippyCommand, "network unreachable")}
		_, err := newTestComposer(backend).Lint(context.Background(), domain.Source{Path: "."}, nil, true)
		require.Error(t, err)
		assert.Equal(t, pipelineerrors.ErrorCodeCommandFailed, pipelineerrors.CodeOf(err))
	})
}

func TestProvisionDatabase(t *testing.T) {
	backend := &fakeBackend{}
	c := newTestComposer(backend)

	svc, err := c.ProvisionDatabase(context.Background(), DatabaseOptions{Password: secrets.New("db", "pw")})
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2:5432", svc.Endpoint())

	require.Len(t, backend.started, 1)
	spec := backend.started[0]
	assert.Equal(t, "postgres:16", spec.Image)
	assert.Equal(t, 5432, spec.Port)
	assert.Equal(t, map[string]string{"POSTGRES_DB": "app", "POSTGRES_USER": "app"}, spec.Env)
	assert.Equal(t, "pw", spec.SecretEnv["POSTGRES_PASSWORD"].Reveal())
	assert.Equal(t, "pg_isready", spec.HealthCmd[0])
}

func TestProvisionDatabaseErrors(t *testing.T) {
	backend := &fakeBackend{startErr: errors.New("pull access denied")}
	c := newTestComposer(backend)

	_, err := c.ProvisionDatabase(context.Background(), DatabaseOptions{Password: secrets.New("db", "pw")})
	require.Error(t, err)
	assert.Equal(t, pipelineerrors.ErrorCodeServiceStartFailed, pipelineerrors.CodeOf(err))

	_, err = c.ProvisionDatabase(context.Background(), DatabaseOptions{})
	require.Error(t, err)
	assert.Equal(t, pipelineerrors.ErrorCodeMalformedArgument, pipelineerrors.CodeOf(err))
}

func TestIntegrationSmokeTest(t *testing.T) {
	backend := &fakeBackend{}
	c := newTestComposer(backend)

	_, err := c.IntegrationSmokeTest(context.Background(), domain.Source{Path: "."}, secrets.New("db", "pw"))
	require.NoError(t, err)

	require.Len(t, backend.execs, 1)
	spec := backend.execs[0]
	require.Len(t, spec.Services, 1)
	assert.Equal(t, "db", spec.Services[0].Alias)
	assert.Equal(t, "db", spec.Env["PGHOST"])
	assert.Equal(t, "app", spec.Env["PGUSER"])
	assert.Equal(t, "app", spec.Env["PGDATABASE"])
	assert.Equal(t, "10", spec.Env["PGCONNECT_TIMEOUT"])
	assert.NotContains(t, spec.Env, "PGPASSWORD")
	assert.Equal(t, "pw", spec.SecretEnv["PGPASSWORD"].Reveal())
	assert.Equal(t, [][]string{InstallPostgresClientCommand, ConnectivityQuery}, spec.Commands)
	assert.Len(t, spec.Caches, 3)

	assert.Len(t, backend.stopped, 1)
}

func TestIntegrationSmokeTestFailures(t *testing.T) {
	tests := []struct {
		name     string
		backend  *fakeBackend
		wantCode pipelineerrors.ErrorCode
		stops    int
	}{
		{
			name:     "query fails",
			backend:  &fakeBackend{execFn: failWith(ConnectivityQuery, "could not translate host name")},
			wantCode: pipelineerrors.ErrorCodeConnectivityFailed,
			stops:    1,
		},
		{
			name:     "client install fails",
			backend:  &fakeBackend{execFn: failWith(InstallPostgresClientCommand, "E: Unable to locate package")},
			wantCode: pipelineerrors.ErrorCodeCommandFailed,
			stops:    1,
		},
		{
			name:     "service never starts",
			backend:  &fakeBackend{startErr: errors.New("unhealthy")},
			wantCode: pipelineerrors.ErrorCodeServiceStartFailed,
			stops:    0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestComposer(tt.backend)
			_, err := c.IntegrationSmokeTest(context.Background(), domain.Source{Path: "."}, secrets.New("db", "pw"))
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, pipelineerrors.CodeOf(err))
			assert.Len(t, tt.backend.stopped, tt.stops)
		})
	}
}

func TestIntegrationSmokeTestTimeout(t *testing.T) {
	backend := &fakeBackend{
		execFn: func(ctx context.Context, spec domain.ExecSpec) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	c := New(backend, fakeCommits{hash: testCommit}, Config{SmokeTimeout: 20 * time.Millisecond}, nil)

	_, err := c.IntegrationSmokeTest(context.Background(), domain.Source{Path: "."}, secrets.New("db", "pw"))
	require.Error(t, err)
	assert.Equal(t, pipelineerrors.ErrorCodeConnectivityFailed, pipelineerrors.CodeOf(err))

	// Stop runs on a context detached from the expired deadline
	require.Len(t, backend.stopped, 1)
}

func TestPublish(t *testing.T) {
	backend := &fakeBackend{}
	c := newTestComposer(backend)

	out, err := c.Publish(context.Background(), domain.Source{Path: "."}, PublishOptions{
		Image:     "myimage",
		Namespace: "myorg",
		Username:  "bot",
		Token:     secrets.New("token", "ghp_x"),
	})
	require.NoError(t, err)
	assert.Equal(t, "ghcr.io/myorg/myimage:latest@sha256:abc", out)

	assert.Equal(t, []string{
		"ghcr.io/myorg/myimage:abcdef123456",
		"ghcr.io/myorg/myimage:latest",
	}, backend.published)
	require.Len(t, backend.builds, 1)
	assert.Equal(t, "Dockerfile", backend.builds[0].Dockerfile)

	auth := backend.auths[0]
	assert.Equal(t, "ghcr.io", auth.Address)
	assert.Equal(t, "bot", auth.Username)
	assert.Equal(t, "ghp_x", auth.Secret.Reveal())
}

func TestPublishStopsAfterFirstPushFailure(t *testing.T) {
	backend := &fakeBackend{
		publishFn: func(ref string) (string, error) {
			return "", errors.New("denied: permission_denied")
		},
	}
	c := newTestComposer(backend)

	_, err := c.Publish(context.Background(), domain.Source{Path: "."}, PublishOptions{
		Image: "myimage", Namespace: "myorg", Username: "bot", Token: secrets.New("token", "t"),
	})
	require.Error(t, err)
	assert.Equal(t, pipelineerrors.ErrorCodePublishFailed, pipelineerrors.CodeOf(err))
	assert.Equal(t, []string{"ghcr.io/myorg/myimage:abcdef123456"}, backend.published)
}

func TestPublishFailuresBeforePush(t *testing.T) {
	opts := PublishOptions{Image: "myimage", Namespace: "myorg", Username: "bot", Token: secrets.New("token", "t")}

	tests := []struct {
		name    string
		backend *fakeBackend
		commits fakeCommits
		opts    PublishOptions
	}{
		{name: "no repository", backend: &fakeBackend{}, commits: fakeCommits{err: errors.New("repository does not exist")}, opts: opts},
		{name: "short hash", backend: &fakeBackend{}, commits: fakeCommits{hash: "abc"}, opts: opts},
		{name: "build fails", backend: &fakeBackend{buildErr: errors.New("boom")}, commits: fakeCommits{hash: testCommit}, opts: opts},
		{name: "bad image name", backend: &fakeBackend{}, commits: fakeCommits{hash: testCommit}, opts: PublishOptions{Image: "My Image", Namespace: "myorg", Username: "bot", Token: secrets.New("token", "t")}},
		{name: "missing token", backend: &fakeBackend{}, commits: fakeCommits{hash: testCommit}, opts: PublishOptions{Image: "myimage", Namespace: "myorg"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(tt.backend, tt.commits, Config{}, nil)
			_, err := c.Publish(context.Background(), domain.Source{Path: "."}, tt.opts)
			require.Error(t, err)
			assert.Equal(t, pipelineerrors.ErrorCodePublishFailed, pipelineerrors.CodeOf(err))
			assert.Empty(t, tt.backend.published)
		})
	}
}

func TestTailKeepsValidUTF8(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   string
		suffix string
	}{
		{name: "short output unchanged", input: "boom", want: "boom"},
		{name: "ascii truncated", input: strings.Repeat("x", maxDetailBytes) + "end", suffix: "end"},
		{name: "multibyte truncated on rune boundary", input: strings.Repeat("é", maxDetailBytes/2) + "a", suffix: "éa"},
		{name: "invalid bytes dropped", input: "a\xc3", want: "a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tail(tt.input)
			assert.True(t, utf8.ValidString(got))
			assert.LessOrEqual(t, len(got), maxDetailBytes+len("..."))
			if tt.want != "" {
				assert.Equal(t, tt.want, got)
			}
			if tt.suffix != "" {
				assert.True(t, strings.HasPrefix(got, "..."))
				assert.True(t, strings.HasSuffix(got, tt.suffix))
			}
		})
	}
}

func TestLogsCarryRunContext(t *testing.T) {
	tests := []struct {
		name   string
		ctx    context.Context
		fields map[string]any
	}{
		{name: "bare context", ctx: context.Background(), fields: map[string]any{}},
		{
			name:   "run and operation",
			ctx:    domain.WithOperation(domain.WithRunID(context.Background(), "run-1"), "build"),
			fields: map[string]any{"run_id": "run-1", "operation": "build"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.InfoLevel)
			c := New(&fakeBackend{}, fakeCommits{hash: testCommit}, Config{}, zap.New(core))

			_, err := c.Build(tt.ctx, domain.Source{Path: "."}, BuildOptions{})
			require.NoError(t, err)
			require.NotZero(t, logs.Len())

			for _, entry := range logs.All() {
				fields := entry.ContextMap()
				for key, want := range tt.fields {
					assert.Equal(t, want, fields[key], key)
				}
				if len(tt.fields) == 0 {
					assert.NotContains(t, fields, "operation")
				}
			}
		})
	}
}
