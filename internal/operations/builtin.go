package operations

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"stackyn/pipeline/internal/domain"
	"stackyn/pipeline/internal/pipeline"
)

// Operation names
const (
	OpBuild    = "build"
	OpSmoke    = "smoke"
	OpLint     = "lint"
	OpPostgres = "postgres"
	OpDBSmoke  = "db-smoke"
	OpPublish  = "publish"
)

func builtins() []Operation {
	return []Operation{
		define(OpBuild, "Build an image from a Dockerfile", true, runBuild),
		define(OpSmoke, "Build the image and run a diagnostic command inside it", true, runSmoke),
		define(OpLint, "Run clippy over the source in the Rust toolchain image", true, runLint),
		define(OpPostgres, "Start a Postgres service and keep it up until interrupted", false, runPostgres),
		define(OpDBSmoke, "Check a toolchain container can query a fresh Postgres service", true, runDBSmoke),
		define(OpPublish, "Build and push the image under the commit hash, then latest", true, runPublish),
	}
}

func runBuild(ctx context.Context, env Env, args *BuildArgs) (string, error) {
	img, err := env.Composer.Build(ctx, domain.Source{Path: args.Source}, pipeline.BuildOptions{
		Dockerfile: args.Dockerfile,
		Target:     args.Target,
		BuildArgs:  args.BuildArgs,
		Platform:   args.Platform,
	})
	if err != nil {
		return "", err
	}
	return img.Describe(), nil
}

func runSmoke(ctx context.Context, env Env, args *SmokeArgs) (string, error) {
	return env.Composer.SmokeTest(ctx, domain.Source{Path: args.Source})
}

func runLint(ctx context.Context, env Env, args *LintArgs) (string, error) {
	return env.Composer.Lint(ctx, domain.Source{Path: args.Source}, args.Args, args.DenyWarnings)
}

// runPostgres holds the service until ctx is done, then stops it
func runPostgres(ctx context.Context, env Env, args *PostgresArgs) (string, error) {
	password, err := resolveSecret(ctx, env, "postgres-password", args.Password)
	if err != nil {
		return "", err
	}

	svc, err := env.Composer.ProvisionDatabase(ctx, pipeline.DatabaseOptions{
		Image:    args.Image,
		Database: args.Database,
		User:     args.User,
		Password: password,
	})
	if err != nil {
		return "", err
	}

	endpoint := svc.Endpoint()
	fmt.Fprintf(env.Out, "postgres ready at %s (database %s, user %s); interrupt to stop\n", endpoint, args.Database, args.User)

	<-ctx.Done()
	if err := env.Composer.StopService(context.WithoutCancel(ctx), svc); err != nil {
		env.Logger.Warn("Failed to stop database service", zap.Error(err))
	}
	return endpoint, nil
}

func runDBSmoke(ctx context.Context, env Env, args *DBSmokeArgs) (string, error) {
	password, err := resolveSecret(ctx, env, "postgres-password", args.Password)
	if err != nil {
		return "", err
	}
	return env.Composer.IntegrationSmokeTest(ctx, domain.Source{Path: args.Source}, password)
}

func runPublish(ctx context.Context, env Env, args *PublishArgs) (string, error) {
	token, err := resolveSecret(ctx, env, "registry-token", args.Token)
	if err != nil {
		return "", err
	}
	return env.Composer.Publish(ctx, domain.Source{Path: args.Source}, pipeline.PublishOptions{
		Image:     args.Image,
		Namespace: args.Namespace,
		Username:  args.Username,
		Token:     token,
	})
}
