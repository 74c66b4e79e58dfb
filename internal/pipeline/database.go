package pipeline

import (
	"context"
	"errors"
	"strconv"

	"go.uber.org/zap"

	"stackyn/pipeline/internal/domain"
	pipelineerrors "stackyn/pipeline/internal/errors"
	"stackyn/pipeline/internal/secrets"
)

const (
	// DatabasePort is the port the provisioned database listens on
	DatabasePort = 5432
	// DatabaseAlias is the hostname the database is bound under
	DatabaseAlias = "db"

	defaultDatabaseName = "app"
	defaultDatabaseUser = "app"
)

// InstallPostgresClientCommand installs psql into the toolchain image
var InstallPostgresClientCommand = []string{"bash", "-lc", "apt-get update && apt-get install -y postgresql-client"}

// ConnectivityQuery is run against the bound database
var ConnectivityQuery = []string{"bash", "-lc", "psql -c 'select 1'"}

// DatabaseOptions configure a provisioned database. Empty fields take the
// composer's defaults.
type DatabaseOptions struct {
	Image    string
	Database string
	User     string
	Password secrets.Secret
}

func (c *Composer) databaseOptions(opts DatabaseOptions) DatabaseOptions {
	if opts.Image == "" {
		opts.Image = c.config.DatabaseImage
	}
	if opts.Database == "" {
		opts.Database = defaultDatabaseName
	}
	if opts.User == "" {
		opts.User = defaultDatabaseUser
	}
	return opts
}

// ProvisionDatabase starts a Postgres service. The caller owns the returned
// service and must stop it with StopService.
func (c *Composer) ProvisionDatabase(ctx context.Context, opts DatabaseOptions) (domain.Service, error) {
	opts = c.databaseOptions(opts)
	if opts.Password.IsZero() {
		return nil, pipelineerrors.New(pipelineerrors.ErrorCodeMalformedArgument, "database password is required")
	}

	spec := domain.ServiceSpec{
		Name:  "postgres",
		Image: opts.Image,
		Port:  DatabasePort,
		Env: map[string]string{
			"POSTGRES_DB":   opts.Database,
			"POSTGRES_USER": opts.User,
		},
		SecretEnv: map[string]secrets.Secret{
			"POSTGRES_PASSWORD": opts.Password,
		},
		HealthCmd: []string{"pg_isready", "-U", opts.User, "-d", opts.Database},
	}

	logger := c.log(ctx)
	logger.Info("Starting database service",
		zap.String("image", spec.Image),
		zap.String("database", opts.Database),
		zap.String("user", opts.User),
	)

	svc, err := c.backend.StartService(ctx, spec)
	if err != nil {
		logger.Error("Database service failed to start", zap.Error(err))
		if pipelineerrors.HasCode(err, pipelineerrors.ErrorCodeServiceStartFailed) {
			return nil, err
		}
		return nil, pipelineerrors.Wrap(pipelineerrors.ErrorCodeServiceStartFailed, err, spec.Image)
	}

	logger.Info("Database service started", zap.String("endpoint", svc.Endpoint()))
	return svc, nil
}

// StopService stops a service returned by ProvisionDatabase
func (c *Composer) StopService(ctx context.Context, svc domain.Service) error {
	if svc == nil {
		return nil
	}
	return c.backend.StopService(ctx, svc)
}

// IntegrationSmokeTest provisions a database, binds it under DatabaseAlias
// to the toolchain container and checks it answers a trivial query. The
// service is stopped before returning, whatever the outcome.
func (c *Composer) IntegrationSmokeTest(ctx context.Context, src domain.Source, password secrets.Secret) (out string, err error) {
	ctx, cancel := domain.WithTimeout(ctx, c.config.SmokeTimeout)
	defer cancel()

	opts := c.databaseOptions(DatabaseOptions{Password: password})
	svc, err := c.ProvisionDatabase(ctx, opts)
	if err != nil {
		return "", err
	}
	defer func() {
		if stopErr := c.StopService(context.WithoutCancel(ctx), svc); stopErr != nil {
			c.log(ctx).Warn("Failed to stop database service", zap.Error(stopErr))
		}
	}()

	spec := c.toolchain(src)
	spec.Services = []domain.ServiceBinding{{Alias: DatabaseAlias, Service: svc}}
	spec.Env["PGHOST"] = DatabaseAlias
	spec.Env["PGPORT"] = strconv.Itoa(DatabasePort)
	spec.Env["PGUSER"] = opts.User
	spec.Env["PGDATABASE"] = opts.Database
	spec.Env["PGCONNECT_TIMEOUT"] = strconv.Itoa(int(c.config.ConnectTimeout.Seconds()))
	spec.SecretEnv = map[string]secrets.Secret{"PGPASSWORD": opts.Password}
	spec.Commands = [][]string{InstallPostgresClientCommand, ConnectivityQuery}

	c.log(ctx).Info("Checking database connectivity", zap.String("alias", DatabaseAlias))
	out, err = c.backend.Exec(ctx, spec)
	if err != nil {
		return "", c.deadlineAsConnectivity(ctx, classifyExecError(err, ConnectivityQuery, pipelineerrors.ErrorCodeConnectivityFailed))
	}
	return out, nil
}

// deadlineAsConnectivity reports an exhausted smoke-test deadline as a
// connectivity failure. Caller cancellation is returned unchanged.
func (c *Composer) deadlineAsConnectivity(ctx context.Context, err error) error {
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return err
	}
	if pipelineerrors.HasCode(err, pipelineerrors.ErrorCodeConnectivityFailed) {
		return err
	}
	return pipelineerrors.Wrap(pipelineerrors.ErrorCodeConnectivityFailed, err, "timed out")
}
