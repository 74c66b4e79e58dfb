// Package operations maps operation names to typed, validated handlers on
// the pipeline composer. Every invocation surface (CLI, HTTP, queue) goes
// through Registry.Invoke with JSON arguments.
package operations

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"stackyn/pipeline/internal/domain"
	pipelineerrors "stackyn/pipeline/internal/errors"
	"stackyn/pipeline/internal/pipeline"
	"stackyn/pipeline/internal/secrets"
)

// Composer is the subset of *pipeline.Composer operations run against
type Composer interface {
	Build(ctx context.Context, src domain.Source, opts pipeline.BuildOptions) (domain.Image, error)
	SmokeTest(ctx context.Context, src domain.Source) (string, error)
	Lint(ctx context.Context, src domain.Source, extraArgs []string, denyWarnings bool) (string, error)
	ProvisionDatabase(ctx context.Context, opts pipeline.DatabaseOptions) (domain.Service, error)
	StopService(ctx context.Context, svc domain.Service) error
	IntegrationSmokeTest(ctx context.Context, src domain.Source, password secrets.Secret) (string, error)
	Publish(ctx context.Context, src domain.Source, opts pipeline.PublishOptions) (string, error)
}

// Env is what a handler runs with
type Env struct {
	Composer Composer
	Secrets  secrets.Resolver
	Logger   *zap.Logger
	// Out receives progress notes meant for an interactive caller
	Out io.Writer
}

// Defaulter fills an argument struct with its default values
type Defaulter interface {
	Defaults()
}

// Operation is a registered pipeline operation
type Operation struct {
	Name        string
	Description string
	// Queueable operations run to completion on their own and may be
	// dispatched to workers
	Queueable bool

	newArgs func() Defaulter
	run     func(ctx context.Context, env Env, args Defaulter) (string, error)
}

// define binds a typed handler to an operation name
func define[A any, PA interface {
	*A
	Defaulter
}](name, description string, queueable bool, run func(ctx context.Context, env Env, args *A) (string, error)) Operation {
	return Operation{
		Name:        name,
		Description: description,
		Queueable:   queueable,
		newArgs: func() Defaulter {
			args := PA(new(A))
			args.Defaults()
			return args
		},
		run: func(ctx context.Context, env Env, args Defaulter) (string, error) {
			return run(ctx, env, (*A)(args.(PA)))
		},
	}
}

// Registry holds the known operations
type Registry struct {
	ops      map[string]Operation
	order    []string
	validate *validator.Validate
}

// NewRegistry returns a registry with the built-in operations registered
func NewRegistry() *Registry {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	// Registration only fails on empty tags or nil funcs
	_ = v.RegisterValidation("secretref", func(fl validator.FieldLevel) bool {
		return secrets.Ref(fl.Field().String()).Validate() == nil
	})
	// platform strings go to the backend as given; only blank ones are refused
	_ = v.RegisterValidation("platform", func(fl validator.FieldLevel) bool {
		return strings.TrimSpace(fl.Field().String()) != ""
	})

	r := &Registry{
		ops:      make(map[string]Operation),
		validate: v,
	}
	for _, op := range builtins() {
		r.Register(op)
	}
	return r
}

// Register adds op, replacing any operation of the same name
func (r *Registry) Register(op Operation) {
	if _, exists := r.ops[op.Name]; !exists {
		r.order = append(r.order, op.Name)
	}
	r.ops[op.Name] = op
}

// Lookup returns the operation registered under name
func (r *Registry) Lookup(name string) (Operation, bool) {
	op, ok := r.ops[name]
	return op, ok
}

// Names returns operation names in registration order
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

func (r *Registry) unknown(name string) error {
	return pipelineerrors.New(pipelineerrors.ErrorCodeUnknownOperation,
		fmt.Sprintf("%s (known: %s)", name, strings.Join(r.Names(), ", ")))
}

// Decode parses raw into the operation's argument struct on top of its
// defaults and validates the result. Unknown fields are rejected.
func (r *Registry) Decode(name string, raw json.RawMessage) (any, error) {
	op, ok := r.ops[name]
	if !ok {
		return nil, r.unknown(name)
	}
	args, err := r.decode(op, raw)
	if err != nil {
		return nil, err
	}
	return args, nil
}

func (r *Registry) decode(op Operation, raw json.RawMessage) (Defaulter, error) {
	args := op.newArgs()

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		dec := json.NewDecoder(bytes.NewReader(trimmed))
		dec.DisallowUnknownFields()
		if err := dec.Decode(args); err != nil {
			return nil, pipelineerrors.Wrap(pipelineerrors.ErrorCodeInvalidArguments, err, op.Name)
		}
	}

	if err := r.validate.Struct(args); err != nil {
		return nil, pipelineerrors.New(pipelineerrors.ErrorCodeInvalidArguments, describeValidation(op.Name, err))
	}
	return args, nil
}

// Invoke decodes raw and runs the operation
func (r *Registry) Invoke(ctx context.Context, env Env, name string, raw json.RawMessage) (string, error) {
	op, ok := r.ops[name]
	if !ok {
		return "", r.unknown(name)
	}
	args, err := r.decode(op, raw)
	if err != nil {
		return "", err
	}

	if env.Logger == nil {
		env.Logger = zap.NewNop()
	}
	if env.Out == nil {
		env.Out = io.Discard
	}
	if env.Secrets == nil {
		env.Secrets = secrets.NewHostResolver()
	}

	ctx = domain.WithOperation(ctx, name)
	env.Logger.Info("Running operation", zap.String("operation", name))
	return op.run(ctx, env, args)
}

func describeValidation(opName string, err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Sprintf("%s: %v", opName, err)
	}
	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, fmt.Sprintf("field '%s' failed '%s'", fe.Field(), fe.Tag()))
	}
	return fmt.Sprintf("%s: %s", opName, strings.Join(problems, "; "))
}

// resolveSecret loads ref through the env's resolver. Failures are argument
// errors: the caller named a secret that is not there.
func resolveSecret(ctx context.Context, env Env, name string, ref secrets.Ref) (secrets.Secret, error) {
	secret, err := env.Secrets.Resolve(ctx, name, ref)
	if err != nil {
		return secrets.Secret{}, pipelineerrors.Wrap(pipelineerrors.ErrorCodeInvalidArguments, err, name)
	}
	return secret, nil
}
