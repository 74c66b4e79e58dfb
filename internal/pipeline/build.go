package pipeline

import (
	"context"
	"time"

	"go.uber.org/zap"

	"stackyn/pipeline/internal/domain"
	pipelineerrors "stackyn/pipeline/internal/errors"
)

// SmokeCommand is the diagnostic run inside a freshly built image
var SmokeCommand = []string{"sh", "-lc", "echo built && uname -a && ls -la"}

// BuildOptions are the optional inputs of a Dockerfile build
type BuildOptions struct {
	Dockerfile string
	Target     string
	BuildArgs  []string // KEY=VALUE
	Platform   string
}

// Build builds src with its Dockerfile and returns the image handle
func (c *Composer) Build(ctx context.Context, src domain.Source, opts BuildOptions) (domain.Image, error) {
	req, err := domain.NewBuildRequest(src, opts.Dockerfile, opts.Target, opts.BuildArgs, opts.Platform)
	if err != nil {
		return nil, err
	}
	return c.build(ctx, req)
}

func (c *Composer) build(ctx context.Context, req domain.BuildRequest) (domain.Image, error) {
	logger := c.log(ctx)
	logger.Info("Building image",
		zap.String("source", req.Source.Path),
		zap.String("dockerfile", req.Dockerfile),
		zap.String("target", req.Target),
		zap.Int("build_args", len(req.BuildArgs)),
		zap.String("platform", req.Platform),
	)

	start := time.Now()
	img, err := c.backend.Build(ctx, req)
	if err != nil {
		logger.Error("Image build failed", zap.Error(err))
		if _, ok := pipelineerrors.AsPipelineError(err); ok {
			return nil, err
		}
		return nil, pipelineerrors.Wrap(pipelineerrors.ErrorCodeBuildFailed, err)
	}

	logger.Info("Image built",
		zap.String("image", img.Describe()),
		zap.Duration("duration", time.Since(start)),
	)
	return img, nil
}

// SmokeTest builds src with default options and runs SmokeCommand inside
// the result, returning its standard output.
func (c *Composer) SmokeTest(ctx context.Context, src domain.Source) (string, error) {
	img, err := c.Build(ctx, src, BuildOptions{})
	if err != nil {
		return "", err
	}

	c.log(ctx).Info("Running smoke command", zap.String("image", img.Describe()))
	out, err := c.backend.Exec(ctx, domain.ExecSpec{
		Image:    img,
		Commands: [][]string{SmokeCommand},
	})
	if err != nil {
		return "", classifyExecError(err, SmokeCommand, pipelineerrors.ErrorCodeCommandFailed)
	}
	return out, nil
}
