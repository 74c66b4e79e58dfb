package pipeline

import (
	"context"

	"go.uber.org/zap"

	"stackyn/pipeline/internal/domain"
	pipelineerrors "stackyn/pipeline/internal/errors"
	"stackyn/pipeline/internal/secrets"
)

// PublishOptions name the destination repository and its credentials
type PublishOptions struct {
	Image     string
	Namespace string
	Username  string
	Token     secrets.Secret
}

// Publish builds src and pushes it twice: first under the short commit
// hash, then as latest. The second push only happens when the first
// succeeded. Returns the result of the latest push.
func (c *Composer) Publish(ctx context.Context, src domain.Source, opts PublishOptions) (string, error) {
	logger := c.log(ctx)

	if opts.Token.IsZero() {
		return "", pipelineerrors.New(pipelineerrors.ErrorCodePublishFailed, "registry token is required")
	}

	commit, err := c.commits.ResolveCommit(ctx, src)
	if err != nil {
		return "", pipelineerrors.Wrap(pipelineerrors.ErrorCodePublishFailed, err, "resolve commit")
	}

	refs, err := domain.PublishReferences(c.config.RegistryHost, opts.Namespace, opts.Image, commit)
	if err != nil {
		return "", pipelineerrors.Wrap(pipelineerrors.ErrorCodePublishFailed, err)
	}

	img, err := c.build(ctx, domain.BuildRequest{Source: src, Dockerfile: domain.DefaultDockerfile})
	if err != nil {
		return "", pipelineerrors.Wrap(pipelineerrors.ErrorCodePublishFailed, err, "build")
	}

	auth := domain.RegistryAuth{
		Address:  c.config.RegistryHost,
		Username: opts.Username,
		Secret:   opts.Token,
	}

	var result string
	for _, ref := range refs {
		logger.Info("Publishing image", zap.String("ref", ref.String()))
		result, err = c.backend.Publish(ctx, img, ref.String(), auth)
		if err != nil {
			logger.Error("Publish failed", zap.String("ref", ref.String()), zap.Error(err))
			return "", pipelineerrors.Wrap(pipelineerrors.ErrorCodePublishFailed, err, ref.String())
		}
		logger.Info("Image published", zap.String("ref", ref.String()), zap.String("result", result))
	}
	return result, nil
}
