package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/pkg/archive"
	"github.com/google/uuid"
	"github.com/moby/patternmatcher/ignorefile"
	"go.uber.org/zap"

	"stackyn/pipeline/internal/domain"
)

// buildImageRepository names the local repository built images are tagged into
const buildImageRepository = "pipeline-build"

// Build sends the source tree to the daemon and builds req.Dockerfile
func (b *DockerBackend) Build(ctx context.Context, req domain.BuildRequest) (domain.Image, error) {
	imageTag := fmt.Sprintf("%s:%s", buildImageRepository, uuid.NewString())

	b.logger.Info("Building Docker image",
		zap.String("context_path", req.Source.Path),
		zap.String("dockerfile", req.Dockerfile),
		zap.String("image_tag", imageTag),
	)

	buildContext, err := createBuildContext(req.Source.Path, req.Dockerfile)
	if err != nil {
		return nil, fmt.Errorf("failed to create build context: %w", err)
	}
	defer buildContext.Close()

	resp, err := b.client.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Dockerfile: req.Dockerfile,
		Tags:       []string{imageTag},
		Target:     req.Target,
		BuildArgs:  buildArgsMap(req.BuildArgs),
		Platform:   req.Platform,
		Labels:     managedLabels(),
		Remove:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start image build: %w", err)
	}
	defer resp.Body.Close()

	if err := b.displayStream(resp.Body, nil); err != nil {
		return nil, fmt.Errorf("image build failed: %w", err)
	}

	inspect, err := b.client.ImageInspect(ctx, imageTag)
	if err != nil {
		return nil, fmt.Errorf("failed to inspect built image: %w", err)
	}

	b.logger.Info("Docker image built successfully",
		zap.String("image_id", inspect.ID),
		zap.String("image_tag", imageTag),
	)
	return &dockerImage{id: inspect.ID, tag: imageTag}, nil
}

// createBuildContext tars contextPath, honoring its .dockerignore. The
// Dockerfile and .dockerignore are always sent.
func createBuildContext(contextPath, dockerfile string) (io.ReadCloser, error) {
	excludes, err := readDockerignore(contextPath)
	if err != nil {
		return nil, err
	}
	if len(excludes) > 0 {
		excludes = append(excludes, "!"+filepath.ToSlash(dockerfile), "!.dockerignore")
	}

	rc, err := archive.TarWithOptions(contextPath, &archive.TarOptions{ExcludePatterns: excludes})
	if err != nil {
		return nil, fmt.Errorf("failed to archive %s: %w", contextPath, err)
	}
	return rc, nil
}

func readDockerignore(contextPath string) ([]string, error) {
	f, err := os.Open(filepath.Join(contextPath, ".dockerignore"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open .dockerignore: %w", err)
	}
	defer f.Close()

	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to parse .dockerignore: %w", err)
	}
	return patterns, nil
}

func buildArgsMap(args []domain.BuildArg) map[string]*string {
	if len(args) == 0 {
		return nil
	}
	m := make(map[string]*string, len(args))
	for _, arg := range args {
		value := arg.Value
		m[arg.Name] = &value
	}
	return m
}
