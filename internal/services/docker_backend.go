package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"go.uber.org/zap"
)

// DockerBackendOptions configure the Docker Engine backend
type DockerBackendOptions struct {
	// Host is the daemon address; empty uses DOCKER_HOST or the default socket
	Host string
	// ServiceReadyTimeout bounds how long a service may take to become healthy
	ServiceReadyTimeout time.Duration
	// Progress receives build, pull and push progress; nil discards it
	Progress io.Writer
}

// DockerBackend runs pipeline operations against a Docker Engine. Source
// trees and secrets are bind-mounted, so the daemon must share the host's
// filesystem.
type DockerBackend struct {
	client       *client.Client
	logger       *zap.Logger
	readyTimeout time.Duration
	progress     io.Writer
}

// NewDockerBackend creates a Docker client and checks the daemon answers
func NewDockerBackend(ctx context.Context, opts DockerBackendOptions, logger *zap.Logger) (*DockerBackend, error) {
	clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if opts.Host != "" {
		clientOpts = append(clientOpts, client.WithHost(opts.Host))
	}

	cli, err := client.NewClientWithOpts(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}

	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker daemon is not reachable: %w", err)
	}

	if opts.ServiceReadyTimeout <= 0 {
		opts.ServiceReadyTimeout = 2 * time.Minute
	}
	if opts.Progress == nil {
		opts.Progress = io.Discard
	}

	logger.Info("Connected to Docker daemon", zap.String("host", cli.DaemonHost()))
	return &DockerBackend{
		client:       cli,
		logger:       logger,
		readyTimeout: opts.ServiceReadyTimeout,
		progress:     opts.Progress,
	}, nil
}

// Close closes the Docker client
func (b *DockerBackend) Close() error {
	return b.client.Close()
}

type dockerImage struct {
	id  string
	tag string
}

func (i *dockerImage) Describe() string {
	if i.tag != "" {
		return i.tag
	}
	return i.id
}

// displayStream copies a daemon JSON message stream to the progress writer
// and returns the stream's terminal error, if any. aux receives auxiliary
// payloads such as the pushed digest.
func (b *DockerBackend) displayStream(stream io.Reader, aux func(json.RawMessage)) error {
	var auxCallback func(jsonmessage.JSONMessage)
	if aux != nil {
		auxCallback = func(msg jsonmessage.JSONMessage) {
			if msg.Aux != nil {
				aux(*msg.Aux)
			}
		}
	}
	return jsonmessage.DisplayJSONMessagesStream(stream, b.progress, 0, false, auxCallback)
}

func (b *DockerBackend) resolveImage(img interface{ Describe() string }) (*dockerImage, error) {
	di, ok := img.(*dockerImage)
	if !ok {
		return nil, fmt.Errorf("image %s was not built by the Docker backend", img.Describe())
	}
	return di, nil
}

// pullImage pulls ref for platform and waits for the pull to finish
func (b *DockerBackend) pullImage(ctx context.Context, ref, platform string) error {
	b.logger.Info("Pulling image", zap.String("image", ref), zap.String("platform", platform))

	reader, err := b.client.ImagePull(ctx, ref, image.PullOptions{Platform: platform})
	if err != nil {
		return fmt.Errorf("failed to pull %s: %w", ref, err)
	}
	defer reader.Close()

	if err := b.displayStream(reader, nil); err != nil {
		return fmt.Errorf("failed to pull %s: %w", ref, err)
	}
	return nil
}
