package services

import (
	"bytes"
	"context"
	"fmt"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// serviceLogTailLines is how much service output is attached to a start failure
const serviceLogTailLines = 50

// containerOutput returns the complete stdout and stderr of a finished container
func (b *DockerBackend) containerOutput(ctx context.Context, containerID string) (string, string, error) {
	reader, err := b.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("failed to read container logs: %w", err)
	}
	defer reader.Close()

	// Non-TTY logs are multiplexed with an 8-byte frame header per chunk
	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, reader); err != nil {
		return "", "", fmt.Errorf("failed to demultiplex container logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

// containerLogTail returns the last lines of a container's combined output.
// Errors yield an empty string; the tail only decorates another failure.
func (b *DockerBackend) containerLogTail(ctx context.Context, containerID string, lines int) string {
	reader, err := b.client.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(lines),
	})
	if err != nil {
		return ""
	}
	defer reader.Close()

	var combined bytes.Buffer
	_, _ = stdcopy.StdCopy(&combined, &combined, reader)
	return combined.String()
}
