package services

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"go.uber.org/zap"
)

// managedLabel marks every container, image, network and volume the
// docker backend creates
const managedLabel = "stackyn.pipeline.managed"

func managedLabels() map[string]string {
	return map[string]string{managedLabel: "true"}
}

func managedFilter() filters.Args {
	return filters.NewArgs(filters.Arg("label", managedLabel+"=true"))
}

// MinPruneAge is the youngest a resource may be and still get pruned.
// Anything newer may belong to a run in flight.
const MinPruneAge = 2 * time.Hour

// PruneOptions selects what Prune removes
type PruneOptions struct {
	// OlderThan keeps anything created more recently; raised to MinPruneAge
	OlderThan time.Duration
	// Volumes also removes the toolchain cache volumes
	Volumes bool
}

// PruneReport summarizes one prune pass
type PruneReport struct {
	ContainersRemoved int
	ImagesRemoved     int
	NetworksRemoved   int
	VolumesRemoved    int
	SpaceFreedMB      int64
	Errors            []string
}

// Prune removes leftovers of interrupted runs: stopped containers, built
// images and service networks carrying the managed label. Individual
// failures are collected in the report rather than aborting the pass.
func (b *DockerBackend) Prune(ctx context.Context, opts PruneOptions) (*PruneReport, error) {
	report := &PruneReport{Errors: []string{}}
	olderThan := max(opts.OlderThan, MinPruneAge)
	cutoff := time.Now().Add(-olderThan)

	b.logger.Info("Starting prune", zap.Duration("older_than", olderThan), zap.Bool("volumes", opts.Volumes))

	removed, err := b.pruneContainers(ctx, cutoff)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("containers: %v", err))
	}
	report.ContainersRemoved = removed

	removed, freed, err := b.pruneImages(ctx, cutoff)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("images: %v", err))
	}
	report.ImagesRemoved = removed
	report.SpaceFreedMB = freed / (1024 * 1024)

	networkFilter := managedFilter()
	networkFilter.Add("until", cutoff.Format(time.RFC3339))
	networks, err := b.client.NetworksPrune(ctx, networkFilter)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("networks: %v", err))
	}
	report.NetworksRemoved = len(networks.NetworksDeleted)

	if opts.Volumes {
		volumeFilter := managedFilter()
		volumeFilter.Add("all", "true")
		volumes, err := b.client.VolumesPrune(ctx, volumeFilter)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("volumes: %v", err))
		}
		report.VolumesRemoved = len(volumes.VolumesDeleted)
		report.SpaceFreedMB += int64(volumes.SpaceReclaimed / (1024 * 1024))
	}

	b.logger.Info("Prune completed",
		zap.Int("containers_removed", report.ContainersRemoved),
		zap.Int("images_removed", report.ImagesRemoved),
		zap.Int("networks_removed", report.NetworksRemoved),
		zap.Int("volumes_removed", report.VolumesRemoved),
		zap.Int64("space_freed_mb", report.SpaceFreedMB),
		zap.Int("errors", len(report.Errors)),
	)
	return report, nil
}

func (b *DockerBackend) pruneContainers(ctx context.Context, cutoff time.Time) (int, error) {
	filter := managedFilter()
	filter.Add("status", "exited")
	filter.Add("status", "dead")
	filter.Add("status", "created")

	containers, err := b.client.ContainerList(ctx, container.ListOptions{All: true, Filters: filter})
	if err != nil {
		return 0, fmt.Errorf("failed to list containers: %w", err)
	}

	removed := 0
	for _, c := range containers {
		if createdAfter(c.Created, cutoff) {
			continue
		}
		if err := b.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
			b.logger.Warn("Failed to remove container", zap.String("container_id", c.ID), zap.Error(err))
			continue
		}
		removed++
	}
	return removed, nil
}

func (b *DockerBackend) pruneImages(ctx context.Context, cutoff time.Time) (int, int64, error) {
	images, err := b.client.ImageList(ctx, image.ListOptions{All: true, ContainerCount: true, Filters: managedFilter()})
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list images: %w", err)
	}

	removed := 0
	var freed int64
	for _, img := range images {
		if keepImage(img, cutoff) {
			continue
		}
		if _, err := b.client.ImageRemove(ctx, img.ID, image.RemoveOptions{Force: true, PruneChildren: true}); err != nil {
			b.logger.Debug("Failed to remove image", zap.String("image_id", img.ID), zap.Error(err))
			continue
		}
		removed++
		freed += img.Size
	}
	return removed, freed, nil
}

func createdAfter(created int64, cutoff time.Time) bool {
	return time.Unix(created, 0).After(cutoff)
}

// keepImage reports whether img must survive a prune. The daemon reports
// a container count of -1 when it did not count, which is treated as in use.
func keepImage(img image.Summary, cutoff time.Time) bool {
	return img.Containers != 0 || createdAfter(img.Created, cutoff)
}
