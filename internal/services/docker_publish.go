package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"go.uber.org/zap"

	"stackyn/pipeline/internal/domain"
)

// pushDigest extracts the digest from a push aux payload
func pushDigest(raw json.RawMessage) string {
	var result struct {
		Digest string `json:"Digest"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return ""
	}
	return result.Digest
}

// Publish tags img as ref and pushes it. The result is ref@digest when the
// registry reported a digest.
func (b *DockerBackend) Publish(ctx context.Context, img domain.Image, ref string, auth domain.RegistryAuth) (string, error) {
	di, err := b.resolveImage(img)
	if err != nil {
		return "", err
	}

	if err := b.client.ImageTag(ctx, di.id, ref); err != nil {
		return "", fmt.Errorf("failed to tag %s: %w", ref, err)
	}

	encodedAuth, err := registry.EncodeAuthConfig(registry.AuthConfig{
		Username:      auth.Username,
		Password:      auth.Secret.Reveal(),
		ServerAddress: auth.Address,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode registry credentials: %w", err)
	}

	b.logger.Info("Pushing image", zap.String("ref", ref), zap.String("registry", auth.Address))
	reader, err := b.client.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: encodedAuth})
	if err != nil {
		return "", fmt.Errorf("failed to push %s: %w", ref, err)
	}
	defer reader.Close()

	var digest string
	err = b.displayStream(reader, func(raw json.RawMessage) {
		if d := pushDigest(raw); d != "" {
			digest = d
		}
	})
	if err != nil {
		return "", fmt.Errorf("failed to push %s: %w", ref, err)
	}

	if digest == "" {
		return ref, nil
	}
	return ref + "@" + digest, nil
}
