package services

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	"go.uber.org/zap"

	"stackyn/pipeline/internal/domain"
)

// GitService reads version-control metadata of source trees
type GitService struct {
	logger *zap.Logger
}

// NewGitService creates a new Git service
func NewGitService(logger *zap.Logger) *GitService {
	return &GitService{
		logger: logger,
	}
}

// ResolveCommit returns the full hash of the commit HEAD points at in the
// repository containing src. Parent directories are searched for .git.
func (s *GitService) ResolveCommit(ctx context.Context, src domain.Source) (string, error) {
	path, err := filepath.Abs(src.Path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", src.Path, err)
	}

	repo, err := git.PlainOpenWithOptions(path, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return "", fmt.Errorf("failed to open repository at %s: %w", path, err)
	}

	ref, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to get HEAD reference: %w", err)
	}

	commitSHA := ref.Hash().String()
	s.logger.Debug("Resolved commit",
		zap.String("path", path),
		zap.String("commit_sha", commitSHA),
		zap.String("ref", ref.Name().Short()),
	)
	return commitSHA, nil
}
