package domain

import (
	"encoding/hex"
	"fmt"

	"github.com/google/go-containerregistry/pkg/name"
)

const (
	// ShortCommitLength is the number of commit hash characters in a commit-addressed tag
	ShortCommitLength = 12
	// LatestTag is the mutable tag published after the commit-addressed one
	LatestTag = "latest"
)

// ImageReference is a fully qualified image tag
type ImageReference struct {
	Host      string
	Namespace string
	Name      string
	Tag       string
}

// String renders host/namespace/name:tag
func (r ImageReference) String() string {
	repo := r.Name
	if r.Namespace != "" {
		repo = r.Namespace + "/" + repo
	}
	if r.Host != "" {
		repo = r.Host + "/" + repo
	}
	return repo + ":" + r.Tag
}

// Validate checks the rendered reference is a syntactically valid tag
func (r ImageReference) Validate() error {
	if r.Name == "" || r.Tag == "" {
		return fmt.Errorf("image reference needs a name and a tag")
	}
	if _, err := name.NewTag(r.String(), name.StrictValidation); err != nil {
		return fmt.Errorf("invalid image reference %q: %w", r.String(), err)
	}
	return nil
}

// ShortCommit returns exactly the first ShortCommitLength characters of hash
func ShortCommit(hash string) (string, error) {
	if len(hash) < ShortCommitLength {
		return "", fmt.Errorf("commit hash %q is shorter than %d characters", hash, ShortCommitLength)
	}
	short := hash[:ShortCommitLength]
	if _, err := hex.DecodeString(short); err != nil {
		return "", fmt.Errorf("commit hash %q is not hexadecimal", hash)
	}
	return short, nil
}

// PublishReferences returns the commit-addressed reference followed by the
// latest reference, in push order.
func PublishReferences(host, namespace, image, commit string) ([]ImageReference, error) {
	short, err := ShortCommit(commit)
	if err != nil {
		return nil, err
	}
	refs := []ImageReference{
		{Host: host, Namespace: namespace, Name: image, Tag: short},
		{Host: host, Namespace: namespace, Name: image, Tag: LatestTag},
	}
	for _, ref := range refs {
		if err := ref.Validate(); err != nil {
			return nil, err
		}
	}
	return refs, nil
}
