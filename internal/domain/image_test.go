package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShortCommit(t *testing.T) {
	short, err := ShortCommit("abcdef1234567890")
	require.NoError(t, err)
	assert.Equal(t, "abcdef123456", short)

	full := "0123456789abcdef0123456789abcdef01234567"
	short, err = ShortCommit(full)
	require.NoError(t, err)
	assert.Equal(t, full[:12], short)
	assert.Len(t, short, ShortCommitLength)

	_, err = ShortCommit("abc123")
	assert.Error(t, err)

	_, err = ShortCommit("not-a-hash-at-all")
	assert.Error(t, err)
}

func TestPublishReferences(t *testing.T) {
	refs, err := PublishReferences("ghcr.io", "myorg", "myimage", "abcdef1234567890")
	require.NoError(t, err)
	require.Len(t, refs, 2)

	assert.Equal(t, "ghcr.io/myorg/myimage:abcdef123456", refs[0].String())
	assert.Equal(t, "ghcr.io/myorg/myimage:latest", refs[1].String())
}

func TestPublishReferencesRejectsInvalidNames(t *testing.T) {
	_, err := PublishReferences("ghcr.io", "MyOrg", "myimage", "abcdef1234567890")
	assert.Error(t, err)

	_, err = PublishReferences("ghcr.io", "myorg", "", "abcdef1234567890")
	assert.Error(t, err)

	_, err = PublishReferences("ghcr.io", "myorg", "myimage", "short")
	assert.Error(t, err)
}

func TestImageReferenceString(t *testing.T) {
	ref := ImageReference{Host: "registry.example.com:5000", Namespace: "team/sub", Name: "app", Tag: "v1"}
	assert.Equal(t, "registry.example.com:5000/team/sub/app:v1", ref.String())
	assert.NoError(t, ref.Validate())
}
