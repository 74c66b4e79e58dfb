package services

import (
	"testing"
	"time"

	"github.com/docker/docker/api/types/image"
	"github.com/stretchr/testify/assert"
)

func TestKeepImage(t *testing.T) {
	now := time.Now()
	cutoff := now.Add(-MinPruneAge)
	old := now.Add(-3 * time.Hour).Unix()
	fresh := now.Add(-time.Minute).Unix()

	tests := []struct {
		name string
		img  image.Summary
		keep bool
	}{
		{name: "old unused image removed", img: image.Summary{Created: old, Containers: 0}, keep: false},
		{name: "image backing a container kept", img: image.Summary{Created: old, Containers: 1}, keep: true},
		{name: "uncounted containers kept", img: image.Summary{Created: old, Containers: -1}, keep: true},
		{name: "fresh image kept", img: image.Summary{Created: fresh, Containers: 0}, keep: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.keep, keepImage(tt.img, cutoff))
		})
	}
}

func TestCreatedAfter(t *testing.T) {
	cutoff := time.Now().Add(-MinPruneAge)
	assert.True(t, createdAfter(time.Now().Add(-time.Minute).Unix(), cutoff))
	assert.False(t, createdAfter(time.Now().Add(-3*time.Hour).Unix(), cutoff))
}
