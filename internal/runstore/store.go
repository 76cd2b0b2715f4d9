// Package runstore persists pipeline runs and their scenes.
package runstore

import (
	"context"
	"errors"
	"slices"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/lessonreel/internal/models"
)

var ErrNotFound = errors.New("run not found")

type Store interface {
	Create(ctx context.Context, run *models.Run) error
	// Get returns the run with its scenes ordered by index.
	Get(ctx context.Context, id uuid.UUID) (*models.Run, error)
	// List returns runs newest first, without scenes.
	List(ctx context.Context, limit, offset int) ([]*models.Run, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.RunStatus) error
	// Save writes the whole run, replacing its stored scenes.
	Save(ctx context.Context, run *models.Run) error
}

// clone copies run without scene payloads.
func clone(run *models.Run) *models.Run {
	c := *run
	c.Degradations = slices.Clone(run.Degradations)
	c.Scenes = make([]models.Scene, len(run.Scenes))
	for i, sc := range run.Scenes {
		sc.Audio = nil
		sc.Image = nil
		sc.Words = slices.Clone(sc.Words)
		c.Scenes[i] = sc
	}
	if run.Scenes == nil {
		c.Scenes = nil
	}
	return &c
}
