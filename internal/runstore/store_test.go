package runstore

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/lessonreel/internal/config"
	"github.com/nikhilbhutani/lessonreel/internal/database"
	"github.com/nikhilbhutani/lessonreel/internal/models"
)

func sampleRun() *models.Run {
	run := models.NewRun(models.RunRequest{Script: "Cells are tiny.", Settings: models.Settings{Pacing: models.PacingFast}})
	run.CreatedAt = run.CreatedAt.Truncate(time.Microsecond)
	run.UpdatedAt = run.CreatedAt
	return run
}

// exercise runs the shared contract against any Store.
func exercise(t *testing.T, s Store) {
	ctx := context.Background()
	run := sampleRun()
	if err := s.Create(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.UpdateStatus(ctx, run.ID, models.StatusStoryboarding); err != nil {
		t.Fatalf("update status: %v", err)
	}

	run.Status = models.StatusAssembled
	run.Outcome = models.OutcomeDegraded
	run.Script = "Cells are tiny. They divide."
	run.TotalDuration = 4
	run.Degradations = []models.Degradation{{Scene: 1, Kind: models.DegradedImage, Reason: "content policy"}}
	run.Scenes = []models.Scene{
		{Index: 0, Text: "Cells are tiny.", ImageKey: "a.png", Audio: []byte("pcm"), StartTime: 0, EndTime: 2,
			Words: []models.WordTiming{{Word: "Cells", StartMs: 0, EndMs: 500}}},
		{Index: 1, Text: "They divide.", ImageKey: "b.png", ImagePlaceholder: true, StartTime: 2, EndTime: 4},
	}
	run.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	if err := s.Save(ctx, run); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.Get(ctx, run.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != models.StatusAssembled || got.Outcome != models.OutcomeDegraded || got.Request.Settings.Pacing != models.PacingFast {
		t.Fatalf("unexpected run %+v", got)
	}
	if len(got.Scenes) != 2 || got.Scenes[1].EndTime != 4 || !got.Scenes[1].ImagePlaceholder {
		t.Fatalf("unexpected scenes %+v", got.Scenes)
	}
	if got.Scenes[0].Audio != nil {
		t.Fatalf("audio payload should not be stored")
	}
	if len(got.Scenes[0].Words) != 1 || len(got.Degradations) != 1 {
		t.Fatalf("words or degradations lost: %+v", got)
	}

	// saving again replaces scenes
	run.Scenes = run.Scenes[:1]
	if err := s.Save(ctx, run); err != nil {
		t.Fatalf("save again: %v", err)
	}
	got, _ = s.Get(ctx, run.ID)
	if len(got.Scenes) != 1 {
		t.Fatalf("expected scenes to be replaced, got %d", len(got.Scenes))
	}

	if _, err := s.Get(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateStatus(ctx, uuid.New(), models.StatusFailed); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore(t *testing.T) {
	exercise(t, NewMemory())
}

func TestMemoryListNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	older := sampleRun()
	older.CreatedAt = older.CreatedAt.Add(-time.Hour)
	newer := sampleRun()
	for _, r := range []*models.Run{older, newer} {
		if err := m.Create(ctx, r); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	runs, err := m.List(ctx, 1, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != newer.ID {
		t.Fatalf("expected newest run first, got %+v", runs)
	}
	if runs, _ := m.List(ctx, 10, 5); len(runs) != 0 {
		t.Fatalf("expected empty page")
	}
}

func TestMemoryIsolatesCallers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	run := sampleRun()
	_ = m.Create(ctx, run)
	run.Status = models.StatusFailed
	got, _ := m.Get(ctx, run.ID)
	if got.Status != models.StatusPending {
		t.Fatalf("store shared memory with caller")
	}
}

// Requires a live database; set DATABASE_TEST_URL to run.
func TestPostgresStore(t *testing.T) {
	url := os.Getenv("DATABASE_TEST_URL")
	if url == "" {
		t.Skip("DATABASE_TEST_URL not set")
	}
	ctx := context.Background()
	pool, err := database.NewPool(ctx, config.DatabaseConfig{URL: url, MaxConns: 4, MinConns: 1})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := database.RunMigrations(ctx, pool, database.Migrations()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	exercise(t, NewPostgres(pool))
}
