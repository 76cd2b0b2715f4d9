package runstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nikhilbhutani/lessonreel/internal/models"
)

// Memory is an in-process Store for tests and single-binary development.
type Memory struct {
	mu   sync.RWMutex
	runs map[uuid.UUID]*models.Run
}

func NewMemory() *Memory {
	return &Memory{runs: make(map[uuid.UUID]*models.Run)}
}

func (m *Memory) Create(ctx context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; ok {
		return fmt.Errorf("create run %s: already exists", run.ID)
	}
	m.runs[run.ID] = clone(run)
	return nil
}

func (m *Memory) Get(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(run), nil
}

func (m *Memory) List(ctx context.Context, limit, offset int) ([]*models.Run, error) {
	m.mu.RLock()
	all := make([]*models.Run, 0, len(m.runs))
	for _, r := range m.runs {
		c := clone(r)
		c.Scenes = nil
		all = append(all, c)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (m *Memory) UpdateStatus(ctx context.Context, id uuid.UUID, status models.RunStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	run.Status = status
	run.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) Save(ctx context.Context, run *models.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.runs[run.ID]; !ok {
		return ErrNotFound
	}
	m.runs[run.ID] = clone(run)
	return nil
}
