package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/filegate/internal/models"
)

type InMemoryRepository struct {
	files map[string]*models.FileRecord
	mu    sync.RWMutex
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		files: make(map[string]*models.FileRecord),
	}
}

func (r *InMemoryRepository) Accept(ctx context.Context, file *models.AcceptedFile) (string, error) {
	if err := validate(file); err != nil {
		return "", err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	rec := &models.FileRecord{
		ID:           uuid.NewString(),
		AcceptedFile: *file,
		CreatedAt:    time.Now().UTC(),
	}
	r.files[rec.ID] = rec
	return rec.ID, nil
}

func (r *InMemoryRepository) Get(ctx context.Context, id string) (*models.FileRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.files[id]
	if !ok {
		return nil, ErrFileNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r *InMemoryRepository) TenantUsage(ctx context.Context, tenant string) (int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total int64
	for _, rec := range r.files {
		if rec.Tenant == tenant {
			total += rec.Size
		}
	}
	return total, nil
}

// ListByTenant returns newest first. limit <= 0 means no limit.
func (r *InMemoryRepository) ListByTenant(ctx context.Context, tenant string, limit int) ([]*models.FileRecord, error) {
	r.mu.RLock()
	var out []*models.FileRecord
	for _, rec := range r.files {
		if rec.Tenant == tenant {
			cp := *rec
			out = append(out, &cp)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *InMemoryRepository) Close() {}
