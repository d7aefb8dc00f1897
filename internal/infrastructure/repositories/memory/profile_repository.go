package memory

import (
	"context"
	"sync"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/ports"
)

type MemoryProfileRepository struct {
	profiles map[domain.ProfileID]*domain.Profile
	mu       sync.RWMutex
}

func NewMemoryProfileRepository() ports.ProfileRepository {
	return &MemoryProfileRepository{
		profiles: make(map[domain.ProfileID]*domain.Profile),
	}
}

func (r *MemoryProfileRepository) GetByID(ctx context.Context, id domain.ProfileID) (*domain.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, exists := r.profiles[id]
	if !exists {
		return nil, domain.ErrProfileNotFound
	}
	return p.Clone(), nil
}

func (r *MemoryProfileRepository) Upsert(ctx context.Context, profile *domain.Profile) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.profiles[profile.ID] = profile.Clone()
	return nil
}
