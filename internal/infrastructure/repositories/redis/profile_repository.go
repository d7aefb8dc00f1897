package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/ports"
	"screenshare/internal/infrastructure/repositories/rows"

	"github.com/redis/go-redis/v9"
)

type RedisProfileRepository struct {
	client *redis.Client
}

func NewRedisProfileRepository(client *redis.Client) ports.ProfileRepository {
	return &RedisProfileRepository{client: client}
}

func (r *RedisProfileRepository) GetByID(ctx context.Context, id domain.ProfileID) (*domain.Profile, error) {
	data, err := r.client.Get(ctx, profileKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrProfileNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile from Redis: %w", err)
	}

	var row rows.ProfileRow
	if err := json.Unmarshal(data, &row); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile: %w", err)
	}
	return row.ToDomain()
}

func (r *RedisProfileRepository) Upsert(ctx context.Context, profile *domain.Profile) error {
	data, err := json.Marshal(rows.FromProfile(profile))
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}
	if err := r.client.Set(ctx, profileKey(profile.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to set profile in Redis: %w", err)
	}
	return nil
}

// profileLookup joins profile ids back into profiles, caching within one call.
type profileLookup struct {
	repo  ports.ProfileRepository
	cache map[domain.ProfileID]*domain.Profile
}

func newProfileLookup(repo ports.ProfileRepository) *profileLookup {
	return &profileLookup{repo: repo, cache: make(map[domain.ProfileID]*domain.Profile)}
}

// get returns nil, nil for an unknown profile so that the row mapper can
// report the failed join.
func (l *profileLookup) get(ctx context.Context, id string) (*domain.Profile, error) {
	pid := domain.ProfileID(id)
	if p, ok := l.cache[pid]; ok {
		return p, nil
	}
	p, err := l.repo.GetByID(ctx, pid)
	if err == domain.ErrProfileNotFound {
		l.cache[pid] = nil
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	l.cache[pid] = p
	return p, nil
}

// exist checks that every id names a stored profile.
func (l *profileLookup) exist(ctx context.Context, ids ...string) error {
	for _, id := range ids {
		p, err := l.get(ctx, id)
		if err != nil {
			return err
		}
		if p == nil {
			return fmt.Errorf("%w: %s", domain.ErrProfileNotFound, id)
		}
	}
	return nil
}
