package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/ports"
	"screenshare/internal/infrastructure/repositories/rows"

	"github.com/redis/go-redis/v9"
)

// RedisSessionRepository stores sessions as JSON rows, indexed per ticket and
// per request. The ticket's active key is held while a session is
// initializing or active.
type RedisSessionRepository struct {
	client   *redis.Client
	profiles ports.ProfileRepository
}

func NewRedisSessionRepository(client *redis.Client, profiles ports.ProfileRepository) ports.SessionRepository {
	return &RedisSessionRepository{client: client, profiles: profiles}
}

func (r *RedisSessionRepository) Create(ctx context.Context, s *domain.ScreenShareSession) error {
	row := rows.FromSession(s)
	if err := newProfileLookup(r.profiles).exist(ctx, row.PublisherID, row.SubscriberID); err != nil {
		return err
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	active := activeSessionKey(s.TicketID)
	claimed := false
	if s.Status.IsActive() {
		if err := r.claim(ctx, active, s.ID); err != nil {
			return err
		}
		claimed = true
	}

	score := float64(s.StartedAt.UnixMilli())
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, sessionKey(s.ID), data, 0)
		pipe.ZAdd(ctx, ticketSessionsKey(s.TicketID), redis.Z{Score: score, Member: string(s.ID)})
		pipe.ZAdd(ctx, requestSessionsKey(s.RequestID), redis.Z{Score: score, Member: string(s.ID)})
		return nil
	})
	if err != nil {
		if claimed {
			r.release(ctx, active, s.ID)
		}
		return fmt.Errorf("failed to store session in Redis: %w", err)
	}
	return nil
}

func (r *RedisSessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.ScreenShareSession, error) {
	row, err := r.loadRow(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.join(ctx, newProfileLookup(r.profiles), row)
}

func (r *RedisSessionRepository) ListByTicket(ctx context.Context, ticketID domain.TicketID) ([]*domain.ScreenShareSession, error) {
	return r.listIndex(ctx, ticketSessionsKey(ticketID))
}

func (r *RedisSessionRepository) GetByRequestID(ctx context.Context, requestID domain.RequestID) (*domain.ScreenShareSession, error) {
	sessions, err := r.listIndex(ctx, requestSessionsKey(requestID))
	if err != nil {
		return nil, err
	}
	if len(sessions) == 0 {
		return nil, domain.ErrSessionNotFound
	}
	return sessions[0], nil
}

func (r *RedisSessionRepository) FindActiveByTicket(ctx context.Context, ticketID domain.TicketID) (*domain.ScreenShareSession, error) {
	id, err := r.client.Get(ctx, activeSessionKey(ticketID)).Result()
	if err == redis.Nil {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}
	s, err := r.GetByID(ctx, domain.SessionID(id))
	if err != nil {
		return nil, err
	}
	if !s.Status.IsActive() {
		return nil, domain.ErrSessionNotFound
	}
	return s, nil
}

func (r *RedisSessionRepository) Update(ctx context.Context, s *domain.ScreenShareSession) error {
	current, err := r.loadRow(ctx, s.ID)
	if err != nil {
		return err
	}

	// Only the mutable fields change; identity and parties stay as stored.
	next := current
	updated := rows.FromSession(s)
	next.Status = updated.Status
	next.StreamID = updated.StreamID
	next.ErrorMessage = updated.ErrorMessage
	next.EndedAt = updated.EndedAt
	next.LastActivityAt = updated.LastActivityAt

	active := activeSessionKey(domain.TicketID(current.TicketID))
	if s.Status.IsActive() {
		if err := r.claim(ctx, active, s.ID); err != nil {
			return err
		}
	}

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(s.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to update session in Redis: %w", err)
	}
	if !s.Status.IsActive() {
		r.release(ctx, active, s.ID)
	}
	return nil
}

// claim takes the ticket's active key for id. Holding it already is fine.
func (r *RedisSessionRepository) claim(ctx context.Context, key string, id domain.SessionID) error {
	ok, err := r.client.SetNX(ctx, key, string(id), 0).Result()
	if err != nil {
		return fmt.Errorf("failed to claim active session: %w", err)
	}
	if ok {
		return nil
	}
	holder, err := r.client.Get(ctx, key).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to read active session: %w", err)
	}
	if holder == string(id) {
		return nil
	}
	return domain.ErrActiveSessionExists
}

func (r *RedisSessionRepository) release(ctx context.Context, key string, id domain.SessionID) {
	_ = releaseScript.Run(ctx, r.client, []string{key}, string(id)).Err()
}

func (r *RedisSessionRepository) listIndex(ctx context.Context, index string) ([]*domain.ScreenShareSession, error) {
	ids, err := r.client.ZRevRange(ctx, index, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	if len(ids) == 0 {
		return []*domain.ScreenShareSession{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = sessionKey(domain.SessionID(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	lookup := newProfileLookup(r.profiles)
	out := make([]*domain.ScreenShareSession, 0, len(values))
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var row rows.SessionRow
		if err := json.Unmarshal([]byte(str), &row); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session: %w", err)
		}
		s, err := r.join(ctx, lookup, row)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}

func (r *RedisSessionRepository) loadRow(ctx context.Context, id domain.SessionID) (rows.SessionRow, error) {
	var row rows.SessionRow
	data, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		return row, domain.ErrSessionNotFound
	}
	if err != nil {
		return row, fmt.Errorf("failed to get session from Redis: %w", err)
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return row, fmt.Errorf("failed to unmarshal session: %w", err)
	}
	return row, nil
}

func (r *RedisSessionRepository) join(ctx context.Context, lookup *profileLookup, row rows.SessionRow) (*domain.ScreenShareSession, error) {
	publisher, err := lookup.get(ctx, row.PublisherID)
	if err != nil {
		return nil, err
	}
	subscriber, err := lookup.get(ctx, row.SubscriberID)
	if err != nil {
		return nil, err
	}
	return row.ToDomain(publisher, subscriber)
}
