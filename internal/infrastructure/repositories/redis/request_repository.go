package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/ports"
	"screenshare/internal/infrastructure/repositories/rows"

	"github.com/redis/go-redis/v9"
)

// RedisRequestRepository stores requests as JSON rows. Each ticket keeps a
// sorted set of its request ids and an active key claimed with SET NX; the
// key's TTL runs out at the request's expiry.
type RedisRequestRepository struct {
	client   *redis.Client
	profiles ports.ProfileRepository
}

func NewRedisRequestRepository(client *redis.Client, profiles ports.ProfileRepository) ports.RequestRepository {
	return &RedisRequestRepository{client: client, profiles: profiles}
}

func (r *RedisRequestRepository) Create(ctx context.Context, req *domain.ScreenShareRequest) error {
	row := rows.FromRequest(req)
	if err := newProfileLookup(r.profiles).exist(ctx, row.SenderID, row.ReceiverID); err != nil {
		return err
	}
	data, err := json.Marshal(row)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	active := activeRequestKey(req.TicketID)
	claimed := false
	if req.Status.IsActive() {
		if err := r.expireStale(ctx, req.TicketID, req.CreatedAt); err != nil {
			return err
		}
		ttl := req.ExpiresAt.Sub(req.CreatedAt)
		if ttl <= 0 {
			ttl = time.Millisecond
		}
		ok, err := r.client.SetNX(ctx, active, string(req.ID), ttl).Result()
		if err != nil {
			return fmt.Errorf("failed to claim active request: %w", err)
		}
		if !ok {
			return domain.ErrActiveRequestExists
		}
		claimed = true
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, requestKey(req.ID), data, 0)
		pipe.ZAdd(ctx, ticketRequestsKey(req.TicketID), redis.Z{
			Score:  float64(req.CreatedAt.UnixMilli()),
			Member: string(req.ID),
		})
		return nil
	})
	if err != nil {
		if claimed {
			r.release(ctx, active, req.ID)
		}
		return fmt.Errorf("failed to store request in Redis: %w", err)
	}
	return nil
}

func (r *RedisRequestRepository) GetByID(ctx context.Context, id domain.RequestID) (*domain.ScreenShareRequest, error) {
	row, err := r.loadRow(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.join(ctx, newProfileLookup(r.profiles), row)
}

func (r *RedisRequestRepository) ListByTicket(ctx context.Context, ticketID domain.TicketID) ([]*domain.ScreenShareRequest, error) {
	ids, err := r.client.ZRevRange(ctx, ticketRequestsKey(ticketID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	if len(ids) == 0 {
		return []*domain.ScreenShareRequest{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = requestKey(domain.RequestID(id))
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load requests: %w", err)
	}

	lookup := newProfileLookup(r.profiles)
	out := make([]*domain.ScreenShareRequest, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			// Deleted between ZREVRANGE and MGET.
			continue
		}
		var row rows.RequestRow
		if err := json.Unmarshal([]byte(s), &row); err != nil {
			return nil, fmt.Errorf("failed to unmarshal request: %w", err)
		}
		req, err := r.join(ctx, lookup, row)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *RedisRequestRepository) FindActiveByTicket(ctx context.Context, ticketID domain.TicketID, now time.Time) (*domain.ScreenShareRequest, error) {
	id, err := r.client.Get(ctx, activeRequestKey(ticketID)).Result()
	if err == redis.Nil {
		return nil, domain.ErrRequestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active request: %w", err)
	}

	req, err := r.GetByID(ctx, domain.RequestID(id))
	if err != nil {
		return nil, err
	}
	if !req.IsActiveAt(now) {
		return nil, domain.ErrRequestNotFound
	}
	return req, nil
}

func (r *RedisRequestRepository) UpdateStatus(ctx context.Context, id domain.RequestID, status domain.RequestStatus, at time.Time) (*domain.ScreenShareRequest, error) {
	row, err := r.loadRow(ctx, id)
	if err != nil {
		return nil, err
	}
	row.Status = string(status)
	row.UpdatedAt = at.UTC()

	data, err := json.Marshal(row)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	if err := r.client.Set(ctx, requestKey(id), data, 0).Err(); err != nil {
		return nil, fmt.Errorf("failed to update request in Redis: %w", err)
	}
	if !status.IsActive() {
		r.release(ctx, activeRequestKey(domain.TicketID(row.TicketID)), id)
	}
	return r.join(ctx, newProfileLookup(r.profiles), row)
}

func (r *RedisRequestRepository) Delete(ctx context.Context, id domain.RequestID) error {
	row, err := r.loadRow(ctx, id)
	if err != nil {
		return err
	}
	ticketID := domain.TicketID(row.TicketID)

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, requestKey(id))
		pipe.ZRem(ctx, ticketRequestsKey(ticketID), string(id))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete request from Redis: %w", err)
	}
	r.release(ctx, activeRequestKey(ticketID), id)
	return nil
}

// expireStale marks the ticket's last active request expired when its window
// has closed at now, and frees the active key it may still hold.
func (r *RedisRequestRepository) expireStale(ctx context.Context, ticketID domain.TicketID, now time.Time) error {
	candidates := make([]string, 0, 2)
	holder, err := r.client.Get(ctx, activeRequestKey(ticketID)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to get active request: %w", err)
	}
	if holder != "" {
		candidates = append(candidates, holder)
	}
	newest, err := r.client.ZRevRange(ctx, ticketRequestsKey(ticketID), 0, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to list requests: %w", err)
	}
	candidates = append(candidates, newest...)

	for _, id := range candidates {
		row, err := r.loadRow(ctx, domain.RequestID(id))
		if err == domain.ErrRequestNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if !domain.RequestStatus(row.Status).IsActive() || now.Before(row.ExpiresAt) {
			continue
		}
		if _, err := r.UpdateStatus(ctx, domain.RequestID(id), domain.RequestExpired, now); err != nil {
			return err
		}
	}
	return nil
}

func (r *RedisRequestRepository) loadRow(ctx context.Context, id domain.RequestID) (rows.RequestRow, error) {
	var row rows.RequestRow
	data, err := r.client.Get(ctx, requestKey(id)).Bytes()
	if err == redis.Nil {
		return row, domain.ErrRequestNotFound
	}
	if err != nil {
		return row, fmt.Errorf("failed to get request from Redis: %w", err)
	}
	if err := json.Unmarshal(data, &row); err != nil {
		return row, fmt.Errorf("failed to unmarshal request: %w", err)
	}
	return row, nil
}

func (r *RedisRequestRepository) join(ctx context.Context, lookup *profileLookup, row rows.RequestRow) (*domain.ScreenShareRequest, error) {
	sender, err := lookup.get(ctx, row.SenderID)
	if err != nil {
		return nil, err
	}
	receiver, err := lookup.get(ctx, row.ReceiverID)
	if err != nil {
		return nil, err
	}
	return row.ToDomain(sender, receiver)
}

// release frees the active key if id still holds it. A failure only delays
// the next request until the key's TTL runs out.
func (r *RedisRequestRepository) release(ctx context.Context, key string, id domain.RequestID) {
	_ = releaseScript.Run(ctx, r.client, []string{key}, string(id)).Err()
}
