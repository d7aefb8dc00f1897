package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// DefaultSignalTTL bounds how long signals of an abandoned session linger.
const DefaultSignalTTL = time.Hour

// RedisRelay stores signals in redis so collaborators in different processes
// can exchange them. Candidates are kept in per-role lists.
type RedisRelay struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisRelay(client *redis.Client, ttl time.Duration) *RedisRelay {
	if ttl <= 0 {
		ttl = DefaultSignalTTL
	}
	return &RedisRelay{client: client, ttl: ttl}
}

func signalKey(id domain.SessionID, kind string) string {
	return fmt.Sprintf("screenshare:signal:%s:%s", id, kind)
}

func candidatesKey(id domain.SessionID, from ports.SignalRole) string {
	return signalKey(id, "candidates:"+string(from))
}

func (r *RedisRelay) PutOffer(ctx context.Context, sessionID domain.SessionID, offer ports.SessionDescription) error {
	return r.putDescription(ctx, signalKey(sessionID, "offer"), offer)
}

func (r *RedisRelay) GetOffer(ctx context.Context, sessionID domain.SessionID) (ports.SessionDescription, error) {
	return r.getDescription(ctx, signalKey(sessionID, "offer"))
}

func (r *RedisRelay) PutAnswer(ctx context.Context, sessionID domain.SessionID, answer ports.SessionDescription) error {
	return r.putDescription(ctx, signalKey(sessionID, "answer"), answer)
}

func (r *RedisRelay) GetAnswer(ctx context.Context, sessionID domain.SessionID) (ports.SessionDescription, error) {
	return r.getDescription(ctx, signalKey(sessionID, "answer"))
}

func (r *RedisRelay) AddCandidate(ctx context.Context, sessionID domain.SessionID, from ports.SignalRole, candidate ports.ICECandidate) error {
	data, err := json.Marshal(candidate)
	if err != nil {
		return fmt.Errorf("failed to marshal candidate: %w", err)
	}
	key := candidatesKey(sessionID, from)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store candidate: %w", err)
	}
	return nil
}

func (r *RedisRelay) Candidates(ctx context.Context, sessionID domain.SessionID, from ports.SignalRole) ([]ports.ICECandidate, error) {
	values, err := r.client.LRange(ctx, candidatesKey(sessionID, from), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load candidates: %w", err)
	}
	out := make([]ports.ICECandidate, 0, len(values))
	for _, v := range values {
		var c ports.ICECandidate
		if err := json.Unmarshal([]byte(v), &c); err != nil {
			return nil, fmt.Errorf("failed to unmarshal candidate: %w", err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *RedisRelay) Clear(ctx context.Context, sessionID domain.SessionID) error {
	err := r.client.Del(ctx,
		signalKey(sessionID, "offer"),
		signalKey(sessionID, "answer"),
		candidatesKey(sessionID, ports.SignalPublisher),
		candidatesKey(sessionID, ports.SignalSubscriber),
	).Err()
	if err != nil {
		return fmt.Errorf("failed to clear signals: %w", err)
	}
	return nil
}

func (r *RedisRelay) putDescription(ctx context.Context, key string, desc ports.SessionDescription) error {
	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("failed to marshal session description: %w", err)
	}
	if err := r.client.Set(ctx, key, data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store session description: %w", err)
	}
	return nil
}

func (r *RedisRelay) getDescription(ctx context.Context, key string) (ports.SessionDescription, error) {
	var desc ports.SessionDescription
	data, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return desc, ports.ErrSignalNotFound
	}
	if err != nil {
		return desc, fmt.Errorf("failed to load session description: %w", err)
	}
	if err := json.Unmarshal(data, &desc); err != nil {
		return desc, fmt.Errorf("failed to unmarshal session description: %w", err)
	}
	return desc, nil
}
