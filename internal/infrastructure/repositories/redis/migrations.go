package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"screenshare/internal/core/domain"
	"screenshare/internal/infrastructure/repositories/rows"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const schemaVersionKey = keyPrefix + "schema:version"

// Migration is one step of the key schema.
type Migration struct {
	Version int
	Name    string
	Up      func(ctx context.Context, client *redis.Client) error
}

// Migrate applies every migration newer than the stored schema version.
func Migrate(ctx context.Context, client *redis.Client, logger *zap.SugaredLogger) error {
	current, err := SchemaVersion(ctx, client)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	migrations := migrations()
	target := migrations[len(migrations)-1].Version
	if current >= target {
		if logger != nil {
			logger.Debugw("redis schema is up to date", "version", current)
		}
		return nil
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if logger != nil {
			logger.Infow("running redis migration", "version", m.Version, "name", m.Name)
		}
		if err := m.Up(ctx, client); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.Version, m.Name, err)
		}
		if err := client.Set(ctx, schemaVersionKey, m.Version, 0).Err(); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	if logger != nil {
		logger.Infow("redis migrations completed", "version", target)
	}
	return nil
}

// SchemaVersion returns the stored schema version, 0 on a fresh database.
func SchemaVersion(ctx context.Context, client *redis.Client) (int, error) {
	v, err := client.Get(ctx, schemaVersionKey).Int()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

func migrations() []Migration {
	return []Migration{
		{
			Version: 1,
			Name:    "initial",
			Up: func(ctx context.Context, client *redis.Client) error {
				return nil
			},
		},
		{
			Version: 2,
			Name:    "request_sessions_index",
			Up:      backfillRequestSessions,
		},
	}
}

// backfillRequestSessions indexes sessions written before the per-request
// index existed.
func backfillRequestSessions(ctx context.Context, client *redis.Client) error {
	iter := client.Scan(ctx, 0, keyPrefix+"session:*", 200).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		if strings.Count(strings.TrimPrefix(key, keyPrefix), ":") != 1 {
			continue
		}
		data, err := client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return err
		}
		var row rows.SessionRow
		if err := json.Unmarshal(data, &row); err != nil {
			return fmt.Errorf("session %s: %w", key, err)
		}
		err = client.ZAdd(ctx, requestSessionsKey(domain.RequestID(row.RequestID)), redis.Z{
			Score:  float64(row.StartedAt.UnixMilli()),
			Member: row.ID,
		}).Err()
		if err != nil {
			return err
		}
	}
	return iter.Err()
}
