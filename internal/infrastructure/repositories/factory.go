package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"screenshare/internal/core/events"
	"screenshare/internal/core/ports"
	"screenshare/internal/infrastructure/monitoring"
	"screenshare/internal/infrastructure/notify"
	"screenshare/internal/infrastructure/repositories/memory"
	pgrepo "screenshare/internal/infrastructure/repositories/postgres"
	redisrepo "screenshare/internal/infrastructure/repositories/redis"
	"screenshare/internal/infrastructure/signaling"
	"screenshare/pkg/circuitbreaker"
	"screenshare/pkg/config"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	healthInterval = 30 * time.Second
	healthTimeout  = 5 * time.Second
)

// Backend is everything the negotiation core needs from the outside world,
// assembled for one storage backend and notifier strategy.
type Backend struct {
	Profiles ports.ProfileRepository
	Requests ports.RequestRepository
	Sessions ports.SessionRepository
	Notifier events.Notifier
	Relay    ports.SignalingRelay

	// InstanceID is stamped on every envelope this process emits.
	InstanceID string

	redisClient *redis.Client
	db          *sql.DB
	closers     []func() error
}

// Factory selects repository, notifier and relay implementations from config.
type Factory struct {
	cfg     *config.Config
	metrics ports.NegotiationMetrics
	logger  *zap.SugaredLogger
}

func NewFactory(cfg *config.Config, metrics ports.NegotiationMetrics, logger *zap.SugaredLogger) *Factory {
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Factory{cfg: cfg, metrics: metrics, logger: logger}
}

func (f *Factory) Build(ctx context.Context) (*Backend, error) {
	b := &Backend{InstanceID: f.cfg.Notifier.InstanceID}
	if b.InstanceID == "" {
		b.InstanceID = uuid.NewString()
	}

	if err := f.buildRepositories(b); err != nil {
		b.Close()
		return nil, err
	}
	if err := f.buildNotifier(b); err != nil {
		b.Close()
		return nil, err
	}

	if b.redisClient != nil {
		b.Relay = signaling.NewRedisRelay(b.redisClient, signaling.DefaultSignalTTL)
		f.logger.Info("using redis signaling relay")
	} else {
		b.Relay = signaling.NewMemoryRelay()
	}

	f.logger.Infow("backend ready",
		"storage", f.cfg.Storage.Backend,
		"notifier", f.cfg.Notifier.Strategy,
		"instance_id", b.InstanceID,
	)
	return b, nil
}

func (f *Factory) needsRedis() bool {
	return f.cfg.Storage.Backend == config.StorageRedis ||
		(f.cfg.Notifier.Strategy == config.NotifierLocal && f.cfg.Notifier.MirrorToRedis)
}

func (f *Factory) buildRepositories(b *Backend) error {
	if f.needsRedis() {
		client, err := redisrepo.NewRedisClient(
			f.cfg.Redis.Address,
			f.cfg.Redis.Password,
			f.cfg.Redis.DB,
			f.cfg.Redis.PoolSize,
			f.logger,
		)
		if err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		b.redisClient = client
		b.closers = append(b.closers, func() error { return redisrepo.CloseRedisClient(client) })
	}

	switch f.cfg.Storage.Backend {
	case config.StorageMemory:
		b.Profiles = memory.NewMemoryProfileRepository()
		b.Requests = memory.NewMemoryRequestRepository()
		b.Sessions = memory.NewMemorySessionRepository()
		f.logger.Info("using memory repositories")

	case config.StorageRedis:
		b.Profiles = redisrepo.NewRedisProfileRepository(b.redisClient)
		b.Requests = redisrepo.NewRedisRequestRepository(b.redisClient, b.Profiles)
		b.Sessions = redisrepo.NewRedisSessionRepository(b.redisClient, b.Profiles)
		f.logger.Info("using redis repositories")

	case config.StoragePostgres:
		db, err := pgrepo.Open(f.cfg.Postgres.DSN, pgrepo.Options{
			MaxOpenConns:    f.cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    f.cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: f.cfg.Postgres.ConnMaxLifetime,
		}, f.logger)
		if err != nil {
			return fmt.Errorf("connect to postgres: %w", err)
		}
		b.db = db
		b.closers = append(b.closers, db.Close)
		b.Profiles = pgrepo.NewPostgresProfileRepository(db)
		b.Requests = pgrepo.NewPostgresRequestRepository(db)
		b.Sessions = pgrepo.NewPostgresSessionRepository(db)
		f.logger.Info("using postgres repositories")

	default:
		return fmt.Errorf("unknown storage backend %q", f.cfg.Storage.Backend)
	}
	return nil
}

func (f *Factory) buildNotifier(b *Backend) error {
	switch f.cfg.Notifier.Strategy {
	case config.NotifierLocal:
		var mirror ports.Bus
		if f.cfg.Notifier.MirrorToRedis {
			mirror = notify.NewRedisBus(b.redisClient, f.logger)
		}
		n := notify.NewLocalNotifier(notify.NewLocalBus(f.logger), mirror, b.InstanceID, f.metrics, f.logger)
		b.closers = append(b.closers, n.Close)
		b.Notifier = n
		return nil

	case config.NotifierRemote:
		var feed ports.Bus
		switch f.cfg.Storage.Backend {
		case config.StoragePostgres:
			// Triggers publish row changes; the bus only listens and carries
			// the event channel.
			feed = notify.NewPostgresBus(b.db, f.cfg.Postgres.DSN, f.logger)
		case config.StorageRedis:
			feed = notify.NewRedisBus(b.redisClient, f.logger)
			guarded := notify.NewGuardedPublisher(feed, circuitbreaker.New(circuitbreaker.DefaultConfig(), nil), f.logger)
			b.Requests = notify.NewPublishingRequestRepository(b.Requests, guarded, f.logger)
			b.Sessions = notify.NewPublishingSessionRepository(b.Sessions, guarded, f.logger)
		default:
			return errors.New("remote notifier requires a redis or postgres storage backend")
		}
		b.closers = append(b.closers, feed.Close)
		b.Notifier = notify.NewRemoteNotifier(notify.RemoteNotifierDeps{
			Feed:       feed,
			Publisher:  feed,
			Requests:   b.Requests,
			Sessions:   b.Sessions,
			InstanceID: b.InstanceID,
			Metrics:    f.metrics,
			Logger:     f.logger,
		})
		return nil

	default:
		return fmt.Errorf("unknown notifier strategy %q", f.cfg.Notifier.Strategy)
	}
}

// RegisterHealthChecks adds a check for every external dependency in use.
func (b *Backend) RegisterHealthChecks(h *monitoring.HealthChecker) {
	if b.redisClient != nil {
		h.AddRedisCheck(b.redisClient, healthInterval, healthTimeout)
	}
	if b.db != nil {
		h.AddPostgresCheck(b.db, healthInterval, healthTimeout)
	}
	h.AddRepositoryCheck(b.Requests, healthInterval, healthTimeout)
}

// Close releases connections in reverse order of acquisition.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
