package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/ports"
	"screenshare/internal/infrastructure/repositories/rows"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	customer = &domain.Profile{ID: "cust-1", Role: domain.RoleCustomer, DisplayName: "Customer"}
	engineer = &domain.Profile{ID: "eng-1", Role: domain.RoleEngineer, DisplayName: "Engineer"}
	base     = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

type repos struct {
	mr       *miniredis.Miniredis
	client   *redis.Client
	profiles ports.ProfileRepository
	requests ports.RequestRepository
	sessions ports.SessionRepository
}

func setup(t *testing.T) *repos {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	ctx := context.Background()
	require.NoError(t, Migrate(ctx, client, nil))

	profiles := NewRedisProfileRepository(client)
	require.NoError(t, profiles.Upsert(ctx, customer))
	require.NoError(t, profiles.Upsert(ctx, engineer))

	return &repos{
		mr:       mr,
		client:   client,
		profiles: profiles,
		requests: NewRedisRequestRepository(client, profiles),
		sessions: NewRedisSessionRepository(client, profiles),
	}
}

func newRequest(id string, ticket domain.TicketID, status domain.RequestStatus, createdAt time.Time) *domain.ScreenShareRequest {
	return &domain.ScreenShareRequest{
		ID:        domain.RequestID(id),
		TicketID:  ticket,
		Sender:    engineer,
		Receiver:  customer,
		Status:    status,
		CreatedAt: createdAt,
		UpdatedAt: createdAt,
		ExpiresAt: createdAt.Add(10 * time.Second),
	}
}

func newSession(id, requestID string, ticket domain.TicketID, status domain.SessionStatus, startedAt time.Time) *domain.ScreenShareSession {
	return &domain.ScreenShareSession{
		ID:             domain.SessionID(id),
		TicketID:       ticket,
		RequestID:      domain.RequestID(requestID),
		Publisher:      customer,
		Subscriber:     engineer,
		Status:         status,
		StartedAt:      startedAt,
		LastActivityAt: startedAt,
	}
}

func TestRedisProfileRepository(t *testing.T) {
	r := setup(t)
	ctx := context.Background()

	got, err := r.profiles.GetByID(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RoleCustomer, got.Role)

	_, err = r.profiles.GetByID(ctx, "nobody")
	assert.ErrorIs(t, err, domain.ErrProfileNotFound)
}

func TestRedisRequestRepository_OneActivePerTicket(t *testing.T) {
	r := setup(t)
	ctx := context.Background()

	require.NoError(t, r.requests.Create(ctx, newRequest("r1", "t1", domain.RequestPending, base)))
	err := r.requests.Create(ctx, newRequest("r2", "t1", domain.RequestPending, base.Add(time.Second)))
	assert.ErrorIs(t, err, domain.ErrActiveRequestExists)

	require.NoError(t, r.requests.Create(ctx, newRequest("r3", "t2", domain.RequestPending, base)))

	active, err := r.requests.FindActiveByTicket(ctx, "t1", base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, domain.RequestID("r1"), active.ID)
	assert.Equal(t, "Engineer", active.Sender.DisplayName)
}

func TestRedisRequestRepository_TerminalStatusFreesTicket(t *testing.T) {
	r := setup(t)
	ctx := context.Background()

	require.NoError(t, r.requests.Create(ctx, newRequest("r1", "t1", domain.RequestPending, base)))
	updated, err := r.requests.UpdateStatus(ctx, "r1", domain.RequestRejected, base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, domain.RequestRejected, updated.Status)
	assert.Equal(t, base.Add(time.Second), updated.UpdatedAt)

	_, err = r.requests.FindActiveByTicket(ctx, "t1", base.Add(time.Second))
	assert.ErrorIs(t, err, domain.ErrRequestNotFound)

	require.NoError(t, r.requests.Create(ctx, newRequest("r2", "t1", domain.RequestPending, base.Add(2*time.Second))))
}

func TestRedisRequestRepository_ExpiredRequestIsReplaced(t *testing.T) {
	r := setup(t)
	ctx := context.Background()

	require.NoError(t, r.requests.Create(ctx, newRequest("r1", "t1", domain.RequestPending, base)))

	// The key still exists in redis; the stored expiry decides.
	later := base.Add(10 * time.Second)
	_, err := r.requests.FindActiveByTicket(ctx, "t1", later)
	assert.ErrorIs(t, err, domain.ErrRequestNotFound)

	require.NoError(t, r.requests.Create(ctx, newRequest("r2", "t1", domain.RequestPending, later)))
	stale, err := r.requests.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestExpired, stale.Status)
}

func TestRedisRequestRepository_ActiveKeyExpiresWithRequest(t *testing.T) {
	r := setup(t)
	ctx := context.Background()

	require.NoError(t, r.requests.Create(ctx, newRequest("r1", "t1", domain.RequestPending, base)))
	assert.True(t, r.mr.Exists(activeRequestKey("t1")))

	r.mr.FastForward(11 * time.Second)
	assert.False(t, r.mr.Exists(activeRequestKey("t1")))

	require.NoError(t, r.requests.Create(ctx, newRequest("r2", "t1", domain.RequestPending, base.Add(11*time.Second))))
	stale, err := r.requests.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestExpired, stale.Status)
}

func TestRedisRequestRepository_ListAndDelete(t *testing.T) {
	r := setup(t)
	ctx := context.Background()

	require.NoError(t, r.requests.Create(ctx, newRequest("r1", "t1", domain.RequestRejected, base)))
	require.NoError(t, r.requests.Create(ctx, newRequest("r2", "t1", domain.RequestPending, base.Add(time.Minute))))

	list, err := r.requests.ListByTicket(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, domain.RequestID("r2"), list[0].ID)

	require.NoError(t, r.requests.Delete(ctx, "r2"))
	assert.False(t, r.mr.Exists(activeRequestKey("t1")))
	assert.ErrorIs(t, r.requests.Delete(ctx, "r2"), domain.ErrRequestNotFound)

	list, err = r.requests.ListByTicket(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	empty, err := r.requests.ListByTicket(ctx, "none")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRedisRequestRepository_UnknownProfile(t *testing.T) {
	r := setup(t)
	ctx := context.Background()

	req := newRequest("r1", "t1", domain.RequestPending, base)
	req.Sender = &domain.Profile{ID: "ghost", Role: domain.RoleEngineer}
	assert.ErrorIs(t, r.requests.Create(ctx, req), domain.ErrProfileNotFound)
	assert.False(t, r.mr.Exists(activeRequestKey("t1")))
}

func TestRedisSessionRepository_OneActivePerTicket(t *testing.T) {
	r := setup(t)
	ctx := context.Background()

	require.NoError(t, r.sessions.Create(ctx, newSession("s1", "r1", "t1", domain.SessionInitializing, base)))
	err := r.sessions.Create(ctx, newSession("s2", "r2", "t1", domain.SessionInitializing, base.Add(time.Second)))
	assert.ErrorIs(t, err, domain.ErrActiveSessionExists)

	s1, err := r.sessions.GetByID(ctx, "s1")
	require.NoError(t, err)
	s1.Status = domain.SessionActive
	s1.StreamID = "screen-s1"
	require.NoError(t, r.sessions.Update(ctx, s1))

	active, err := r.sessions.FindActiveByTicket(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionActive, active.Status)
	assert.Equal(t, "screen-s1", active.StreamID)

	ended := base.Add(time.Minute)
	s1.Status = domain.SessionEnded
	s1.EndedAt = &ended
	require.NoError(t, r.sessions.Update(ctx, s1))

	_, err = r.sessions.FindActiveByTicket(ctx, "t1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	require.NoError(t, r.sessions.Create(ctx, newSession("s2", "r2", "t1", domain.SessionInitializing, base.Add(2*time.Minute))))
}

func TestRedisSessionRepository_Lookups(t *testing.T) {
	r := setup(t)
	ctx := context.Background()

	require.NoError(t, r.sessions.Create(ctx, newSession("s1", "r1", "t1", domain.SessionEnded, base)))
	require.NoError(t, r.sessions.Create(ctx, newSession("s2", "r1", "t1", domain.SessionEnded, base.Add(time.Minute))))

	byReq, err := r.sessions.GetByRequestID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionID("s2"), byReq.ID)

	_, err = r.sessions.GetByRequestID(ctx, "r9")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)

	list, err := r.sessions.ListByTicket(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, domain.SessionID("s2"), list[0].ID)

	assert.ErrorIs(t, r.sessions.Update(ctx, newSession("s9", "r1", "t1", domain.SessionEnded, base)), domain.ErrSessionNotFound)
}

func TestMigrate_BackfillsRequestSessionIndex(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	data, err := json.Marshal(rows.FromSession(newSession("s1", "r1", "t1", domain.SessionEnded, base)))
	require.NoError(t, err)
	require.NoError(t, client.Set(ctx, sessionKey("s1"), data, 0).Err())
	require.NoError(t, client.Set(ctx, schemaVersionKey, 1, 0).Err())

	require.NoError(t, Migrate(ctx, client, nil))

	members, err := client.ZRange(ctx, requestSessionsKey("r1"), 0, -1).Result()
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, members)

	version, err := SchemaVersion(ctx, client)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
}
