package memory

import (
	"context"
	"testing"
	"time"

	"screenshare/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	customer = &domain.Profile{ID: "cust-1", Role: domain.RoleCustomer, DisplayName: "Customer"}
	engineer = &domain.Profile{ID: "eng-1", Role: domain.RoleEngineer, DisplayName: "Engineer"}
	base     = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

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

func newSession(id string, ticket domain.TicketID, status domain.SessionStatus, startedAt time.Time) *domain.ScreenShareSession {
	return &domain.ScreenShareSession{
		ID:             domain.SessionID(id),
		TicketID:       ticket,
		RequestID:      "req-1",
		Publisher:      customer,
		Subscriber:     engineer,
		Status:         status,
		StartedAt:      startedAt,
		LastActivityAt: startedAt,
	}
}

func TestMemoryRequestRepository_CreateRejectsSecondActive(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRequestRepository()

	require.NoError(t, repo.Create(ctx, newRequest("r1", "t1", domain.RequestPending, base)))
	err := repo.Create(ctx, newRequest("r2", "t1", domain.RequestPending, base.Add(time.Second)))
	assert.ErrorIs(t, err, domain.ErrActiveRequestExists)

	// Other tickets are independent.
	require.NoError(t, repo.Create(ctx, newRequest("r3", "t2", domain.RequestPending, base)))
}

func TestMemoryRequestRepository_CreateExpiresStaleActive(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRequestRepository()

	require.NoError(t, repo.Create(ctx, newRequest("r1", "t1", domain.RequestPending, base)))
	later := base.Add(10 * time.Second)
	require.NoError(t, repo.Create(ctx, newRequest("r2", "t1", domain.RequestPending, later)))

	stale, err := repo.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestExpired, stale.Status)
	assert.Equal(t, later, stale.UpdatedAt)
}

func TestMemoryRequestRepository_ListNewestFirst(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRequestRepository()

	require.NoError(t, repo.Create(ctx, newRequest("r1", "t1", domain.RequestRejected, base)))
	require.NoError(t, repo.Create(ctx, newRequest("r2", "t1", domain.RequestRejected, base.Add(time.Minute))))
	require.NoError(t, repo.Create(ctx, newRequest("r3", "t1", domain.RequestRejected, base.Add(time.Minute))))

	list, err := repo.ListByTicket(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, domain.RequestID("r3"), list[0].ID)
	assert.Equal(t, domain.RequestID("r2"), list[1].ID)
	assert.Equal(t, domain.RequestID("r1"), list[2].ID)
}

func TestMemoryRequestRepository_FindActiveRespectsExpiry(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRequestRepository()
	require.NoError(t, repo.Create(ctx, newRequest("r1", "t1", domain.RequestPending, base)))

	found, err := repo.FindActiveByTicket(ctx, "t1", base.Add(9*time.Second))
	require.NoError(t, err)
	assert.Equal(t, domain.RequestID("r1"), found.ID)

	_, err = repo.FindActiveByTicket(ctx, "t1", base.Add(10*time.Second))
	assert.ErrorIs(t, err, domain.ErrRequestNotFound)
}

func TestMemoryRequestRepository_UpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryRequestRepository()
	require.NoError(t, repo.Create(ctx, newRequest("r1", "t1", domain.RequestPending, base)))

	updated, err := repo.UpdateStatus(ctx, "r1", domain.RequestAccepted, base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, domain.RequestAccepted, updated.Status)
	assert.Equal(t, base.Add(time.Second), updated.UpdatedAt)

	// Returned values are copies.
	updated.Status = domain.RequestRejected
	stored, err := repo.GetByID(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, domain.RequestAccepted, stored.Status)

	require.NoError(t, repo.Delete(ctx, "r1"))
	assert.ErrorIs(t, repo.Delete(ctx, "r1"), domain.ErrRequestNotFound)
	_, err = repo.UpdateStatus(ctx, "r1", domain.RequestRejected, base)
	assert.ErrorIs(t, err, domain.ErrRequestNotFound)
}

func TestMemorySessionRepository_OneActivePerTicket(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySessionRepository()

	require.NoError(t, repo.Create(ctx, newSession("s1", "t1", domain.SessionInitializing, base)))
	err := repo.Create(ctx, newSession("s2", "t1", domain.SessionInitializing, base))
	assert.ErrorIs(t, err, domain.ErrActiveSessionExists)

	s1, err := repo.GetByID(ctx, "s1")
	require.NoError(t, err)
	s1.Status = domain.SessionEnded
	ended := base.Add(time.Minute)
	s1.EndedAt = &ended
	require.NoError(t, repo.Update(ctx, s1))

	require.NoError(t, repo.Create(ctx, newSession("s2", "t1", domain.SessionInitializing, base.Add(2*time.Minute))))

	active, err := repo.FindActiveByTicket(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionID("s2"), active.ID)

	// Reviving the ended session would produce a second active one.
	s1.Status = domain.SessionActive
	assert.ErrorIs(t, repo.Update(ctx, s1), domain.ErrActiveSessionExists)
}

func TestMemorySessionRepository_Lookups(t *testing.T) {
	ctx := context.Background()
	repo := NewMemorySessionRepository()

	require.NoError(t, repo.Create(ctx, newSession("s1", "t1", domain.SessionEnded, base)))
	require.NoError(t, repo.Create(ctx, newSession("s2", "t1", domain.SessionError, base.Add(time.Minute))))

	byReq, err := repo.GetByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionID("s2"), byReq.ID)

	list, err := repo.ListByTicket(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, domain.SessionID("s2"), list[0].ID)

	_, err = repo.FindActiveByTicket(ctx, "t1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = repo.GetByRequestID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.ErrorIs(t, repo.Update(ctx, newSession("nope", "t1", domain.SessionEnded, base)), domain.ErrSessionNotFound)
}

func TestMemoryProfileRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryProfileRepository()

	_, err := repo.GetByID(ctx, customer.ID)
	assert.ErrorIs(t, err, domain.ErrProfileNotFound)

	require.NoError(t, repo.Upsert(ctx, customer))
	got, err := repo.GetByID(ctx, customer.ID)
	require.NoError(t, err)
	assert.Equal(t, customer.DisplayName, got.DisplayName)
	assert.NotSame(t, customer, got)
}
