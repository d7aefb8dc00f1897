package services

import (
	"context"
	"testing"
	"time"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/events"
	apperrors "screenshare/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createSession(t *testing.T, env *testEnv, ticketID domain.TicketID) *domain.ScreenShareSession {
	t.Helper()
	s, err := env.sessions.Create(context.Background(), CreateSessionInput{
		TicketID:   ticketID,
		RequestID:  "req-1",
		Publisher:  customer,
		Subscriber: engineer,
	})
	require.NoError(t, err)
	return s
}

func TestSessionStore_CreateDefaultsToInitializing(t *testing.T) {
	env := newTestEnv(t)
	env.watch(t, "t1")

	s := createSession(t, env, "t1")
	assert.Equal(t, domain.SessionInitializing, s.Status)
	assert.Equal(t, start, s.StartedAt)
	assert.Equal(t, start, s.LastActivityAt)
	assert.Nil(t, s.EndedAt)
	assert.Equal(t, []events.EventType{events.EventSessionCreated}, env.events.snapshot())
}

func TestSessionStore_CreateValidates(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.sessions.Create(context.Background(), CreateSessionInput{TicketID: "t1", Publisher: customer})
	requireCode(t, err, apperrors.ErrCodeValidation)
	assert.Contains(t, err.Error(), "requestId")
	assert.Contains(t, err.Error(), "subscriber.id")
}

func TestSessionStore_OneActiveSessionPerTicket(t *testing.T) {
	env := newTestEnv(t)
	createSession(t, env, "t1")

	_, err := env.sessions.Create(context.Background(), CreateSessionInput{
		TicketID: "t1", RequestID: "req-2", Publisher: customer, Subscriber: engineer,
	})
	requireCode(t, err, apperrors.ErrCodeStateConflict)

	// A different ticket is unaffected.
	createSession(t, env, "t2")
}

func TestSessionStore_UpdateMergesAndBumpsActivity(t *testing.T) {
	env := newTestEnv(t)
	env.watch(t, "t1")
	ctx := context.Background()
	s := createSession(t, env, "t1")

	env.clock.Advance(2 * time.Second)
	active := domain.SessionActive
	streamID := "stream-1"
	updated, err := env.sessions.Update(ctx, s.ID, domain.SessionUpdate{Status: &active, StreamID: &streamID})
	require.NoError(t, err)

	assert.Equal(t, domain.SessionActive, updated.Status)
	assert.Equal(t, "stream-1", updated.StreamID)
	assert.Equal(t, start.Add(2*time.Second), updated.LastActivityAt)
	assert.Equal(t, start, updated.StartedAt)

	bogus := domain.SessionStatus("paused")
	_, err = env.sessions.Update(ctx, s.ID, domain.SessionUpdate{Status: &bogus})
	requireCode(t, err, apperrors.ErrCodeValidation)

	assert.Equal(t, []events.EventType{events.EventSessionCreated, events.EventSessionUpdated}, env.events.snapshot())
}

func TestSessionStore_EndSessionIsTerminal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := createSession(t, env, "t1")

	env.clock.Advance(time.Minute)
	ended, err := env.sessions.EndSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionEnded, ended.Status)
	require.NotNil(t, ended.EndedAt)
	assert.Equal(t, start.Add(time.Minute), *ended.EndedAt)

	_, err = env.sessions.EndSession(ctx, s.ID)
	requireCode(t, err, apperrors.ErrCodeStateConflict)

	_, err = env.sessions.GetActiveByTicketID(ctx, "t1")
	requireCode(t, err, apperrors.ErrCodeNotFound)
}

func TestSessionStore_MarkErrorRecordsMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	s := createSession(t, env, "t1")

	failed, err := env.sessions.MarkError(ctx, s.ID, "ice failed")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionError, failed.Status)
	assert.Equal(t, "ice failed", failed.ErrorMessage)
	require.NotNil(t, failed.EndedAt)

	_, err = env.sessions.EndSession(ctx, s.ID)
	requireCode(t, err, apperrors.ErrCodeStateConflict)
	assert.Contains(t, err.Error(), "Session already failed")

	byReq, err := env.sessions.GetByRequestID(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, s.ID, byReq.ID)

	list, err := env.sessions.GetByTicketID(ctx, "t1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestSessionStore_UnknownSession(t *testing.T) {
	env := newTestEnv(t)
	ended := domain.SessionEnded
	_, err := env.sessions.Update(context.Background(), "missing", domain.SessionUpdate{Status: &ended})
	requireCode(t, err, apperrors.ErrCodeNotFound)
}
