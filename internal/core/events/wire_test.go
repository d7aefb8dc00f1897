package events

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"screenshare/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testCustomer = &domain.Profile{ID: "customer-1", Role: domain.RoleCustomer, DisplayName: "Casey"}
	testEngineer = &domain.Profile{ID: "engineer-1", Role: domain.RoleEngineer, DisplayName: "Eli", Email: "eli@example.com"}
)

func sampleRequest() *domain.ScreenShareRequest {
	created := time.Date(2026, 5, 4, 10, 0, 0, 123000000, time.UTC)
	return &domain.ScreenShareRequest{
		ID:        "req-1",
		TicketID:  "ticket-1",
		Sender:    testEngineer,
		Receiver:  testCustomer,
		Status:    domain.RequestPending,
		CreatedAt: created,
		UpdatedAt: created,
		ExpiresAt: created.Add(10 * time.Second),
	}
}

func sampleSession() *domain.ScreenShareSession {
	started := time.Date(2026, 5, 4, 10, 0, 5, 0, time.UTC)
	return &domain.ScreenShareSession{
		ID:             "sess-1",
		TicketID:       "ticket-1",
		RequestID:      "req-1",
		Publisher:      testCustomer,
		Subscriber:     testEngineer,
		Status:         domain.SessionActive,
		StreamID:       "screen-sess-1",
		StartedAt:      started,
		LastActivityAt: started,
	}
}

func TestRequestWire_TimestampsAreISO8601(t *testing.T) {
	w, err := EncodeRequest(sampleRequest())
	require.NoError(t, err)

	data, err := json.Marshal(w)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"createdAt":"2026-05-04T10:00:00.123Z"`)
	assert.Contains(t, string(data), `"expiresAt":"2026-05-04T10:00:10.123Z"`)

	back, err := DecodeRequest(w)
	require.NoError(t, err)
	assert.Equal(t, sampleRequest(), back)
}

func TestSessionWire_EndedAtRoundTrip(t *testing.T) {
	s := sampleSession()
	ended := s.StartedAt.Add(time.Minute)
	s.EndedAt = &ended
	s.Status = domain.SessionEnded

	w, err := EncodeSession(s)
	require.NoError(t, err)
	require.NotNil(t, w.EndedAt)

	back, err := DecodeSession(w)
	require.NoError(t, err)
	require.NotNil(t, back.EndedAt)
	assert.True(t, back.EndedAt.Equal(ended))
	assert.Equal(t, domain.SessionEnded, back.Status)
}

func TestEncodeRequest_MissingProfileFailsLoudly(t *testing.T) {
	r := sampleRequest()
	r.Receiver = nil

	_, err := EncodeRequest(r)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrMissingJoinedProfile))

	var mapErr *domain.MappingError
	require.True(t, errors.As(err, &mapErr))
	assert.Equal(t, "receiver", mapErr.Field)
}

func TestDecode_RejectsBadInput(t *testing.T) {
	good, err := EncodeRequest(sampleRequest())
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(w *RequestWire)
		target error
	}{
		{"missing sender", func(w *RequestWire) { w.Sender = nil }, domain.ErrMissingJoinedProfile},
		{"bad timestamp", func(w *RequestWire) { w.ExpiresAt = "yesterday" }, domain.ErrInvalidTimestamp},
		{"unknown status", func(w *RequestWire) { w.Status = "ringing" }, domain.ErrUnknownStatus},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := *good
			tt.mutate(&w)
			_, err := DecodeRequest(&w)
			assert.ErrorIs(t, err, tt.target)
		})
	}

	t.Run("bad role", func(t *testing.T) {
		w := *good
		w.Sender = &ProfileWire{ID: "x", Role: "admin"}
		_, err := DecodeRequest(&w)
		var mapErr *domain.MappingError
		assert.True(t, errors.As(err, &mapErr))
	})
}

func TestUnmarshalEnvelope_RejectsUnknownType(t *testing.T) {
	_, err := UnmarshalEnvelope([]byte(`{"type":"ticketClosed","timestamp":1}`))
	assert.Error(t, err)

	env, err := UnmarshalEnvelope([]byte(`{"type":"reloaded","ticketId":"t-1","timestamp":1}`))
	require.NoError(t, err)
	assert.Equal(t, EventReloaded, env.Type)
	assert.Equal(t, "t-1", env.TicketID)
}
