package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/events"
	"screenshare/internal/core/ports"
	"screenshare/internal/core/services"
	"screenshare/internal/infrastructure/middleware"
	"screenshare/internal/infrastructure/notify"
	"screenshare/internal/infrastructure/repositories/memory"
	"screenshare/internal/infrastructure/signaling"
	"screenshare/pkg/config"
	"screenshare/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	ticket   = domain.TicketID("T-100")
	testSDP  = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"
	waitFor  = 2 * time.Second
	pollTick = 10 * time.Millisecond
)

var (
	customer = &domain.Profile{ID: "cust-1", Role: domain.RoleCustomer, DisplayName: "Casey"}
	engineer = &domain.Profile{ID: "eng-1", Role: domain.RoleEngineer, DisplayName: "Eli"}
	stranger = &domain.Profile{ID: "eng-9", Role: domain.RoleEngineer, DisplayName: "Sam"}
)

type fixture struct {
	server   *WebSocketServer
	http     *httptest.Server
	auth     services.AuthService
	emitter  *events.Emitter
	sessions *services.SessionStore
	relay    *signaling.MemoryRelay
	session  *domain.ScreenShareSession
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	profiles := memory.NewMemoryProfileRepository()
	for _, p := range []*domain.Profile{customer, engineer, stranger} {
		require.NoError(t, profiles.Upsert(ctx, p))
	}
	auth := services.NewAuthService("secret", time.Minute, profiles, nil)

	notifier := notify.NewLocalNotifier(notify.NewLocalBus(nil), nil, "test", nil, nil)
	emitter := events.NewEmitter(notifier, nil, "test")
	sessions := services.NewSessionStore(memory.NewMemorySessionRepository(), emitter, nil, nil)
	relay := signaling.NewMemoryRelay()

	session, err := sessions.Create(ctx, services.CreateSessionInput{
		TicketID:   ticket,
		RequestID:  "req-1",
		Publisher:  customer,
		Subscriber: engineer,
		Status:     domain.SessionInitializing,
	})
	require.NoError(t, err)

	cfg := config.DefaultConfig()
	server := NewWebSocketServer(notifier, relay, sessions, cfg, nil, zap.NewNop().Sugar())

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger.NewContextLogger(zap.NewNop())))
	router.GET("/tickets/:ticketId/events", middleware.AuthMiddleware(auth), server.HandleEvents)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		server.Close()
		srv.Close()
	})

	return &fixture{
		server:   server,
		http:     srv,
		auth:     auth,
		emitter:  emitter,
		sessions: sessions,
		relay:    relay,
		session:  session,
	}
}

func (f *fixture) dial(t *testing.T, p *domain.Profile) *websocket.Conn {
	t.Helper()
	token, err := f.auth.GenerateToken(p)
	require.NoError(t, err)
	before := f.server.Connections(ticket)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/tickets/" + string(ticket) + "/events?access_token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	resp.Body.Close()
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		return f.server.Connections(ticket) > before
	}, waitFor, pollTick)
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(waitFor))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHandleEvents_StreamsEnvelopes(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, engineer)

	require.NoError(t, f.emitter.SessionUpdated(context.Background(), f.session))

	msg := readMessage(t, conn)
	assert.Equal(t, string(events.EventSessionUpdated), msg["type"])
	assert.Equal(t, string(ticket), msg["ticketId"])
	session, ok := msg["session"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(f.session.ID), session["id"])
}

func TestHandleEvents_RequiresAuth(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/tickets/" + string(ticket) + "/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleEvents_RejectsMalformedTicketID(t *testing.T) {
	f := newFixture(t)
	token, err := f.auth.GenerateToken(engineer)
	require.NoError(t, err)

	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/tickets/T.100/events?access_token=" + token
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, f.server.Connections("T.100"))
}

func TestHandleEvents_SignalingMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sid := string(f.session.ID)

	pub := f.dial(t, customer)
	require.NoError(t, pub.WriteJSON(map[string]any{
		"type":       MessageOffer,
		"session_id": sid,
		"payload":    map[string]any{"sdp": testSDP},
	}))
	msg := readMessage(t, pub)
	assert.Equal(t, messageAck, msg["type"])
	assert.Equal(t, MessageOffer, msg["kind"])

	offer, err := f.relay.GetOffer(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)
	assert.Equal(t, testSDP, offer.SDP)

	// The publisher never answers.
	require.NoError(t, pub.WriteJSON(map[string]any{
		"type":       MessageAnswer,
		"session_id": sid,
		"payload":    map[string]any{"sdp": testSDP},
	}))
	msg = readMessage(t, pub)
	assert.Equal(t, messageError, msg["type"])
	assert.Equal(t, "only the subscriber sends answers", msg["message"])

	sub := f.dial(t, engineer)
	require.NoError(t, sub.WriteJSON(map[string]any{
		"type":       MessageICECandidate,
		"session_id": sid,
		"payload":    map[string]any{"candidate": "candidate:1 1 udp 1 10.0.0.1 5000 typ host"},
	}))
	msg = readMessage(t, sub)
	assert.Equal(t, messageAck, msg["type"])

	candidates, err := f.relay.Candidates(ctx, f.session.ID, ports.SignalSubscriber)
	require.NoError(t, err)
	require.Len(t, candidates, 1)

	require.NoError(t, sub.WriteJSON(map[string]any{
		"type":       MessageAnswer,
		"session_id": sid,
		"payload":    map[string]any{"sdp": "garbage"},
	}))
	msg = readMessage(t, sub)
	assert.Equal(t, messageError, msg["type"])
	assert.Equal(t, "SDP must start with v=", msg["message"])
}

func TestHandleEvents_RejectsStrangers(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t, stranger)

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":       MessageICECandidate,
		"session_id": string(f.session.ID),
		"payload":    map[string]any{"candidate": "candidate:1"},
	}))
	msg := readMessage(t, conn)
	assert.Equal(t, messageError, msg["type"])
	assert.Equal(t, "not a participant of this session", msg["message"])

	require.NoError(t, conn.WriteJSON(map[string]any{"type": "bogus", "session_id": "missing"}))
	msg = readMessage(t, conn)
	assert.Equal(t, messageError, msg["type"])
}

func TestSignalRoleOf(t *testing.T) {
	s := &domain.ScreenShareSession{
		ID:         "s1",
		TicketID:   ticket,
		Publisher:  customer,
		Subscriber: engineer,
		Status:     domain.SessionActive,
	}

	role, err := SignalRoleOf(s, ticket, customer)
	require.NoError(t, err)
	assert.Equal(t, ports.SignalPublisher, role)

	role, err = SignalRoleOf(s, ticket, engineer)
	require.NoError(t, err)
	assert.Equal(t, ports.SignalSubscriber, role)

	_, err = SignalRoleOf(s, "other", engineer)
	assert.Error(t, err)

	s.Status = domain.SessionEnded
	_, err = SignalRoleOf(s, ticket, engineer)
	assert.Error(t, err)
}
