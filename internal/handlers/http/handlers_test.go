package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/events"
	"screenshare/internal/core/services"
	"screenshare/internal/infrastructure/media"
	"screenshare/internal/infrastructure/middleware"
	"screenshare/internal/infrastructure/notify"
	"screenshare/internal/infrastructure/repositories/memory"
	"screenshare/internal/infrastructure/signaling"
	apperrors "screenshare/pkg/errors"
	"screenshare/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	ticket  = "T-42"
	testSDP = "v=0\r\no=- 0 0 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"
)

var (
	customer = &domain.Profile{ID: "cust-1", Role: domain.RoleCustomer, DisplayName: "Casey"}
	engineer = &domain.Profile{ID: "eng-1", Role: domain.RoleEngineer, DisplayName: "Eli"}
)

type apiClient struct {
	t      *testing.T
	router *gin.Engine
	tokens map[domain.ProfileID]string
}

func newAPI(t *testing.T) *apiClient {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	profiles := memory.NewMemoryProfileRepository()
	require.NoError(t, profiles.Upsert(ctx, customer))
	require.NoError(t, profiles.Upsert(ctx, engineer))
	auth := services.NewAuthService("secret", time.Minute, profiles, nil)

	notifier := notify.NewLocalNotifier(notify.NewLocalBus(nil), nil, "test", nil, nil)
	emitter := events.NewEmitter(notifier, nil, "test")
	requests := services.NewRequestStore(memory.NewMemoryRequestRepository(), emitter, nil, time.Minute, nil)
	sessions := services.NewSessionStore(memory.NewMemorySessionRepository(), emitter, nil, nil)
	relay := signaling.NewMemoryRelay()
	registry := services.NewManagerRegistry(services.ManagerDeps{
		Requests: requests,
		Sessions: sessions,
		Emitter:  emitter,
		Media:    media.NewRelayFactory(nil),
		Relay:    relay,
	})
	t.Cleanup(registry.Close)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(logger.NewContextLogger(zap.NewNop())))
	NewAuthHandler(auth, profiles, time.Minute).SetupRoutes(router)
	api := router.Group("/api/v1", middleware.AuthMiddleware(auth))
	NewNegotiationHandler(registry, profiles).SetupRoutes(api)
	NewSignalingHandler(sessions, relay, nil).SetupRoutes(api)

	return &apiClient{t: t, router: router, tokens: make(map[domain.ProfileID]string)}
}

func (a *apiClient) login(p *domain.Profile) string {
	a.t.Helper()
	if tok, ok := a.tokens[p.ID]; ok {
		return tok
	}
	w := a.do(nil, http.MethodPost, "/api/v1/auth/token", map[string]any{"profile_id": p.ID})
	require.Equal(a.t, http.StatusCreated, w.Code, w.Body.String())
	var body struct {
		AccessToken string `json:"access_token"`
	}
	require.NoError(a.t, json.Unmarshal(w.Body.Bytes(), &body))
	a.tokens[p.ID] = body.AccessToken
	return body.AccessToken
}

func (a *apiClient) do(as *domain.Profile, method, path string, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(a.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != nil {
		req.Header.Set("Authorization", "Bearer "+a.login(as))
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder, key string) T {
	t.Helper()
	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	var out T
	require.NoError(t, json.Unmarshal(body[key], &out))
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	code, _ := body["error"].(string)
	return code
}

func TestAuthHandler(t *testing.T) {
	a := newAPI(t)

	w := a.do(nil, http.MethodPost, "/api/v1/auth/token", map[string]any{"profile_id": "nobody"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.do(nil, http.MethodPost, "/api/v1/auth/token", map[string]any{"profile_id": "bad id!"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(engineer, http.MethodGet, "/api/v1/auth/me", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "engineer", decode[string](t, w, "role"))
}

func TestNegotiationFlow(t *testing.T) {
	a := newAPI(t)

	w := a.do(engineer, http.MethodPost, "/api/v1/tickets/"+ticket+"/requests", map[string]any{"customer_id": customer.ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	req := decode[events.RequestWire](t, w, "request")
	assert.Equal(t, "pending", req.Status)
	assert.Equal(t, string(engineer.ID), req.Sender.ID)

	// One active request per ticket.
	w = a.do(engineer, http.MethodPost, "/api/v1/tickets/"+ticket+"/requests", map[string]any{"customer_id": customer.ID})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, string(apperrors.ErrCodeStateConflict), errorCode(t, w))

	// Only the receiver responds.
	w = a.do(engineer, http.MethodPost, "/api/v1/requests/"+req.ID+"/respond", map[string]any{"response": "accepted"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(customer, http.MethodPost, "/api/v1/requests/"+req.ID+"/respond", map[string]any{"response": "maybe"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(customer, http.MethodPost, "/api/v1/requests/"+req.ID+"/respond", map[string]any{"response": "accepted"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "accepted", decode[events.RequestWire](t, w, "request").Status)

	w = a.do(engineer, http.MethodGet, "/api/v1/tickets/"+ticket+"/requests/active", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, req.ID, decode[events.RequestWire](t, w, "request").ID)

	w = a.do(customer, http.MethodPost, "/api/v1/requests/"+req.ID+"/session", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	session := decode[events.SessionWire](t, w, "session")
	assert.Equal(t, "active", session.Status)
	assert.Equal(t, media.StreamIDFor(domain.SessionID(session.ID)), session.StreamID)
	assert.Equal(t, string(customer.ID), session.Publisher.ID)

	w = a.do(engineer, http.MethodGet, "/api/v1/tickets/"+ticket+"/sessions/active", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, session.ID, decode[events.SessionWire](t, w, "session").ID)

	w = a.do(customer, http.MethodPost, "/api/v1/sessions/"+session.ID+"/subscribe", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(engineer, http.MethodPost, "/api/v1/sessions/"+session.ID+"/subscribe", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = a.do(engineer, http.MethodPost, "/api/v1/sessions/"+session.ID+"/end", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	ended := decode[events.SessionWire](t, w, "session")
	assert.Equal(t, "ended", ended.Status)
	assert.NotNil(t, ended.EndedAt)

	w = a.do(engineer, http.MethodPost, "/api/v1/sessions/"+session.ID+"/end", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.do(engineer, http.MethodGet, "/api/v1/tickets/"+ticket+"/sessions/active", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.do(customer, http.MethodGet, "/api/v1/tickets/"+ticket+"/requests", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[[]events.RequestWire](t, w, "requests"), 1)
}

func TestCallFlow(t *testing.T) {
	a := newAPI(t)

	// Engineers cannot place calls.
	w := a.do(engineer, http.MethodPost, "/api/v1/tickets/"+ticket+"/calls", map[string]any{"engineer_id": engineer.ID})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(customer, http.MethodPost, "/api/v1/tickets/"+ticket+"/calls", map[string]any{"engineer_id": engineer.ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	call := decode[events.RequestWire](t, w, "request")

	w = a.do(engineer, http.MethodPost, "/api/v1/requests/"+call.ID+"/reject", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "rejected", decode[events.RequestWire](t, w, "request").Status)

	w = a.do(engineer, http.MethodPost, "/api/v1/requests/"+call.ID+"/accept", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	// A rejected call frees the ticket.
	w = a.do(customer, http.MethodPost, "/api/v1/tickets/"+ticket+"/calls", map[string]any{"engineer_id": engineer.ID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	call = decode[events.RequestWire](t, w, "request")

	w = a.do(engineer, http.MethodDelete, "/api/v1/requests/"+call.ID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(customer, http.MethodDelete, "/api/v1/requests/"+call.ID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "cancelled", decode[events.RequestWire](t, w, "request").Status)

	w = a.do(customer, http.MethodDelete, "/api/v1/requests/"+call.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRequestErrors(t *testing.T) {
	a := newAPI(t)

	w := a.do(nil, http.MethodGet, "/api/v1/tickets/"+ticket+"/requests", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = a.do(engineer, http.MethodPost, "/api/v1/tickets/"+ticket+"/requests", map[string]any{"customer_id": "ghost"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.do(engineer, http.MethodPost, "/api/v1/tickets/"+ticket+"/requests", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(engineer, http.MethodGet, "/api/v1/tickets/bad%20ticket/requests", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(engineer, http.MethodGet, "/api/v1/tickets/"+ticket+"/requests/active", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.do(customer, http.MethodPost, "/api/v1/requests/missing/respond", map[string]any{"response": "accepted"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSignalingHandler(t *testing.T) {
	a := newAPI(t)

	w := a.do(engineer, http.MethodPost, "/api/v1/tickets/"+ticket+"/requests", map[string]any{"customer_id": customer.ID, "auto_accept": true})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	req := decode[events.RequestWire](t, w, "request")
	assert.Equal(t, "accepted", req.Status)

	w = a.do(customer, http.MethodPost, "/api/v1/requests/"+req.ID+"/session", nil)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	sid := decode[events.SessionWire](t, w, "session").ID
	base := "/api/v1/sessions/" + sid

	w = a.do(engineer, http.MethodGet, base+"/offer", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = a.do(engineer, http.MethodPut, base+"/offer", map[string]any{"sdp": testSDP})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.do(customer, http.MethodPut, base+"/offer", map[string]any{"sdp": "nonsense"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.do(customer, http.MethodPut, base+"/offer", map[string]any{"sdp": testSDP})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())

	w = a.do(engineer, http.MethodGet, base+"/offer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var offer map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &offer))
	assert.Equal(t, "offer", offer["type"])
	assert.Equal(t, testSDP, offer["sdp"])

	w = a.do(engineer, http.MethodPut, base+"/answer", map[string]any{"type": "answer", "sdp": testSDP})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	w = a.do(customer, http.MethodGet, base+"/answer", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = a.do(customer, http.MethodPost, base+"/candidates", map[string]any{"candidate": "candidate:1 1 udp 1 10.0.0.1 5000 typ host"})
	require.Equal(t, http.StatusNoContent, w.Code, w.Body.String())
	w = a.do(customer, http.MethodPost, base+"/candidates", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// The engineer reads the publisher's candidates by default.
	w = a.do(engineer, http.MethodGet, base+"/candidates", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "publisher", decode[string](t, w, "from"))
	assert.Len(t, decode[[]map[string]any](t, w, "candidates"), 1)

	w = a.do(engineer, http.MethodGet, base+"/candidates?from=subscriber", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]map[string]any](t, w, "candidates"))

	w = a.do(engineer, http.MethodGet, base+"/candidates?from=somebody", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
