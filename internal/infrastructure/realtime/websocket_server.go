// Package realtime streams ticket events to browsers over websockets and
// lets them push signaling messages into the relay.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/events"
	"screenshare/internal/core/ports"
	"screenshare/internal/core/services"
	"screenshare/internal/infrastructure/middleware"
	"screenshare/pkg/config"
	apperrors "screenshare/pkg/errors"
	"screenshare/pkg/validation"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	MessageOffer        = "offer"
	MessageAnswer       = "answer"
	MessageICECandidate = "ice_candidate"

	messageAck   = "ack"
	messageError = "error"

	sendBuffer = 64
)

// ObserverMetrics is satisfied by monitoring.PrometheusCollector.
type ObserverMetrics interface {
	ObserverConnected()
	ObserverDisconnected()
	ObserveSignal(kind string)
}

type nopObserverMetrics struct{}

func (nopObserverMetrics) ObserverConnected()   {}
func (nopObserverMetrics) ObserverDisconnected() {}
func (nopObserverMetrics) ObserveSignal(string)  {}

// SignalMessage is what a client sends on the socket.
type SignalMessage struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type outbound struct {
	Type      string `json:"type"`
	Kind      string `json:"kind,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message,omitempty"`
}

type connection struct {
	id       string
	ticketID domain.TicketID
	profile  *domain.Profile
	ws       *websocket.Conn
	send     chan any
	limiter  *rate.Limiter
	done     chan struct{}
	once     sync.Once
}

func (c *connection) close() {
	c.once.Do(func() { close(c.done) })
}

// enqueue hands v to the writer. A connection that cannot keep up is closed.
func (c *connection) enqueue(v any) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- v:
		return true
	default:
		c.close()
		return false
	}
}

type WebSocketServer struct {
	notifier events.Notifier
	relay    ports.SignalingRelay
	sessions *services.SessionStore
	cfg      *config.Config
	metrics  ObserverMetrics

	upgrader websocket.Upgrader

	connections map[string]*connection
	mu          sync.RWMutex

	pingInterval time.Duration
	pongTimeout  time.Duration
	writeTimeout time.Duration

	logger *zap.SugaredLogger
}

func NewWebSocketServer(
	notifier events.Notifier,
	relay ports.SignalingRelay,
	sessions *services.SessionStore,
	cfg *config.Config,
	metrics ObserverMetrics,
	logger *zap.SugaredLogger,
) *WebSocketServer {
	if metrics == nil {
		metrics = nopObserverMetrics{}
	}
	s := &WebSocketServer{
		notifier:     notifier,
		relay:        relay,
		sessions:     sessions,
		cfg:          cfg,
		metrics:      metrics,
		connections:  make(map[string]*connection),
		pingInterval: cfg.Events.PingInterval,
		pongTimeout:  cfg.Events.PongTimeout,
		writeTimeout: 10 * time.Second,
		logger:       logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.Auth.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range allowed {
		if o == "*" || strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}

// HandleEvents upgrades the request and streams envelopes of the ticket in
// the path until the client goes away. The route must sit behind
// AuthMiddleware.
func (s *WebSocketServer) HandleEvents(c *gin.Context) {
	profile, ok := middleware.CurrentProfile(c)
	if !ok {
		c.Error(apperrors.NewUnauthorizedError("authentication required"))
		return
	}
	if err := validation.ValidateTicketID(c.Param("ticketId")); err != nil {
		c.Error(apperrors.NewValidationError(err.Error()))
		return
	}
	ticketID := domain.TicketID(c.Param("ticketId"))

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed", "ticket_id", ticketID, "error", err)
		return
	}

	conn := &connection{
		id:       uuid.NewString(),
		ticketID: ticketID,
		profile:  profile,
		ws:       ws,
		send:     make(chan any, sendBuffer),
		limiter:  middleware.NewMessageLimiter(s.cfg),
		done:     make(chan struct{}),
	}
	if max := s.cfg.RateLimiting.WebSocket.MaxMessageSizeBytes; max > 0 {
		ws.SetReadLimit(max)
	}

	// The request context dies with the hijacked handler; the watch must
	// outlive it until the socket closes.
	ctx, cancel := context.WithCancel(context.WithoutCancel(c.Request.Context()))
	defer cancel()

	unwatch, err := s.notifier.Watch(ctx, ticketID, func(_ context.Context, env *events.Envelope) {
		if !conn.enqueue(env) {
			s.logger.Warnw("dropping slow observer", "conn_id", conn.id, "ticket_id", ticketID)
		}
	})
	if err != nil {
		s.logger.Errorw("watch ticket failed", "ticket_id", ticketID, "error", err)
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "watch failed"),
			time.Now().Add(s.writeTimeout))
		ws.Close()
		return
	}
	defer unwatch()

	s.register(conn)
	defer s.unregister(conn)

	s.logger.Infow("observer connected", "conn_id", conn.id, "ticket_id", ticketID, "profile_id", profile.ID)

	go s.writeLoop(conn)
	s.readLoop(ctx, conn)

	s.logger.Infow("observer disconnected", "conn_id", conn.id, "ticket_id", ticketID)
}

func (s *WebSocketServer) register(conn *connection) {
	s.mu.Lock()
	s.connections[conn.id] = conn
	s.mu.Unlock()
	s.metrics.ObserverConnected()
}

func (s *WebSocketServer) unregister(conn *connection) {
	s.mu.Lock()
	delete(s.connections, conn.id)
	s.mu.Unlock()
	conn.close()
	s.metrics.ObserverDisconnected()
}

// Connections returns how many observers watch ticketID on this process.
func (s *WebSocketServer) Connections(ticketID domain.TicketID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.connections {
		if c.ticketID == ticketID {
			n++
		}
	}
	return n
}

// Close disconnects every observer.
func (s *WebSocketServer) Close() {
	s.mu.RLock()
	conns := make([]*connection, 0, len(s.connections))
	for _, c := range s.connections {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		c.close()
	}
}

// writeLoop is the only goroutine writing to the socket.
func (s *WebSocketServer) writeLoop(conn *connection) {
	pingTicker := time.NewTicker(s.pingInterval)
	defer func() {
		pingTicker.Stop()
		conn.ws.Close()
	}()

	for {
		select {
		case <-conn.done:
			conn.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(s.writeTimeout))
			return
		case msg := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.ws.WriteJSON(msg); err != nil {
				s.logger.Infow("error writing to observer", "conn_id", conn.id, "error", err)
				conn.close()
				return
			}
		case <-pingTicker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "conn_id", conn.id, "error", err)
				conn.close()
				return
			}
		}
	}
}

func (s *WebSocketServer) readLoop(ctx context.Context, conn *connection) {
	defer conn.close()

	conn.ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(s.pongTimeout))
		return nil
	})

	for {
		var msg SignalMessage
		if err := conn.ws.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Infow("error reading from observer", "conn_id", conn.id, "error", err)
			}
			return
		}
		conn.ws.SetReadDeadline(time.Now().Add(s.pongTimeout))

		if conn.limiter != nil && !conn.limiter.Allow() {
			conn.enqueue(outbound{Type: messageError, Kind: msg.Type, SessionID: msg.SessionID, Message: "rate limit exceeded"})
			continue
		}

		if err := s.handleMessage(ctx, conn, msg); err != nil {
			s.logger.Infow("rejected signaling message",
				"conn_id", conn.id,
				"type", msg.Type,
				"session_id", msg.SessionID,
				"error", err,
			)
			conn.enqueue(outbound{Type: messageError, Kind: msg.Type, SessionID: msg.SessionID, Message: errorMessage(err)})
			continue
		}
		conn.enqueue(outbound{Type: messageAck, Kind: msg.Type, SessionID: msg.SessionID})
	}
}

func (s *WebSocketServer) handleMessage(ctx context.Context, conn *connection, msg SignalMessage) error {
	if msg.Type == "" {
		return apperrors.NewValidationError("message type is required")
	}
	if msg.SessionID == "" {
		return apperrors.NewValidationError("session_id is required")
	}

	session, err := s.sessions.GetByID(ctx, domain.SessionID(msg.SessionID))
	if err != nil {
		return err
	}
	role, err := SignalRoleOf(session, conn.ticketID, conn.profile)
	if err != nil {
		return err
	}

	switch msg.Type {
	case MessageOffer:
		return s.handleOffer(ctx, session, role, msg)
	case MessageAnswer:
		return s.handleAnswer(ctx, session, role, msg)
	case MessageICECandidate:
		return s.handleICECandidate(ctx, session, role, msg)
	default:
		return apperrors.NewValidationError(fmt.Sprintf("unknown message type: %s", msg.Type))
	}
}

func (s *WebSocketServer) handleOffer(ctx context.Context, session *domain.ScreenShareSession, role ports.SignalRole, msg SignalMessage) error {
	if role != ports.SignalPublisher {
		return apperrors.NewAuthorizationError("only the publisher sends offers")
	}
	var offer ports.SessionDescription
	if err := json.Unmarshal(msg.Payload, &offer); err != nil {
		return apperrors.NewValidationError("invalid offer payload")
	}
	if err := validation.ValidateSDP(offer.SDP); err != nil {
		return apperrors.NewValidationError(err.Error())
	}
	if offer.Type == "" {
		offer.Type = "offer"
	}
	if err := s.relay.PutOffer(ctx, session.ID, offer); err != nil {
		return apperrors.WrapTransportError(err, "store offer")
	}
	s.metrics.ObserveSignal(MessageOffer)
	return nil
}

func (s *WebSocketServer) handleAnswer(ctx context.Context, session *domain.ScreenShareSession, role ports.SignalRole, msg SignalMessage) error {
	if role != ports.SignalSubscriber {
		return apperrors.NewAuthorizationError("only the subscriber sends answers")
	}
	var answer ports.SessionDescription
	if err := json.Unmarshal(msg.Payload, &answer); err != nil {
		return apperrors.NewValidationError("invalid answer payload")
	}
	if err := validation.ValidateSDP(answer.SDP); err != nil {
		return apperrors.NewValidationError(err.Error())
	}
	if answer.Type == "" {
		answer.Type = "answer"
	}
	if err := s.relay.PutAnswer(ctx, session.ID, answer); err != nil {
		return apperrors.WrapTransportError(err, "store answer")
	}
	s.metrics.ObserveSignal(MessageAnswer)
	return nil
}

func (s *WebSocketServer) handleICECandidate(ctx context.Context, session *domain.ScreenShareSession, role ports.SignalRole, msg SignalMessage) error {
	var candidate ports.ICECandidate
	if err := json.Unmarshal(msg.Payload, &candidate); err != nil {
		return apperrors.NewValidationError("invalid ICE candidate payload")
	}
	if candidate.Candidate == "" {
		return apperrors.NewValidationError("ICE candidate is required")
	}
	if err := s.relay.AddCandidate(ctx, session.ID, role, candidate); err != nil {
		return apperrors.WrapTransportError(err, "store candidate")
	}
	s.metrics.ObserveSignal(MessageICECandidate)
	return nil
}

// SignalRoleOf returns the side profile plays in session. The session must
// belong to ticketID and must not be over.
func SignalRoleOf(session *domain.ScreenShareSession, ticketID domain.TicketID, profile *domain.Profile) (ports.SignalRole, error) {
	if session.TicketID != ticketID {
		return "", apperrors.NewNotFoundError("session")
	}
	if session.IsTerminal() {
		return "", apperrors.NewStateConflictError("session has ended")
	}
	switch {
	case session.Publisher != nil && session.Publisher.ID == profile.ID:
		return ports.SignalPublisher, nil
	case session.Subscriber != nil && session.Subscriber.ID == profile.ID:
		return ports.SignalSubscriber, nil
	}
	return "", apperrors.NewAuthorizationError("not a participant of this session")
}

func errorMessage(err error) string {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr.Message
	}
	return "internal error"
}
