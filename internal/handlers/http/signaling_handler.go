package http

import (
	"errors"
	"net/http"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/ports"
	"screenshare/internal/core/services"
	"screenshare/internal/infrastructure/realtime"
	apperrors "screenshare/pkg/errors"
	"screenshare/pkg/validation"

	"github.com/gin-gonic/gin"
)

type SignalObserver interface {
	ObserveSignal(kind string)
}

// SignalingHandler exposes the relay over HTTP for clients that poll
// instead of holding the events websocket.
type SignalingHandler struct {
	sessions *services.SessionStore
	relay    ports.SignalingRelay
	observer SignalObserver
}

var _ ports.SignalingHTTPHandler = (*SignalingHandler)(nil)

func NewSignalingHandler(sessions *services.SessionStore, relay ports.SignalingRelay, observer SignalObserver) *SignalingHandler {
	return &SignalingHandler{
		sessions: sessions,
		relay:    relay,
		observer: observer,
	}
}

func (h *SignalingHandler) SetupRoutes(api *gin.RouterGroup) {
	sessions := api.Group("/sessions/:id")
	{
		sessions.PUT("/offer", h.PutOffer)
		sessions.GET("/offer", h.GetOffer)
		sessions.PUT("/answer", h.PutAnswer)
		sessions.GET("/answer", h.GetAnswer)
		sessions.POST("/candidates", h.AddCandidate)
		sessions.GET("/candidates", h.ListCandidates)
	}
}

func (h *SignalingHandler) PutOffer(c *gin.Context) {
	session, role, ok := h.participant(c)
	if !ok {
		return
	}
	if role != ports.SignalPublisher {
		c.Error(apperrors.NewAuthorizationError("only the publisher sends offers"))
		return
	}
	desc, ok := bindDescription(c, "offer")
	if !ok {
		return
	}
	if err := h.relay.PutOffer(c.Request.Context(), session.ID, desc); err != nil {
		c.Error(apperrors.WrapTransportError(err, "store offer"))
		return
	}
	h.observe(realtime.MessageOffer)
	c.Status(http.StatusNoContent)
}

func (h *SignalingHandler) GetOffer(c *gin.Context) {
	session, _, ok := h.participant(c)
	if !ok {
		return
	}
	offer, err := h.relay.GetOffer(c.Request.Context(), session.ID)
	if err != nil {
		c.Error(signalError(err, "offer"))
		return
	}
	c.JSON(http.StatusOK, offer)
}

func (h *SignalingHandler) PutAnswer(c *gin.Context) {
	session, role, ok := h.participant(c)
	if !ok {
		return
	}
	if role != ports.SignalSubscriber {
		c.Error(apperrors.NewAuthorizationError("only the subscriber sends answers"))
		return
	}
	desc, ok := bindDescription(c, "answer")
	if !ok {
		return
	}
	if err := h.relay.PutAnswer(c.Request.Context(), session.ID, desc); err != nil {
		c.Error(apperrors.WrapTransportError(err, "store answer"))
		return
	}
	h.observe(realtime.MessageAnswer)
	c.Status(http.StatusNoContent)
}

func (h *SignalingHandler) GetAnswer(c *gin.Context) {
	session, _, ok := h.participant(c)
	if !ok {
		return
	}
	answer, err := h.relay.GetAnswer(c.Request.Context(), session.ID)
	if err != nil {
		c.Error(signalError(err, "answer"))
		return
	}
	c.JSON(http.StatusOK, answer)
}

func (h *SignalingHandler) AddCandidate(c *gin.Context) {
	session, role, ok := h.participant(c)
	if !ok {
		return
	}
	var candidate ports.ICECandidate
	if err := c.ShouldBindJSON(&candidate); err != nil || candidate.Candidate == "" {
		c.Error(apperrors.NewValidationError("ICE candidate is required"))
		return
	}
	if err := h.relay.AddCandidate(c.Request.Context(), session.ID, role, candidate); err != nil {
		c.Error(apperrors.WrapTransportError(err, "store candidate"))
		return
	}
	h.observe(realtime.MessageICECandidate)
	c.Status(http.StatusNoContent)
}

// ListCandidates returns the candidates gathered by the side named in the
// from query parameter, defaulting to the caller's peer.
func (h *SignalingHandler) ListCandidates(c *gin.Context) {
	session, role, ok := h.participant(c)
	if !ok {
		return
	}
	from := peerOf(role)
	if q := c.Query("from"); q != "" {
		switch r := ports.SignalRole(q); r {
		case ports.SignalPublisher, ports.SignalSubscriber:
			from = r
		default:
			c.Error(apperrors.NewValidationError("from must be publisher or subscriber"))
			return
		}
	}

	candidates, err := h.relay.Candidates(c.Request.Context(), session.ID, from)
	if err != nil {
		c.Error(apperrors.WrapTransportError(err, "load candidates"))
		return
	}
	if candidates == nil {
		candidates = []ports.ICECandidate{}
	}
	c.JSON(http.StatusOK, gin.H{"from": from, "candidates": candidates})
}

func (h *SignalingHandler) participant(c *gin.Context) (*domain.ScreenShareSession, ports.SignalRole, bool) {
	caller, ok := currentCaller(c)
	if !ok {
		return nil, "", false
	}
	id := c.Param("id")
	if err := validation.ValidateIdentifier(id, "session ID"); err != nil {
		c.Error(apperrors.NewValidationError(err.Error()))
		return nil, "", false
	}
	session, err := h.sessions.GetByID(c.Request.Context(), domain.SessionID(id))
	if err != nil {
		c.Error(err)
		return nil, "", false
	}
	role, err := realtime.SignalRoleOf(session, session.TicketID, caller)
	if err != nil {
		c.Error(err)
		return nil, "", false
	}
	return session, role, true
}

func (h *SignalingHandler) observe(kind string) {
	if h.observer != nil {
		h.observer.ObserveSignal(kind)
	}
}

func bindDescription(c *gin.Context, kind string) (ports.SessionDescription, bool) {
	var desc ports.SessionDescription
	if err := c.ShouldBindJSON(&desc); err != nil {
		c.Error(apperrors.NewValidationError("invalid " + kind + " payload"))
		return desc, false
	}
	if err := validation.ValidateSDP(desc.SDP); err != nil {
		c.Error(apperrors.NewValidationError(err.Error()))
		return desc, false
	}
	if desc.Type == "" {
		desc.Type = kind
	}
	return desc, true
}

func peerOf(role ports.SignalRole) ports.SignalRole {
	if role == ports.SignalPublisher {
		return ports.SignalSubscriber
	}
	return ports.SignalPublisher
}

func signalError(err error, kind string) error {
	if errors.Is(err, ports.ErrSignalNotFound) {
		return apperrors.NewNotFoundError(kind)
	}
	return apperrors.WrapTransportError(err, "load "+kind)
}
