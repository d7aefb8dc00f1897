package http

import (
	"context"
	"errors"
	"net/http"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/events"
	"screenshare/internal/core/ports"
	"screenshare/internal/core/services"
	"screenshare/internal/infrastructure/middleware"
	apperrors "screenshare/pkg/errors"
	"screenshare/pkg/validation"

	"github.com/gin-gonic/gin"
)

type NegotiationHandler struct {
	registry *services.ManagerRegistry
	profiles ports.ProfileRepository
}

var _ ports.NegotiationHTTPHandler = (*NegotiationHandler)(nil)

func NewNegotiationHandler(registry *services.ManagerRegistry, profiles ports.ProfileRepository) *NegotiationHandler {
	return &NegotiationHandler{
		registry: registry,
		profiles: profiles,
	}
}

// SetupRoutes registers the negotiation endpoints on api, which must already
// carry AuthMiddleware.
func (h *NegotiationHandler) SetupRoutes(api *gin.RouterGroup) {
	tickets := api.Group("/tickets/:ticketId")
	{
		tickets.POST("/requests", middleware.RequireRole(domain.RoleEngineer), h.RequestScreenShare)
		tickets.POST("/calls", middleware.RequireRole(domain.RoleCustomer), h.StartCall)
		tickets.GET("/requests", h.ListRequests)
		tickets.GET("/requests/active", h.GetActiveRequest)
		tickets.GET("/sessions/active", h.GetActiveSession)
	}

	requests := api.Group("/requests/:id")
	{
		requests.POST("/respond", h.RespondToRequest)
		requests.POST("/accept", middleware.RequireRole(domain.RoleEngineer), h.AcceptCall)
		requests.POST("/reject", middleware.RequireRole(domain.RoleEngineer), h.RejectCall)
		requests.DELETE("", h.CancelRequest)
		requests.POST("/session", h.StartSession)
	}

	sessions := api.Group("/sessions/:id")
	{
		sessions.POST("/subscribe", h.SubscribeToStream)
		sessions.POST("/end", h.EndSession)
	}
}

type ScreenShareRequestBody struct {
	CustomerID string `json:"customer_id" binding:"required,max=100"`
	AutoAccept bool   `json:"auto_accept"`
}

type CallRequestBody struct {
	EngineerID string `json:"engineer_id" binding:"required,max=100"`
}

type RespondRequestBody struct {
	Response string `json:"response" binding:"required,oneof=accepted rejected"`
}

func (h *NegotiationHandler) RequestScreenShare(c *gin.Context) {
	caller, ticketID, ok := h.callerAndTicket(c)
	if !ok {
		return
	}
	var body ScreenShareRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.Error(apperrors.NewValidationError("invalid request format"))
		return
	}
	customer, err := h.loadProfile(c.Request.Context(), body.CustomerID)
	if err != nil {
		c.Error(err)
		return
	}

	req, err := h.registry.For(ticketID).RequestScreenShare(c.Request.Context(), caller, customer, body.AutoAccept)
	if err != nil {
		c.Error(err)
		return
	}
	writeRequest(c, http.StatusCreated, req)
}

func (h *NegotiationHandler) StartCall(c *gin.Context) {
	caller, ticketID, ok := h.callerAndTicket(c)
	if !ok {
		return
	}
	var body CallRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.Error(apperrors.NewValidationError("invalid request format"))
		return
	}
	engineer, err := h.loadProfile(c.Request.Context(), body.EngineerID)
	if err != nil {
		c.Error(err)
		return
	}

	req, err := h.registry.For(ticketID).StartCall(c.Request.Context(), caller, engineer)
	if err != nil {
		c.Error(err)
		return
	}
	writeRequest(c, http.StatusCreated, req)
}

func (h *NegotiationHandler) ListRequests(c *gin.Context) {
	_, ticketID, ok := h.callerAndTicket(c)
	if !ok {
		return
	}
	reqs, err := h.registry.Requests().GetByTicketID(c.Request.Context(), ticketID)
	if err != nil {
		c.Error(err)
		return
	}

	out := make([]*events.RequestWire, 0, len(reqs))
	for _, r := range reqs {
		w, err := events.EncodeRequest(r)
		if err != nil {
			c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to encode request", http.StatusInternalServerError))
			return
		}
		out = append(out, w)
	}
	c.JSON(http.StatusOK, gin.H{"requests": out})
}

func (h *NegotiationHandler) GetActiveRequest(c *gin.Context) {
	_, ticketID, ok := h.callerAndTicket(c)
	if !ok {
		return
	}
	req, err := h.registry.For(ticketID).ActiveRequest(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	writeRequest(c, http.StatusOK, req)
}

func (h *NegotiationHandler) GetActiveSession(c *gin.Context) {
	_, ticketID, ok := h.callerAndTicket(c)
	if !ok {
		return
	}
	session, err := h.registry.For(ticketID).ActiveSession(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}
	writeSession(c, http.StatusOK, session)
}

func (h *NegotiationHandler) RespondToRequest(c *gin.Context) {
	caller, req, ok := h.callerAndRequest(c)
	if !ok {
		return
	}
	var body RespondRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.Error(apperrors.NewValidationError("response must be accepted or rejected"))
		return
	}

	updated, err := h.registry.For(req.TicketID).RespondToRequest(c.Request.Context(), req, domain.RequestStatus(body.Response), caller)
	if err != nil {
		c.Error(err)
		return
	}
	writeRequest(c, http.StatusOK, updated)
}

func (h *NegotiationHandler) AcceptCall(c *gin.Context) {
	caller, req, ok := h.callerAndRequest(c)
	if !ok {
		return
	}
	updated, err := h.registry.For(req.TicketID).AcceptCall(c.Request.Context(), req.ID, caller)
	if err != nil {
		c.Error(err)
		return
	}
	writeRequest(c, http.StatusOK, updated)
}

func (h *NegotiationHandler) RejectCall(c *gin.Context) {
	caller, req, ok := h.callerAndRequest(c)
	if !ok {
		return
	}
	updated, err := h.registry.For(req.TicketID).RejectCall(c.Request.Context(), req.ID, caller)
	if err != nil {
		c.Error(err)
		return
	}
	writeRequest(c, http.StatusOK, updated)
}

func (h *NegotiationHandler) CancelRequest(c *gin.Context) {
	caller, req, ok := h.callerAndRequest(c)
	if !ok {
		return
	}
	cancelled, err := h.registry.For(req.TicketID).CancelRequest(c.Request.Context(), req.ID, caller)
	if err != nil {
		c.Error(err)
		return
	}
	writeRequest(c, http.StatusOK, cancelled)
}

// StartSession is called by the customer once the request is accepted. The
// customer publishes and the engineer subscribes.
func (h *NegotiationHandler) StartSession(c *gin.Context) {
	caller, req, ok := h.callerAndRequest(c)
	if !ok {
		return
	}
	if !req.IsParticipant(caller.ID) {
		c.Error(apperrors.NewAuthorizationError("Only request participants can start the session"))
		return
	}

	session, err := h.registry.For(req.TicketID).StartSession(c.Request.Context(), req.ID, req.Customer(), req.Engineer())
	if err != nil {
		c.Error(err)
		return
	}
	writeSession(c, http.StatusCreated, session)
}

func (h *NegotiationHandler) SubscribeToStream(c *gin.Context) {
	caller, session, ok := h.callerAndSession(c)
	if !ok {
		return
	}
	if session.Subscriber == nil || session.Subscriber.ID != caller.ID {
		c.Error(apperrors.NewAuthorizationError("Only the subscriber can subscribe to the stream"))
		return
	}

	session, err := h.registry.For(session.TicketID).SubscribeToStream(c.Request.Context(), session.ID)
	if err != nil {
		c.Error(err)
		return
	}
	writeSession(c, http.StatusOK, session)
}

func (h *NegotiationHandler) EndSession(c *gin.Context) {
	caller, session, ok := h.callerAndSession(c)
	if !ok {
		return
	}
	ended, err := h.registry.For(session.TicketID).EndSession(c.Request.Context(), session.ID, caller)
	if err != nil {
		c.Error(err)
		return
	}
	writeSession(c, http.StatusOK, ended)
}

func (h *NegotiationHandler) callerAndTicket(c *gin.Context) (*domain.Profile, domain.TicketID, bool) {
	caller, ok := currentCaller(c)
	if !ok {
		return nil, "", false
	}
	ticketID := c.Param("ticketId")
	if err := validation.ValidateTicketID(ticketID); err != nil {
		c.Error(apperrors.NewValidationError(err.Error()))
		return nil, "", false
	}
	return caller, domain.TicketID(ticketID), true
}

func (h *NegotiationHandler) callerAndRequest(c *gin.Context) (*domain.Profile, *domain.ScreenShareRequest, bool) {
	caller, ok := currentCaller(c)
	if !ok {
		return nil, nil, false
	}
	id := c.Param("id")
	if err := validation.ValidateIdentifier(id, "request ID"); err != nil {
		c.Error(apperrors.NewValidationError(err.Error()))
		return nil, nil, false
	}
	req, err := h.registry.Requests().GetByID(c.Request.Context(), domain.RequestID(id))
	if err != nil {
		c.Error(err)
		return nil, nil, false
	}
	return caller, req, true
}

func (h *NegotiationHandler) callerAndSession(c *gin.Context) (*domain.Profile, *domain.ScreenShareSession, bool) {
	caller, ok := currentCaller(c)
	if !ok {
		return nil, nil, false
	}
	id := c.Param("id")
	if err := validation.ValidateIdentifier(id, "session ID"); err != nil {
		c.Error(apperrors.NewValidationError(err.Error()))
		return nil, nil, false
	}
	session, err := h.registry.Sessions().GetByID(c.Request.Context(), domain.SessionID(id))
	if err != nil {
		c.Error(err)
		return nil, nil, false
	}
	return caller, session, true
}

func currentCaller(c *gin.Context) (*domain.Profile, bool) {
	caller, ok := middleware.CurrentProfile(c)
	if !ok {
		c.Error(apperrors.NewUnauthorizedError("authentication required"))
	}
	return caller, ok
}

func (h *NegotiationHandler) loadProfile(ctx context.Context, id string) (*domain.Profile, error) {
	if err := validation.ValidateProfileID(id); err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}
	profile, err := h.profiles.GetByID(ctx, domain.ProfileID(id))
	if err != nil {
		if errors.Is(err, domain.ErrProfileNotFound) {
			return nil, apperrors.NewNotFoundError("profile")
		}
		return nil, apperrors.WrapTransportError(err, "failed to load profile")
	}
	return profile, nil
}

func writeRequest(c *gin.Context, status int, req *domain.ScreenShareRequest) {
	w, err := events.EncodeRequest(req)
	if err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to encode request", http.StatusInternalServerError))
		return
	}
	c.JSON(status, gin.H{"request": w})
}

func writeSession(c *gin.Context, status int, session *domain.ScreenShareSession) {
	w, err := events.EncodeSession(session)
	if err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to encode session", http.StatusInternalServerError))
		return
	}
	c.JSON(status, gin.H{"session": w})
}
