package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/events"
	"screenshare/internal/core/ports"
	apperrors "screenshare/pkg/errors"
	"screenshare/pkg/tracing"

	"go.uber.org/zap"
)

// callbackTimeout bounds store writes made from asynchronous media reports.
const callbackTimeout = 5 * time.Second

// NegotiationManager runs the request/response/session state machine for one
// ticket. It exclusively owns at most one media collaborator at a time and
// releases it when the session ends, on every failure path and on Dispose.
//
// The one-active-request and one-active-session checks read the store before
// writing. The repositories close the remaining check-then-write window with
// a conditional insert; the losing writer gets a state conflict.
type NegotiationManager struct {
	ticketID domain.TicketID
	requests *RequestStore
	sessions *SessionStore
	emitter  *events.Emitter
	media    ports.MediaFactory
	relay    ports.SignalingRelay
	metrics  ports.NegotiationMetrics
	logger   *zap.SugaredLogger

	mu              sync.Mutex
	collaborator    ports.MediaCollaborator
	collabSessionID domain.SessionID
	streaming       bool
	disposed        bool
}

type ManagerDeps struct {
	Requests *RequestStore
	Sessions *SessionStore
	Emitter  *events.Emitter
	Media    ports.MediaFactory
	Relay    ports.SignalingRelay
	Metrics  ports.NegotiationMetrics
	Logger   *zap.SugaredLogger
}

func NewNegotiationManager(ticketID domain.TicketID, deps ManagerDeps) *NegotiationManager {
	if deps.Metrics == nil {
		deps.Metrics = ports.NopMetrics{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	return &NegotiationManager{
		ticketID: ticketID,
		requests: deps.Requests,
		sessions: deps.Sessions,
		emitter:  deps.Emitter,
		media:    deps.Media,
		relay:    deps.Relay,
		metrics:  deps.Metrics,
		logger:   deps.Logger.With("ticket_id", ticketID),
	}
}

func (m *NegotiationManager) TicketID() domain.TicketID { return m.ticketID }

// RequestScreenShare lets an engineer ask a customer to share their screen.
// With autoAccept the request is created already accepted.
func (m *NegotiationManager) RequestScreenShare(ctx context.Context, engineer, customer *domain.Profile, autoAccept bool) (req *domain.ScreenShareRequest, err error) {
	ctx, done := m.begin(ctx, "requestScreenShare")
	defer func() { done(err) }()

	if !engineer.IsEngineer() {
		return nil, apperrors.NewAuthorizationError("Only engineers can request screen sharing")
	}
	if !customer.IsCustomer() {
		return nil, apperrors.NewAuthorizationError("Screen sharing can only be requested from a customer")
	}
	if err := m.ensureNoActiveRequest(ctx); err != nil {
		return nil, err
	}

	status := domain.RequestPending
	if autoAccept {
		status = domain.RequestAccepted
	}
	req, err = m.requests.Create(ctx, CreateRequestInput{
		TicketID:   m.ticketID,
		Sender:     engineer,
		Receiver:   customer,
		Status:     status,
		AutoAccept: autoAccept,
	})
	if err != nil {
		return nil, err
	}
	m.metrics.ObserveRequest(req.Status)
	return req, nil
}

// StartCall lets a customer call an engineer. The engineer must still accept.
func (m *NegotiationManager) StartCall(ctx context.Context, customer, engineer *domain.Profile) (req *domain.ScreenShareRequest, err error) {
	ctx, done := m.begin(ctx, "startCall")
	defer func() { done(err) }()

	if !customer.IsCustomer() {
		return nil, apperrors.NewAuthorizationError("Only customers can start a call")
	}
	if !engineer.IsEngineer() {
		return nil, apperrors.NewAuthorizationError("Calls can only be placed to an engineer")
	}
	if err := m.ensureNoActiveRequest(ctx); err != nil {
		return nil, err
	}

	req, err = m.requests.Create(ctx, CreateRequestInput{
		TicketID: m.ticketID,
		Sender:   customer,
		Receiver: engineer,
		Status:   domain.RequestPending,
	})
	if err != nil {
		return nil, err
	}
	m.metrics.ObserveRequest(req.Status)
	return req, nil
}

// RespondToRequest accepts or rejects a pending request on behalf of its receiver.
// The request is re-read from the store; the passed copy only identifies it.
func (m *NegotiationManager) RespondToRequest(ctx context.Context, request *domain.ScreenShareRequest, response domain.RequestStatus, user *domain.Profile) (req *domain.ScreenShareRequest, err error) {
	ctx, done := m.begin(ctx, "respondToRequest")
	defer func() { done(err) }()

	if request == nil {
		return nil, apperrors.NewValidationError("Request is required")
	}
	if response != domain.RequestAccepted && response != domain.RequestRejected {
		return nil, apperrors.NewValidationError("Response must be accepted or rejected")
	}
	current, err := m.loadRequest(ctx, request.ID)
	if err != nil {
		return nil, err
	}
	return m.respond(ctx, current, response, user)
}

// AcceptCall accepts a customer-initiated call on behalf of the called engineer.
func (m *NegotiationManager) AcceptCall(ctx context.Context, requestID domain.RequestID, engineer *domain.Profile) (*domain.ScreenShareRequest, error) {
	return m.answerCall(ctx, "acceptCall", requestID, engineer, domain.RequestAccepted)
}

// RejectCall rejects a customer-initiated call on behalf of the called engineer.
func (m *NegotiationManager) RejectCall(ctx context.Context, requestID domain.RequestID, engineer *domain.Profile) (*domain.ScreenShareRequest, error) {
	return m.answerCall(ctx, "rejectCall", requestID, engineer, domain.RequestRejected)
}

func (m *NegotiationManager) answerCall(ctx context.Context, op string, requestID domain.RequestID, engineer *domain.Profile, response domain.RequestStatus) (req *domain.ScreenShareRequest, err error) {
	ctx, done := m.begin(ctx, op)
	defer func() { done(err) }()

	current, err := m.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !current.IsCall() {
		return nil, apperrors.NewValidationError("Request is not a call from a customer")
	}
	if !engineer.IsEngineer() {
		return nil, apperrors.NewAuthorizationError("Only engineers can answer calls")
	}
	return m.respond(ctx, current, response, engineer)
}

func (m *NegotiationManager) respond(ctx context.Context, current *domain.ScreenShareRequest, response domain.RequestStatus, user *domain.Profile) (*domain.ScreenShareRequest, error) {
	if user == nil || current.Receiver == nil || user.ID != current.Receiver.ID {
		return nil, apperrors.NewAuthorizationError("Only the request receiver can respond")
	}
	if current.Status != domain.RequestPending {
		return nil, apperrors.NewStateConflictError("Can only respond to pending requests").
			WithContext("status", current.Status)
	}
	if current.IsExpired(m.now()) {
		if _, err := m.requests.UpdateStatus(ctx, current.ID, domain.RequestExpired); err != nil {
			m.logger.Warnw("Failed to mark request expired", "request_id", current.ID, "error", err)
		} else {
			m.metrics.ObserveRequest(domain.RequestExpired)
		}
		return nil, apperrors.NewStateConflictError("Request has expired")
	}

	updated, err := m.requests.UpdateStatus(ctx, current.ID, response)
	if err != nil {
		return nil, err
	}
	m.metrics.ObserveRequest(updated.Status)
	return updated, nil
}

// StartSession creates the session for an accepted request and brings up the
// publisher side of the media connection. It returns an active session or an
// error; on error the session is marked failed and the collaborator released.
func (m *NegotiationManager) StartSession(ctx context.Context, requestID domain.RequestID, publisher, subscriber *domain.Profile) (session *domain.ScreenShareSession, err error) {
	ctx, done := m.begin(ctx, "startSession")
	defer func() { done(err) }()

	req, err := m.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	customer, engineer := req.Customer(), req.Engineer()
	if customer == nil || engineer == nil {
		return nil, apperrors.NewValidationError("Request does not pair a customer with an engineer")
	}
	if publisher == nil || publisher.ID != customer.ID {
		return nil, apperrors.NewAuthorizationError("Publisher must be the customer of the request")
	}
	if subscriber == nil || subscriber.ID != engineer.ID {
		return nil, apperrors.NewAuthorizationError("Subscriber must be the engineer of the request")
	}
	if req.Status != domain.RequestAccepted {
		return nil, apperrors.NewStateConflictError("Can only start session for accepted requests").
			WithContext("status", req.Status)
	}
	if err := m.ensureNoActiveSession(ctx); err != nil {
		return nil, err
	}

	session, err = m.sessions.Create(ctx, CreateSessionInput{
		TicketID:   m.ticketID,
		RequestID:  req.ID,
		Publisher:  customer,
		Subscriber: engineer,
		Status:     domain.SessionInitializing,
	})
	if err != nil {
		return nil, err
	}
	m.metrics.ObserveSession(session.Status)

	sessionID := session.ID
	handle, stage, mediaErr := m.startPublisher(ctx, session)
	if mediaErr != nil {
		m.metrics.ObserveMediaFailure(stage)
		return nil, m.failSession(ctx, sessionID, mediaErr, "Failed to start screen sharing")
	}

	// The stream is live; the caller going away must not strand the row.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), callbackTimeout)
	defer cancel()
	active := domain.SessionActive
	streamID := handle.ID
	session, err = m.sessions.Update(writeCtx, sessionID, domain.SessionUpdate{
		Status:   &active,
		StreamID: &streamID,
	})
	if err != nil {
		return nil, m.failSession(ctx, sessionID, err, "Failed to activate session")
	}
	m.metrics.ObserveSession(session.Status)
	return session, nil
}

func (m *NegotiationManager) startPublisher(ctx context.Context, session *domain.ScreenShareSession) (ports.StreamHandle, string, error) {
	ctx, span := tracing.TraceMedia(ctx, "startPublisher", string(session.ID))
	defer span.End()

	collab, err := m.acquire(ctx, session, true)
	if err != nil {
		tracing.RecordError(ctx, err)
		return ports.StreamHandle{}, "create", err
	}
	if err := collab.InitializeConnection(ctx); err != nil {
		tracing.RecordError(ctx, err)
		return ports.StreamHandle{}, "initialize", err
	}
	handle, err := collab.StartScreenSharing(ctx)
	if err != nil {
		tracing.RecordError(ctx, err)
		return ports.StreamHandle{}, "capture", err
	}
	if handle.ID == "" {
		return ports.StreamHandle{}, "capture", fmt.Errorf("media collaborator returned an empty stream id")
	}

	m.mu.Lock()
	if m.collabSessionID == session.ID {
		m.streaming = true
	}
	m.mu.Unlock()
	return handle, "", nil
}

// failSession marks the session failed, releases the collaborator and returns
// the media error the caller sees. The mark is written even when ctx is
// already cancelled, otherwise the ticket stays blocked by an initializing row.
func (m *NegotiationManager) failSession(ctx context.Context, sessionID domain.SessionID, cause error, message string) error {
	m.release(sessionID)

	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), callbackTimeout)
	defer cancel()
	if _, err := m.sessions.MarkError(markCtx, sessionID, cause.Error()); err != nil {
		m.logger.Errorw("Failed to mark session as errored",
			"session_id", sessionID,
			"cause", cause,
			"error", err,
		)
	} else {
		m.metrics.ObserveSession(domain.SessionError)
	}

	m.logger.Warnw(message, "session_id", sessionID, "error", cause)
	if appErr := apperrors.GetAppError(cause); appErr != nil && appErr.Code != apperrors.ErrCodeMedia {
		return appErr
	}
	return apperrors.WrapMediaError(cause, message).WithContext("session_id", sessionID)
}

// SubscribeToStream brings up the subscriber side for an active session when
// this manager does not hold a collaborator yet. The session is returned unchanged.
func (m *NegotiationManager) SubscribeToStream(ctx context.Context, sessionID domain.SessionID) (session *domain.ScreenShareSession, err error) {
	ctx, done := m.begin(ctx, "subscribeToStream")
	defer func() { done(err) }()

	session, err = m.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.SessionActive || session.StreamID == "" {
		return nil, apperrors.NewStateConflictError("Can only subscribe to an active stream").
			WithContext("status", session.Status)
	}

	m.mu.Lock()
	has := m.collaborator != nil
	m.mu.Unlock()
	if has {
		return session, nil
	}

	collab, err := m.acquire(ctx, session, false)
	if err != nil {
		m.metrics.ObserveMediaFailure("create")
		return nil, apperrors.WrapMediaError(err, "Failed to subscribe to stream")
	}
	// The publisher is already live, so early connection states keep the
	// session active.
	m.mu.Lock()
	if m.collabSessionID == session.ID {
		m.streaming = true
	}
	m.mu.Unlock()
	if err := collab.InitializeConnection(ctx); err != nil {
		m.release(session.ID)
		m.metrics.ObserveMediaFailure("initialize")
		return nil, apperrors.WrapMediaError(err, "Failed to subscribe to stream")
	}
	return session, nil
}

// EndSession tears down this manager's collaborator for the session and marks
// it ended. Ending an already ended session is a state conflict.
func (m *NegotiationManager) EndSession(ctx context.Context, sessionID domain.SessionID, user *domain.Profile) (session *domain.ScreenShareSession, err error) {
	ctx, done := m.begin(ctx, "endSession")
	defer func() { done(err) }()

	current, err := m.loadSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if user == nil || !current.IsParticipant(user.ID) {
		return nil, apperrors.NewAuthorizationError("Only session participants can end the session")
	}
	if current.Status == domain.SessionEnded {
		return nil, apperrors.NewStateConflictError("Session already ended")
	}

	m.release(sessionID)

	session, err = m.sessions.EndSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	m.metrics.ObserveSession(session.Status)
	return session, nil
}

// CancelRequest deletes the request on behalf of its sender and returns it
// with status cancelled.
func (m *NegotiationManager) CancelRequest(ctx context.Context, requestID domain.RequestID, user *domain.Profile) (req *domain.ScreenShareRequest, err error) {
	ctx, done := m.begin(ctx, "cancelRequest")
	defer func() { done(err) }()

	current, err := m.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if user == nil || current.Sender == nil || user.ID != current.Sender.ID {
		return nil, apperrors.NewAuthorizationError("Only the sender can cancel the request")
	}
	if current.Status == domain.RequestCancelled {
		return nil, apperrors.NewStateConflictError("Request already cancelled")
	}

	if err := m.requests.Delete(ctx, current.ID); err != nil {
		return nil, err
	}
	m.metrics.ObserveRequest(domain.RequestCancelled)

	current.Status = domain.RequestCancelled
	current.UpdatedAt = m.now()
	return current, nil
}

// ActiveRequest returns the ticket's active request.
func (m *NegotiationManager) ActiveRequest(ctx context.Context) (*domain.ScreenShareRequest, error) {
	return m.requests.GetActiveByTicketID(ctx, m.ticketID)
}

// ActiveSession returns the ticket's active session.
func (m *NegotiationManager) ActiveSession(ctx context.Context) (*domain.ScreenShareSession, error) {
	return m.sessions.GetActiveByTicketID(ctx, m.ticketID)
}

// Dispose releases the collaborator. The manager must not be used afterwards.
func (m *NegotiationManager) Dispose() {
	m.mu.Lock()
	m.disposed = true
	collab := m.collaborator
	sessionID := m.collabSessionID
	m.collaborator = nil
	m.collabSessionID = ""
	m.streaming = false
	m.mu.Unlock()

	if collab != nil {
		m.disposeCollaborator(collab, sessionID)
	}
}

// acquire creates the collaborator for session. Any previous collaborator is
// released first.
func (m *NegotiationManager) acquire(ctx context.Context, session *domain.ScreenShareSession, isPublisher bool) (ports.MediaCollaborator, error) {
	if m.media == nil {
		return nil, fmt.Errorf("no media factory configured")
	}

	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil, fmt.Errorf("negotiation manager disposed")
	}
	previous, previousID := m.collaborator, m.collabSessionID
	m.collaborator = nil
	m.collabSessionID = session.ID
	m.streaming = false
	m.mu.Unlock()

	if previous != nil {
		m.disposeCollaborator(previous, previousID)
	}

	local, remote := session.Publisher, session.Subscriber
	if !isPublisher {
		local, remote = session.Subscriber, session.Publisher
	}

	collab, err := m.media.Create(ctx, session.ID, local, remote, isPublisher, m.relay, ports.MediaCallbacks{
		OnStateChange:  m.onMediaState,
		OnError:        m.onMediaError,
		OnRemoteStream: m.onRemoteStream,
	})
	if err != nil {
		m.mu.Lock()
		if m.collabSessionID == session.ID {
			m.collabSessionID = ""
		}
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	if m.collabSessionID != session.ID || m.disposed {
		m.mu.Unlock()
		m.disposeCollaborator(collab, session.ID)
		return nil, fmt.Errorf("collaborator for session %s superseded", session.ID)
	}
	m.collaborator = collab
	m.mu.Unlock()

	m.logger.Debugw("Media collaborator created",
		"session_id", session.ID,
		"publisher", isPublisher,
	)
	return collab, nil
}

// release disposes the collaborator if it belongs to sessionID.
func (m *NegotiationManager) release(sessionID domain.SessionID) {
	m.mu.Lock()
	if m.collabSessionID != sessionID {
		m.mu.Unlock()
		return
	}
	collab := m.collaborator
	m.collaborator = nil
	m.collabSessionID = ""
	m.streaming = false
	m.mu.Unlock()

	if collab != nil {
		m.disposeCollaborator(collab, sessionID)
	}
}

func (m *NegotiationManager) disposeCollaborator(collab ports.MediaCollaborator, sessionID domain.SessionID) {
	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	if _, ok := collab.LocalStream(); ok {
		if err := collab.StopScreenSharing(ctx); err != nil {
			m.logger.Warnw("Failed to stop screen sharing", "session_id", sessionID, "error", err)
		}
	}
	if err := collab.Dispose(); err != nil {
		m.logger.Warnw("Failed to dispose media collaborator", "session_id", sessionID, "error", err)
	}
}

// owns reports whether sessionID is the session of the current collaborator.
// Reports for any other session are ignored so that concurrent negotiations
// in other contexts never touch this manager's session.
func (m *NegotiationManager) owns(sessionID domain.SessionID) (streaming bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed || m.collabSessionID == "" || m.collabSessionID != sessionID {
		return false, false
	}
	return m.streaming, true
}

func (m *NegotiationManager) onMediaState(sessionID domain.SessionID, state ports.MediaState) {
	streaming, ok := m.owns(sessionID)
	if !ok {
		m.logger.Debugw("Ignoring media state for foreign session", "session_id", sessionID, "state", state)
		return
	}

	if state == ports.MediaStreaming {
		m.mu.Lock()
		m.streaming = true
		m.mu.Unlock()
		streaming = true
	}

	target, apply := sessionStatusFor(state, streaming)
	if !apply {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	current, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		m.logger.Warnw("Failed to load session for media state", "session_id", sessionID, "error", err)
		return
	}
	if current.IsTerminal() || current.Status == target {
		return
	}

	var updated *domain.ScreenShareSession
	if target == domain.SessionError {
		updated, err = m.sessions.MarkError(ctx, sessionID, fmt.Sprintf("media connection %s", state))
	} else {
		updated, err = m.sessions.Update(ctx, sessionID, domain.SessionUpdate{Status: &target})
	}
	if err != nil {
		m.logger.Warnw("Failed to reflect media state",
			"session_id", sessionID,
			"state", state,
			"error", err,
		)
		return
	}
	m.metrics.ObserveSession(updated.Status)
}

// sessionStatusFor maps a collaborator state onto a session status. Closed is
// never applied: only EndSession ends a session.
func sessionStatusFor(state ports.MediaState, streaming bool) (domain.SessionStatus, bool) {
	switch state {
	case ports.MediaConnecting, ports.MediaConnected:
		if streaming {
			return domain.SessionActive, true
		}
		return domain.SessionInitializing, true
	case ports.MediaStreaming:
		return domain.SessionActive, true
	case ports.MediaFailed:
		return domain.SessionError, true
	case ports.MediaDisconnected:
		return domain.SessionDisconnected, true
	}
	return "", false
}

func (m *NegotiationManager) onMediaError(sessionID domain.SessionID, err error) {
	if _, ok := m.owns(sessionID); !ok {
		return
	}
	m.logger.Warnw("Media collaborator reported an error", "session_id", sessionID, "error", err)
	m.metrics.ObserveMediaFailure("runtime")
}

func (m *NegotiationManager) onRemoteStream(sessionID domain.SessionID, stream ports.StreamHandle) {
	if _, ok := m.owns(sessionID); !ok {
		return
	}
	m.mu.Lock()
	m.streaming = true
	m.mu.Unlock()

	if m.emitter == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
	defer cancel()

	session, err := m.sessions.GetByID(ctx, sessionID)
	if err != nil {
		m.logger.Warnw("Failed to load session for remote stream", "session_id", sessionID, "error", err)
		return
	}
	if err := m.emitter.RemoteStreamAvailable(ctx, session); err != nil {
		m.logger.Warnw("Failed to publish remote stream event", "session_id", sessionID, "error", err)
		return
	}
	m.logger.Infow("Remote stream available", "session_id", sessionID, "stream_id", stream.ID)
}

func (m *NegotiationManager) ensureNoActiveRequest(ctx context.Context) error {
	_, err := m.requests.GetActiveByTicketID(ctx, m.ticketID)
	switch {
	case err == nil:
		return apperrors.NewStateConflictError("An active screen share request already exists for this ticket")
	case apperrors.IsCode(err, apperrors.ErrCodeNotFound):
		return nil
	default:
		return err
	}
}

func (m *NegotiationManager) ensureNoActiveSession(ctx context.Context) error {
	_, err := m.sessions.GetActiveByTicketID(ctx, m.ticketID)
	switch {
	case err == nil:
		return apperrors.NewStateConflictError("An active session already exists for this ticket")
	case apperrors.IsCode(err, apperrors.ErrCodeNotFound):
		return nil
	default:
		return err
	}
}

func (m *NegotiationManager) loadRequest(ctx context.Context, id domain.RequestID) (*domain.ScreenShareRequest, error) {
	req, err := m.requests.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.TicketID != m.ticketID {
		return nil, apperrors.NewNotFoundError("screen share request")
	}
	return req, nil
}

func (m *NegotiationManager) loadSession(ctx context.Context, id domain.SessionID) (*domain.ScreenShareSession, error) {
	session, err := m.sessions.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.TicketID != m.ticketID {
		return nil, apperrors.NewNotFoundError("screen share session")
	}
	return session, nil
}

func (m *NegotiationManager) now() time.Time {
	return m.requests.clock.Now()
}

// begin opens a span for op and returns a func that records the outcome.
func (m *NegotiationManager) begin(ctx context.Context, op string) (context.Context, func(error)) {
	start := time.Now()
	ctx, span := tracing.TraceNegotiation(ctx, op, string(m.ticketID))
	return ctx, func(err error) {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			if appErr := apperrors.GetAppError(err); appErr != nil {
				outcome = string(appErr.Code)
			}
			tracing.RecordError(ctx, err)
			m.logger.Debugw("Negotiation operation failed", "operation", op, "error", err)
		}
		m.metrics.ObserveOperation(op, outcome, time.Since(start))
		span.End()
	}
}
