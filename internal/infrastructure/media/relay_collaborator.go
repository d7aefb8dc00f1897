// Package media implements ports.MediaFactory. RelayFactory serves processes
// that only broker a session while the browsers hold the peer connection;
// PionFactory runs a real WebRTC peer with pion.
package media

import (
	"context"
	"sync"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/ports"

	"go.uber.org/zap"
)

// StreamIDFor names the screen stream of a session.
func StreamIDFor(sessionID domain.SessionID) string {
	return "screen-" + string(sessionID)
}

// RelayFactory creates collaborators that leave the media to the clients and
// only manage the session's signaling slot.
type RelayFactory struct {
	logger *zap.SugaredLogger
}

func NewRelayFactory(logger *zap.SugaredLogger) *RelayFactory {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &RelayFactory{logger: logger}
}

func (f *RelayFactory) Create(
	ctx context.Context,
	sessionID domain.SessionID,
	local, remote *domain.Profile,
	isPublisher bool,
	relay ports.SignalingRelay,
	callbacks ports.MediaCallbacks,
) (ports.MediaCollaborator, error) {
	return &RelayCollaborator{
		sessionID:   sessionID,
		isPublisher: isPublisher,
		relay:       relay,
		callbacks:   callbacks,
		logger:      f.logger.With("session_id", sessionID, "local", local.ID, "remote", remote.ID),
	}, nil
}

// RelayCollaborator hands out the session's stream id. The clients exchange
// their offer, answer and candidates through the relay.
type RelayCollaborator struct {
	sessionID   domain.SessionID
	isPublisher bool
	relay       ports.SignalingRelay
	callbacks   ports.MediaCallbacks
	logger      *zap.SugaredLogger

	mu     sync.Mutex
	local  *ports.StreamHandle
	closed bool
}

func (c *RelayCollaborator) InitializeConnection(ctx context.Context) error {
	c.report(ports.MediaConnecting)
	if !c.isPublisher {
		// The publisher's stream is already live when a subscriber joins.
		c.remoteStream()
	}
	return nil
}

func (c *RelayCollaborator) StartScreenSharing(ctx context.Context) (ports.StreamHandle, error) {
	handle := ports.StreamHandle{ID: StreamIDFor(c.sessionID), Tracks: []string{"screen"}}
	c.mu.Lock()
	c.local = &handle
	c.mu.Unlock()
	return handle, nil
}

func (c *RelayCollaborator) LocalStream() (ports.StreamHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		return ports.StreamHandle{}, false
	}
	return *c.local, true
}

func (c *RelayCollaborator) RemoteStream() (ports.StreamHandle, bool) {
	if c.isPublisher {
		return ports.StreamHandle{}, false
	}
	return ports.StreamHandle{ID: StreamIDFor(c.sessionID), Tracks: []string{"screen"}}, true
}

func (c *RelayCollaborator) StopScreenSharing(ctx context.Context) error {
	c.mu.Lock()
	c.local = nil
	c.mu.Unlock()
	return nil
}

// Dispose drops the session's signals. Only the publisher clears them since
// the subscriber may leave while the publisher still negotiates.
func (c *RelayCollaborator) Dispose() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.local = nil
	c.mu.Unlock()

	if !c.isPublisher || c.relay == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()
	if err := c.relay.Clear(ctx, c.sessionID); err != nil {
		c.logger.Warnw("Failed to clear signals", "error", err)
		return err
	}
	return nil
}

func (c *RelayCollaborator) report(state ports.MediaState) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed || c.callbacks.OnStateChange == nil {
		return
	}
	c.callbacks.OnStateChange(c.sessionID, state)
}

func (c *RelayCollaborator) remoteStream() {
	if c.callbacks.OnRemoteStream == nil {
		return
	}
	handle, _ := c.RemoteStream()
	c.callbacks.OnRemoteStream(c.sessionID, handle)
}
