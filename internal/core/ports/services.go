package ports

import (
	"context"

	"screenshare/internal/core/domain"
)

// MediaState is a connection state reported by a media collaborator.
type MediaState string

const (
	MediaConnecting   MediaState = "connecting"
	MediaConnected    MediaState = "connected"
	MediaStreaming    MediaState = "streaming"
	MediaFailed       MediaState = "failed"
	MediaDisconnected MediaState = "disconnected"
	MediaClosed       MediaState = "closed"
)

// StreamHandle identifies a local or remote media stream.
type StreamHandle struct {
	ID     string
	Tracks []string
}

// MediaCallbacks receive asynchronous reports from a collaborator. Every
// callback carries the session id the collaborator was created for.
type MediaCallbacks struct {
	OnStateChange  func(sessionID domain.SessionID, state MediaState)
	OnError        func(sessionID domain.SessionID, err error)
	OnRemoteStream func(sessionID domain.SessionID, stream StreamHandle)
}

// MediaCollaborator owns one side of a peer connection for a session.
type MediaCollaborator interface {
	InitializeConnection(ctx context.Context) error
	// StartScreenSharing begins capture on the publisher side.
	StartScreenSharing(ctx context.Context) (StreamHandle, error)
	LocalStream() (StreamHandle, bool)
	RemoteStream() (StreamHandle, bool)
	StopScreenSharing(ctx context.Context) error
	Dispose() error
}

// MediaFactory creates collaborators. local is the profile this process acts
// for; remote is the other party.
type MediaFactory interface {
	Create(
		ctx context.Context,
		sessionID domain.SessionID,
		local, remote *domain.Profile,
		isPublisher bool,
		relay SignalingRelay,
		callbacks MediaCallbacks,
	) (MediaCollaborator, error)
}

type SignalRole string

const (
	SignalPublisher  SignalRole = "publisher"
	SignalSubscriber SignalRole = "subscriber"
)

type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// SignalingRelay stores offers, answers and ICE candidates for a session.
// Get methods return ErrSignalNotFound until the value has been put.
type SignalingRelay interface {
	PutOffer(ctx context.Context, sessionID domain.SessionID, offer SessionDescription) error
	GetOffer(ctx context.Context, sessionID domain.SessionID) (SessionDescription, error)
	PutAnswer(ctx context.Context, sessionID domain.SessionID, answer SessionDescription) error
	GetAnswer(ctx context.Context, sessionID domain.SessionID) (SessionDescription, error)
	// AddCandidate records a candidate gathered by from.
	AddCandidate(ctx context.Context, sessionID domain.SessionID, from SignalRole, candidate ICECandidate) error
	// Candidates returns every candidate gathered by from, in insertion order.
	Candidates(ctx context.Context, sessionID domain.SessionID, from SignalRole) ([]ICECandidate, error)
	Clear(ctx context.Context, sessionID domain.SessionID) error
}
