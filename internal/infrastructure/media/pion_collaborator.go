package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/ports"
	"screenshare/pkg/retry"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

const (
	signalTimeout         = 5 * time.Second
	candidatePollInterval = 250 * time.Millisecond

	DefaultAnswerTimeout = 30 * time.Second
	DefaultPLIInterval   = 3 * time.Second
)

// PionConfig configures PionFactory.
type PionConfig struct {
	ICEServers    []webrtc.ICEServer
	AnswerTimeout time.Duration
	PLIInterval   time.Duration
	// Source feeds encoded VP8 frames to a publisher. Nil publishes an idle track.
	Source FrameSource
}

// PionFactory creates collaborators backed by a pion PeerConnection.
type PionFactory struct {
	config PionConfig
	logger *zap.SugaredLogger
}

func NewPionFactory(config PionConfig, logger *zap.SugaredLogger) *PionFactory {
	if config.AnswerTimeout <= 0 {
		config.AnswerTimeout = DefaultAnswerTimeout
	}
	if config.PLIInterval <= 0 {
		config.PLIInterval = DefaultPLIInterval
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &PionFactory{config: config, logger: logger}
}

func (f *PionFactory) Create(
	ctx context.Context,
	sessionID domain.SessionID,
	local, remote *domain.Profile,
	isPublisher bool,
	relay ports.SignalingRelay,
	callbacks ports.MediaCallbacks,
) (ports.MediaCollaborator, error) {
	if relay == nil {
		return nil, fmt.Errorf("pion collaborator needs a signaling relay")
	}
	runCtx, cancel := context.WithCancel(context.Background())
	c := &PionCollaborator{
		sessionID:   sessionID,
		isPublisher: isPublisher,
		relay:       relay,
		callbacks:   callbacks,
		config:      f.config,
		logger:      f.logger.With("session_id", sessionID, "local", local.ID, "remote", remote.ID, "publisher", isPublisher),
		ctx:         runCtx,
		cancel:      cancel,
	}
	if isPublisher {
		c.localRole, c.remoteRole = ports.SignalPublisher, ports.SignalSubscriber
	} else {
		c.localRole, c.remoteRole = ports.SignalSubscriber, ports.SignalPublisher
	}
	return c, nil
}

// PionCollaborator is one side of a screen share. The publisher sends a VP8
// track and offers; the subscriber answers, requests keyframes with PLI and
// counts the RTP packets it receives.
type PionCollaborator struct {
	sessionID   domain.SessionID
	isPublisher bool
	localRole   ports.SignalRole
	remoteRole  ports.SignalRole
	relay       ports.SignalingRelay
	callbacks   ports.MediaCallbacks
	config      PionConfig
	logger      *zap.SugaredLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	pc     *webrtc.PeerConnection
	track  *webrtc.TrackLocalStaticSample
	local  *ports.StreamHandle
	remote *ports.StreamHandle
	closed bool

	packets atomic.Uint64
}

func (c *PionCollaborator) InitializeConnection(ctx context.Context) error {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: c.config.ICEServers})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		pc.Close()
		return fmt.Errorf("collaborator disposed")
	}
	c.pc = pc
	c.mu.Unlock()

	pc.OnICECandidate(c.handleLocalCandidate)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Debugw("Peer connection state changed", "state", state.String())
		if mapped, ok := mapState(state); ok {
			c.report(mapped)
		}
	})

	c.report(ports.MediaConnecting)

	if c.isPublisher {
		return nil
	}
	return c.answer(ctx, pc)
}

// answer reads the publisher's offer and replies through the relay.
func (c *PionCollaborator) answer(ctx context.Context, pc *webrtc.PeerConnection) error {
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		return fmt.Errorf("failed to add transceiver: %w", err)
	}
	pc.OnTrack(c.handleRemoteTrack)

	offer, err := retry.RetryWithResult(ctx, retry.PollConfig(c.config.AnswerTimeout), func() (ports.SessionDescription, error) {
		return c.relay.GetOffer(ctx, c.sessionID)
	})
	if err != nil {
		return fmt.Errorf("no offer for session %s: %w", c.sessionID, err)
	}
	if err := pc.SetRemoteDescription(toPion(offer)); err != nil {
		return fmt.Errorf("failed to apply offer: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("failed to set local description: %w", err)
	}
	if err := c.relay.PutAnswer(ctx, c.sessionID, fromPion(answer)); err != nil {
		return fmt.Errorf("failed to publish answer: %w", err)
	}

	c.goRun(func() { c.pollCandidates(pc) })
	return nil
}

// StartScreenSharing adds the screen track and publishes the offer. The
// answer is awaited in the background so the subscriber can join once the
// session is live.
func (c *PionCollaborator) StartScreenSharing(ctx context.Context) (ports.StreamHandle, error) {
	if !c.isPublisher {
		return ports.StreamHandle{}, fmt.Errorf("only the publisher shares its screen")
	}
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()
	if pc == nil {
		return ports.StreamHandle{}, fmt.Errorf("connection not initialized")
	}

	streamID := StreamIDFor(c.sessionID)
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"screen",
		streamID,
	)
	if err != nil {
		return ports.StreamHandle{}, fmt.Errorf("failed to create screen track: %w", err)
	}
	sender, err := pc.AddTrack(track)
	if err != nil {
		return ports.StreamHandle{}, fmt.Errorf("failed to add screen track: %w", err)
	}
	c.goRun(func() { c.drainRTCP(sender) })

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return ports.StreamHandle{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return ports.StreamHandle{}, fmt.Errorf("failed to set local description: %w", err)
	}
	if err := c.relay.PutOffer(ctx, c.sessionID, fromPion(offer)); err != nil {
		return ports.StreamHandle{}, fmt.Errorf("failed to publish offer: %w", err)
	}

	handle := ports.StreamHandle{ID: streamID, Tracks: []string{track.ID()}}
	c.mu.Lock()
	c.track = track
	c.local = &handle
	c.mu.Unlock()

	c.goRun(func() { c.awaitAnswer(pc) })
	if c.config.Source != nil {
		c.goRun(func() { c.pump(track) })
	}
	return handle, nil
}

func (c *PionCollaborator) awaitAnswer(pc *webrtc.PeerConnection) {
	answer, err := retry.RetryWithResult(c.ctx, retry.PollConfig(c.config.AnswerTimeout), func() (ports.SessionDescription, error) {
		return c.relay.GetAnswer(c.ctx, c.sessionID)
	})
	if err != nil {
		if c.ctx.Err() == nil {
			c.fail(fmt.Errorf("no answer for session %s: %w", c.sessionID, err))
		}
		return
	}
	if err := pc.SetRemoteDescription(toPion(answer)); err != nil {
		c.fail(fmt.Errorf("failed to apply answer: %w", err))
		return
	}
	c.pollCandidates(pc)
}

// pollCandidates adds the remote side's candidates as they appear.
func (c *PionCollaborator) pollCandidates(pc *webrtc.PeerConnection) {
	ticker := time.NewTicker(candidatePollInterval)
	defer ticker.Stop()

	seen := 0
	for {
		candidates, err := c.relay.Candidates(c.ctx, c.sessionID, c.remoteRole)
		if err != nil && c.ctx.Err() == nil {
			c.logger.Warnw("Failed to read remote candidates", "error", err)
		}
		for ; seen < len(candidates); seen++ {
			cand := candidates[seen]
			if err := pc.AddICECandidate(webrtc.ICECandidateInit{
				Candidate:     cand.Candidate,
				SDPMid:        cand.SDPMid,
				SDPMLineIndex: cand.SDPMLineIndex,
			}); err != nil {
				c.logger.Warnw("Failed to add remote candidate", "error", err)
			}
		}

		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (c *PionCollaborator) handleLocalCandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return
	}
	init := candidate.ToJSON()
	ctx, cancel := context.WithTimeout(c.ctx, signalTimeout)
	defer cancel()
	err := c.relay.AddCandidate(ctx, c.sessionID, c.localRole, ports.ICECandidate{
		Candidate:     init.Candidate,
		SDPMid:        init.SDPMid,
		SDPMLineIndex: init.SDPMLineIndex,
	})
	if err != nil && c.ctx.Err() == nil {
		c.logger.Warnw("Failed to publish local candidate", "error", err)
	}
}

func (c *PionCollaborator) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	handle := ports.StreamHandle{ID: track.StreamID(), Tracks: []string{track.ID()}}
	c.mu.Lock()
	c.remote = &handle
	pc := c.pc
	c.mu.Unlock()

	c.logger.Infow("Remote screen track received",
		"stream_id", track.StreamID(),
		"codec", track.Codec().MimeType,
	)
	if c.callbacks.OnRemoteStream != nil && !c.isClosed() {
		c.callbacks.OnRemoteStream(c.sessionID, handle)
	}

	c.goRun(func() { c.requestKeyframes(pc, track) })
	c.readRTP(track)
}

// requestKeyframes sends a PLI on every tick so a late joiner gets a picture.
func (c *PionCollaborator) requestKeyframes(pc *webrtc.PeerConnection, track *webrtc.TrackRemote) {
	ticker := time.NewTicker(c.config.PLIInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}})
			if err != nil {
				return
			}
		}
	}
}

func (c *PionCollaborator) readRTP(track *webrtc.TrackRemote) {
	var pkt *rtp.Packet
	var err error
	for {
		pkt, _, err = track.ReadRTP()
		if err != nil {
			return
		}
		if c.packets.Add(1) == 1 {
			c.logger.Debugw("First RTP packet received", "ssrc", pkt.SSRC, "payload_type", pkt.PayloadType)
			c.report(ports.MediaStreaming)
		}
	}
}

// drainRTCP reads RTCP from the sender so pion's interceptors keep running.
func (c *PionCollaborator) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		packets, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, p := range packets {
			if _, ok := p.(*rtcp.PictureLossIndication); ok {
				c.logger.Debugw("Keyframe requested by subscriber")
			}
		}
	}
}

// PacketsReceived is the number of RTP packets read from the remote track.
func (c *PionCollaborator) PacketsReceived() uint64 {
	return c.packets.Load()
}

func (c *PionCollaborator) LocalStream() (ports.StreamHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		return ports.StreamHandle{}, false
	}
	return *c.local, true
}

func (c *PionCollaborator) RemoteStream() (ports.StreamHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remote == nil {
		return ports.StreamHandle{}, false
	}
	return *c.remote, true
}

func (c *PionCollaborator) StopScreenSharing(ctx context.Context) error {
	c.mu.Lock()
	pc := c.pc
	c.track = nil
	c.local = nil
	c.mu.Unlock()
	if pc == nil {
		return nil
	}
	for _, sender := range pc.GetSenders() {
		if sender.Track() == nil {
			continue
		}
		if err := pc.RemoveTrack(sender); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
			return fmt.Errorf("failed to remove screen track: %w", err)
		}
	}
	return nil
}

// Dispose closes the peer connection and stops every background loop. The
// publisher also clears the session's signals.
func (c *PionCollaborator) Dispose() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pc := c.pc
	c.pc = nil
	c.mu.Unlock()

	c.cancel()
	var closeErr error
	if pc != nil {
		closeErr = pc.Close()
	}
	c.wg.Wait()

	if c.isPublisher {
		ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
		defer cancel()
		if err := c.relay.Clear(ctx, c.sessionID); err != nil {
			c.logger.Warnw("Failed to clear signals", "error", err)
		}
	}
	return closeErr
}

// goRun starts fn unless the collaborator is already disposed.
func (c *PionCollaborator) goRun(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *PionCollaborator) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *PionCollaborator) report(state ports.MediaState) {
	if c.isClosed() || c.callbacks.OnStateChange == nil {
		return
	}
	c.callbacks.OnStateChange(c.sessionID, state)
}

func (c *PionCollaborator) fail(err error) {
	c.logger.Warnw("Media negotiation failed", "error", err)
	if c.isClosed() {
		return
	}
	if c.callbacks.OnError != nil {
		c.callbacks.OnError(c.sessionID, err)
	}
	c.report(ports.MediaFailed)
}

// mapState translates pion's connection state. New carries no information.
func mapState(state webrtc.PeerConnectionState) (ports.MediaState, bool) {
	switch state {
	case webrtc.PeerConnectionStateConnecting:
		return ports.MediaConnecting, true
	case webrtc.PeerConnectionStateConnected:
		return ports.MediaConnected, true
	case webrtc.PeerConnectionStateDisconnected:
		return ports.MediaDisconnected, true
	case webrtc.PeerConnectionStateFailed:
		return ports.MediaFailed, true
	case webrtc.PeerConnectionStateClosed:
		return ports.MediaClosed, true
	}
	return "", false
}

func toPion(desc ports.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(desc.Type), SDP: desc.SDP}
}

func fromPion(desc webrtc.SessionDescription) ports.SessionDescription {
	return ports.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}
