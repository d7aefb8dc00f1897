package media

import (
	"context"
	"sync"
	"testing"
	"time"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/ports"
	"screenshare/internal/infrastructure/signaling"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	customer = &domain.Profile{ID: "cust-1", Role: domain.RoleCustomer}
	engineer = &domain.Profile{ID: "eng-1", Role: domain.RoleEngineer}
)

type recorder struct {
	mu      sync.Mutex
	states  []ports.MediaState
	streams []ports.StreamHandle
	errs    []error
}

func (r *recorder) callbacks() ports.MediaCallbacks {
	return ports.MediaCallbacks{
		OnStateChange: func(_ domain.SessionID, s ports.MediaState) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.states = append(r.states, s)
		},
		OnError: func(_ domain.SessionID, err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errs = append(r.errs, err)
		},
		OnRemoteStream: func(_ domain.SessionID, h ports.StreamHandle) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.streams = append(r.streams, h)
		},
	}
}

func (r *recorder) snapshot() ([]ports.MediaState, []ports.StreamHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ports.MediaState(nil), r.states...), append([]ports.StreamHandle(nil), r.streams...)
}

func TestRelayCollaborator_PublisherAndSubscriber(t *testing.T) {
	ctx := context.Background()
	relay := signaling.NewMemoryRelay()
	factory := NewRelayFactory(nil)

	var pubRec, subRec recorder
	pub, err := factory.Create(ctx, "s1", customer, engineer, true, relay, pubRec.callbacks())
	require.NoError(t, err)

	require.NoError(t, pub.InitializeConnection(ctx))
	handle, err := pub.StartScreenSharing(ctx)
	require.NoError(t, err)
	assert.Equal(t, "screen-s1", handle.ID)
	local, ok := pub.LocalStream()
	require.True(t, ok)
	assert.Equal(t, handle, local)
	_, ok = pub.RemoteStream()
	assert.False(t, ok)

	sub, err := factory.Create(ctx, "s1", engineer, customer, false, relay, subRec.callbacks())
	require.NoError(t, err)
	require.NoError(t, sub.InitializeConnection(ctx))
	_, streams := subRec.snapshot()
	require.Len(t, streams, 1)
	assert.Equal(t, "screen-s1", streams[0].ID)

	require.NoError(t, relay.PutOffer(ctx, "s1", ports.SessionDescription{Type: "offer", SDP: "x"}))
	require.NoError(t, sub.Dispose())
	_, err = relay.GetOffer(ctx, "s1")
	assert.NoError(t, err, "subscriber leaves the signals in place")

	require.NoError(t, pub.StopScreenSharing(ctx))
	_, ok = pub.LocalStream()
	assert.False(t, ok)
	require.NoError(t, pub.Dispose())
	_, err = relay.GetOffer(ctx, "s1")
	assert.ErrorIs(t, err, ports.ErrSignalNotFound)

	states, _ := pubRec.snapshot()
	assert.Equal(t, []ports.MediaState{ports.MediaConnecting}, states)
}

func TestMapState(t *testing.T) {
	cases := map[webrtc.PeerConnectionState]ports.MediaState{
		webrtc.PeerConnectionStateConnecting:   ports.MediaConnecting,
		webrtc.PeerConnectionStateConnected:    ports.MediaConnected,
		webrtc.PeerConnectionStateDisconnected: ports.MediaDisconnected,
		webrtc.PeerConnectionStateFailed:       ports.MediaFailed,
		webrtc.PeerConnectionStateClosed:       ports.MediaClosed,
	}
	for in, want := range cases {
		got, ok := mapState(in)
		assert.True(t, ok, in.String())
		assert.Equal(t, want, got)
	}
	_, ok := mapState(webrtc.PeerConnectionStateNew)
	assert.False(t, ok)
}

func TestPionCollaborator_OfferAnswerThroughRelay(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	relay := signaling.NewMemoryRelay()
	factory := NewPionFactory(PionConfig{AnswerTimeout: 5 * time.Second}, nil)

	var pubRec, subRec recorder
	pub, err := factory.Create(ctx, "s1", customer, engineer, true, relay, pubRec.callbacks())
	require.NoError(t, err)
	defer pub.Dispose()

	require.NoError(t, pub.InitializeConnection(ctx))
	handle, err := pub.StartScreenSharing(ctx)
	require.NoError(t, err)
	assert.Equal(t, "screen-s1", handle.ID)

	offer, err := relay.GetOffer(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "offer", offer.Type)
	assert.Contains(t, offer.SDP, "VP8")

	sub, err := factory.Create(ctx, "s1", engineer, customer, false, relay, subRec.callbacks())
	require.NoError(t, err)
	defer sub.Dispose()
	require.NoError(t, sub.InitializeConnection(ctx))

	answer, err := relay.GetAnswer(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "answer", answer.Type)

	states, _ := pubRec.snapshot()
	require.NotEmpty(t, states)
	assert.Equal(t, ports.MediaConnecting, states[0])

	require.NoError(t, pub.Dispose())
	_, err = relay.GetOffer(ctx, "s1")
	assert.ErrorIs(t, err, ports.ErrSignalNotFound)
}

func TestPionCollaborator_SubscriberCannotShare(t *testing.T) {
	factory := NewPionFactory(PionConfig{}, nil)
	sub, err := factory.Create(context.Background(), "s1", engineer, customer, false, signaling.NewMemoryRelay(), ports.MediaCallbacks{})
	require.NoError(t, err)
	defer sub.Dispose()

	_, err = sub.StartScreenSharing(context.Background())
	assert.Error(t, err)

	_, err = factory.Create(context.Background(), "s1", engineer, customer, false, nil, ports.MediaCallbacks{})
	assert.Error(t, err)
}
