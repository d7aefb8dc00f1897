package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/events"
	"screenshare/internal/core/ports"
	"screenshare/internal/infrastructure/repositories/memory"
	"screenshare/pkg/clock"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testCustomer = &domain.Profile{ID: "cust-1", Role: domain.RoleCustomer, DisplayName: "Casey"}
	testEngineer = &domain.Profile{ID: "eng-1", Role: domain.RoleEngineer, DisplayName: "Eli"}
	testNow      = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

// recorder collects envelopes handed to a sink.
type recorder struct {
	mu   sync.Mutex
	envs []*events.Envelope
}

func (r *recorder) sink(_ context.Context, env *events.Envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.envs = append(r.envs, env)
}

func (r *recorder) types() []events.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.EventType, 0, len(r.envs))
	for _, e := range r.envs {
		out = append(out, e.Type)
	}
	return out
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.envs)
}

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func sampleRequest(ticket domain.TicketID) *domain.ScreenShareRequest {
	return &domain.ScreenShareRequest{
		ID:        "req-1",
		TicketID:  ticket,
		Sender:    testEngineer,
		Receiver:  testCustomer,
		Status:    domain.RequestPending,
		CreatedAt: testNow,
		UpdatedAt: testNow,
		ExpiresAt: testNow.Add(10 * time.Second),
	}
}

func TestLocalBus_DeliversInSubscriptionOrder(t *testing.T) {
	ctx := context.Background()
	bus := NewLocalBus(nil)

	var got []string
	_, err := bus.Subscribe(ctx, "topic", func(_ context.Context, p []byte) { got = append(got, "a:"+string(p)) })
	require.NoError(t, err)
	stopB, err := bus.Subscribe(ctx, "topic", func(_ context.Context, p []byte) { got = append(got, "b:"+string(p)) })
	require.NoError(t, err)
	_, err = bus.Subscribe(ctx, "other", func(_ context.Context, p []byte) { got = append(got, "other") })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "topic", []byte("1")))
	stopB()
	stopB()
	require.NoError(t, bus.Publish(ctx, "topic", []byte("2")))

	assert.Equal(t, []string{"a:1", "b:1", "a:2"}, got)
}

func TestLocalBus_PanickingSubscriberDoesNotStopOthers(t *testing.T) {
	ctx := context.Background()
	bus := NewLocalBus(nil)

	_, err := bus.Subscribe(ctx, "topic", func(context.Context, []byte) { panic("boom") })
	require.NoError(t, err)
	delivered := false
	_, err = bus.Subscribe(ctx, "topic", func(context.Context, []byte) { delivered = true })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "topic", nil))
	assert.True(t, delivered)

	require.NoError(t, bus.Close())
	assert.ErrorIs(t, bus.Publish(ctx, "topic", nil), ErrBusClosed)
	_, err = bus.Subscribe(ctx, "topic", func(context.Context, []byte) {})
	assert.ErrorIs(t, err, ErrBusClosed)
}

func TestLocalNotifier_RoundTripsThroughListener(t *testing.T) {
	ctx := context.Background()
	n := NewLocalNotifier(NewLocalBus(nil), nil, "node-a", nil, nil)
	emitter := events.NewEmitter(n, clock.NewFake(testNow), "node-a")

	listener := events.NewListener(n, "t1", nil, nil)
	var created []*domain.ScreenShareRequest
	listener.OnRequestCreated(func(_ context.Context, r *domain.ScreenShareRequest) error {
		created = append(created, r)
		return nil
	})
	require.NoError(t, listener.Start(ctx))
	defer listener.Close()

	require.NoError(t, emitter.RequestCreated(ctx, sampleRequest("t1")))
	require.NoError(t, emitter.RequestCreated(ctx, sampleRequest("t2")))

	require.Len(t, created, 1)
	assert.Equal(t, domain.RequestID("req-1"), created[0].ID)
	assert.Equal(t, testCustomer.ID, created[0].Receiver.ID)
}

func TestLocalNotifier_RejectsEnvelopeWithoutTicket(t *testing.T) {
	n := NewLocalNotifier(NewLocalBus(nil), nil, "node-a", nil, nil)
	err := n.Notify(context.Background(), &events.Envelope{Type: events.EventReloaded})
	assert.Error(t, err)
}

func TestLocalNotifier_MirrorReachesOtherInstancesOnly(t *testing.T) {
	ctx := context.Background()
	client := newRedis(t)

	a := NewLocalNotifier(NewLocalBus(nil), NewRedisBus(client, nil), "node-a", nil, nil)
	b := NewLocalNotifier(NewLocalBus(nil), NewRedisBus(client, nil), "node-b", nil, nil)
	defer a.Close()
	defer b.Close()

	var onA, onB recorder
	stopA, err := a.Watch(ctx, "t1", onA.sink)
	require.NoError(t, err)
	defer stopA()
	stopB, err := b.Watch(ctx, "t1", onB.sink)
	require.NoError(t, err)
	defer stopB()

	emitter := events.NewEmitter(a, clock.NewFake(testNow), "node-a")
	require.NoError(t, emitter.Reloaded(ctx, "t1"))

	// Local delivery is synchronous.
	assert.Equal(t, 1, onA.len())
	assert.Eventually(t, func() bool { return onB.len() == 1 }, 2*time.Second, 10*time.Millisecond)

	// The mirrored copy must not reach node-a a second time.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, onA.len())
}

func TestRedisBus_PublishSubscribe(t *testing.T) {
	ctx := context.Background()
	bus := NewRedisBus(newRedis(t), nil)
	defer bus.Close()

	got := make(chan string, 1)
	stop, err := bus.Subscribe(ctx, "screenshare:t1", func(_ context.Context, p []byte) { got <- string(p) })
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "screenshare:t1", []byte("hello")))
	select {
	case msg := <-got:
		assert.Equal(t, "hello", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	stop()
	require.NoError(t, bus.Close())
	_, err = bus.Subscribe(ctx, "screenshare:t1", func(context.Context, []byte) {})
	assert.ErrorIs(t, err, ErrBusClosed)
}

// reconnectingBus is a LocalBus whose reconnect can be triggered by hand.
type reconnectingBus struct {
	*LocalBus
	mu    sync.Mutex
	hooks []func()
}

func (b *reconnectingBus) OnReconnect(fn func()) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks = append(b.hooks, fn)
	idx := len(b.hooks) - 1
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.hooks[idx] = func() {}
	}
}

func (b *reconnectingBus) reconnect() {
	b.mu.Lock()
	hooks := append([]func(){}, b.hooks...)
	b.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

var _ ports.ReconnectNotifier = (*reconnectingBus)(nil)

func TestRemoteNotifier_RereadsRowsFromFeed(t *testing.T) {
	ctx := context.Background()
	feed := &reconnectingBus{LocalBus: NewLocalBus(nil)}

	requests := NewPublishingRequestRepository(memory.NewMemoryRequestRepository(), feed, nil)
	sessions := NewPublishingSessionRepository(memory.NewMemorySessionRepository(), feed, nil)
	n := NewRemoteNotifier(RemoteNotifierDeps{
		Feed:       feed,
		Publisher:  feed,
		Requests:   requests,
		Sessions:   sessions,
		Clock:      clock.NewFake(testNow),
		InstanceID: "node-a",
	})

	var rec recorder
	stop, err := n.Watch(ctx, "t1", rec.sink)
	require.NoError(t, err)

	require.NoError(t, requests.Create(ctx, sampleRequest("t1")))
	_, err = requests.UpdateStatus(ctx, "req-1", domain.RequestAccepted, testNow.Add(time.Second))
	require.NoError(t, err)

	// Row events are not published by Notify itself.
	require.NoError(t, n.Notify(ctx, &events.Envelope{Type: events.EventRequestUpdated, TicketID: "t1"}))

	session := &domain.ScreenShareSession{
		ID:             "sess-1",
		TicketID:       "t1",
		RequestID:      "req-1",
		Publisher:      testCustomer,
		Subscriber:     testEngineer,
		Status:         domain.SessionInitializing,
		StartedAt:      testNow,
		LastActivityAt: testNow,
	}
	require.NoError(t, sessions.Create(ctx, session))
	emitter := events.NewEmitter(n, clock.NewFake(testNow), "node-a")
	require.NoError(t, emitter.RemoteStreamAvailable(ctx, session))

	feed.reconnect()

	assert.Equal(t, []events.EventType{
		events.EventReloaded,
		events.EventRequestCreated,
		events.EventRequestUpdated,
		events.EventSessionCreated,
		events.EventRemoteStreamAvailable,
		events.EventReloaded,
	}, rec.types())

	rec.mu.Lock()
	updated := rec.envs[2]
	rec.mu.Unlock()
	require.NotNil(t, updated.Request)
	assert.Equal(t, "accepted", updated.Request.Status)

	stop()
	require.NoError(t, requests.Create(ctx, &domain.ScreenShareRequest{
		ID: "req-2", TicketID: "t1", Sender: testEngineer, Receiver: testCustomer,
		Status: domain.RequestRejected, CreatedAt: testNow, UpdatedAt: testNow, ExpiresAt: testNow,
	}))
	feed.reconnect()
	assert.Len(t, rec.types(), 6)
}

func TestPublishingRequestRepository_ReportsRequestsExpiredOnInsert(t *testing.T) {
	ctx := context.Background()
	feed := NewLocalBus(nil)
	requests := NewPublishingRequestRepository(memory.NewMemoryRequestRepository(), feed, nil)
	n := NewRemoteNotifier(RemoteNotifierDeps{
		Feed:       feed,
		Publisher:  feed,
		Requests:   requests,
		Sessions:   memory.NewMemorySessionRepository(),
		Clock:      clock.NewFake(testNow),
		InstanceID: "node-a",
	})

	var rec recorder
	stop, err := n.Watch(ctx, "t-exp", rec.sink)
	require.NoError(t, err)
	defer stop()

	require.NoError(t, requests.Create(ctx, sampleRequest("t-exp")))
	later := testNow.Add(11 * time.Second)
	require.NoError(t, requests.Create(ctx, &domain.ScreenShareRequest{
		ID: "req-2", TicketID: "t-exp", Sender: testEngineer, Receiver: testCustomer,
		Status: domain.RequestPending, CreatedAt: later, UpdatedAt: later, ExpiresAt: later.Add(10 * time.Second),
	}))

	assert.Equal(t, []events.EventType{
		events.EventReloaded,
		events.EventRequestCreated,
		events.EventRequestUpdated,
		events.EventRequestCreated,
	}, rec.types())

	rec.mu.Lock()
	expired := rec.envs[2]
	rec.mu.Unlock()
	require.NotNil(t, expired.Request)
	assert.Equal(t, "req-1", expired.Request.ID)
	assert.Equal(t, "expired", expired.Request.Status)
}
