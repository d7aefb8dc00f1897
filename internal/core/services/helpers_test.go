package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/events"
	"screenshare/internal/core/ports"
	"screenshare/internal/infrastructure/notify"
	"screenshare/internal/infrastructure/repositories/memory"
	"screenshare/pkg/clock"
	apperrors "screenshare/pkg/errors"

	"github.com/stretchr/testify/require"
)

var (
	customer = &domain.Profile{ID: "cust-1", Role: domain.RoleCustomer, DisplayName: "Casey"}
	engineer = &domain.Profile{ID: "eng-1", Role: domain.RoleEngineer, DisplayName: "Eli"}
	intruder = &domain.Profile{ID: "eng-2", Role: domain.RoleEngineer, DisplayName: "Other"}
	start    = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

type fakeCollaborator struct {
	sessionID   domain.SessionID
	isPublisher bool
	callbacks   ports.MediaCallbacks

	initErr  error
	startErr error
	onStart  func(ctx context.Context) error

	mu       sync.Mutex
	local    *ports.StreamHandle
	stopped  bool
	disposed bool
}

func (c *fakeCollaborator) InitializeConnection(ctx context.Context) error {
	if c.initErr != nil {
		return c.initErr
	}
	c.callbacks.OnStateChange(c.sessionID, ports.MediaConnecting)
	return nil
}

func (c *fakeCollaborator) StartScreenSharing(ctx context.Context) (ports.StreamHandle, error) {
	if c.startErr != nil {
		return ports.StreamHandle{}, c.startErr
	}
	if c.onStart != nil {
		if err := c.onStart(ctx); err != nil {
			return ports.StreamHandle{}, err
		}
	}
	h := ports.StreamHandle{ID: "stream-" + string(c.sessionID), Tracks: []string{"video"}}
	c.mu.Lock()
	c.local = &h
	c.mu.Unlock()
	return h, nil
}

func (c *fakeCollaborator) LocalStream() (ports.StreamHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.local == nil {
		return ports.StreamHandle{}, false
	}
	return *c.local, true
}

func (c *fakeCollaborator) RemoteStream() (ports.StreamHandle, bool) {
	return ports.StreamHandle{}, false
}

func (c *fakeCollaborator) StopScreenSharing(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.local = nil
	return nil
}

func (c *fakeCollaborator) Dispose() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disposed = true
	return nil
}

func (c *fakeCollaborator) isDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}

// fakeMediaFactory records every collaborator it creates. The err fields
// make the next collaborator fail at the matching stage.
type fakeMediaFactory struct {
	mu        sync.Mutex
	created   []*fakeCollaborator
	createErr error
	initErr   error
	startErr  error
	onStart   func(ctx context.Context) error
}

func (f *fakeMediaFactory) Create(
	ctx context.Context,
	sessionID domain.SessionID,
	local, remote *domain.Profile,
	isPublisher bool,
	relay ports.SignalingRelay,
	callbacks ports.MediaCallbacks,
) (ports.MediaCollaborator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	c := &fakeCollaborator{
		sessionID:   sessionID,
		isPublisher: isPublisher,
		callbacks:   callbacks,
		initErr:     f.initErr,
		startErr:    f.startErr,
		onStart:     f.onStart,
	}
	f.created = append(f.created, c)
	return c, nil
}

func (f *fakeMediaFactory) last() *fakeCollaborator {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

func (f *fakeMediaFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created)
}

type testEnv struct {
	clock    *clock.Fake
	requests *RequestStore
	sessions *SessionStore
	emitter  *events.Emitter
	notifier *notify.LocalNotifier
	media    *fakeMediaFactory
	deps     ManagerDeps
	events   *eventLog
}

// eventLog records the event types a ticket listener receives.
type eventLog struct {
	mu    sync.Mutex
	types []events.EventType
}

func (l *eventLog) add(t events.EventType) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.types = append(l.types, t)
}

func (l *eventLog) snapshot() []events.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]events.EventType(nil), l.types...)
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	clk := clock.NewFake(start)
	notifier := notify.NewLocalNotifier(notify.NewLocalBus(nil), nil, "test", nil, nil)
	emitter := events.NewEmitter(notifier, clk, "test")
	requests := NewRequestStore(memory.NewMemoryRequestRepository(), emitter, clk, DefaultRequestTTL, nil)
	sessions := NewSessionStore(memory.NewMemorySessionRepository(), emitter, clk, nil)
	media := &fakeMediaFactory{}

	env := &testEnv{
		clock:    clk,
		requests: requests,
		sessions: sessions,
		emitter:  emitter,
		notifier: notifier,
		media:    media,
		events:   &eventLog{},
		deps: ManagerDeps{
			Requests: requests,
			Sessions: sessions,
			Emitter:  emitter,
			Media:    media,
		},
	}
	return env
}

// watch records every event of ticketID until the test ends.
func (e *testEnv) watch(t *testing.T, ticketID domain.TicketID) {
	t.Helper()
	l := events.NewListener(e.notifier, ticketID, nil, nil)
	record := func(et events.EventType) func(context.Context, *domain.ScreenShareRequest) error {
		return func(context.Context, *domain.ScreenShareRequest) error { e.events.add(et); return nil }
	}
	recordSession := func(et events.EventType) func(context.Context, *domain.ScreenShareSession) error {
		return func(context.Context, *domain.ScreenShareSession) error { e.events.add(et); return nil }
	}
	l.OnRequestCreated(record(events.EventRequestCreated))
	l.OnRequestUpdated(record(events.EventRequestUpdated))
	l.OnSessionCreated(recordSession(events.EventSessionCreated))
	l.OnSessionUpdated(recordSession(events.EventSessionUpdated))
	l.OnRemoteStreamAvailable(recordSession(events.EventRemoteStreamAvailable))
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(l.Close)
}

// ctxSessionRepository fails like a network-backed store once ctx is done.
type ctxSessionRepository struct {
	ports.SessionRepository
}

func (r ctxSessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.ScreenShareSession, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return r.SessionRepository.GetByID(ctx, id)
}

func (r ctxSessionRepository) Update(ctx context.Context, s *domain.ScreenShareSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return r.SessionRepository.Update(ctx, s)
}

// useCtxSessions swaps the session store for one whose repository honors
// cancellation.
func (e *testEnv) useCtxSessions() {
	e.sessions = NewSessionStore(ctxSessionRepository{memory.NewMemorySessionRepository()}, e.emitter, e.clock, nil)
	e.deps.Sessions = e.sessions
}

func (e *testEnv) manager(ticketID domain.TicketID) *NegotiationManager {
	return NewNegotiationManager(ticketID, e.deps)
}

func requireCode(t *testing.T, err error, code apperrors.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr, "expected AppError, got %v", err)
	require.Equal(t, code, appErr.Code, appErr.Message)
}

var errCapture = errors.New("capture permission denied")
