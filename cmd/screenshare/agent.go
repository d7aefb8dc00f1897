package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/events"
	"screenshare/internal/core/services"
	"screenshare/internal/infrastructure/media"
	"screenshare/internal/infrastructure/repositories"
	"screenshare/pkg/config"
	apperrors "screenshare/pkg/errors"

	"github.com/pion/webrtc/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var agentOpts struct {
	ticket  string
	profile string
	ivf     string
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Join a ticket as a headless participant",
	Long: `Watches one ticket as the given profile. A customer agent accepts
incoming requests and publishes (an IVF file when --ivf is set). An engineer
agent accepts incoming calls and subscribes to published streams.
Requires a shared storage backend (redis or postgres).`,
	RunE: runAgent,
}

func init() {
	agentCmd.Flags().StringVar(&agentOpts.ticket, "ticket", "", "ticket to join")
	agentCmd.Flags().StringVar(&agentOpts.profile, "profile", "", "profile to act as")
	agentCmd.Flags().StringVar(&agentOpts.ivf, "ivf", "", "VP8 IVF file to publish")
	_ = agentCmd.MarkFlagRequired("ticket")
	_ = agentCmd.MarkFlagRequired("profile")
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Storage.Backend == config.StorageMemory {
		return errors.New("agent requires storage.backend redis or postgres")
	}
	zapLogger := newLogger(cfg)
	defer zapLogger.Sync()
	log := zapLogger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, err := repositories.NewFactory(cfg, nil, log).Build(ctx)
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	defer backend.Close()

	profile, err := backend.Profiles.GetByID(ctx, domain.ProfileID(agentOpts.profile))
	if err != nil {
		return fmt.Errorf("load profile %s: %w", agentOpts.profile, err)
	}

	pionCfg := media.PionConfig{
		AnswerTimeout: cfg.WebRTC.AnswerTimeout,
		PLIInterval:   cfg.WebRTC.PLIInterval,
	}
	for _, s := range cfg.WebRTC.ICEServers {
		pionCfg.ICEServers = append(pionCfg.ICEServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if agentOpts.ivf != "" {
		src, err := media.OpenIVF(agentOpts.ivf)
		if err != nil {
			return fmt.Errorf("open ivf: %w", err)
		}
		pionCfg.Source = src
	}

	ticketID := domain.TicketID(agentOpts.ticket)
	c := newCore(cfg, backend, log)
	manager := services.NewNegotiationManager(ticketID, c.managerDeps(media.NewPionFactory(pionCfg, log), nil, log))
	listener := events.NewListener(backend.Notifier, ticketID, log, nil)

	a := newAgent(profile, manager, listener, log)
	log.Infow("agent joined ticket", "ticket_id", ticketID, "profile_id", profile.ID, "role", profile.Role)
	return a.run(ctx)
}

// agent reacts to ticket events on behalf of one profile. Listener callbacks
// only queue work; the run loop calls into the manager so no manager call
// ever runs on the notifier's delivery goroutine.
type agent struct {
	profile  *domain.Profile
	manager  *services.NegotiationManager
	listener *events.Listener
	actions  chan func(context.Context) error
	logger   *zap.SugaredLogger
}

func newAgent(profile *domain.Profile, manager *services.NegotiationManager, listener *events.Listener, logger *zap.SugaredLogger) *agent {
	a := &agent{
		profile:  profile,
		manager:  manager,
		listener: listener,
		actions:  make(chan func(context.Context) error, 16),
		logger:   logger.With("profile_id", profile.ID),
	}
	listener.OnRequestCreated(a.onRequest)
	listener.OnRequestUpdated(a.onRequest)
	listener.OnSessionUpdated(a.onSession)
	listener.OnRemoteStreamAvailable(a.onSession)
	listener.OnReloaded(a.onReloaded)
	return a
}

func (a *agent) run(ctx context.Context) error {
	if err := a.listener.Start(ctx); err != nil {
		return err
	}
	defer a.manager.Dispose()
	defer a.listener.Close()

	// Catch up with anything that happened before the watch started.
	_ = a.onReloaded(ctx, a.manager.TicketID())

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("agent stopping")
			return nil
		case fn := <-a.actions:
			if err := fn(ctx); err != nil {
				a.logger.Warnw("agent action failed", "error", err)
			}
		}
	}
}

func (a *agent) enqueue(fn func(context.Context) error) {
	select {
	case a.actions <- fn:
	default:
		a.logger.Warn("agent queue full, dropping action")
	}
}

func (a *agent) onRequest(_ context.Context, req *domain.ScreenShareRequest) error {
	switch {
	case req.Status == domain.RequestPending && req.Receiver != nil && req.Receiver.ID == a.profile.ID:
		if req.IsCall() {
			a.enqueue(func(ctx context.Context) error {
				_, err := a.manager.AcceptCall(ctx, req.ID, a.profile)
				return err
			})
			return nil
		}
		a.enqueue(func(ctx context.Context) error {
			_, err := a.manager.RespondToRequest(ctx, req, domain.RequestAccepted, a.profile)
			return err
		})

	case req.Status == domain.RequestAccepted && a.isCustomerOf(req):
		a.enqueue(func(ctx context.Context) error {
			_, err := a.manager.StartSession(ctx, req.ID, a.profile, req.Engineer())
			if apperrors.IsCode(err, apperrors.ErrCodeStateConflict) {
				// A session for this ticket already exists.
				return nil
			}
			return err
		})
	}
	return nil
}

func (a *agent) onSession(_ context.Context, s *domain.ScreenShareSession) error {
	if s.Status != domain.SessionActive || s.StreamID == "" {
		return nil
	}
	if s.Subscriber == nil || s.Subscriber.ID != a.profile.ID {
		return nil
	}
	id := s.ID
	a.enqueue(func(ctx context.Context) error {
		_, err := a.manager.SubscribeToStream(ctx, id)
		return err
	})
	return nil
}

func (a *agent) onReloaded(_ context.Context, _ domain.TicketID) error {
	a.enqueue(func(ctx context.Context) error {
		if s, err := a.manager.ActiveSession(ctx); err == nil {
			return a.onSession(ctx, s)
		}
		if req, err := a.manager.ActiveRequest(ctx); err == nil {
			return a.onRequest(ctx, req)
		}
		return nil
	})
	return nil
}

func (a *agent) isCustomerOf(req *domain.ScreenShareRequest) bool {
	c := req.Customer()
	return c != nil && c.ID == a.profile.ID
}
