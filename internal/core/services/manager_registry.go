package services

import (
	"sync"

	"screenshare/internal/core/domain"
)

// ManagerRegistry hands out one NegotiationManager per ticket. Managers are
// built on first use and live until Close.
type ManagerRegistry struct {
	deps ManagerDeps

	mu       sync.Mutex
	managers map[domain.TicketID]*NegotiationManager
	closed   bool
}

func NewManagerRegistry(deps ManagerDeps) *ManagerRegistry {
	return &ManagerRegistry{
		deps:     deps,
		managers: make(map[domain.TicketID]*NegotiationManager),
	}
}

// For returns the manager of ticketID, creating it if needed. It returns nil
// after Close.
func (r *ManagerRegistry) For(ticketID domain.TicketID) *NegotiationManager {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	m, ok := r.managers[ticketID]
	if !ok {
		m = NewNegotiationManager(ticketID, r.deps)
		r.managers[ticketID] = m
	}
	return m
}

// Release disposes the manager of ticketID, if any.
func (r *ManagerRegistry) Release(ticketID domain.TicketID) {
	r.mu.Lock()
	m, ok := r.managers[ticketID]
	delete(r.managers, ticketID)
	r.mu.Unlock()

	if ok {
		m.Dispose()
	}
}

func (r *ManagerRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.managers)
}

// Close disposes every manager.
func (r *ManagerRegistry) Close() {
	r.mu.Lock()
	managers := r.managers
	r.managers = make(map[domain.TicketID]*NegotiationManager)
	r.closed = true
	r.mu.Unlock()

	for _, m := range managers {
		m.Dispose()
	}
}

// Requests exposes the shared request store.
func (r *ManagerRegistry) Requests() *RequestStore { return r.deps.Requests }

// Sessions exposes the shared session store.
func (r *ManagerRegistry) Sessions() *SessionStore { return r.deps.Sessions }
