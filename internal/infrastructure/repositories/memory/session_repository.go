package memory

import (
	"context"
	"sort"
	"sync"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/ports"
)

type storedSession struct {
	session *domain.ScreenShareSession
	seq     uint64
}

type MemorySessionRepository struct {
	sessions map[domain.SessionID]*storedSession
	seq      uint64
	mu       sync.RWMutex
}

func NewMemorySessionRepository() ports.SessionRepository {
	return &MemorySessionRepository{
		sessions: make(map[domain.SessionID]*storedSession),
	}
}

func (r *MemorySessionRepository) Create(ctx context.Context, s *domain.ScreenShareSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.Status.IsActive() && r.activeOtherThan(s.TicketID, s.ID) != nil {
		return domain.ErrActiveSessionExists
	}

	r.seq++
	r.sessions[s.ID] = &storedSession{session: s.Clone(), seq: r.seq}
	return nil
}

func (r *MemorySessionRepository) GetByID(ctx context.Context, id domain.SessionID) (*domain.ScreenShareSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, exists := r.sessions[id]
	if !exists {
		return nil, domain.ErrSessionNotFound
	}
	return stored.session.Clone(), nil
}

func (r *MemorySessionRepository) ListByTicket(ctx context.Context, ticketID domain.TicketID) ([]*domain.ScreenShareSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.newestFirst(func(s *domain.ScreenShareSession) bool {
		return s.TicketID == ticketID
	}), nil
}

func (r *MemorySessionRepository) GetByRequestID(ctx context.Context, requestID domain.RequestID) (*domain.ScreenShareSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := r.newestFirst(func(s *domain.ScreenShareSession) bool {
		return s.RequestID == requestID
	})
	if len(matched) == 0 {
		return nil, domain.ErrSessionNotFound
	}
	return matched[0], nil
}

func (r *MemorySessionRepository) FindActiveByTicket(ctx context.Context, ticketID domain.TicketID) (*domain.ScreenShareSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if s := r.activeOtherThan(ticketID, ""); s != nil {
		return s.Clone(), nil
	}
	return nil, domain.ErrSessionNotFound
}

func (r *MemorySessionRepository) Update(ctx context.Context, s *domain.ScreenShareSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.sessions[s.ID]
	if !exists {
		return domain.ErrSessionNotFound
	}
	if s.Status.IsActive() && r.activeOtherThan(s.TicketID, s.ID) != nil {
		return domain.ErrActiveSessionExists
	}

	current := stored.session
	current.Status = s.Status
	current.StreamID = s.StreamID
	current.ErrorMessage = s.ErrorMessage
	current.EndedAt = nil
	if s.EndedAt != nil {
		t := *s.EndedAt
		current.EndedAt = &t
	}
	current.LastActivityAt = s.LastActivityAt
	return nil
}

// activeOtherThan must be called with the lock held.
func (r *MemorySessionRepository) activeOtherThan(ticketID domain.TicketID, id domain.SessionID) *domain.ScreenShareSession {
	for _, stored := range r.sessions {
		s := stored.session
		if s.TicketID == ticketID && s.ID != id && s.Status.IsActive() {
			return s
		}
	}
	return nil
}

// newestFirst must be called with the lock held.
func (r *MemorySessionRepository) newestFirst(match func(*domain.ScreenShareSession) bool) []*domain.ScreenShareSession {
	var matched []*storedSession
	for _, stored := range r.sessions {
		if match(stored.session) {
			matched = append(matched, stored)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.session.StartedAt.Equal(b.session.StartedAt) {
			return a.session.StartedAt.After(b.session.StartedAt)
		}
		return a.seq > b.seq
	})

	out := make([]*domain.ScreenShareSession, 0, len(matched))
	for _, stored := range matched {
		out = append(out, stored.session.Clone())
	}
	return out
}
