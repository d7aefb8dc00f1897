package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/ports"
)

type storedRequest struct {
	req *domain.ScreenShareRequest
	seq uint64
}

type MemoryRequestRepository struct {
	requests map[domain.RequestID]*storedRequest
	seq      uint64
	mu       sync.RWMutex
}

func NewMemoryRequestRepository() ports.RequestRepository {
	return &MemoryRequestRepository{
		requests: make(map[domain.RequestID]*storedRequest),
	}
}

// Create checks for an active request and inserts under one lock. Requests
// that look active but have expired are marked expired on the way.
func (r *MemoryRequestRepository) Create(ctx context.Context, req *domain.ScreenShareRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, stored := range r.requests {
		existing := stored.req
		if existing.TicketID != req.TicketID || !existing.Status.IsActive() {
			continue
		}
		if existing.IsActiveAt(req.CreatedAt) {
			return domain.ErrActiveRequestExists
		}
		existing.Status = domain.RequestExpired
		existing.UpdatedAt = req.CreatedAt
	}

	r.seq++
	r.requests[req.ID] = &storedRequest{req: req.Clone(), seq: r.seq}
	return nil
}

func (r *MemoryRequestRepository) GetByID(ctx context.Context, id domain.RequestID) (*domain.ScreenShareRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stored, exists := r.requests[id]
	if !exists {
		return nil, domain.ErrRequestNotFound
	}
	return stored.req.Clone(), nil
}

func (r *MemoryRequestRepository) ListByTicket(ctx context.Context, ticketID domain.TicketID) ([]*domain.ScreenShareRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.byTicketNewestFirst(ticketID), nil
}

func (r *MemoryRequestRepository) FindActiveByTicket(ctx context.Context, ticketID domain.TicketID, now time.Time) (*domain.ScreenShareRequest, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, req := range r.byTicketNewestFirst(ticketID) {
		if req.IsActiveAt(now) {
			return req, nil
		}
	}
	return nil, domain.ErrRequestNotFound
}

func (r *MemoryRequestRepository) UpdateStatus(ctx context.Context, id domain.RequestID, status domain.RequestStatus, at time.Time) (*domain.ScreenShareRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, exists := r.requests[id]
	if !exists {
		return nil, domain.ErrRequestNotFound
	}
	stored.req.Status = status
	stored.req.UpdatedAt = at
	return stored.req.Clone(), nil
}

func (r *MemoryRequestRepository) Delete(ctx context.Context, id domain.RequestID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.requests[id]; !exists {
		return domain.ErrRequestNotFound
	}
	delete(r.requests, id)
	return nil
}

// byTicketNewestFirst must be called with the lock held.
func (r *MemoryRequestRepository) byTicketNewestFirst(ticketID domain.TicketID) []*domain.ScreenShareRequest {
	var matched []*storedRequest
	for _, stored := range r.requests {
		if stored.req.TicketID == ticketID {
			matched = append(matched, stored)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.req.CreatedAt.Equal(b.req.CreatedAt) {
			return a.req.CreatedAt.After(b.req.CreatedAt)
		}
		return a.seq > b.seq
	})

	out := make([]*domain.ScreenShareRequest, 0, len(matched))
	for _, stored := range matched {
		out = append(out, stored.req.Clone())
	}
	return out
}
