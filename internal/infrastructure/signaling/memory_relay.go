// Package signaling holds the SignalingRelay implementations that carry SDP
// offers, answers and ICE candidates between the two sides of a session.
package signaling

import (
	"context"
	"sync"

	"screenshare/internal/core/domain"
	"screenshare/internal/core/ports"
)

type sessionSignals struct {
	offer      *ports.SessionDescription
	answer     *ports.SessionDescription
	candidates map[ports.SignalRole][]ports.ICECandidate
}

// MemoryRelay keeps signals in process. Both collaborators must share it.
type MemoryRelay struct {
	mu       sync.RWMutex
	sessions map[domain.SessionID]*sessionSignals
}

func NewMemoryRelay() *MemoryRelay {
	return &MemoryRelay{sessions: make(map[domain.SessionID]*sessionSignals)}
}

func (r *MemoryRelay) entry(id domain.SessionID) *sessionSignals {
	s, ok := r.sessions[id]
	if !ok {
		s = &sessionSignals{candidates: make(map[ports.SignalRole][]ports.ICECandidate)}
		r.sessions[id] = s
	}
	return s
}

func (r *MemoryRelay) PutOffer(ctx context.Context, sessionID domain.SessionID, offer ports.SessionDescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(sessionID).offer = &offer
	return nil
}

func (r *MemoryRelay) GetOffer(ctx context.Context, sessionID domain.SessionID) (ports.SessionDescription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[sessionID]; ok && s.offer != nil {
		return *s.offer, nil
	}
	return ports.SessionDescription{}, ports.ErrSignalNotFound
}

func (r *MemoryRelay) PutAnswer(ctx context.Context, sessionID domain.SessionID, answer ports.SessionDescription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entry(sessionID).answer = &answer
	return nil
}

func (r *MemoryRelay) GetAnswer(ctx context.Context, sessionID domain.SessionID) (ports.SessionDescription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.sessions[sessionID]; ok && s.answer != nil {
		return *s.answer, nil
	}
	return ports.SessionDescription{}, ports.ErrSignalNotFound
}

func (r *MemoryRelay) AddCandidate(ctx context.Context, sessionID domain.SessionID, from ports.SignalRole, candidate ports.ICECandidate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.entry(sessionID)
	s.candidates[from] = append(s.candidates[from], candidate)
	return nil
}

func (r *MemoryRelay) Candidates(ctx context.Context, sessionID domain.SessionID, from ports.SignalRole) ([]ports.ICECandidate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return []ports.ICECandidate{}, nil
	}
	out := make([]ports.ICECandidate, len(s.candidates[from]))
	copy(out, s.candidates[from])
	return out, nil
}

func (r *MemoryRelay) Clear(ctx context.Context, sessionID domain.SessionID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
	return nil
}
