package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mmynk/iouflow/internal/models"
)

// recentLimit bounds how many closed session IDs a mux remembers.
const recentLimit = 1024

// Ensure Mux implements Transport
var _ Transport = (*Mux)(nil)

// Mux multiplexes sessions of one local party over a Sender. Inbound
// envelopes are handed to Deliver; after the open envelope they may arrive out
// of order or more than once and are reassembled per session by sequence
// number. A Sender returns nil only once the peer's mux has the envelope.
type Mux struct {
	self models.Party
	out  Sender

	mu       sync.Mutex
	sessions map[string]*session
	backlog  []*session
	notify   chan struct{}
	closed   bool

	// recent holds closed session IDs in closing order so replays of their
	// open envelope are not taken for new sessions.
	recent  map[string]struct{}
	recentQ []string
}

// NewMux creates a mux for self sending through out.
func NewMux(self models.Party, out Sender) *Mux {
	return &Mux{
		self:     self,
		out:      out,
		sessions: make(map[string]*session),
		notify:   make(chan struct{}, 1),
		recent:   make(map[string]struct{}),
	}
}

// Self implements Transport.
func (m *Mux) Self() models.Party {
	return m.self
}

// Open implements Transport.
func (m *Mux) Open(ctx context.Context, peer models.Party) (Session, error) {
	if peer == m.self {
		return nil, fmt.Errorf("cannot open a session with self %s", peer)
	}
	s := newSession(m, uuid.NewString(), peer)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrMuxClosed
	}
	m.sessions[s.id] = s
	m.mu.Unlock()

	if err := s.send(ctx, KindOpen, nil); err != nil {
		m.forget(s.id)
		return nil, fmt.Errorf("failed to open session with %s: %w", peer, err)
	}
	slog.Debug("Session opened", "session", s.id, "self", m.self, "peer", peer)
	return s, nil
}

// Accept implements Transport.
func (m *Mux) Accept(ctx context.Context) (Session, error) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, ErrMuxClosed
		}
		if len(m.backlog) > 0 {
			s := m.backlog[0]
			m.backlog = m.backlog[1:]
			m.mu.Unlock()
			return s, nil
		}
		m.mu.Unlock()

		select {
		case <-m.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Deliver hands an inbound envelope to its session. It never blocks on the
// application.
func (m *Mux) Deliver(env Envelope) error {
	if env.To != m.self {
		return fmt.Errorf("%w: %s", ErrMisaddressed, env.To)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrMuxClosed
	}
	s, ok := m.sessions[env.SessionID]
	if !ok {
		_, closed := m.recent[env.SessionID]
		if env.Kind != KindOpen || closed {
			m.mu.Unlock()
			// Late traffic for a session we already closed is dropped.
			slog.Debug("Dropping envelope for unknown session", "session", env.SessionID, "kind", env.Kind, "from", env.From)
			return nil
		}
		s = newSession(m, env.SessionID, env.From)
		m.sessions[s.id] = s
		m.backlog = append(m.backlog, s)
		m.signal()
		m.mu.Unlock()
		s.deliver(env)
		return nil
	}
	m.mu.Unlock()

	if env.From != s.peer {
		return fmt.Errorf("%w: session %s belongs to %s, not %s", ErrPeerMismatch, s.id, s.peer, env.From)
	}
	s.deliver(env)
	return nil
}

// Close closes every session and stops accepting.
func (m *Mux) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	sessions := make([]*session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = map[string]*session{}
	m.backlog = nil
	m.signal()
	m.mu.Unlock()

	for _, s := range sessions {
		s.shutdown()
	}
	return nil
}

func (m *Mux) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *Mux) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return
	}
	delete(m.sessions, id)
	if _, ok := m.recent[id]; ok {
		return
	}
	m.recent[id] = struct{}{}
	m.recentQ = append(m.recentQ, id)
	if len(m.recentQ) > recentLimit {
		delete(m.recent, m.recentQ[0])
		m.recentQ = m.recentQ[1:]
	}
}
