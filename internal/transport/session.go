package transport

import (
	"context"
	"sync"
	"time"

	"github.com/mmynk/iouflow/internal/models"
)

const closeTimeout = 5 * time.Second

type session struct {
	mux  *Mux
	id   string
	peer models.Party

	sendMu  sync.Mutex
	sendSeq uint64

	// Each direction numbers its envelopes from 0. The opener's seq 0 is the
	// open envelope; the acceptor's seq 0 is its first reply.
	mu        sync.Mutex
	nextSeq   uint64
	pending   map[uint64]Envelope
	inbox     [][]byte
	notify    chan struct{}
	remoteEOF bool
	closed    bool
}

func newSession(m *Mux, id string, peer models.Party) *session {
	return &session{
		mux:     m,
		id:      id,
		peer:    peer,
		pending: make(map[uint64]Envelope),
		notify:  make(chan struct{}, 1),
	}
}

func (s *session) ID() string         { return s.id }
func (s *session) Peer() models.Party { return s.peer }

// Send implements Session.
func (s *session) Send(ctx context.Context, payload []byte) error {
	s.mu.Lock()
	closed := s.closed || s.remoteEOF
	s.mu.Unlock()
	if closed {
		return ErrSessionClosed
	}
	return s.send(ctx, KindData, payload)
}

func (s *session) send(ctx context.Context, kind Kind, payload []byte) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	env := Envelope{
		SessionID: s.id,
		From:      s.mux.self,
		To:        s.peer,
		Seq:       s.sendSeq,
		Kind:      kind,
		Payload:   payload,
	}
	if err := s.mux.out.Send(ctx, env); err != nil {
		return err
	}
	s.sendSeq++
	return nil
}

// Receive implements Session.
func (s *session) Receive(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.inbox) > 0 {
			msg := s.inbox[0]
			s.inbox = s.inbox[1:]
			s.mu.Unlock()
			return msg, nil
		}
		if s.closed || s.remoteEOF {
			s.mu.Unlock()
			return nil, ErrSessionClosed
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close implements Session. The close envelope is best effort: a peer that
// never sees it still times out on its own.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	remoteEOF := s.remoteEOF
	s.signal()
	s.mu.Unlock()

	s.mux.forget(s.id)
	if remoteEOF {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	return s.send(ctx, KindClose, nil)
}

// deliver applies one inbound envelope in sequence order.
func (s *session) deliver(env Envelope) {
	s.mu.Lock()
	if s.closed || s.remoteEOF || env.Seq < s.nextSeq {
		s.mu.Unlock()
		return
	}
	if _, dup := s.pending[env.Seq]; dup {
		s.mu.Unlock()
		return
	}
	s.pending[env.Seq] = env

	for {
		next, ok := s.pending[s.nextSeq]
		if !ok {
			break
		}
		delete(s.pending, s.nextSeq)
		s.nextSeq++
		switch next.Kind {
		case KindData:
			s.inbox = append(s.inbox, next.Payload)
		case KindClose:
			s.remoteEOF = true
		}
	}
	s.signal()
	eof := s.remoteEOF
	s.mu.Unlock()

	if eof {
		s.mux.forget(s.id)
	}
}

func (s *session) shutdown() {
	s.mu.Lock()
	s.closed = true
	s.signal()
	s.mu.Unlock()
}

func (s *session) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
