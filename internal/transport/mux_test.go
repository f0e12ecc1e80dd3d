package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mmynk/iouflow/internal/models"
)

// recorder captures outbound envelopes instead of delivering them.
type recorder struct {
	mu   sync.Mutex
	sent []Envelope
}

func (r *recorder) Send(ctx context.Context, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, env)
	return nil
}

func (r *recorder) envelopes() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Envelope(nil), r.sent...)
}

// link delivers straight into another mux.
type link struct {
	mu   sync.Mutex
	peer *Mux
}

func (l *link) Send(ctx context.Context, env Envelope) error {
	l.mu.Lock()
	peer := l.peer
	l.mu.Unlock()
	return peer.Deliver(env)
}

func newPair(t *testing.T) (*Mux, *Mux) {
	t.Helper()
	ab, ba := &link{}, &link{}
	a := NewMux("A", ab)
	b := NewMux("B", ba)
	ab.peer, ba.peer = b, a
	t.Cleanup(func() { a.Close(); b.Close() })
	return a, b
}

func TestSessionRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a, b := newPair(t)

	sa, err := a.Open(ctx, "B")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	sb, err := b.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	if sb.ID() != sa.ID() || sb.Peer() != "A" || sa.Peer() != "B" {
		t.Fatalf("session ends disagree: %s/%s vs %s/%s", sa.ID(), sa.Peer(), sb.ID(), sb.Peer())
	}

	for _, msg := range []string{"one", "two", "three"} {
		if err := sa.Send(ctx, []byte(msg)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	for _, want := range []string{"one", "two", "three"} {
		got, err := sb.Receive(ctx)
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
		if string(got) != want {
			t.Errorf("Receive = %q, want %q", got, want)
		}
	}

	if err := sb.Send(ctx, []byte("reply")); err != nil {
		t.Fatalf("Send reply failed: %v", err)
	}
	got, err := sa.Receive(ctx)
	if err != nil || string(got) != "reply" {
		t.Fatalf("Receive reply = %q, %v", got, err)
	}

	if err := sa.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, err := sb.Receive(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Receive after peer close = %v, want ErrSessionClosed", err)
	}
	if err := sb.Send(ctx, []byte("late")); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Send after peer close = %v, want ErrSessionClosed", err)
	}
}

func TestDeliverReordersAndDeduplicates(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m := NewMux("B", &recorder{})

	env := func(seq uint64, kind Kind, payload string) Envelope {
		return Envelope{SessionID: "s1", From: "A", To: "B", Seq: seq, Kind: kind, Payload: []byte(payload)}
	}
	arrivals := []Envelope{
		env(0, KindOpen, ""),
		env(3, KindData, "c"),
		env(1, KindData, "a"),
		env(1, KindData, "a"),
		env(3, KindData, "c"),
		env(2, KindData, "b"),
		env(2, KindData, "b"),
		env(4, KindClose, ""),
	}
	for _, e := range arrivals {
		if err := m.Deliver(e); err != nil {
			t.Fatalf("Deliver(%d) failed: %v", e.Seq, err)
		}
	}

	s, err := m.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}
	var got []string
	for {
		msg, err := s.Receive(ctx)
		if errors.Is(err, ErrSessionClosed) {
			break
		}
		if err != nil {
			t.Fatalf("Receive failed: %v", err)
		}
		got = append(got, string(msg))
	}
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("received %v, want [a b c]", got)
	}
}

func TestDeliverRejects(t *testing.T) {
	m := NewMux("B", &recorder{})
	if err := m.Deliver(Envelope{SessionID: "s1", From: "A", To: "B", Kind: KindOpen}); err != nil {
		t.Fatalf("Deliver open failed: %v", err)
	}

	tests := []struct {
		name    string
		env     Envelope
		wantErr error
	}{
		{
			name:    "misaddressed",
			env:     Envelope{SessionID: "s1", From: "A", To: "C", Seq: 1, Kind: KindData},
			wantErr: ErrMisaddressed,
		},
		{
			name:    "hijacked session",
			env:     Envelope{SessionID: "s1", From: "M", To: "B", Seq: 1, Kind: KindData},
			wantErr: ErrPeerMismatch,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := m.Deliver(tt.env); !errors.Is(err, tt.wantErr) {
				t.Errorf("Deliver error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("unknown session data is dropped", func(t *testing.T) {
		err := m.Deliver(Envelope{SessionID: "gone", From: "A", To: "B", Seq: 3, Kind: KindData})
		if err != nil {
			t.Errorf("Deliver error = %v, want nil", err)
		}
	})
}

func TestReplayedOpenAfterClose(t *testing.T) {
	open := Envelope{SessionID: "s1", From: "A", To: "B", Kind: KindOpen}

	tests := []struct {
		name  string
		close func(t *testing.T, m *Mux, s Session)
	}{
		{
			name: "closed locally",
			close: func(t *testing.T, m *Mux, s Session) {
				if err := s.Close(); err != nil {
					t.Fatalf("Close failed: %v", err)
				}
			},
		},
		{
			name: "closed by peer",
			close: func(t *testing.T, m *Mux, s Session) {
				if err := m.Deliver(Envelope{SessionID: "s1", From: "A", To: "B", Seq: 1, Kind: KindClose}); err != nil {
					t.Fatalf("Deliver close failed: %v", err)
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMux("B", &recorder{})
			t.Cleanup(func() { m.Close() })

			if err := m.Deliver(open); err != nil {
				t.Fatalf("Deliver open failed: %v", err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			s, err := m.Accept(ctx)
			if err != nil {
				t.Fatalf("Accept failed: %v", err)
			}
			tt.close(t, m, s)

			if err := m.Deliver(open); err != nil {
				t.Fatalf("Deliver replayed open = %v, want nil", err)
			}
			short, cancelShort := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancelShort()
			if s, err := m.Accept(short); err == nil {
				t.Fatalf("Accept returned replayed session %s", s.ID())
			}

			if err := m.Deliver(Envelope{SessionID: "s2", From: "A", To: "B", Kind: KindOpen}); err != nil {
				t.Fatalf("Deliver fresh open failed: %v", err)
			}
			fresh, err := m.Accept(ctx)
			if err != nil {
				t.Fatalf("Accept fresh session failed: %v", err)
			}
			if fresh.ID() != "s2" {
				t.Errorf("accepted %s, want s2", fresh.ID())
			}
		})
	}
}

func TestReceiveTimeout(t *testing.T) {
	a, _ := newPair(t)
	s, err := a.Open(context.Background(), "B")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := s.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Receive error = %v, want DeadlineExceeded", err)
	}
}

func TestOpenSendsOpenEnvelope(t *testing.T) {
	rec := &recorder{}
	m := NewMux("A", rec)
	s, err := m.Open(context.Background(), "B")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if err := s.Send(context.Background(), []byte("x")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	sent := rec.envelopes()
	if len(sent) != 2 {
		t.Fatalf("sent %d envelopes, want 2", len(sent))
	}
	if sent[0].Kind != KindOpen || sent[0].Seq != 0 {
		t.Errorf("first envelope = %s/%d, want open/0", sent[0].Kind, sent[0].Seq)
	}
	if sent[1].Kind != KindData || sent[1].Seq != 1 || sent[1].From != models.Party("A") {
		t.Errorf("second envelope = %+v", sent[1])
	}

	if _, err := m.Open(context.Background(), "A"); err == nil {
		t.Error("Open to self succeeded")
	}
}

func TestMuxClose(t *testing.T) {
	a, b := newPair(t)
	ctx := context.Background()
	if _, err := a.Open(ctx, "B"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	sb, err := b.Accept(ctx)
	if err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	b.Close()
	if _, err := sb.Receive(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Receive after mux close = %v, want ErrSessionClosed", err)
	}
	if _, err := b.Accept(ctx); !errors.Is(err, ErrMuxClosed) {
		t.Errorf("Accept after close = %v, want ErrMuxClosed", err)
	}
	if _, err := a.Open(ctx, "B"); !errors.Is(err, ErrMuxClosed) {
		t.Errorf("Open to closed peer = %v, want ErrMuxClosed", err)
	}
}
