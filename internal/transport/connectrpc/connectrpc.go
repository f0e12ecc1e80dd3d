// Package connectrpc carries transport envelopes between nodes over connect.
//
// Every call carries a peer session token; the receiving handler only accepts
// envelopes whose From matches the token subject.
package connectrpc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"connectrpc.com/connect"

	"github.com/mmynk/iouflow/internal/identity"
	"github.com/mmynk/iouflow/internal/middleware"
	"github.com/mmynk/iouflow/internal/models"
	"github.com/mmynk/iouflow/internal/transport"
)

const (
	// ServiceName is the fully-qualified name of the session RPC service.
	ServiceName = "iouflow.transport.v1.SessionService"

	DeliverProcedure = "/" + ServiceName + "/Deliver"
)

// DeliverResponse acknowledges an envelope.
type DeliverResponse struct{}

// NewHandler exposes mux to remote senders. Install middleware.RequirePeer
// among the options: envelopes without an authenticated peer are refused.
func NewHandler(mux *transport.Mux, opts ...connect.HandlerOption) (string, http.Handler) {
	deliver := connect.NewUnaryHandler(DeliverProcedure,
		func(ctx context.Context, req *connect.Request[transport.Envelope]) (*connect.Response[DeliverResponse], error) {
			env := *req.Msg
			peer := middleware.GetPeer(ctx)
			if peer.IsZero() || peer != env.From {
				return nil, connect.NewError(connect.CodePermissionDenied,
					fmt.Errorf("caller %q may not send as %q", peer, env.From))
			}
			if err := mux.Deliver(env); err != nil {
				switch {
				case errors.Is(err, transport.ErrPeerMismatch), errors.Is(err, transport.ErrMisaddressed):
					return nil, connect.NewError(connect.CodeInvalidArgument, err)
				case errors.Is(err, transport.ErrMuxClosed):
					return nil, connect.NewError(connect.CodeUnavailable, err)
				}
				return nil, connect.NewError(connect.CodeInternal, err)
			}
			return connect.NewResponse(&DeliverResponse{}), nil
		},
		opts...,
	)

	routes := http.NewServeMux()
	routes.Handle(DeliverProcedure, deliver)
	return "/" + ServiceName + "/", routes
}

// Ensure Sender implements transport.Sender
var _ transport.Sender = (*Sender)(nil)

// Sender delivers envelopes to the nodes listed in its address book.
type Sender struct {
	self       models.Party
	tokens     *identity.TokenManager
	httpClient connect.HTTPClient
	opts       []connect.ClientOption

	mu      sync.Mutex
	peers   map[models.Party]string
	clients map[models.Party]*connect.Client[transport.Envelope, DeliverResponse]
}

// NewSender creates a sender for self. peers maps each counterparty to the
// base URL of its node.
func NewSender(self models.Party, tokens *identity.TokenManager, httpClient connect.HTTPClient, peers map[models.Party]string, opts ...connect.ClientOption) *Sender {
	book := make(map[models.Party]string, len(peers))
	for p, url := range peers {
		book[p] = url
	}
	return &Sender{
		self:       self,
		tokens:     tokens,
		httpClient: httpClient,
		opts:       opts,
		peers:      book,
		clients:    make(map[models.Party]*connect.Client[transport.Envelope, DeliverResponse]),
	}
}

// SetPeer adds or replaces the address of peer.
func (s *Sender) SetPeer(peer models.Party, baseURL string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.peers[peer] = baseURL
	delete(s.clients, peer)
}

func (s *Sender) client(peer models.Party) (*connect.Client[transport.Envelope, DeliverResponse], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[peer]; ok {
		return c, nil
	}
	baseURL, ok := s.peers[peer]
	if !ok {
		return nil, fmt.Errorf("%w: %s", transport.ErrUnknownPeer, peer)
	}
	opts := append([]connect.ClientOption{
		middleware.JSONCodec(),
		connect.WithInterceptors(middleware.PeerCredentials(s.tokens, s.self, peer)),
	}, s.opts...)
	c := connect.NewClient[transport.Envelope, DeliverResponse](s.httpClient, baseURL+DeliverProcedure, opts...)
	s.clients[peer] = c
	return c, nil
}

// Send implements transport.Sender.
func (s *Sender) Send(ctx context.Context, env transport.Envelope) error {
	c, err := s.client(env.To)
	if err != nil {
		return err
	}
	if _, err := c.CallUnary(ctx, connect.NewRequest(&env)); err != nil {
		if connect.CodeOf(err) == connect.CodeUnavailable {
			return fmt.Errorf("%w: %v", transport.ErrMuxClosed, err)
		}
		return fmt.Errorf("failed to deliver to %s: %w", env.To, err)
	}
	return nil
}
