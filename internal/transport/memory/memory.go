// Package memory connects transport muxes inside one process.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/mmynk/iouflow/internal/models"
	"github.com/mmynk/iouflow/internal/transport"
)

// Network routes envelopes between the muxes that joined it.
type Network struct {
	mu    sync.RWMutex
	muxes map[models.Party]*transport.Mux
	// intercept, when set, sees every envelope before delivery. Returning
	// false drops it silently.
	intercept func(transport.Envelope) bool
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{muxes: make(map[models.Party]*transport.Mux)}
}

// Join attaches party to the network and returns its transport.
func (n *Network) Join(party models.Party) *transport.Mux {
	m := transport.NewMux(party, sender{net: n})
	n.mu.Lock()
	n.muxes[party] = m
	n.mu.Unlock()
	return m
}

// Leave detaches party; envelopes addressed to it fail with ErrUnknownPeer.
func (n *Network) Leave(party models.Party) {
	n.mu.Lock()
	m, ok := n.muxes[party]
	delete(n.muxes, party)
	n.mu.Unlock()
	if ok {
		m.Close()
	}
}

// Intercept installs f as the delivery filter. Tests use it to drop,
// observe or duplicate traffic.
func (n *Network) Intercept(f func(transport.Envelope) bool) {
	n.mu.Lock()
	n.intercept = f
	n.mu.Unlock()
}

func (n *Network) deliver(ctx context.Context, env transport.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.mu.RLock()
	m, ok := n.muxes[env.To]
	intercept := n.intercept
	n.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", transport.ErrUnknownPeer, env.To)
	}
	if intercept != nil && !intercept(env) {
		return nil
	}
	// Payloads are copied so no two parties share a buffer.
	env.Payload = append([]byte(nil), env.Payload...)
	return m.Deliver(env)
}

type sender struct {
	net *Network
}

func (s sender) Send(ctx context.Context, env transport.Envelope) error {
	return s.net.deliver(ctx, env)
}
