package flow

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mmynk/iouflow/internal/canon"
	"github.com/mmynk/iouflow/internal/identity"
	"github.com/mmynk/iouflow/internal/models"
	"github.com/mmynk/iouflow/internal/notary"
	"github.com/mmynk/iouflow/internal/storage/leveldb"
	"github.com/mmynk/iouflow/internal/storage/sqlite"
	"github.com/mmynk/iouflow/internal/transport"
	"github.com/mmynk/iouflow/internal/transport/memory"
)

const testNotary models.Party = "O=Notary"

var errLostReply = errors.New("unavailable: connection reset")

type testNode struct {
	*Node
	store    *sqlite.SQLiteStore
	mux      *transport.Mux
	outcomes chan Outcome
}

type harness struct {
	net       *memory.Network
	authority *notary.Service
	privs     map[models.Party]ed25519.PrivateKey
	nodes     map[models.Party]*testNode
}

// newHarness starts one serving node per party on an in-memory network, all
// sharing one notary. configure may adjust each node's options.
func newHarness(t *testing.T, parties []models.Party, configure func(models.Party, *Options)) *harness {
	t.Helper()
	return newHarnessWith(t, parties, configure, nil)
}

// newHarnessWith is newHarness where wrap, if set, decides which Authority
// each party's node talks to.
func newHarnessWith(t *testing.T, parties []models.Party, configure func(models.Party, *Options), wrap func(models.Party, notary.Authority) notary.Authority) *harness {
	t.Helper()

	privs := make(map[models.Party]ed25519.PrivateKey)
	for _, p := range append([]models.Party{testNotary}, parties...) {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			t.Fatalf("GenerateKey failed: %v", err)
		}
		privs[p] = priv
	}
	keyringFor := func(self models.Party) *identity.Keyring {
		keys := identity.NewKeyring()
		for p, priv := range privs {
			var err error
			if p == self {
				err = keys.AddPrivate(p, priv)
			} else {
				err = keys.AddPublic(p, priv.Public().(ed25519.PublicKey))
			}
			if err != nil {
				t.Fatalf("keyring setup failed: %v", err)
			}
		}
		return keys
	}

	db, err := leveldb.NewInMemory()
	if err != nil {
		t.Fatalf("NewInMemory failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	h := &harness{
		net:       memory.NewNetwork(),
		authority: notary.NewService(testNotary, keyringFor(testNotary), db, nil),
		privs:     privs,
		nodes:     make(map[models.Party]*testNode),
	}

	dir := t.TempDir()
	for _, p := range parties {
		store, err := sqlite.New(filepath.Join(dir, string(p)+".db"))
		if err != nil {
			t.Fatalf("sqlite.New failed: %v", err)
		}
		t.Cleanup(func() { store.Close() })

		outcomes := make(chan Outcome, 16)
		opts := Options{
			Notaries:        []models.Party{testNotary},
			SessionTimeout:  2 * time.Second,
			FinalityTimeout: 2 * time.Second,
			AckTimeout:      2 * time.Second,
			QueryInterval:   20 * time.Millisecond,
			OnOutcome:       func(o Outcome) { outcomes <- o },
		}
		if configure != nil {
			configure(p, &opts)
		}

		var authority notary.Authority = h.authority
		if wrap != nil {
			authority = wrap(p, authority)
		}
		mux := h.net.Join(p)
		node, err := NewNode(keyringFor(p), store, mux, authority, opts)
		if err != nil {
			t.Fatalf("NewNode failed: %v", err)
		}
		h.nodes[p] = &testNode{Node: node, store: store, mux: mux, outcomes: outcomes}
	}

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	for _, n := range h.nodes {
		wg.Add(1)
		go func(n *testNode) {
			defer wg.Done()
			n.Serve(ctx)
		}(n)
	}
	t.Cleanup(func() {
		cancel()
		for _, n := range h.nodes {
			n.mux.Close()
		}
		wg.Wait()
	})
	return h
}

// outcome waits for the next responder outcome at party.
func (h *harness) outcome(t *testing.T, party models.Party) Outcome {
	t.Helper()
	select {
	case o := <-h.nodes[party].outcomes:
		return o
	case <-time.After(5 * time.Second):
		t.Fatalf("no responder outcome at %s", party)
		return Outcome{}
	}
}

// noOutcome asserts party did not finish a responder run.
func (h *harness) noOutcome(t *testing.T, party models.Party) {
	t.Helper()
	select {
	case o := <-h.nodes[party].outcomes:
		t.Errorf("unexpected outcome at %s: %s (%v)", party, o.State, o.Err)
	default:
	}
}

// endorse signs p for every signer with the test-held keys, bypassing the nodes.
func (h *harness) endorse(t *testing.T, p models.Proposal) models.EndorsedProposal {
	t.Helper()
	raw, err := canon.EncodeProposal(p)
	if err != nil {
		t.Fatalf("EncodeProposal failed: %v", err)
	}
	e := models.EndorsedProposal{TxID: canon.Hash(raw), Raw: raw, Proposal: p}
	for _, s := range p.Command.Signers {
		e.Endorsements = append(e.Endorsements, models.Endorsement{Signer: s, Signature: ed25519.Sign(h.privs[s], raw)})
	}
	return e
}

// dropTo discards protocol messages of kind addressed to party.
func (h *harness) dropTo(party models.Party, kind MessageKind) {
	h.net.Intercept(func(env transport.Envelope) bool {
		if env.To != party || env.Kind != transport.KindData {
			return true
		}
		var m message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return true
		}
		return m.Kind != kind
	})
}

type rejectingGate struct {
	reason string
}

func (g rejectingGate) Verify(models.IOU, *models.IOU, models.Command) error {
	return models.Invalid("%s", g.reason)
}

// lossyAuthority forwards Notarize to the real notary and then reports a
// transport failure for the first fail calls, as if the reply was lost.
type lossyAuthority struct {
	notary.Authority

	mu    sync.Mutex
	fail  int
	calls int
}

func (a *lossyAuthority) Notarize(ctx context.Context, endorsed models.EndorsedProposal) (models.Proof, error) {
	proof, err := a.Authority.Notarize(ctx, endorsed)
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if err != nil || a.calls > a.fail {
		return proof, err
	}
	return models.Proof{}, errLostReply
}

func (a *lossyAuthority) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}
