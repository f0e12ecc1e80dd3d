// Package identity binds ledger parties to ed25519 keys.
//
// A Keyring holds the private keys of the parties hosted by this process and
// the public keys of every counterparty it knows. Signatures are raw ed25519
// over the caller's bytes; callers are expected to sign canonical encodings.
package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/mmynk/iouflow/internal/models"
)

var (
	ErrUnknownParty = errors.New("unknown party")
	ErrNotLocal     = errors.New("party is not hosted locally")
	ErrKeyConflict  = errors.New("party already bound to a different key")
)

// KeyService signs on behalf of local parties and verifies any known party.
// This abstraction lets the protocol run against in-memory keys in tests and
// keystore-backed keys in a node.
type KeyService interface {
	// Sign signs data with party's private key. Fails with ErrNotLocal for
	// parties whose key this process does not hold.
	Sign(party models.Party, data []byte) ([]byte, error)

	// Verify reports whether sig is party's signature over data.
	// Unknown parties never verify.
	Verify(party models.Party, data, sig []byte) bool
}

// Ensure Keyring implements KeyService
var _ KeyService = (*Keyring)(nil)

// Keyring is an in-memory KeyService.
type Keyring struct {
	mu      sync.RWMutex
	private map[models.Party]ed25519.PrivateKey
	public  map[models.Party]ed25519.PublicKey
}

// NewKeyring creates an empty keyring.
func NewKeyring() *Keyring {
	return &Keyring{
		private: make(map[models.Party]ed25519.PrivateKey),
		public:  make(map[models.Party]ed25519.PublicKey),
	}
}

// Generate creates and registers a fresh key pair for a local party.
func (k *Keyring) Generate(party models.Party) (ed25519.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	if err := k.AddPrivate(party, priv); err != nil {
		return nil, err
	}
	return pub, nil
}

// AddPrivate registers a local party's private key (and its public half).
func (k *Keyring) AddPrivate(party models.Party, priv ed25519.PrivateKey) error {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return fmt.Errorf("unexpected public key type %T", priv.Public())
	}
	if err := k.AddPublic(party, pub); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.private[party] = priv
	return nil
}

// AddPublic registers a counterparty's public key. Re-adding the same key is a no-op.
func (k *Keyring) AddPublic(party models.Party, pub ed25519.PublicKey) error {
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("public key for %s has %d bytes, want %d", party, len(pub), ed25519.PublicKeySize)
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if existing, ok := k.public[party]; ok {
		if !bytes.Equal(existing, pub) {
			return fmt.Errorf("%w: %s", ErrKeyConflict, party)
		}
		return nil
	}
	k.public[party] = append(ed25519.PublicKey(nil), pub...)
	return nil
}

// AddPublicBase64 is AddPublic for keys from configuration files.
func (k *Keyring) AddPublicBase64(party models.Party, encoded string) error {
	pub, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return fmt.Errorf("failed to decode public key for %s: %w", party, err)
	}
	return k.AddPublic(party, pub)
}

// PublicKey returns the registered public key of party.
func (k *Keyring) PublicKey(party models.Party) (ed25519.PublicKey, bool) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	pub, ok := k.public[party]
	return pub, ok
}

// IsLocal reports whether the keyring can sign for party.
func (k *Keyring) IsLocal(party models.Party) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.private[party]
	return ok
}

// Parties lists every known party, sorted.
func (k *Keyring) Parties() []models.Party {
	k.mu.RLock()
	defer k.mu.RUnlock()
	out := make([]models.Party, 0, len(k.public))
	for p := range k.public {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Sign implements KeyService.
func (k *Keyring) Sign(party models.Party, data []byte) ([]byte, error) {
	k.mu.RLock()
	priv, ok := k.private[party]
	k.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotLocal, party)
	}
	return ed25519.Sign(priv, data), nil
}

// Verify implements KeyService.
func (k *Keyring) Verify(party models.Party, data, sig []byte) bool {
	pub, ok := k.PublicKey(party)
	if !ok || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// privateKey returns a local party's private key, used to sign session tokens.
func (k *Keyring) privateKey(party models.Party) (ed25519.PrivateKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	priv, ok := k.private[party]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotLocal, party)
	}
	return priv, nil
}
