package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"

	"github.com/mmynk/iouflow/internal/models"
)

var ErrWrongPassphrase = errors.New("wrong passphrase or corrupted keystore")

// scrypt cost parameters for keystore encryption.
var (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// keyFile is the on-disk keystore format. The ed25519 seed is sealed with a key
// derived from the passphrase.
type keyFile struct {
	Party     string `json:"party"`
	PublicKey []byte `json:"public_key"`
	Salt      []byte `json:"salt"`
	Nonce     []byte `json:"nonce"`
	Sealed    []byte `json:"sealed"`
}

// SaveKey writes party's private key to path, encrypted with passphrase.
func SaveKey(path string, party models.Party, priv ed25519.PrivateKey, passphrase string) error {
	var salt [16]byte
	if _, err := io.ReadFull(rand.Reader, salt[:]); err != nil {
		return fmt.Errorf("failed to read salt: %w", err)
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("failed to read nonce: %w", err)
	}
	key, err := deriveKey(passphrase, salt[:])
	if err != nil {
		return err
	}

	kf := keyFile{
		Party:     string(party),
		PublicKey: priv.Public().(ed25519.PublicKey),
		Salt:      salt[:],
		Nonce:     nonce[:],
		Sealed:    secretbox.Seal(nil, priv.Seed(), &nonce, key),
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode keystore: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create keystore directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write keystore: %w", err)
	}
	return nil
}

// LoadKey decrypts a keystore written by SaveKey.
func LoadKey(path string, passphrase string) (models.Party, ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read keystore: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return "", nil, fmt.Errorf("failed to parse keystore: %w", err)
	}
	if len(kf.Nonce) != 24 {
		return "", nil, ErrWrongPassphrase
	}

	key, err := deriveKey(passphrase, kf.Salt)
	if err != nil {
		return "", nil, err
	}
	var nonce [24]byte
	copy(nonce[:], kf.Nonce)
	seed, ok := secretbox.Open(nil, kf.Sealed, &nonce, key)
	if !ok || len(seed) != ed25519.SeedSize {
		return "", nil, ErrWrongPassphrase
	}

	priv := ed25519.NewKeyFromSeed(seed)
	if !priv.Public().(ed25519.PublicKey).Equal(ed25519.PublicKey(kf.PublicKey)) {
		return "", nil, ErrWrongPassphrase
	}
	return models.Party(kf.Party), priv, nil
}

// LoadInto decrypts path and registers the key in keys as a local party.
func LoadInto(keys *Keyring, path, passphrase string) (models.Party, error) {
	party, priv, err := LoadKey(path, passphrase)
	if err != nil {
		return "", err
	}
	if err := keys.AddPrivate(party, priv); err != nil {
		return "", err
	}
	return party, nil
}

func deriveKey(passphrase string, salt []byte) (*[32]byte, error) {
	derived, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	var key [32]byte
	copy(key[:], derived)
	return &key, nil
}
