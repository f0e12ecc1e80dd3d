// Package canon produces the deterministic byte encodings that parties sign.
//
// Proposals are flattened into fixed wire structs and XDR-encoded. Decimal
// quantities are written in their canonical string form, so two parties that
// decode and re-encode the same proposal always obtain identical bytes.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/davecgh/go-xdr/xdr"
	"github.com/shopspring/decimal"

	"github.com/mmynk/iouflow/internal/models"
)

// wireVersion is bumped whenever the wire structs change shape.
const wireVersion uint32 = 1

var (
	ErrVersion       = errors.New("unsupported proposal encoding version")
	ErrTrailingBytes = errors.New("trailing bytes after proposal")
)

type wireAmount struct {
	Quantity string
	Currency string
}

type wireIOU struct {
	LinearID string
	Amount   wireAmount
	Creditor string
	Debtor   string
	Settled  wireAmount
}

type wireProposal struct {
	Version  uint32
	Nonce    string
	Kind     string
	Signers  []string
	HasPrior bool
	Prior    wireIOU
	PriorTx  string
	Output   wireIOU
	Notary   string
}

type wireProof struct {
	Domain      string
	TxID        string
	LinearID    string
	Notary      string
	NotarizedAt int64
}

// EncodeProposal returns the canonical bytes of p.
func EncodeProposal(p models.Proposal) ([]byte, error) {
	w := wireProposal{
		Version: wireVersion,
		Nonce:   p.Nonce,
		Kind:    string(p.Command.Kind),
		Signers: partiesToStrings(p.Command.Signers),
		PriorTx: p.PriorTx,
		Output:  toWireIOU(p.Output),
		Notary:  string(p.Notary),
	}
	if p.Prior != nil {
		w.HasPrior = true
		w.Prior = toWireIOU(*p.Prior)
	}
	b, err := xdr.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to encode proposal: %w", err)
	}
	return b, nil
}

// DecodeProposal parses bytes produced by EncodeProposal.
func DecodeProposal(raw []byte) (models.Proposal, error) {
	var w wireProposal
	rest, err := xdr.Unmarshal(raw, &w)
	if err != nil {
		return models.Proposal{}, fmt.Errorf("failed to decode proposal: %w", err)
	}
	if len(rest) != 0 {
		return models.Proposal{}, ErrTrailingBytes
	}
	if w.Version != wireVersion {
		return models.Proposal{}, fmt.Errorf("%w: %d", ErrVersion, w.Version)
	}
	kind, err := models.ParseCommandKind(w.Kind)
	if err != nil {
		return models.Proposal{}, err
	}
	output, err := fromWireIOU(w.Output)
	if err != nil {
		return models.Proposal{}, err
	}
	p := models.Proposal{
		Nonce:   w.Nonce,
		Command: models.Command{Kind: kind, Signers: stringsToParties(w.Signers)},
		PriorTx: w.PriorTx,
		Output:  output,
		Notary:  models.Party(w.Notary),
	}
	if w.HasPrior {
		prior, err := fromWireIOU(w.Prior)
		if err != nil {
			return models.Proposal{}, err
		}
		p.Prior = &prior
	}
	return p, nil
}

// StateHash identifies one record version. The notary's head index stores it so
// that a proposal's Prior can be checked against what was actually notarized.
func StateHash(r models.IOU) (string, error) {
	b, err := xdr.Marshal(toWireIOU(r))
	if err != nil {
		return "", fmt.Errorf("failed to encode record: %w", err)
	}
	return Hash(b), nil
}

// ProofBytes is the message a notary signs when it accepts txID.
func ProofBytes(txID, linearID string, notary models.Party, notarizedAt time.Time) ([]byte, error) {
	b, err := xdr.Marshal(wireProof{
		Domain:      "iouflow/notary-proof",
		TxID:        txID,
		LinearID:    linearID,
		Notary:      string(notary),
		NotarizedAt: notarizedAt.UTC().UnixNano(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode proof: %w", err)
	}
	return b, nil
}

// Hash returns "sha256:<hex>" of b. Transaction IDs are Hash(EncodeProposal(p)).
func Hash(b []byte) string {
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func toWireAmount(a models.Amount) wireAmount {
	return wireAmount{Quantity: a.Quantity.String(), Currency: a.Currency}
}

func fromWireAmount(w wireAmount) (models.Amount, error) {
	q, err := decimal.NewFromString(w.Quantity)
	if err != nil {
		return models.Amount{}, fmt.Errorf("failed to decode quantity %q: %w", w.Quantity, err)
	}
	return models.Amount{Quantity: q, Currency: w.Currency}, nil
}

func toWireIOU(r models.IOU) wireIOU {
	return wireIOU{
		LinearID: r.LinearID,
		Amount:   toWireAmount(r.Amount),
		Creditor: string(r.Creditor),
		Debtor:   string(r.Debtor),
		Settled:  toWireAmount(r.Settled),
	}
}

func fromWireIOU(w wireIOU) (models.IOU, error) {
	amount, err := fromWireAmount(w.Amount)
	if err != nil {
		return models.IOU{}, err
	}
	settled, err := fromWireAmount(w.Settled)
	if err != nil {
		return models.IOU{}, err
	}
	return models.IOU{
		LinearID: w.LinearID,
		Amount:   amount,
		Creditor: models.Party(w.Creditor),
		Debtor:   models.Party(w.Debtor),
		Settled:  settled,
	}, nil
}

func partiesToStrings(ps []models.Party) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}

func stringsToParties(ss []string) []models.Party {
	out := make([]models.Party, len(ss))
	for i, s := range ss {
		out[i] = models.Party(s)
	}
	return out
}
