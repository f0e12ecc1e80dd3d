// Package calculator derives net positions from outstanding IOUs.
package calculator

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/mmynk/iouflow/internal/models"
)

// PartyBalance is one party's position in one currency.
type PartyBalance struct {
	Party    models.Party
	Currency string
	Owed     decimal.Decimal // outstanding on IOUs where Party is creditor
	Owing    decimal.Decimal // outstanding on IOUs where Party is debtor
	Net      decimal.Decimal // Owed - Owing; positive means the party is owed money
}

// DebtEdge is one payment that, with the others returned alongside it,
// clears every position.
type DebtEdge struct {
	From   models.Party // pays
	To     models.Party // is paid
	Amount models.Amount
}

// CalculateBalances aggregates the outstanding amount of every IOU per party
// and currency, then proposes a short list of payments that would clear them.
//
// Algorithm:
// - For each IOU: creditor is owed the outstanding amount, debtor owes it
// - Net = owed - owing, per currency
// - Payments: greedy matching of the largest debtor with the largest creditor
func CalculateBalances(ious []models.IOU) ([]PartyBalance, []DebtEdge, error) {
	type key struct {
		party    models.Party
		currency string
	}
	balances := make(map[key]*PartyBalance)
	get := func(p models.Party, currency string) *PartyBalance {
		k := key{p, currency}
		if b, ok := balances[k]; ok {
			return b
		}
		b := &PartyBalance{Party: p, Currency: currency}
		balances[k] = b
		return b
	}

	for _, iou := range ious {
		if err := iou.Validate(); err != nil {
			return nil, nil, fmt.Errorf("failed to calculate balances: %w", err)
		}
		outstanding := iou.Outstanding()
		if outstanding.Quantity.IsZero() {
			continue
		}
		creditor := get(iou.Creditor, outstanding.Currency)
		creditor.Owed = creditor.Owed.Add(outstanding.Quantity)
		debtor := get(iou.Debtor, outstanding.Currency)
		debtor.Owing = debtor.Owing.Add(outstanding.Quantity)
	}

	out := make([]PartyBalance, 0, len(balances))
	for _, b := range balances {
		b.Net = b.Owed.Sub(b.Owing)
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Currency != out[j].Currency {
			return out[i].Currency < out[j].Currency
		}
		return out[i].Party < out[j].Party
	})

	return out, simplify(out), nil
}

// simplify matches debtors with creditors per currency. balances must be
// sorted by currency.
func simplify(balances []PartyBalance) []DebtEdge {
	var edges []DebtEdge
	for start := 0; start < len(balances); {
		end := start
		for end < len(balances) && balances[end].Currency == balances[start].Currency {
			end++
		}
		edges = append(edges, simplifyCurrency(balances[start:end])...)
		start = end
	}
	return edges
}

func simplifyCurrency(balances []PartyBalance) []DebtEdge {
	var creditors, debtors []PartyBalance
	for _, b := range balances {
		switch b.Net.Sign() {
		case 1:
			creditors = append(creditors, b)
		case -1:
			b.Net = b.Net.Neg()
			debtors = append(debtors, b)
		}
	}
	// Largest first; ties by party for stable output.
	byNet := func(s []PartyBalance) func(i, j int) bool {
		return func(i, j int) bool {
			if c := s[i].Net.Cmp(s[j].Net); c != 0 {
				return c > 0
			}
			return s[i].Party < s[j].Party
		}
	}
	sort.Slice(creditors, byNet(creditors))
	sort.Slice(debtors, byNet(debtors))

	var edges []DebtEdge
	i, j := 0, 0
	for i < len(debtors) && j < len(creditors) {
		amount := decimal.Min(debtors[i].Net, creditors[j].Net)
		edges = append(edges, DebtEdge{
			From:   debtors[i].Party,
			To:     creditors[j].Party,
			Amount: models.Amount{Quantity: amount, Currency: debtors[i].Currency},
		})
		debtors[i].Net = debtors[i].Net.Sub(amount)
		creditors[j].Net = creditors[j].Net.Sub(amount)
		if debtors[i].Net.IsZero() {
			i++
		}
		if creditors[j].Net.IsZero() {
			j++
		}
	}
	return edges
}
