package models

// Party is a participant identity on the ledger, e.g. "O=Alice".
// Its signing key is resolved through the identity service.
type Party string

// String returns the party name.
func (p Party) String() string {
	return string(p)
}

// IsZero reports whether the party is unset.
func (p Party) IsZero() bool {
	return p == ""
}

// Contains reports whether p is in parties.
func Contains(parties []Party, p Party) bool {
	for _, q := range parties {
		if q == p {
			return true
		}
	}
	return false
}

// Union returns the distinct parties of a followed by those of b not already present,
// keeping first-seen order.
func Union(a, b []Party) []Party {
	out := make([]Party, 0, len(a)+len(b))
	for _, p := range a {
		if !Contains(out, p) {
			out = append(out, p)
		}
	}
	for _, p := range b {
		if !Contains(out, p) {
			out = append(out, p)
		}
	}
	return out
}

// Without returns parties with every occurrence of p removed.
func Without(parties []Party, p Party) []Party {
	out := make([]Party, 0, len(parties))
	for _, q := range parties {
		if q != p {
			out = append(out, q)
		}
	}
	return out
}
