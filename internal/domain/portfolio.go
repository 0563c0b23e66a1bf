package domain

import "sort"

// PortfolioKey identifies the (user, portfolio) scope that owns orders,
// trades, positions and the balance. The core never aggregates across keys.
type PortfolioKey struct {
	UserID      string
	PortfolioID string
}

// String renders the key as "user/portfolio".
func (k PortfolioKey) String() string {
	return k.UserID + "/" + k.PortfolioID
}

// Less orders keys by user, then portfolio. Locks are always taken in this
// order so two transactions over overlapping keys cannot deadlock.
func (k PortfolioKey) Less(other PortfolioKey) bool {
	if k.UserID != other.UserID {
		return k.UserID < other.UserID
	}
	return k.PortfolioID < other.PortfolioID
}

// SortedKeys returns the distinct keys in lock order.
func SortedKeys(keys []PortfolioKey) []PortfolioKey {
	seen := make(map[PortfolioKey]bool, len(keys))
	out := make([]PortfolioKey, 0, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
