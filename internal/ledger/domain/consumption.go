package domain

import (
	"sort"
	"time"
)

// ConsumptionPlan is the set of deductions for one download. Deducted is what
// the lots covered; Shortfall is the borrowed remainder, absorbed without an
// entry. Deducted + Shortfall always equals the pages requested.
type ConsumptionPlan struct {
	Entries   []LedgerEntry
	Deducted  int64
	Shortfall int64
}

// SortLots orders lots soonest-expiring first, never-expiring last. Ties keep
// their input order.
func SortLots(lots []CreditLot) []CreditLot {
	sorted := make([]CreditLot, len(lots))
	copy(sorted, lots)
	sort.SliceStable(sorted, func(i, j int) bool {
		return expiresBefore(sorted[i].ExpiresAt, sorted[j].ExpiresAt)
	})
	return sorted
}

func expiresBefore(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return a.Before(*b)
	}
}

// PlanConsumption draws pagesNeeded from lots in expiry order. When the lots
// cannot cover the request and the remainder exceeds overuseLimit no entries
// are produced and an *OveruseLimitExceededError is returned.
func PlanConsumption(lots []CreditLot, pagesNeeded, overuseLimit int64) (ConsumptionPlan, error) {
	if pagesNeeded <= 0 {
		return ConsumptionPlan{}, ErrInvalidPages
	}
	if overuseLimit < 0 {
		overuseLimit = 0
	}

	remaining := pagesNeeded
	var available int64
	entries := make([]LedgerEntry, 0, len(lots))
	for _, lot := range SortLots(lots) {
		if lot.Balance <= 0 {
			continue
		}
		available += lot.Balance
		if remaining == 0 {
			continue
		}
		spend := min(lot.Balance, remaining)
		entries = append(entries, LedgerEntry{
			Change:      -spend,
			Reason:      ReasonDownload,
			SourceType:  lot.SourceType,
			ReferenceID: lot.ReferenceID,
			ExpiresAt:   lot.ExpiresAt,
		})
		remaining -= spend
	}

	if remaining > overuseLimit {
		return ConsumptionPlan{}, &OveruseLimitExceededError{
			Requested: pagesNeeded,
			Available: available,
			Shortfall: remaining,
			Limit:     overuseLimit,
		}
	}

	return ConsumptionPlan{
		Entries:   entries,
		Deducted:  pagesNeeded - remaining,
		Shortfall: remaining,
	}, nil
}

// AggregateLots folds non-expired entries into lots keyed by reference and
// source type, in order of first appearance.
func AggregateLots(entries []LedgerEntry, now time.Time) []CreditLot {
	type key struct {
		reference  string
		hasRef     bool
		sourceType SourceType
	}

	index := map[key]int{}
	lots := []CreditLot{}
	for _, entry := range entries {
		if entry.ExpiresAt != nil && !entry.ExpiresAt.After(now) {
			continue
		}
		k := key{sourceType: entry.SourceType}
		if entry.ReferenceID != nil {
			k.reference = *entry.ReferenceID
			k.hasRef = true
		}
		i, ok := index[k]
		if !ok {
			index[k] = len(lots)
			lots = append(lots, CreditLot{
				ReferenceID: entry.ReferenceID,
				SourceType:  entry.SourceType,
				ExpiresAt:   entry.ExpiresAt,
				Balance:     entry.Change,
			})
			continue
		}
		lot := &lots[i]
		lot.Balance += entry.Change
		if expiresBefore(entry.ExpiresAt, lot.ExpiresAt) {
			lot.ExpiresAt = entry.ExpiresAt
		}
	}
	return lots
}

// TotalBalance sums positive lot balances.
func TotalBalance(lots []CreditLot) int64 {
	var total int64
	for _, lot := range lots {
		if lot.Balance > 0 {
			total += lot.Balance
		}
	}
	return total
}
