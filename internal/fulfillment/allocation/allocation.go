// Package allocation implements the batch selection policy used by every
// stock-consuming operation: FIFO-by-expiry with greedy apportionment.
// It is a pure decision function over an in-memory snapshot; callers apply
// the result (or discard it on shortfall) in their own transaction.
package allocation

import (
	"sort"
	"time"
)

// Batch is the snapshot of one stock batch as seen by the engine.
type Batch struct {
	BatchNumber string
	ExpiryDate  time.Time
	Quantity    int
	UnitPrice   float64
}

// Line is one apportionment decision: take Quantity units from BatchNumber.
type Line struct {
	BatchNumber string
	ExpiryDate  time.Time
	Quantity    int
	UnitPrice   float64
}

// Result holds the allocation lines and the quantity that could not be
// covered. Shortfall > 0 means the caller must discard Lines: allocation
// is all-or-nothing from the caller's perspective.
type Result struct {
	Lines     []Line
	Shortfall int
}

// Total returns the allocated quantity across all lines.
func (r Result) Total() int {
	total := 0
	for _, l := range r.Lines {
		total += l.Quantity
	}
	return total
}

// Satisfied reports whether the full required quantity was covered.
func (r Result) Satisfied() bool {
	return r.Shortfall == 0
}

// Allocate selects batches to cover required units as of the given time.
//
// A batch is eligible iff it has not expired at asOf and has remaining
// quantity. Eligible batches are consumed earliest-expiry-first, ties
// broken by batch number so the result is deterministic. Expired or
// exhausted batches are skipped entirely and never reduce the shortfall.
//
// Allocate never mutates its inputs and has no side effects; it is safe
// to call speculatively.
func Allocate(batches []Batch, required int, asOf time.Time) Result {
	if required <= 0 {
		return Result{}
	}

	eligible := make([]Batch, 0, len(batches))
	for _, b := range batches {
		if b.Quantity <= 0 {
			continue
		}
		if b.ExpiryDate.Before(asOf) {
			continue
		}
		eligible = append(eligible, b)
	}

	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].ExpiryDate.Equal(eligible[j].ExpiryDate) {
			return eligible[i].ExpiryDate.Before(eligible[j].ExpiryDate)
		}
		return eligible[i].BatchNumber < eligible[j].BatchNumber
	})

	var lines []Line
	stillNeeded := required

	for _, b := range eligible {
		if stillNeeded == 0 {
			break
		}

		take := b.Quantity
		if take > stillNeeded {
			take = stillNeeded
		}

		lines = append(lines, Line{
			BatchNumber: b.BatchNumber,
			ExpiryDate:  b.ExpiryDate,
			Quantity:    take,
			UnitPrice:   b.UnitPrice,
		})
		stillNeeded -= take
	}

	return Result{
		Lines:     lines,
		Shortfall: stillNeeded,
	}
}
