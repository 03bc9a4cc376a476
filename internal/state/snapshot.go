package state

import (
	"fmt"
	"sort"
	"time"

	"github.com/kpLEE-HYU/krader/internal/schema"
)

// Snapshot captures positions at a point in time.
type Snapshot struct {
	Timestamp time.Time         `json:"timestamp"`
	Positions []schema.Position `json:"positions"`
}

// Divergence describes one symbol whose quantity or average price differs between two snapshots.
type Divergence struct {
	Symbol   string
	Expected schema.Position
	Actual   schema.Position
}

func (d Divergence) String() string {
	return fmt.Sprintf("%s: expected qty=%d avg=%s, actual qty=%d avg=%s",
		d.Symbol, d.Expected.Quantity, d.Expected.AvgPrice, d.Actual.Quantity, d.Actual.AvgPrice)
}

// Snapshot builds a snapshot from current positions.
func (r *PositionReducer) Snapshot() Snapshot {
	return NewSnapshot(r.Positions())
}

// NewSnapshot builds a snapshot from a position list, ignoring flat entries.
func NewSnapshot(positions []schema.Position) Snapshot {
	entries := make([]schema.Position, 0, len(positions))
	for _, p := range positions {
		if p.Quantity != 0 {
			entries = append(entries, p)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Symbol < entries[j].Symbol
	})
	return Snapshot{
		Timestamp: time.Now(),
		Positions: entries,
	}
}

// CompareSnapshots lists every symbol whose quantity or average price differs.
// A symbol missing from one side is compared against a flat position.
func CompareSnapshots(expected, actual Snapshot) []Divergence {
	want := make(map[string]schema.Position, len(expected.Positions))
	for _, p := range expected.Positions {
		want[p.Symbol] = p
	}
	got := make(map[string]schema.Position, len(actual.Positions))
	for _, p := range actual.Positions {
		got[p.Symbol] = p
	}

	symbols := make(map[string]struct{}, len(want)+len(got))
	for s := range want {
		symbols[s] = struct{}{}
	}
	for s := range got {
		symbols[s] = struct{}{}
	}

	var out []Divergence
	for s := range symbols {
		e, a := want[s], got[s]
		if e.Quantity == a.Quantity && e.AvgPrice.Equal(a.AvgPrice) {
			continue
		}
		e.Symbol, a.Symbol = s, s
		out = append(out, Divergence{Symbol: s, Expected: e, Actual: a})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Symbol < out[j].Symbol
	})
	return out
}
