package state

import (
	"sort"

	"github.com/kpLEE-HYU/krader/internal/schema"
)

// RebuildPositions replays a fill ledger into positions. Fills are applied in
// timestamp order, so the result does not depend on the input order.
func RebuildPositions(fills []schema.Fill) *PositionReducer {
	ordered := make([]schema.Fill, len(fills))
	copy(ordered, fills)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Timestamp.Equal(ordered[j].Timestamp) {
			return ordered[i].ID < ordered[j].ID
		}
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	positions := NewPositionReducer()
	for _, f := range ordered {
		if f.Quantity <= 0 {
			continue
		}
		positions.ApplyFill(f)
	}
	return positions
}
