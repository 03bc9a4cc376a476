package obs

import (
	"sync/atomic"
	"time"
)

// Traces hands out trace ids for bus events. The high bits carry the process
// start second so ids of consecutive runs do not collide in the notification
// stream.
type Traces struct {
	next atomic.Uint64
}

func NewTraces(start time.Time) *Traces {
	t := &Traces{}
	t.next.Store(uint64(start.Unix()&0xFFFFFF) << 40)
	return t
}

// Next is safe on a nil receiver and returns 0 there.
func (t *Traces) Next() uint64 {
	if t == nil {
		return 0
	}
	return t.next.Add(1)
}
