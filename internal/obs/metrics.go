package obs

import (
	"sync/atomic"
	"time"

	"github.com/kpLEE-HYU/krader/internal/schema"
)

const (
	maxEventType  = int(schema.EventError)
	maxRiskReason = int(schema.RiskReasonPaused)
)

// Metrics collects lightweight counters and latency stats.
type Metrics struct {
	eventCounts      [maxEventType + 1]uint64
	riskReasonCounts [maxRiskReason + 1]uint64
	queueDrops       uint64
	queueClosed      uint64
	handlerFailures  uint64
	droppedTicks     uint64
	lateTicks        uint64
	ordersSubmitted  uint64
	ordersRejected   uint64
	ordersAmbiguous  uint64
	fillsApplied     uint64
	duplicateFills   uint64

	eventLatency     LatencyStats
	orderFlowLatency LatencyStats
	riskEvalLatency  LatencyStats
	brokerLatency    LatencyStats
}

// LatencyStats aggregates duration samples in nanoseconds.
type LatencyStats struct {
	count uint64
	sum   uint64
	min   uint64
	max   uint64
}

// LatencySnapshot is a point-in-time view of latency stats.
type LatencySnapshot struct {
	Count uint64        `json:"count"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
	Avg   time.Duration `json:"avg"`
}

// Snapshot captures the current metrics values.
type Snapshot struct {
	EventCounts      map[string]uint64 `json:"event_counts"`
	RiskReasonCounts map[string]uint64 `json:"risk_reason_counts"`
	QueueDrops       uint64            `json:"queue_drops"`
	QueueClosed      uint64            `json:"queue_closed"`
	HandlerFailures  uint64            `json:"handler_failures"`
	DroppedTicks     uint64            `json:"dropped_ticks"`
	LateTicks        uint64            `json:"late_ticks"`
	OrdersSubmitted  uint64            `json:"orders_submitted"`
	OrdersRejected   uint64            `json:"orders_rejected"`
	OrdersAmbiguous  uint64            `json:"orders_ambiguous"`
	FillsApplied     uint64            `json:"fills_applied"`
	DuplicateFills   uint64            `json:"duplicate_fills"`
	EventLatency     LatencySnapshot   `json:"event_latency"`
	OrderFlowLatency LatencySnapshot   `json:"order_flow_latency"`
	RiskEvalLatency  LatencySnapshot   `json:"risk_eval_latency"`
	BrokerLatency    LatencySnapshot   `json:"broker_latency"`
}

// NewMetrics allocates a metrics container.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// ObserveEvent increments counters and tracks delivery latency when timestamps are present.
func (m *Metrics) ObserveEvent(header schema.EventHeader, delivered time.Time) {
	if m == nil {
		return
	}
	idx := int(header.Type)
	if idx >= 0 && idx < len(m.eventCounts) {
		atomic.AddUint64(&m.eventCounts[idx], 1)
	}
	if header.TsRecv > 0 {
		delta := delivered.UnixNano() - header.TsRecv
		if delta >= 0 {
			m.eventLatency.Observe(time.Duration(delta))
		}
	}
}

// IncRiskReason increments the risk reason counter.
func (m *Metrics) IncRiskReason(reason schema.RiskReason) {
	if m == nil {
		return
	}
	idx := int(reason)
	if idx >= 0 && idx < len(m.riskReasonCounts) {
		atomic.AddUint64(&m.riskReasonCounts[idx], 1)
	}
}

// IncQueueDrop records a publish rejected by a full queue.
func (m *Metrics) IncQueueDrop() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueDrops, 1)
}

// IncQueueClosed records a closed-queue publish attempt.
func (m *Metrics) IncQueueClosed() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.queueClosed, 1)
}

// IncHandlerFailure records a handler that returned an error or panicked.
func (m *Metrics) IncHandlerFailure() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.handlerFailures, 1)
}

// IncDroppedTick records a malformed tick.
func (m *Metrics) IncDroppedTick() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.droppedTicks, 1)
}

// IncLateTick records a tick that arrived for an already closed bucket.
func (m *Metrics) IncLateTick() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.lateTicks, 1)
}

// IncOrderSubmitted records a broker-acknowledged submission.
func (m *Metrics) IncOrderSubmitted() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.ordersSubmitted, 1)
}

// IncOrderRejected records a submission refused by the broker.
func (m *Metrics) IncOrderRejected() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.ordersRejected, 1)
}

// IncOrderAmbiguous records a submission whose outcome is unknown.
func (m *Metrics) IncOrderAmbiguous() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.ordersAmbiguous, 1)
}

// IncFillApplied records an applied fill.
func (m *Metrics) IncFillApplied() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.fillsApplied, 1)
}

// IncDuplicateFill records a fill notification ignored as a duplicate.
func (m *Metrics) IncDuplicateFill() {
	if m == nil {
		return
	}
	atomic.AddUint64(&m.duplicateFills, 1)
}

// ObserveOrderFlow measures signal-to-submission latency.
func (m *Metrics) ObserveOrderFlow(d time.Duration) {
	if m == nil {
		return
	}
	m.orderFlowLatency.Observe(d)
}

// ObserveRiskEval measures risk evaluation latency.
func (m *Metrics) ObserveRiskEval(d time.Duration) {
	if m == nil {
		return
	}
	m.riskEvalLatency.Observe(d)
}

// ObserveBroker measures a single broker call.
func (m *Metrics) ObserveBroker(d time.Duration) {
	if m == nil {
		return
	}
	m.brokerLatency.Observe(d)
}

// Snapshot returns a copy of the current metrics values.
func (m *Metrics) Snapshot() Snapshot {
	if m == nil {
		return Snapshot{}
	}
	eventCounts := make(map[string]uint64)
	for i := range m.eventCounts {
		if v := atomic.LoadUint64(&m.eventCounts[i]); v > 0 {
			eventCounts[schema.EventType(i).String()] = v
		}
	}
	riskCounts := make(map[string]uint64)
	for i := range m.riskReasonCounts {
		if v := atomic.LoadUint64(&m.riskReasonCounts[i]); v > 0 {
			riskCounts[schema.RiskReason(i).String()] = v
		}
	}
	return Snapshot{
		EventCounts:      eventCounts,
		RiskReasonCounts: riskCounts,
		QueueDrops:       atomic.LoadUint64(&m.queueDrops),
		QueueClosed:      atomic.LoadUint64(&m.queueClosed),
		HandlerFailures:  atomic.LoadUint64(&m.handlerFailures),
		DroppedTicks:     atomic.LoadUint64(&m.droppedTicks),
		LateTicks:        atomic.LoadUint64(&m.lateTicks),
		OrdersSubmitted:  atomic.LoadUint64(&m.ordersSubmitted),
		OrdersRejected:   atomic.LoadUint64(&m.ordersRejected),
		OrdersAmbiguous:  atomic.LoadUint64(&m.ordersAmbiguous),
		FillsApplied:     atomic.LoadUint64(&m.fillsApplied),
		DuplicateFills:   atomic.LoadUint64(&m.duplicateFills),
		EventLatency:     m.eventLatency.Snapshot(),
		OrderFlowLatency: m.orderFlowLatency.Snapshot(),
		RiskEvalLatency:  m.riskEvalLatency.Snapshot(),
		BrokerLatency:    m.brokerLatency.Snapshot(),
	}
}

// Observe records a duration sample.
func (l *LatencyStats) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	nanos := uint64(d)
	atomic.AddUint64(&l.count, 1)
	atomic.AddUint64(&l.sum, nanos)

	for {
		min := atomic.LoadUint64(&l.min)
		if min != 0 && nanos >= min {
			break
		}
		if atomic.CompareAndSwapUint64(&l.min, min, nanos) {
			break
		}
	}

	for {
		max := atomic.LoadUint64(&l.max)
		if nanos <= max {
			break
		}
		if atomic.CompareAndSwapUint64(&l.max, max, nanos) {
			break
		}
	}
}

// Snapshot returns the aggregated latency stats.
func (l *LatencyStats) Snapshot() LatencySnapshot {
	count := atomic.LoadUint64(&l.count)
	if count == 0 {
		return LatencySnapshot{}
	}
	sum := atomic.LoadUint64(&l.sum)
	min := atomic.LoadUint64(&l.min)
	max := atomic.LoadUint64(&l.max)
	return LatencySnapshot{
		Count: count,
		Min:   time.Duration(min),
		Max:   time.Duration(max),
		Avg:   time.Duration(sum / count),
	}
}
