package schema

// EventType defines the category of an event carried by the bus.
type EventType uint16

const (
	EventUnknown EventType = iota
	EventTick
	EventCandleClosed
	EventSignal
	EventOrderUpdate
	EventFill
	EventControl
	EventError
)

// EventTypes lists every deliverable event type.
var EventTypes = []EventType{
	EventTick,
	EventCandleClosed,
	EventSignal,
	EventOrderUpdate,
	EventFill,
	EventControl,
	EventError,
}

func (t EventType) String() string {
	switch t {
	case EventTick:
		return "tick"
	case EventCandleClosed:
		return "candle_closed"
	case EventSignal:
		return "signal"
	case EventOrderUpdate:
		return "order_update"
	case EventFill:
		return "fill"
	case EventControl:
		return "control"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// EventHeader is the common metadata attached to every event.
type EventHeader struct {
	Type    EventType
	Seq     uint64
	TsEvent int64
	TsRecv  int64
	TraceID uint64
}

// NewHeader builds a header for the given event type.
func NewHeader(eventType EventType, seq uint64, tsEvent, tsRecv int64) EventHeader {
	return EventHeader{
		Type:    eventType,
		Seq:     seq,
		TsEvent: tsEvent,
		TsRecv:  tsRecv,
	}
}

// ControlCommand is an operator or system control action.
type ControlCommand string

const (
	ControlPause      ControlCommand = "pause"
	ControlResume     ControlCommand = "resume"
	ControlKill       ControlCommand = "kill"
	ControlKillReset  ControlCommand = "kill_reset"
	ControlShutdown   ControlCommand = "shutdown"
	ControlMarketOpen ControlCommand = "market_open"
	ControlMarketShut ControlCommand = "market_close"
)

// ControlEvent is the payload for EventControl.
type ControlEvent struct {
	Command ControlCommand `json:"command"`
	Reason  string         `json:"reason,omitempty"`
	Count   int            `json:"count,omitempty"`
}

// ErrorEvent is the payload for EventError.
type ErrorEvent struct {
	Source  string `json:"source"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}
