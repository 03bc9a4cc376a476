package control

import (
	"context"
	"sync"
	"time"

	"github.com/kpLEE-HYU/krader/internal/schema"
	"github.com/yanun0323/logs"
)

// OrderGate is the order manager surface the kill switch drives.
type OrderGate interface {
	Pause()
	Resume()
	CancelAll(ctx context.Context) int
}

// ErrorLog persists escalations and recorded errors.
type ErrorLog interface {
	LogError(ctx context.Context, e schema.ErrorEvent, at time.Time) error
}

type Publisher interface {
	Publish(eventType schema.EventType, payload any) error
}

// Config of the automatic kill switch.
type Config struct {
	ErrorThreshold int           `json:"errorThreshold"`
	ErrorWindow    time.Duration `json:"errorWindow"`
}

// DefaultConfig trips the kill switch on 3 errors within 5 minutes.
func DefaultConfig() Config {
	return Config{ErrorThreshold: 3, ErrorWindow: 5 * time.Minute}
}

// Status is a point-in-time view of the control state.
type Status struct {
	KillSwitch   bool      `json:"killSwitch"`
	KillReason   string    `json:"killReason,omitempty"`
	KilledAt     time.Time `json:"killedAt,omitzero"`
	Paused       bool      `json:"paused"`
	RecentErrors int       `json:"recentErrors"`
}

// Control is the process-scoped kill switch and pause state. It is created at
// startup and mutated only through its methods.
type Control struct {
	cfg       Config
	gate      OrderGate
	errorLog  ErrorLog
	publisher Publisher
	clock     func() time.Time

	mu         sync.Mutex
	killed     bool
	killReason string
	killedAt   time.Time
	paused     bool
	errors     []time.Time

	shutdownOnce sync.Once
	shutdown     chan struct{}
}

// New creates a control surface. gate, errorLog and publisher may be nil.
func New(cfg Config, gate OrderGate, errorLog ErrorLog, publisher Publisher, clock func() time.Time) *Control {
	if cfg.ErrorThreshold <= 0 {
		cfg.ErrorThreshold = DefaultConfig().ErrorThreshold
	}
	if cfg.ErrorWindow <= 0 {
		cfg.ErrorWindow = DefaultConfig().ErrorWindow
	}
	if clock == nil {
		clock = time.Now
	}
	return &Control{
		cfg:       cfg,
		gate:      gate,
		errorLog:  errorLog,
		publisher: publisher,
		clock:     clock,
		shutdown:  make(chan struct{}),
	}
}

// KillSwitchActive is read by the risk validator before every signal.
func (c *Control) KillSwitchActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killed
}

// Paused reports whether new orders are blocked for any reason.
func (c *Control) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.killed || c.paused
}

func (c *Control) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		KillSwitch:   c.killed,
		KillReason:   c.killReason,
		KilledAt:     c.killedAt,
		Paused:       c.killed || c.paused,
		RecentErrors: len(c.pruneLocked(c.clock())),
	}
}

// ActivateKillSwitch blocks new orders and cancels every open order.
// It returns false when the switch was already active.
func (c *Control) ActivateKillSwitch(ctx context.Context, reason string) bool {
	c.mu.Lock()
	if c.killed {
		c.mu.Unlock()
		return false
	}
	c.killed = true
	c.killReason = reason
	c.killedAt = c.clock()
	at := c.killedAt
	c.mu.Unlock()

	logs.Errorf("control: KILL SWITCH ACTIVATED, reason: %s", reason)
	canceled := 0
	if c.gate != nil {
		c.gate.Pause()
		canceled = c.gate.CancelAll(ctx)
	}
	c.log(ctx, schema.ErrorEvent{Source: "control", Code: "KILL_SWITCH", Message: reason}, at)
	c.publish(schema.ControlEvent{Command: schema.ControlKill, Reason: reason, Count: canceled})
	return true
}

// ResetKillSwitch re-allows orders unless the operator also paused trading.
func (c *Control) ResetKillSwitch(ctx context.Context) bool {
	c.mu.Lock()
	if !c.killed {
		c.mu.Unlock()
		return false
	}
	c.killed = false
	c.killReason = ""
	c.killedAt = time.Time{}
	c.errors = nil
	paused := c.paused
	c.mu.Unlock()

	logs.Warnf("control: kill switch reset")
	if c.gate != nil && !paused {
		c.gate.Resume()
	}
	c.publish(schema.ControlEvent{Command: schema.ControlKillReset})
	return true
}

// Pause blocks new orders without canceling open ones.
func (c *Control) Pause(reason string) {
	c.mu.Lock()
	c.paused = true
	c.mu.Unlock()

	logs.Warnf("control: trading paused, reason: %s", reason)
	if c.gate != nil {
		c.gate.Pause()
	}
	c.publish(schema.ControlEvent{Command: schema.ControlPause, Reason: reason})
}

// Resume lifts an operator pause. The kill switch, if active, still blocks.
func (c *Control) Resume() {
	c.mu.Lock()
	c.paused = false
	killed := c.killed
	c.mu.Unlock()

	if killed {
		logs.Warnf("control: resume requested while kill switch is active, still blocked")
		return
	}
	logs.Infof("control: trading resumed")
	if c.gate != nil {
		c.gate.Resume()
	}
	c.publish(schema.ControlEvent{Command: schema.ControlResume})
}

// RecordError counts one contained error. Reaching the threshold within the
// window trips the kill switch.
func (c *Control) RecordError(ctx context.Context, e schema.ErrorEvent) {
	now := c.clock()

	c.mu.Lock()
	c.errors = append(c.pruneLocked(now), now)
	count := len(c.errors)
	trip := !c.killed && count >= c.cfg.ErrorThreshold
	c.mu.Unlock()

	logs.Errorf("control: error from %s [%s] %s (ref %q), %d in last %s", e.Source, e.Code, e.Message, e.Ref, count, c.cfg.ErrorWindow)
	c.log(ctx, e, now)
	if trip {
		c.ActivateKillSwitch(ctx, "error threshold reached: "+e.Source+": "+e.Message)
	}
}

// RequestShutdown asks the process to stop.
func (c *Control) RequestShutdown(reason string) {
	c.shutdownOnce.Do(func() {
		logs.Warnf("control: shutdown requested, reason: %s", reason)
		c.publish(schema.ControlEvent{Command: schema.ControlShutdown, Reason: reason})
		close(c.shutdown)
	})
}

// ShutdownRequested is closed once RequestShutdown is called.
func (c *Control) ShutdownRequested() <-chan struct{} {
	return c.shutdown
}

func (c *Control) pruneLocked(now time.Time) []time.Time {
	cutoff := now.Add(-c.cfg.ErrorWindow)
	i := 0
	for i < len(c.errors) && !c.errors[i].After(cutoff) {
		i++
	}
	c.errors = c.errors[i:]
	return c.errors
}

func (c *Control) log(ctx context.Context, e schema.ErrorEvent, at time.Time) {
	if c.errorLog == nil {
		return
	}
	if err := c.errorLog.LogError(context.WithoutCancel(ctx), e, at); err != nil {
		logs.Warnf("control: persist error log, err: %+v", err)
	}
}

func (c *Control) publish(ev schema.ControlEvent) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(schema.EventControl, ev); err != nil {
		logs.Warnf("control: publish %s, err: %+v", ev.Command, err)
	}
}
