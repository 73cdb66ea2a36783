// Package watermarks generates per-input watermarks and idleness signals from
// observed event timestamps.
package watermarks

import (
	"time"

	"github.com/sandboxws/isotope/flow/pkg/operator"
)

const (
	defaultEmitInterval = 200 * time.Millisecond
)

// Strategy configures watermark generation for a source or assigner.
type Strategy struct {
	// MaxOutOfOrderness is how far behind the highest timestamp seen a record may still arrive.
	MaxOutOfOrderness time.Duration `yaml:"max_out_of_orderness"`

	// IdleTimeout marks an input idle after this long without records. Zero disables idleness.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// EmitInterval is how often periodic watermarks are emitted.
	EmitInterval time.Duration `yaml:"emit_interval"`
}

// Interval returns the emit interval, falling back to the default.
func (s Strategy) Interval() time.Duration {
	if s.EmitInterval <= 0 {
		return defaultEmitInterval
	}
	return s.EmitInterval
}

// NewGenerator builds the out-of-orderness generator for this strategy.
func (s Strategy) NewGenerator() *BoundedOutOfOrderness {
	return NewBoundedOutOfOrderness(s.MaxOutOfOrderness)
}

// NewIdlenessTimer builds the idleness timer for this strategy, or nil when idleness is disabled.
func (s Strategy) NewIdlenessTimer(now func() time.Time) *IdlenessTimer {
	if s.IdleTimeout <= 0 {
		return nil
	}
	return NewIdlenessTimer(s.IdleTimeout, now)
}

// BoundedOutOfOrderness emits watermarks that trail the highest observed
// timestamp by a fixed delay.
type BoundedOutOfOrderness struct {
	delay        int64
	maxTimestamp int64
}

// NewBoundedOutOfOrderness creates a generator. A zero delay suits inputs with ascending timestamps.
func NewBoundedOutOfOrderness(maxOutOfOrderness time.Duration) *BoundedOutOfOrderness {
	delay := maxOutOfOrderness.Milliseconds()
	if delay < 0 {
		delay = 0
	}
	return &BoundedOutOfOrderness{
		delay: delay,
		// Keeps CurrentWatermark at MinWatermark until the first event.
		maxTimestamp: operator.MinWatermark + delay + 1,
	}
}

// OnEvent records an event timestamp in milliseconds.
func (g *BoundedOutOfOrderness) OnEvent(ts int64) {
	if ts > g.maxTimestamp {
		g.maxTimestamp = ts
	}
}

// CurrentWatermark returns the watermark implied by the events seen so far.
func (g *BoundedOutOfOrderness) CurrentWatermark() int64 {
	return g.maxTimestamp - g.delay - 1
}

// IdlenessTimer tracks activity on one input and reports when it goes idle.
type IdlenessTimer struct {
	timeout time.Duration
	now     func() time.Time

	lastActivity time.Time
	idle         bool
}

// NewIdlenessTimer creates a timer. now defaults to time.Now.
func NewIdlenessTimer(timeout time.Duration, now func() time.Time) *IdlenessTimer {
	if now == nil {
		now = time.Now
	}
	return &IdlenessTimer{
		timeout:      timeout,
		now:          now,
		lastActivity: now(),
	}
}

// Activity records that the input produced a record. It returns true when
// the input was idle and is now active again.
func (t *IdlenessTimer) Activity() bool {
	t.lastActivity = t.now()
	if t.idle {
		t.idle = false
		return true
	}
	return false
}

// CheckIfIdle returns true exactly once per idle period: the first time it is
// called after timeout has passed without activity.
func (t *IdlenessTimer) CheckIfIdle() bool {
	if t.idle {
		return false
	}
	if t.now().Sub(t.lastActivity) >= t.timeout {
		t.idle = true
		return true
	}
	return false
}

// Idle reports whether the input is currently considered idle.
func (t *IdlenessTimer) Idle() bool { return t.idle }
