// Package valve merges the watermarks and stream statuses of several input
// channels into one consistent watermark/status stream.
//
// A Valve is not safe for concurrent use. The owning stage must feed it from
// a single goroutine; the engine does this by fanning every input channel into
// one merged channel before it reaches the valve.
package valve

import (
	"errors"
	"fmt"

	"github.com/sandboxws/isotope/flow/pkg/operator"
)

var (
	// ErrInvalidConfiguration is returned by New for a non-positive channel count or a nil handler.
	ErrInvalidConfiguration = errors.New("valve: invalid configuration")

	// ErrChannelOutOfRange is returned when a channel index is outside [0, NumChannels).
	ErrChannelOutOfRange = errors.New("valve: channel index out of range")

	// ErrUnknownStatus is returned for a stream status that is neither ACTIVE nor IDLE.
	ErrUnknownStatus = errors.New("valve: unknown stream status")
)

// OutputHandler receives the combined output of a Valve. Calls happen inline,
// on the goroutine that fed the valve.
type OutputHandler interface {
	EmitWatermark(ts int64)
	EmitStreamStatus(status operator.StreamStatus)
}

// OutputHandlerFuncs adapts a pair of functions to OutputHandler. Nil fields are ignored.
type OutputHandlerFuncs struct {
	Watermark    func(ts int64)
	StreamStatus func(status operator.StreamStatus)
}

func (f OutputHandlerFuncs) EmitWatermark(ts int64) {
	if f.Watermark != nil {
		f.Watermark(ts)
	}
}

func (f OutputHandlerFuncs) EmitStreamStatus(status operator.StreamStatus) {
	if f.StreamStatus != nil {
		f.StreamStatus(status)
	}
}

// ChannelStatus is a copy of the state the valve keeps for one input channel.
type ChannelStatus struct {
	Watermark int64
	Status    operator.StreamStatus
	// Aligned channels take part in the minimum watermark computation.
	Aligned bool
}

type channelStatus struct {
	watermark int64
	status    operator.StreamStatus
	aligned   bool
}

// Valve tracks per-channel watermark and status and derives the combined output.
type Valve struct {
	out OutputHandler

	channels []channelStatus

	lastEmittedWatermark int64
	lastEmittedStatus    operator.StreamStatus
}

// New creates a valve for numChannels inputs. Nothing is emitted on construction.
func New(numChannels int, out OutputHandler) (*Valve, error) {
	if numChannels < 1 {
		return nil, fmt.Errorf("%w: number of channels must be positive, got %d", ErrInvalidConfiguration, numChannels)
	}
	if out == nil {
		return nil, fmt.Errorf("%w: output handler is required", ErrInvalidConfiguration)
	}

	channels := make([]channelStatus, numChannels)
	for i := range channels {
		channels[i] = channelStatus{
			watermark: operator.MinWatermark,
			status:    operator.StatusActive,
			aligned:   true,
		}
	}

	return &Valve{
		out:                  out,
		channels:             channels,
		lastEmittedWatermark: operator.MinWatermark,
		lastEmittedStatus:    operator.StatusActive,
	}, nil
}

// InputWatermark feeds a watermark observed on the given channel.
// Stale or duplicate watermarks, and watermarks on idle channels, are dropped silently.
func (v *Valve) InputWatermark(ts int64, channel int) error {
	ch, err := v.channel(channel)
	if err != nil {
		return err
	}

	if v.lastEmittedStatus == operator.StatusIdle || ch.status == operator.StatusIdle {
		return nil
	}
	if ts <= ch.watermark {
		return nil
	}

	ch.watermark = ts
	if !ch.aligned && ts >= v.lastEmittedWatermark {
		ch.aligned = true
	}

	v.emitNewMinWatermark()
	return nil
}

// InputStreamStatus feeds a stream status observed on the given channel.
// Only ACTIVE->IDLE and IDLE->ACTIVE transitions have an effect.
func (v *Valve) InputStreamStatus(status operator.StreamStatus, channel int) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %d on channel %d", ErrUnknownStatus, int8(status), channel)
	}
	ch, err := v.channel(channel)
	if err != nil {
		return err
	}

	switch {
	case status == operator.StatusIdle && ch.status == operator.StatusActive:
		ch.status = operator.StatusIdle
		ch.aligned = false

		if v.allIdle() {
			v.lastEmittedStatus = operator.StatusIdle
			v.out.EmitStreamStatus(operator.StatusIdle)
		} else if ch.watermark == v.lastEmittedWatermark {
			// The channel may have been holding back the minimum.
			v.emitNewMinWatermark()
		}

	case status == operator.StatusActive && ch.status == operator.StatusIdle:
		ch.status = operator.StatusActive
		if ch.watermark >= v.lastEmittedWatermark {
			ch.aligned = true
		}

		if v.lastEmittedStatus == operator.StatusIdle {
			v.lastEmittedStatus = operator.StatusActive
			v.out.EmitStreamStatus(operator.StatusActive)
		}
	}
	return nil
}

// NumChannels returns the fixed number of input channels.
func (v *Valve) NumChannels() int { return len(v.channels) }

// Watermark returns the last emitted watermark.
func (v *Valve) Watermark() int64 { return v.lastEmittedWatermark }

// Status returns the last emitted stream status.
func (v *Valve) Status() operator.StreamStatus { return v.lastEmittedStatus }

// Channel returns a copy of the state of one input channel.
func (v *Valve) Channel(channel int) (ChannelStatus, error) {
	ch, err := v.channel(channel)
	if err != nil {
		return ChannelStatus{}, err
	}
	return ChannelStatus{Watermark: ch.watermark, Status: ch.status, Aligned: ch.aligned}, nil
}

// IdleChannels returns the number of channels currently IDLE.
func (v *Valve) IdleChannels() int {
	n := 0
	for i := range v.channels {
		if v.channels[i].status == operator.StatusIdle {
			n++
		}
	}
	return n
}

func (v *Valve) channel(channel int) (*channelStatus, error) {
	if channel < 0 || channel >= len(v.channels) {
		return nil, fmt.Errorf("%w: %d not in [0, %d)", ErrChannelOutOfRange, channel, len(v.channels))
	}
	return &v.channels[channel], nil
}

func (v *Valve) allIdle() bool {
	for i := range v.channels {
		if v.channels[i].status == operator.StatusActive {
			return false
		}
	}
	return true
}

// emitNewMinWatermark emits the minimum over aligned channels if it advances the output.
func (v *Valve) emitNewMinWatermark() {
	var (
		newMin     = operator.MaxWatermark
		hasAligned bool
	)
	for i := range v.channels {
		ch := &v.channels[i]
		if !ch.aligned {
			continue
		}
		hasAligned = true
		if ch.watermark < newMin {
			newMin = ch.watermark
		}
	}

	if hasAligned && newMin > v.lastEmittedWatermark {
		v.lastEmittedWatermark = newMin
		v.out.EmitWatermark(newMin)
	}
}
