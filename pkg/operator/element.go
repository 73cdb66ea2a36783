package operator

import (
	"fmt"
	"math"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
)

const (
	// MinWatermark means "no watermark yet".
	MinWatermark int64 = math.MinInt64

	// MaxWatermark signals end of input: no more data will arrive.
	MaxWatermark int64 = math.MaxInt64
)

// Watermark represents a watermark advancing event time.
type Watermark struct {
	Timestamp int64 // milliseconds since epoch
}

func (w Watermark) String() string {
	switch w.Timestamp {
	case MinWatermark:
		return "MIN"
	case MaxWatermark:
		return "MAX"
	default:
		return strconv.FormatInt(w.Timestamp, 10)
	}
}

// StreamStatus tells whether an input is expected to produce further data.
type StreamStatus int8

const (
	StatusActive StreamStatus = iota
	StatusIdle
)

func (s StreamStatus) String() string {
	switch s {
	case StatusActive:
		return "ACTIVE"
	case StatusIdle:
		return "IDLE"
	default:
		return fmt.Sprintf("StreamStatus(%d)", int8(s))
	}
}

// Valid reports whether s is one of the known statuses.
func (s StreamStatus) Valid() bool {
	return s == StatusActive || s == StatusIdle
}

// ElementKind discriminates the payload of an Element.
type ElementKind uint8

const (
	KindBatch ElementKind = iota + 1
	KindWatermark
	KindStreamStatus
)

func (k ElementKind) String() string {
	switch k {
	case KindBatch:
		return "batch"
	case KindWatermark:
		return "watermark"
	case KindStreamStatus:
		return "stream_status"
	default:
		return fmt.Sprintf("ElementKind(%d)", uint8(k))
	}
}

// Element is one item on a channel between operators.
type Element struct {
	Kind      ElementKind
	Batch     arrow.Record
	Watermark Watermark
	Status    StreamStatus
}

// BatchElement wraps a RecordBatch. Ownership of the batch moves to the element.
func BatchElement(batch arrow.Record) Element {
	return Element{Kind: KindBatch, Batch: batch}
}

// WatermarkElement wraps a watermark timestamp.
func WatermarkElement(ts int64) Element {
	return Element{Kind: KindWatermark, Watermark: Watermark{Timestamp: ts}}
}

// StatusElement wraps a stream status.
func StatusElement(status StreamStatus) Element {
	return Element{Kind: KindStreamStatus, Status: status}
}

// Retain retains the batch payload, if any.
func (e Element) Retain() {
	if e.Batch != nil {
		e.Batch.Retain()
	}
}

// Release releases the batch payload, if any.
func (e Element) Release() {
	if e.Batch != nil {
		e.Batch.Release()
	}
}
