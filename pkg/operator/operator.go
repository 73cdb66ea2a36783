// Package operator defines the core Operator interface that all stream operators implement,
// together with the control elements (watermarks and stream status) that travel alongside data.
package operator

import (
	"github.com/apache/arrow-go/v18/arrow"
)

// Operator is the core interface for all stream operators.
// The lifecycle is: Open -> (ProcessBatch | ProcessWatermark | ProcessStreamStatus)* -> Close.
//
// Every Process method returns the elements to forward downstream. Returning the
// incoming watermark or status forwards it; returning nothing swallows it.
type Operator interface {
	// Open initializes the operator. Called once before any Process call.
	Open(ctx *Context) error

	// ProcessBatch processes one Arrow RecordBatch and returns zero or more output elements.
	// Implementations MUST Retain any input batch data they hold beyond this call.
	// The caller is responsible for releasing the input batch after this returns.
	ProcessBatch(batch arrow.Record) ([]Element, error)

	// ProcessWatermark handles the combined watermark of all inputs.
	ProcessWatermark(wm Watermark) ([]Element, error)

	// ProcessStreamStatus handles a change of the combined input status.
	ProcessStreamStatus(status StreamStatus) ([]Element, error)

	// Close releases resources. Called once during shutdown.
	Close() error
}

// Source is a specialization of Operator for source connectors that produce data.
// Sources run in their own goroutine and push elements to the output channel.
type Source interface {
	// Open initializes the source.
	Open(ctx *Context) error

	// Run starts producing elements to the output channel.
	// It should return when ctx.Done() is signaled or an error occurs.
	// The source MUST close the output channel when it stops.
	Run(ctx *Context, out chan<- Element) error

	// Close releases resources.
	Close() error
}

// Sink is a specialization of Operator for sink connectors that consume data.
type Sink interface {
	// Open initializes the sink.
	Open(ctx *Context) error

	// WriteBatch writes a RecordBatch to the external system.
	WriteBatch(batch arrow.Record) error

	// WriteWatermark is called whenever the combined input watermark advances.
	WriteWatermark(wm Watermark) error

	// WriteStreamStatus is called whenever the combined input status flips.
	WriteStreamStatus(status StreamStatus) error

	// Close flushes and releases resources.
	Close() error
}

// Forward returns its argument as a single-element slice. Operators that do not
// care about control elements use it to pass them through unchanged.
func Forward(e Element) ([]Element, error) {
	return []Element{e}, nil
}
