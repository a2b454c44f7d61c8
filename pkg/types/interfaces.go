package types

import "context"

// DestinationHandler is implemented by every delivery destination
// (file, console, Kafka, HTTP push, ...). The dispatcher depends only
// on this interface, never on a concrete destination type.
type DestinationHandler interface {
	// Name identifies the handler in outcomes, metrics and logs.
	Name() string

	// Write delivers a batch. Handlers must treat the batch as
	// read-only and report per-item failures in the outcome instead of
	// aborting the whole batch where possible. The context carries the
	// per-dispatch timeout.
	Write(ctx context.Context, batch *Batch) HandlerOutcome

	// WriteDirect is the sync fallback entry point: a blocking,
	// inline write of a single item, bounded by the context deadline.
	// It must not hand the item back to any queue.
	WriteDirect(ctx context.Context, item QueueItem) error

	// Healthy reports whether the handler should receive batches.
	Healthy() bool

	// FailFast reports whether a failure of this handler escalates the
	// rest of the batch to the sync fallback path.
	FailFast() bool

	// Close releases the handler's resources (file descriptors,
	// network connections). Called once, after draining.
	Close() error
}

// Renderer turns a Record into destination bytes. File and console
// handlers render before touching the durable write primitives.
type Renderer interface {
	// Render serializes a single record, including any trailing record
	// separator the format requires.
	Render(record Record) ([]byte, error)

	// Format names the wire format ("json", "text", "csv").
	Format() string
}
