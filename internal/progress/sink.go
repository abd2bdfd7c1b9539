package progress

import "context"

// Sink consumes batches of events. Consume is called from the hub's single
// flush goroutine and must honor ctx deadlines.
type Sink interface {
	Consume(ctx context.Context, batch []Event) error
	Close(ctx context.Context) error
}

// Emitter publishes individual events.
type Emitter interface {
	Emit(evt Event)
}
