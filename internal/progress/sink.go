package progress

import (
	"context"

	"github.com/JakeFAU/realtime-url-analyzer/internal/pipeline"
)

// Sink consumes batches of status events. Implementations must honor ctx
// deadlines and tolerate repeated Consume calls.
type Sink interface {
	Consume(ctx context.Context, batch []pipeline.StatusEvent) error
	Close(ctx context.Context) error
}

// Emitter records individual events. Recorder satisfies it.
type Emitter interface {
	Emit(evt pipeline.StatusEvent)
}
