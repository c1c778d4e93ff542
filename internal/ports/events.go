package ports

import (
	"context"

	"github.com/alejandrodnm/execgate/internal/domain"
)

// EventSink receives operational events. Implementations must not fail the
// caller: delivery problems are logged and swallowed.
type EventSink interface {
	Emit(ctx context.Context, event domain.OpsEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ctx context.Context, event domain.OpsEvent)

// Emit calls f.
func (f EventSinkFunc) Emit(ctx context.Context, event domain.OpsEvent) { f(ctx, event) }
