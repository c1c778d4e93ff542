package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/alejandrodnm/execgate/internal/ports"
)

// LogSink writes every ops event as a JSON envelope through slog. Critical
// events log at Error, warnings at Warn, the rest at Info.
type LogSink struct {
	logger *slog.Logger
	now    func() time.Time
}

var _ ports.EventSink = (*LogSink)(nil)

// NewLogSink creates a LogSink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger, now: time.Now}
}

// Emit logs the event.
func (s *LogSink) Emit(ctx context.Context, e domain.OpsEvent) {
	env := e.Envelope(s.now())
	line, err := json.Marshal(env)
	if err != nil {
		s.logger.ErrorContext(ctx, "ops-event: encode failed", "event", e.Event, "err", err)
		return
	}
	s.logger.Log(ctx, levelFor(e.Severity), "ops-event",
		"event", string(e.Event),
		"envelope", string(line),
	)
}

func levelFor(sev domain.Severity) slog.Level {
	switch sev {
	case domain.SeverityCritical:
		return slog.LevelError
	case domain.SeverityWarning:
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

// Multi fans an event out to several sinks in order.
type Multi []ports.EventSink

// Emit forwards e to every non-nil sink.
func (m Multi) Emit(ctx context.Context, e domain.OpsEvent) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, e)
		}
	}
}
