package bus

import (
	"context"
	"log/slog"
)

// Observe logs every lifecycle event until ctx ends or the bus closes.
func Observe(ctx context.Context, b *Bus, log *slog.Logger) {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "bus.events")

	events, unsubscribe := b.Subscribe(ctx, 32)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			logEvent(log, event)
		}
	}
}

func logEvent(log *slog.Logger, event Event) {
	attrs := []any{
		"event_type", event.Type,
		"sandbox_id", event.SandboxID,
		"extension", event.Extension,
		"timestamp", event.At.UTC().Format("2006-01-02T15:04:05.999999999Z07:00"),
	}
	if event.PID > 0 {
		attrs = append(attrs, "pid", event.PID)
	}

	switch event.Type {
	case EventExtensionCrashed, EventExtensionFailed:
		log.Error("Extension event", append(attrs, "exit_code", event.ExitCode, "error", event.Error)...)
	case EventExtensionOnline, EventExtensionClosed:
		log.Info("Extension event", attrs...)
	case EventExtensionExited:
		log.Info("Extension event", append(attrs, "exit_code", event.ExitCode)...)
	default:
		log.Debug("Extension event", attrs...)
	}
}
