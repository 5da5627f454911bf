package notify

import "context"

// LogNotifier writes every event as a structured log line. It is used
// only where a caller adds it to the notifier list; cmd/agent does not.
type LogNotifier struct {
	log Logger
}

// NewLogNotifier creates a notifier that logs events using structured logging.
func NewLogNotifier(log Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Name returns the provider name for logging.
func (l *LogNotifier) Name() string { return "log" }

// Send writes the event fields as structured key-value pairs at Info level.
func (l *LogNotifier) Send(_ context.Context, event Event) error {
	l.log.Info("notification event",
		"type", string(event.Type),
		"machine_id", event.MachineID,
		"message", event.Message,
		"error", event.Error,
		"timestamp", event.Timestamp.String(),
	)
	return nil
}
