package pipeline

import "github.com/kartikbazzad/aerodb/pkg/logger"

// LogObserver is the default Observer: it writes one structured log line
// per AuditRecord via pkg/logger, the same process-wide slog instance every
// other package logs through.
type LogObserver struct{}

func (LogObserver) Observe(record AuditRecord) {
	args := []any{
		"request_id", record.RequestID,
		"kind", string(record.Kind),
		"collection", record.Collection,
		"operator", record.Operator,
		"success", record.Success,
		"duration_ns", record.Duration,
	}
	if record.Success {
		logger.Info("operation dispatched", args...)
		return
	}
	logger.Error("operation failed", append(args, "error", record.Error)...)
}
