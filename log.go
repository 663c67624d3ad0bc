package dsup

import (
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// defaultLogger is the package-wide base logger; every supervisor derives its own child logger
// from it, carrying its id (see supervisorLogger).
var defaultLogger = zerolog.New(os.Stderr).With().Timestamp().Logger()

// supervisorLogger builds the per-supervisor child logger used throughout supervisor.go,
// crash.go and migration.go.
func supervisorLogger(base zerolog.Logger, supervisorID string) zerolog.Logger {
	return base.With().Str("supervisor_id", supervisorID).Logger()
}

// traceID mints a correlation id for one operation (Start, and the handling of one node
// failure), attached to the log lines that operation emits. It is purely a diagnostic
// aid: it never appears in registry keys or generated child ids, which keep their own
// monotonic/base36 format with no random component.
func traceID() string {
	return uuid.NewString()
}
