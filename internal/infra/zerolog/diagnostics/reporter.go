// diagnostics logs integrity events through the global zerolog logger
package diagnostics

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lloydmeta/echo/internal/domain/diagnostics"
)

type logReporter struct {
	logger *zerolog.Logger
}

// NewReporter returns a Reporter that writes every event to the global logger at warn level
func NewReporter() diagnostics.Reporter {
	return logReporter{}
}

// NewReporterWith writes to the given logger instead of the global one
func NewReporterWith(logger zerolog.Logger) diagnostics.Reporter {
	return logReporter{logger: &logger}
}

func (r logReporter) Report(_ context.Context, event diagnostics.Event) {
	var e *zerolog.Event
	if r.logger != nil {
		e = r.logger.Warn()
	} else {
		e = log.Warn()
	}
	e.Str("id", event.ID.String()).
		Str("space", event.Space.Hex()).
		Str("feed", event.FeedKey.Hex()).
		Uint64("seq", uint64(event.Seq)).
		Str("kind", string(event.Kind)).
		Str("reason", event.Reason).
		Msg("Skipped entry")
}
