/*
Package log provides structured logging for Volute using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. The daemon writes JSON lines through the rotating
daemon.log sink; interactive runs get the human console format.

# Usage

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     sink, // usually a *logrotate.Writer
	})

Component loggers:

	dl := log.WithComponent("delivery")
	dl.Info().Str("channel", "discord:123").Msg("message routed")

Domain context loggers:

	ml := log.WithMind("alpha")
	sl := log.WithSession("alpha", "discord")
	cl := log.WithConnector("alpha", "discord")

All context fields (mind, session, connector, channel) should be attached as
typed fields so failures are actionable from the daemon log alone.
*/
package log
