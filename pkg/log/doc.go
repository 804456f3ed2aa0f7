/*
Package log provides structured logging for Paddock using zerolog.

It wraps zerolog with a package-level logger and a configurable level and
output format (JSON for production, console for development). Subsystems take
component-tagged child loggers and attach their own domain fields per line.

Initialize once in main before anything logs:

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})

then take component loggers where needed:

	logger := log.WithComponent("engine")
	logger.Info().Str("challenge", slug).Msg("deploy started")
*/
package log
