/*
Package log provides structured logging for ReportHub using zerolog.

All output is JSON with timestamps. Components obtain a named logger via
WithComponent and attach typed fields rather than formatting strings:

	logger := log.WithComponent("task-manager")
	log.WithToken(logger, token).Info().Msg("task enqueued")

WithToken, WithProduct and WithActor stamp the domain identifiers on an
existing logger so the field names stay uniform across components.

Init configures the global level and output once at process start; the
package-level helpers (Debug, Info, Warn, Error) log without a component
for the rare call sites that have none.
*/
package log
