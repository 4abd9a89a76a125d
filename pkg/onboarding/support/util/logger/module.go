package logger

import "go.uber.org/fx"

// Module routes fx lifecycle events into this logger.
var Module = fx.Options(
	fx.WithLogger(NewFxLoggerAdapter),
)
