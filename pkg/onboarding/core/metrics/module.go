package metrics

import (
	"go.uber.org/fx"
)

// Module provides the no-op recorder and tracer. The application decorates them with the
// configured backend.
var Module = fx.Options(
	fx.Provide(NewNoOpMetricRecorder),
	fx.Provide(NewNoOpTracer),
)
