package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/fx"

	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
	logger "github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

func newTraceProvider(lc fx.Lifecycle, cfg *config.Config) (trace.TracerProvider, error) {
	if !cfg.Onboarding.Tracing.Enabled {
		return tracenoop.NewTracerProvider(), nil
	}
	tp, err := NewTracerProvider(context.Background(), cfg.Onboarding.Tracing)
	if err != nil {
		return nil, err
	}
	logger.Infof("Tracing enabled: exporting to %s over %s.", cfg.Onboarding.Tracing.Endpoint, cfg.Onboarding.Tracing.Exporter)
	lc.Append(fx.Hook{OnStop: tp.Shutdown})
	return tp, nil
}

func newMeterProvider(lc fx.Lifecycle, cfg *config.Config) (metric.MeterProvider, error) {
	if cfg.Onboarding.Metrics.Type != MetricsType {
		return noop.NewMeterProvider(), nil
	}
	mp, err := NewMeterProvider(context.Background(), cfg.Onboarding.Tracing)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{OnStop: mp.Shutdown})
	return mp, nil
}

// Module provides the OTel tracer and recorder. Providers fall back to no-op
// implementations when tracing or OTel metrics are disabled.
var Module = fx.Options(
	fx.Provide(newTraceProvider),
	fx.Provide(newMeterProvider),
	fx.Provide(NewOpenTelemetryTracer),
	fx.Provide(NewOTelRecorder),
)
