package metrics

import (
	"context"

	"go.uber.org/fx"

	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
)

// MetricsType selects this backend in onboarding.metrics.type.
const MetricsType = "prometheus"

// Module provides the PrometheusRecorder and serves its registry while the app runs with
// onboarding.metrics.type "prometheus".
var Module = fx.Options(
	fx.Provide(NewPrometheusRecorder),
	fx.Invoke(func(lc fx.Lifecycle, cfg *config.Config, prom *PrometheusRecorder) {
		if cfg.Onboarding.Metrics.Type != MetricsType || cfg.Onboarding.Metrics.ListenAddress == "" {
			return
		}
		srv := NewServer(prom, cfg.Onboarding.Metrics)
		lc.Append(fx.Hook{
			OnStart: srv.Start,
			OnStop:  func(ctx context.Context) error { return srv.Stop(ctx) },
		})
	}),
)
