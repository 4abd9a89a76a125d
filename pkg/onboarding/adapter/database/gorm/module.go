package gorm

import (
	"context"

	"go.uber.org/fx"

	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/database"
)

// Module provides the DBConnectionResolver over every registered DBProvider.
var Module = fx.Options(
	fx.Provide(
		NewGormDBConnectionResolver,
		func(r *GormDBConnectionResolver) database.DBConnectionResolver { return r },
	),
	fx.Invoke(func(lc fx.Lifecycle, r *GormDBConnectionResolver) {
		lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return r.CloseAll() }})
	}),
)
