package storage

import (
	"context"

	"go.uber.org/fx"
)

// Module provides the StorageConnectionResolver over every registered provider.
var Module = fx.Options(
	fx.Provide(
		NewStorageConnectionResolver,
		func(r *DefaultResolver) StorageConnectionResolver { return r },
	),
	fx.Invoke(func(lc fx.Lifecycle, r *DefaultResolver) {
		lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return r.CloseAll() }})
	}),
)
