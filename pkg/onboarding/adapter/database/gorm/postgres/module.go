package postgres

import (
	"go.uber.org/fx"

	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/database"
)

// Module exports the PostgreSQL DBProvider for dependency injection.
var Module = fx.Options(
	fx.Provide(
		fx.Annotate(
			NewProvider,
			fx.ResultTags(database.DBProviderGroup),
		),
	),
)
