package local

import (
	"go.uber.org/fx"

	storageAdapter "github.com/tigerroll/onboarding/pkg/onboarding/adapter/storage"
)

// Module registers the local StorageProvider.
var Module = fx.Options(
	fx.Provide(fx.Annotate(
		NewLocalProvider,
		fx.ResultTags(storageAdapter.StorageProviderGroup),
	)),
)
