package gcs

import (
	"go.uber.org/fx"

	storageAdapter "github.com/tigerroll/onboarding/pkg/onboarding/adapter/storage"
)

// Module registers the gcs StorageProvider.
var Module = fx.Options(
	fx.Provide(fx.Annotate(
		NewGCSProvider,
		fx.ResultTags(storageAdapter.StorageProviderGroup),
	)),
)
