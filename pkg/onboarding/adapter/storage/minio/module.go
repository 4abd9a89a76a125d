package minio

import (
	"go.uber.org/fx"

	storageAdapter "github.com/tigerroll/onboarding/pkg/onboarding/adapter/storage"
)

// Module registers the minio StorageProvider.
var Module = fx.Options(
	fx.Provide(fx.Annotate(
		NewMinioProvider,
		fx.ResultTags(storageAdapter.StorageProviderGroup),
	)),
)
