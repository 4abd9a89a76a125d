// Package port defines the collaborator interfaces (ports) the orchestrator calls out to.
// The remote categorization steps and the image archive extractor are opaque to the core;
// implementations live under adapter/remote and component/images.
package port

import (
	"context"

	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
)

// GenerateRequest is the input of a product generation call.
type GenerateRequest struct {
	// ImagesPrefix is the storage prefix the images were extracted under (the execution name).
	ImagesPrefix string
	// ImageKeys are the object keys of the product images, each "<prefix>/<image>".
	ImageKeys []string
	// Metadata is free-form product metadata supplied with the row.
	Metadata string
}

// Generator produces a title and description from product images.
type Generator interface {
	// Generate returns the generated product data.
	//
	// Parameters:
	//   ctx: The context for the call. Its deadline is the step timeout.
	//   req: The images and metadata of the product.
	//
	// Returns:
	//   model.ProductData: The generated title and description.
	//   error: A RateLimitError on upstream throttling, a ModelResponseError on malformed or empty
	//     model output, or a Fatal error on permanent input errors.
	Generate(ctx context.Context, req GenerateRequest) (model.ProductData, error)
}

// MetaclassPredictor produces the candidate category shortlist of a product.
type MetaclassPredictor interface {
	// Predict returns the candidates for product.
	Predict(ctx context.Context, product model.ProductData) (model.MetaclassResult, error)
}

// Classifier resolves a product to one category of the taxonomy.
type Classifier interface {
	// Classify returns the category of product chosen among metaclass candidates.
	//
	// Parameters:
	//   ctx: The context for the call.
	//   product: The title and description to classify.
	//   metaclass: The candidate shortlist from the MetaclassPredictor.
	//   demo: Demo mode, passed through unchanged.
	//
	// Returns:
	//   model.Classification: The category id, path and explanation.
	//   error: Same taxonomy as Generator, plus TooManyRequestsException on worker pool exhaustion.
	Classify(ctx context.Context, product model.ProductData, metaclass model.MetaclassResult, demo bool) (model.Classification, error)
}

// AttributeExtractor extracts category-specific attributes of a product.
type AttributeExtractor interface {
	// Extract returns the attributes of product within category.
	Extract(ctx context.Context, product model.ProductData, category model.Classification) ([]model.Attribute, error)
}

// ImageExtractor unpacks an image archive into object storage.
type ImageExtractor interface {
	// Extract uploads every supported image of the archive at archiveKey to "<prefix>/<filename>"
	// and returns the uploaded keys.
	Extract(ctx context.Context, prefix, archiveKey string) ([]string, error)
}

// ExecutionStarter starts a workflow execution for a batch event.
type ExecutionStarter interface {
	// StartExecution persists a new execution of the categorization workflow and returns its ARN.
	StartExecution(ctx context.Context, event model.BatchEvent) (string, error)
}
