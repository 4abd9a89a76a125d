package anthropic

import (
	"go.uber.org/fx"

	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/storage"
	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
	"github.com/tigerroll/onboarding/pkg/onboarding/engine/pipeline"
)

// NewCollaborators builds every remote step from the configuration. Images are read from
// the workflow input bucket; the catalog from the model catalog bucket.
func NewCollaborators(cfg *config.Config, conn storage.StorageExecutor) pipeline.Collaborators {
	m := cfg.Onboarding.Model
	client := NewClient(m)
	catalog := NewCatalog(conn, m.CatalogBucket, m.Taxonomy, m.AttributeSchema)
	return pipeline.Collaborators{
		Generator:  NewGenerator(client, conn, cfg.Onboarding.Workflow.InputBucket, m.Language),
		Metaclass:  NewMetaclassPredictor(client, catalog, m.MaxCandidates),
		Classifier: NewClassifier(client, catalog, m.AlwaysCategories),
		Attributes: NewAttributeExtractor(client, catalog),
	}
}

// Module provides the pipeline collaborators.
var Module = fx.Options(
	fx.Provide(NewCollaborators),
)
