package anthropic

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/tigerroll/onboarding/pkg/onboarding/core/application/port"
	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
)

const (
	stepMetaclass        = "metaclass"
	defaultMaxCandidates = 10
)

var metaclassTool = answerTool{
	Name:        "candidate_categories",
	Description: "Record the categories the product could belong to, most likely first.",
	Properties: map[string]interface{}{
		"candidates": stringArray("Category ids taken from the category list."),
		"words":      stringArray("Words of the product that decided the shortlist."),
	},
	Required: []string{"candidates"},
}

// MetaclassPredictor shortlists leaf categories of the catalog for a product.
type MetaclassPredictor struct {
	client  *Client
	catalog *Catalog
	max     int
}

var _ port.MetaclassPredictor = (*MetaclassPredictor)(nil)

// NewMetaclassPredictor creates a predictor returning at most max candidates.
func NewMetaclassPredictor(client *Client, catalog *Catalog, max int) *MetaclassPredictor {
	if max <= 0 {
		max = defaultMaxCandidates
	}
	return &MetaclassPredictor{client: client, catalog: catalog, max: max}
}

func (m *MetaclassPredictor) Predict(ctx context.Context, product model.ProductData) (model.MetaclassResult, error) {
	leaves, err := m.catalog.Leaves(ctx)
	if err != nil {
		return model.MetaclassResult{}, err
	}
	if len(leaves) == 0 {
		return model.MetaclassResult{}, exception.NewOnboardingError(stepMetaclass, "category tree has no categories", nil, exception.Fatal)
	}

	var list strings.Builder
	for _, leaf := range leaves {
		path, err := m.catalog.Path(ctx, leaf.ID)
		if err != nil {
			return model.MetaclassResult{}, err
		}
		fmt.Fprintf(&list, "%s: %s\n", leaf.ID, path)
	}
	system := "You shortlist catalog categories for products. Only use ids from the category list."
	prompt := fmt.Sprintf("<categories>\n%s</categories>\n<product>\n<title>%s</title>\n<description>%s</description>\n</product>\nList up to %d candidate category ids.",
		list.String(), product.Title, product.Description, m.max)

	var out model.MetaclassResult
	if _, err := m.client.ask(ctx, stepMetaclass, system, []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))}, metaclassTool, &out); err != nil {
		return model.MetaclassResult{}, err
	}

	seen := make(map[string]bool, len(out.Candidates))
	var candidates []string
	for _, id := range out.Candidates {
		id = strings.TrimSpace(id)
		if _, ok, _ := m.catalog.Category(ctx, id); !ok || seen[id] {
			continue
		}
		seen[id] = true
		candidates = append(candidates, id)
		if len(candidates) == m.max {
			break
		}
	}
	if len(candidates) == 0 {
		return model.MetaclassResult{}, exception.NewModelResponseError(stepMetaclass, "model returned no known category", nil)
	}
	return model.MetaclassResult{Candidates: candidates, Words: out.Words}, nil
}
