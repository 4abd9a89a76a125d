package anthropic

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/tigerroll/onboarding/pkg/onboarding/core/application/port"
	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
	logger "github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

const stepAttributes = "attributes"

var attributesTool = answerTool{
	Name:        "product_attributes",
	Description: "Record the attributes of the product found in its title and description.",
	Properties: map[string]interface{}{
		"attributes": map[string]interface{}{
			"type": "array",
			"items": map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"name":  stringField("Attribute name from the schema."),
					"value": stringField("Attribute value."),
				},
				"required": []string{"name", "value"},
			},
		},
	},
	Required: []string{"attributes"},
}

// AttributeExtractor extracts the schema attributes of a classified product.
type AttributeExtractor struct {
	client  *Client
	catalog *Catalog
}

var _ port.AttributeExtractor = (*AttributeExtractor)(nil)

// NewAttributeExtractor creates an AttributeExtractor.
func NewAttributeExtractor(client *Client, catalog *Catalog) *AttributeExtractor {
	return &AttributeExtractor{client: client, catalog: catalog}
}

// Extract returns no attributes, without calling the model, for categories without a schema.
func (a *AttributeExtractor) Extract(ctx context.Context, product model.ProductData, category model.Classification) ([]model.Attribute, error) {
	schema, ok, err := a.catalog.Schema(ctx, category.CategoryID)
	if err != nil {
		return nil, err
	}
	if !ok || len(schema.AttributesSchema) == 0 {
		logger.Debugf("Category '%s' has no attribute schema.", category.CategoryID)
		return []model.Attribute{}, nil
	}
	rendered, err := json.MarshalIndent(schema.AttributesSchema, "", "  ")
	if err != nil {
		return nil, exception.NewOnboardingError(stepAttributes, "invalid attribute schema", err, exception.Fatal)
	}

	name := schema.CategoryName
	if schema.SubcategoryName != "" {
		name += PathSeparator + schema.SubcategoryName
	}
	prompt := fmt.Sprintf("Extract the attributes of this %s product. Leave out attributes the text does not state.\n<attributes_schema>\n%s\n</attributes_schema>\n<product>\n<title>%s</title>\n<description>%s</description>\n</product>",
		name, rendered, product.Title, product.Description)

	var out struct {
		Attributes []model.Attribute `json:"attributes"`
	}
	if _, err := a.client.ask(ctx, stepAttributes, "", []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))}, attributesTool, &out); err != nil {
		return nil, err
	}
	attrs := make([]model.Attribute, 0, len(out.Attributes))
	for _, attr := range out.Attributes {
		attr.Name = strings.TrimSpace(attr.Name)
		if attr.Name == "" {
			continue
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}
