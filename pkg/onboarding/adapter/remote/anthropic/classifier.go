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

const stepClassify = "classify"

var classifyTool = answerTool{
	Name:        "category_prediction",
	Description: "Record the single best category for the product.",
	Properties: map[string]interface{}{
		"predicted_category_id":   stringField("Id of the chosen candidate category."),
		"predicted_category_name": stringField("Name of the chosen candidate category."),
		"explanation":             stringField("Why the category fits the product."),
	},
	Required: []string{"predicted_category_id", "predicted_category_name", "explanation"},
}

const correctionPrompt = "The predicted_category_id does not exist in the list of candidate categories, or its name " +
	"does not match predicted_category_name. Answer again with a category id and name taken from the candidate list."

// Classifier picks one category among the metaclass candidates.
type Classifier struct {
	client  *Client
	catalog *Catalog
	always  []string
}

var _ port.Classifier = (*Classifier)(nil)

// NewClassifier creates a Classifier. always lists category ids added to every candidate set.
func NewClassifier(client *Client, catalog *Catalog, always []string) *Classifier {
	return &Classifier{client: client, catalog: catalog, always: always}
}

func (c *Classifier) Classify(ctx context.Context, product model.ProductData, metaclass model.MetaclassResult, demo bool) (model.Classification, error) {
	candidates, err := c.candidates(ctx, metaclass.Candidates)
	if err != nil {
		return model.Classification{}, err
	}
	if len(candidates) == 0 {
		return model.Classification{}, exception.NewValidationError(stepClassify, "no known candidate categories")
	}

	prompt := c.prompt(product, candidates)
	messages := []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(prompt))}

	var out model.Classification
	raw, err := c.client.ask(ctx, stepClassify, "", messages, classifyTool, &out)
	if err != nil {
		return model.Classification{}, err
	}
	if !c.valid(candidates, out) {
		logger.Warnf("Prediction '%s' (%s) is not a candidate, asking for a correction.", out.CategoryID, out.CategoryPath)
		messages = append(messages,
			anthropic.NewAssistantMessage(anthropic.NewTextBlock(string(raw))),
			anthropic.NewUserMessage(anthropic.NewTextBlock(correctionPrompt)),
		)
		out = model.Classification{}
		raw, err = c.client.ask(ctx, stepClassify, "", messages, classifyTool, &out)
		if err != nil {
			return model.Classification{}, err
		}
		if !c.valid(candidates, out) {
			return model.Classification{}, exception.NewModelResponseError(stepClassify, fmt.Sprintf("prediction is not a candidate twice: %s", raw), nil)
		}
	}

	path, err := c.catalog.Path(ctx, out.CategoryID)
	if err != nil {
		return model.Classification{}, err
	}
	out.CategoryPath = path
	out.Explanation = strings.TrimSpace(out.Explanation)
	if demo {
		out.Prompt = prompt
	}
	return out, nil
}

func (c *Classifier) candidates(ctx context.Context, ids []string) ([]Category, error) {
	seen := map[string]bool{}
	var out []Category
	for _, id := range append(append([]string(nil), ids...), c.always...) {
		if seen[id] {
			continue
		}
		seen[id] = true
		cat, ok, err := c.catalog.Category(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			logger.Warnf("Dropping unknown candidate category '%s'.", id)
			continue
		}
		out = append(out, cat)
	}
	return out, nil
}

func (c *Classifier) prompt(product model.ProductData, candidates []Category) string {
	var b strings.Builder
	b.WriteString("Classify the product into exactly one of the candidate categories.\n<candidate_categories>\n")
	for _, cat := range candidates {
		entry, _ := json.Marshal(cat)
		b.Write(entry)
		b.WriteByte('\n')
	}
	fmt.Fprintf(&b, "</candidate_categories>\n<product>\n<title>%s</title>\n<description>%s</description>\n</product>", product.Title, product.Description)
	return b.String()
}

// valid accepts a name equal to the leaf name or ending with it (a full path).
func (c *Classifier) valid(candidates []Category, p model.Classification) bool {
	for _, cat := range candidates {
		if cat.ID == p.CategoryID {
			return strings.HasSuffix(strings.TrimSpace(p.CategoryPath), cat.Name)
		}
	}
	return false
}
