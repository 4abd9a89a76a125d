package model

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Output column names appended to every source row by the reducer.
const (
	ColumnTitleNew               = "title_new"
	ColumnDescriptionNew         = "description_new"
	ColumnCategoryNew            = "category_new"
	ColumnCategoryNewPath        = "category_new_path"
	ColumnCategoryNewExplanation = "category_new_explanation"
	ColumnAttributes             = "attributes"
	ColumnError                  = "error"
	ColumnErrorCause             = "error_cause"
)

// OutputColumns lists the output columns in artifact order.
var OutputColumns = []string{
	ColumnTitleNew,
	ColumnDescriptionNew,
	ColumnCategoryNew,
	ColumnCategoryNewPath,
	ColumnCategoryNewExplanation,
	ColumnAttributes,
}

// Row is one CSV record keyed by header name.
type Row map[string]string

// ProductInput is a validated and normalized row.
type ProductInput struct {
	Title            string   `json:"title"`
	Description      string   `json:"description"`
	ShortDescription string   `json:"short_description"`
	Metadata         string   `json:"metadata"`
	Images           []string `json:"images"`
	Demo             *bool    `json:"demo,omitempty"`
}

// ProductData is the title and description used for classification.
type ProductData struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

// MetaclassResult is the coarse candidate shortlist produced before classification.
type MetaclassResult struct {
	Candidates []string `json:"candidates"`
	Words      []string `json:"words,omitempty"`
}

// Classification is the resolved category of a product.
type Classification struct {
	CategoryID   string `json:"predicted_category_id"`
	CategoryPath string `json:"predicted_category_name"`
	Explanation  string `json:"explanation"`
	Prompt       string `json:"prompt,omitempty"` // Prompt is set only in demo mode.
}

// Attribute is one extracted category attribute.
type Attribute struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// BatchItem is the merged per-row record produced by the sub-pipeline.
type BatchItem struct {
	Index          int             `json:"index"`
	Input          Row             `json:"input"`
	Product        ProductData     `json:"product"`
	Metaclass      MetaclassResult `json:"metaclass"`
	Classification Classification  `json:"classification"`
	Attributes     []Attribute     `json:"attributes"`
}

// ItemOutput is the output record of one successful item.
type ItemOutput struct {
	TitleNew               string      `json:"title_new"`
	DescriptionNew         string      `json:"description_new"`
	CategoryNew            string      `json:"category_new"`
	CategoryNewPath        string      `json:"category_new_path"`
	CategoryNewExplanation string      `json:"category_new_explanation"`
	Attributes             []Attribute `json:"attributes"`
}

// Output projects the item onto its output columns.
func (b *BatchItem) Output() ItemOutput {
	attrs := b.Attributes
	if attrs == nil {
		attrs = []Attribute{}
	}
	return ItemOutput{
		TitleNew:               b.Product.Title,
		DescriptionNew:         b.Product.Description,
		CategoryNew:            b.Classification.CategoryID,
		CategoryNewPath:        b.Classification.CategoryPath,
		CategoryNewExplanation: b.Classification.Explanation,
		Attributes:             attrs,
	}
}

// Columns renders the output as column values. The attributes list is JSON encoded.
func (o ItemOutput) Columns() map[string]string {
	attrs, err := json.Marshal(o.Attributes)
	if err != nil {
		attrs = []byte("[]")
	}
	return map[string]string{
		ColumnTitleNew:               o.TitleNew,
		ColumnDescriptionNew:         o.DescriptionNew,
		ColumnCategoryNew:            o.CategoryNew,
		ColumnCategoryNewPath:        o.CategoryNewPath,
		ColumnCategoryNewExplanation: o.CategoryNewExplanation,
		ColumnAttributes:             string(attrs),
	}
}

// ItemStatus is the outcome of one fan-out item.
type ItemStatus string

const (
	ItemSucceeded ItemStatus = "SUCCEEDED"
	ItemFailed    ItemStatus = "FAILED"
	ItemPending   ItemStatus = "PENDING"
)

// ItemInput is the selector-shaped input of one fan-out item.
type ItemInput struct {
	ImagesPrefix string `json:"images_prefix"`
	Input        Row    `json:"input"`
}

// ItemResult is the persisted outcome of one item, stored in result files.
type ItemResult struct {
	Index      int         `json:"Index"`
	Name       string      `json:"Name"`
	Status     ItemStatus  `json:"Status"`
	Input      ItemInput   `json:"Input"`
	Output     *ItemOutput `json:"Output,omitempty"`
	Error      string      `json:"Error,omitempty"`
	Cause      string      `json:"Cause,omitempty"`
	FailedStep string      `json:"FailedStep,omitempty"`
	Class      string      `json:"Classification,omitempty"`
	Attempts   int         `json:"Attempts,omitempty"`
	StartDate  string      `json:"StartDate,omitempty"`
	StopDate   string      `json:"StopDate,omitempty"`
}

// ItemName returns the result name of the row at index.
func ItemName(mapRunID string, index int) string {
	return fmt.Sprintf("%s-%06d", strings.TrimSpace(mapRunID), index)
}
