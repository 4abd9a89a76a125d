package anthropic

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/storage"
	"github.com/tigerroll/onboarding/pkg/onboarding/component/images"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/application/port"
	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
	logger "github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

const (
	stepGenerate = "generate"
	// maxImages is the per-request image limit of the Messages API.
	maxImages = 20
)

var generateTool = answerTool{
	Name:        "product_listing",
	Description: "Record the generated product title and description.",
	Properties: map[string]interface{}{
		"title":       stringField("A concise product title."),
		"description": stringField("A product description for a catalog listing."),
	},
	Required: []string{"title", "description"},
}

// Generator writes product titles and descriptions from images stored in one bucket.
type Generator struct {
	client   *Client
	conn     storage.StorageExecutor
	bucket   string
	language string
}

var _ port.Generator = (*Generator)(nil)

// NewGenerator creates a Generator reading images from bucket.
func NewGenerator(client *Client, conn storage.StorageExecutor, bucket, language string) *Generator {
	if language == "" {
		language = "English"
	}
	return &Generator{client: client, conn: conn, bucket: bucket, language: language}
}

func (g *Generator) Generate(ctx context.Context, req port.GenerateRequest) (model.ProductData, error) {
	blocks, err := g.imageBlocks(ctx, req.ImageKeys)
	if err != nil {
		return model.ProductData{}, err
	}
	if len(blocks) == 0 {
		return model.ProductData{}, exception.NewValidationError(stepGenerate, "no supported images to generate a product from")
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Write a product title and description in %s for the product shown in the images.", g.language)
	if req.Metadata != "" {
		fmt.Fprintf(&prompt, "\nUse this product metadata where it applies:\n<metadata>\n%s\n</metadata>", req.Metadata)
	}
	blocks = append(blocks, anthropic.NewTextBlock(prompt.String()))

	var out model.ProductData
	if _, err := g.client.ask(ctx, stepGenerate, "", []anthropic.MessageParam{anthropic.NewUserMessage(blocks...)}, generateTool, &out); err != nil {
		return model.ProductData{}, err
	}
	out.Title = strings.TrimSpace(out.Title)
	out.Description = strings.TrimSpace(out.Description)
	if out.Title == "" || out.Description == "" {
		return model.ProductData{}, exception.NewModelResponseError(stepGenerate, "model returned an empty title or description", nil)
	}
	return out, nil
}

func (g *Generator) imageBlocks(ctx context.Context, keys []string) ([]anthropic.ContentBlockParamUnion, error) {
	var blocks []anthropic.ContentBlockParamUnion
	for _, key := range keys {
		if len(blocks) == maxImages {
			logger.Warnf("Only the first %d images are sent to the model.", maxImages)
			break
		}
		data, err := g.download(ctx, key)
		if err != nil {
			return nil, err
		}
		mediaType := images.ContentType(data)
		if mediaType == "application/octet-stream" {
			logger.Warnf("Skipping image '%s' of unknown type.", key)
			continue
		}
		blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, base64.StdEncoding.EncodeToString(data)))
	}
	return blocks, nil
}

func (g *Generator) download(ctx context.Context, key string) ([]byte, error) {
	rc, err := g.conn.Download(ctx, g.bucket, key)
	if err != nil {
		return nil, exception.NewRetryableError(stepGenerate, fmt.Sprintf("failed to download image '%s'", key), err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, exception.NewRetryableError(stepGenerate, fmt.Sprintf("failed to read image '%s'", key), err)
	}
	return data, nil
}
