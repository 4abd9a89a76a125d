// Package pipeline runs the per-item sub-pipeline of a batch: input validation, optional
// product generation from images, metaclass prediction, classification and attribute
// extraction. Steps run strictly in sequence; every remote step runs under the retry runner
// with its own attempt counter and timeout.
package pipeline

import (
	"context"
	"strings"
	"time"

	"github.com/tigerroll/onboarding/pkg/onboarding/core/application/port"
	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
	model "github.com/tigerroll/onboarding/pkg/onboarding/core/domain/model"
	"github.com/tigerroll/onboarding/pkg/onboarding/engine/retry"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
	logger "github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

// Step names. They are reported as FailedStep of an item.
const (
	StepInput      = "InputState"
	StepGenerate   = "GenerateProductTask"
	StepMetaclass  = "MetaclassTask"
	StepClassify   = "ClassificationTask"
	StepAttributes = "AttributeExtractionTask"
)

// Collaborators groups the remote steps of the pipeline.
type Collaborators struct {
	Generator  port.Generator
	Metaclass  port.MetaclassPredictor
	Classifier port.Classifier
	Attributes port.AttributeExtractor
}

// Pipeline processes one item at a time. It is safe for concurrent use.
type Pipeline struct {
	remote Collaborators
	runner *retry.Runner
	cfg    config.PipelineConfig
}

// NewPipeline creates a Pipeline.
func NewPipeline(remote Collaborators, runner *retry.Runner, cfg config.PipelineConfig) *Pipeline {
	return &Pipeline{remote: remote, runner: runner, cfg: cfg}
}

// Run processes the item at index. The result is the merged BatchItem, or a *retry.StepFailure
// naming the failed step and its classification.
func (p *Pipeline) Run(ctx context.Context, index int, item model.ItemInput) (*model.BatchItem, error) {
	in, err := ParseInput(item.Input)
	if err != nil {
		return nil, &retry.StepFailure{Step: StepInput, Class: exception.Fatal, Attempts: 1, Err: err}
	}

	product := model.ProductData{Title: in.Title, Description: in.Description}
	if len(in.Images) > 0 {
		req := port.GenerateRequest{
			ImagesPrefix: item.ImagesPrefix,
			ImageKeys:    imageKeys(item.ImagesPrefix, in.Images),
			Metadata:     in.Metadata,
		}
		err := p.step(ctx, StepGenerate, p.cfg.GenerateTimeout, func(ctx context.Context) error {
			generated, err := p.remote.Generator.Generate(ctx, req)
			if err != nil {
				return err
			}
			product = generated
			return nil
		})
		if err != nil {
			return nil, err
		}
	}

	demo := false
	if in.Demo != nil {
		demo = *in.Demo
	}

	var metaclass model.MetaclassResult
	if err := p.step(ctx, StepMetaclass, p.cfg.MetaclassTimeout, func(ctx context.Context) error {
		var err error
		metaclass, err = p.remote.Metaclass.Predict(ctx, product)
		return err
	}); err != nil {
		return nil, err
	}

	var category model.Classification
	if err := p.step(ctx, StepClassify, p.cfg.ClassifyTimeout, func(ctx context.Context) error {
		var err error
		category, err = p.remote.Classifier.Classify(ctx, product, metaclass, demo)
		return err
	}); err != nil {
		return nil, err
	}

	var attributes []model.Attribute
	if err := p.step(ctx, StepAttributes, p.cfg.AttributesTimeout, func(ctx context.Context) error {
		var err error
		attributes, err = p.remote.Attributes.Extract(ctx, product, category)
		return err
	}); err != nil {
		return nil, err
	}

	logger.Debugf("Item %d categorized as '%s'.", index, category.CategoryID)
	return &model.BatchItem{
		Index:          index,
		Input:          item.Input,
		Product:        product,
		Metaclass:      metaclass,
		Classification: category,
		Attributes:     attributes,
	}, nil
}

func (p *Pipeline) step(ctx context.Context, name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	return p.runner.Do(ctx, name, timeout, fn)
}

// imageKeys joins each image name onto the images prefix.
func imageKeys(prefix string, images []string) []string {
	keys := make([]string, 0, len(images))
	for _, image := range images {
		image = strings.TrimLeft(strings.TrimSpace(image), "/")
		if prefix == "" {
			keys = append(keys, image)
			continue
		}
		keys = append(keys, strings.TrimRight(prefix, "/")+"/"+image)
	}
	return keys
}
