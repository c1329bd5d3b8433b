// Package pipeline ties the stages together: preprocess, infer, rank and
// explain one image against a loaded model.
package pipeline

import (
	"errors"
	"image"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Brownie44l1/derma-api/internal/inference"
	"github.com/Brownie44l1/derma-api/internal/metrics"
	"github.com/Brownie44l1/derma-api/internal/model"
	"github.com/Brownie44l1/derma-api/internal/preprocess"
	"github.com/Brownie44l1/derma-api/internal/saliency"
	"github.com/Brownie44l1/derma-api/internal/tensor"
)

// Options configure a prediction.
type Options struct {
	Saliency saliency.Options
	Metrics  *metrics.Metrics
}

// Result is everything a caller gets back for one image.
type Result struct {
	TopK   []inference.Entry           `json:"top_k"`
	Vector inference.ProbabilityVector `json:"vector"`
	ROIs   []saliency.ROI              `json:"rois"`
	// ROI is the highest ranked region, for callers that draw one box.
	ROI saliency.ROI `json:"roi"`
	// Explained is false when ROIs holds only the default region.
	Explained bool   `json:"explained"`
	Version   string `json:"version,omitempty"`
}

// Predict classifies img with m and explains the top class. Every buffer
// created along the way is released before it returns.
func Predict(m model.Model, img image.Image, k int, labels []string, opts Options) (*Result, error) {
	scope := tensor.NewScope()
	defer scope.Close()

	caps := m.Capabilities()
	start := time.Now()
	input, err := preprocess.Preprocess(img, scope, preprocess.Options{
		Size:      caps.InputSize,
		Normalize: !caps.EmbedsRescale,
	})
	if err != nil {
		return nil, err
	}
	opts.Metrics.RecordStage("preprocess", time.Since(start).Seconds())

	return run(m, input, scope, k, labels, opts)
}

// PredictValues is Predict for input that is already a preprocessed
// [S*S*3] NHWC array.
func PredictValues(m model.Model, values []float32, k int, labels []string, opts Options) (*Result, error) {
	scope := tensor.NewScope()
	defer scope.Close()

	input, err := preprocess.FromValues(values, m.Capabilities().InputSize, scope)
	if err != nil {
		return nil, err
	}
	return run(m, input, scope, k, labels, opts)
}

func run(m model.Model, input *tensor.Buffer, scope *tensor.Scope, k int, labels []string, opts Options) (*Result, error) {
	expected := len(labels)
	if expected == 0 {
		expected = m.Capabilities().NumClasses
	}

	start := time.Now()
	probs, err := inference.Infer(m, input, scope, expected)
	if err != nil {
		return nil, err
	}
	opts.Metrics.RecordStage("infer", time.Since(start).Seconds())

	top := inference.TopK(probs, k, labels)
	classIndex := 0
	if len(top) > 0 {
		classIndex = top[0].Index
	} else if ranked := inference.TopK(probs, 1, labels); len(ranked) > 0 {
		classIndex = ranked[0].Index
	}

	start = time.Now()
	rois, explainErr := saliency.ComputeROIs(m, input, classIndex, scope, opts.Saliency)
	opts.Metrics.RecordStage("saliency", time.Since(start).Seconds())
	if explainErr != nil {
		opts.Metrics.RecordSaliencyFallback(fallbackReason(explainErr))
		log.Debug().Err(explainErr).Int("class", classIndex).Msg("using default region")
	}

	return &Result{
		TopK:      top,
		Vector:    probs,
		ROIs:      rois,
		ROI:       rois[0],
		Explained: explainErr == nil,
	}, nil
}

func fallbackReason(err error) string {
	switch {
	case errors.Is(err, model.ErrGradientUnsupported):
		return "gradient_unsupported"
	case errors.Is(err, saliency.ErrDegenerateMap):
		return "degenerate_map"
	case errors.Is(err, saliency.ErrFlatMap):
		return "flat_map"
	case errors.Is(err, saliency.ErrNoRegions):
		return "no_regions"
	default:
		return "gradient_error"
	}
}
