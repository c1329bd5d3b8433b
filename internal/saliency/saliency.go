// Package saliency explains a prediction by locating the image regions
// whose pixels most affect the predicted class score.
//
// The score gradient with respect to the input is reduced to one value per
// pixel, thresholded at a percentile, and split into 4-connected regions.
// Regions are ranked by mean saliency times bounding box area and returned
// as boxes normalized to the image.
package saliency

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/Brownie44l1/derma-api/internal/model"
	"github.com/Brownie44l1/derma-api/internal/tensor"
)

const (
	// minExtent is the smallest normalized width or height of a returned box.
	minExtent = 0.02
	// rangeEpsilon guards the min-max normalization denominator.
	rangeEpsilon = 1e-8
	// outOfRangeThreshold is used when the percentile index falls past the
	// end of the sorted values.
	outOfRangeThreshold = 0.6
)

var (
	ErrDegenerateMap = errors.New("saliency map is empty")
	ErrFlatMap       = errors.New("saliency map has no contrast")
	ErrNoRegions     = errors.New("no region survived filtering")
)

// ROI is a box normalized to [0,1] relative to the whole image.
type ROI struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

// Fallback is returned whenever no explanation can be computed.
var Fallback = ROI{X: 0.2, Y: 0.2, W: 0.6, H: 0.6}

// Options tune region extraction.
type Options struct {
	MaxROIs int
	// ThresholdPercentile in [0,1]; pixels at or above this percentile of
	// the normalized map are active.
	ThresholdPercentile float64
	// MinBoxPx drops regions narrower or shorter than this many grid cells.
	MinBoxPx int
}

func DefaultOptions() Options {
	return Options{MaxROIs: 3, ThresholdPercentile: 0.85, MinBoxPx: 10}
}

// Map is a row-major Height x Width saliency grid.
type Map struct {
	Height int
	Width  int
	Values []float64
}

// FromGradient reduces an NHWC [1,H,W,C] gradient to the mean absolute
// value over channels.
func FromGradient(grad *tensor.Buffer) (Map, error) {
	if grad == nil || len(grad.Shape) != 4 || grad.Shape[0] != 1 {
		return Map{}, fmt.Errorf("gradient must be [1,H,W,C]")
	}
	h, w, c := grad.Shape[1], grad.Shape[2], grad.Shape[3]
	if h <= 0 || w <= 0 || c <= 0 {
		return Map{}, ErrDegenerateMap
	}
	if len(grad.Data) != h*w*c {
		return Map{}, fmt.Errorf("gradient has %d values for shape %v", len(grad.Data), grad.Shape)
	}

	m := Map{Height: h, Width: w, Values: make([]float64, h*w)}
	for i := range m.Values {
		sum := 0.0
		for _, g := range grad.Data[i*c : (i+1)*c] {
			sum += math.Abs(float64(g))
		}
		m.Values[i] = sum / float64(c)
	}
	return m, nil
}

// ComputeROIs explains classIndex for input on m. It always returns at
// least one ROI. A non-nil error reports why the Fallback box was
// returned instead of computed regions; callers log it and carry on.
func ComputeROIs(m model.Model, input *tensor.Buffer, classIndex int, scope *tensor.Scope, opts Options) ([]ROI, error) {
	g, ok := m.(model.Gradienter)
	if !ok || !m.Capabilities().Gradient {
		return []ROI{Fallback}, model.ErrGradientUnsupported
	}

	grad, err := inputGradient(g, input, classIndex, scope)
	if err != nil {
		return []ROI{Fallback}, err
	}
	heat, err := FromGradient(grad)
	if err != nil {
		return []ROI{Fallback}, err
	}
	return ExtractRegions(heat, opts)
}

func inputGradient(g model.Gradienter, input *tensor.Buffer, classIndex int, scope *tensor.Scope) (grad *tensor.Buffer, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("gradient panicked: %v", r)
		}
	}()
	return g.InputGradient(input, classIndex, scope)
}

// ExtractRegions thresholds heat and returns the top regions, or the
// Fallback box with the reason when there are none.
func ExtractRegions(heat Map, opts Options) ([]ROI, error) {
	h, w := heat.Height, heat.Width
	if h <= 0 || w <= 0 || len(heat.Values) != h*w {
		return []ROI{Fallback}, ErrDegenerateMap
	}

	norm, ok := normalize(heat.Values)
	if !ok {
		return []ROI{Fallback}, ErrFlatMap
	}
	thr := percentile(norm, opts.ThresholdPercentile)

	minPx := max(1, opts.MinBoxPx)
	var kept []component
	for _, c := range components(norm, h, w, thr) {
		if c.width() >= minPx && c.height() >= minPx {
			kept = append(kept, c)
		}
	}
	if len(kept) == 0 {
		return []ROI{Fallback}, ErrNoRegions
	}

	sort.SliceStable(kept, func(a, b int) bool {
		return kept[a].score() > kept[b].score()
	})

	n := opts.MaxROIs
	if n <= 0 || n > len(kept) {
		n = len(kept)
	}
	out := make([]ROI, n)
	for i, c := range kept[:n] {
		out[i] = c.roi(h, w)
	}
	return out, nil
}

// normalize rescales values to [0,1]. It reports false when every value is
// the same, since such a map singles out no region.
func normalize(values []float64) ([]float64, bool) {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, false
		}
		lo = min(lo, v)
		hi = max(hi, v)
	}
	if hi-lo <= rangeEpsilon {
		return nil, false
	}

	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = (v - lo) / (hi - lo + rangeEpsilon)
	}
	return out, true
}

// percentile returns the value at floor(p*n) of the sorted values.
func percentile(values []float64, p float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	idx := int(math.Floor(p * float64(len(sorted))))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		return outOfRangeThreshold
	}
	return sorted[idx]
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
