// Package inference runs the forward pass and ranks its output.
package inference

import (
	"errors"
	"fmt"
	"math"

	"github.com/Brownie44l1/derma-api/internal/model"
	"github.com/Brownie44l1/derma-api/internal/tensor"
)

// ErrShapeMismatch means the model and the label table disagree on the
// number of classes. It is a deployment problem, not a bad request.
var ErrShapeMismatch = errors.New("model output width does not match class count")

// ErrInvalidOutput means the forward pass produced NaN scores.
var ErrInvalidOutput = errors.New("model produced non-numeric output")

// distributionTolerance is how far from 1 a sum may be for raw output to
// be taken as already normalized.
const distributionTolerance = 1e-3

// ProbabilityVector holds one probability per class, summing to 1.
type ProbabilityVector []float64

// Infer runs m on input and returns class probabilities. expectedClasses
// is the label table size; zero skips the width check. Raw scores are
// softmaxed unless they already form a distribution.
func Infer(m model.Model, input *tensor.Buffer, scope *tensor.Scope, expectedClasses int) (ProbabilityVector, error) {
	raw, err := m.Forward(input, scope)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty output", ErrShapeMismatch)
	}
	if expectedClasses > 0 && len(raw) != expectedClasses {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrShapeMismatch, len(raw), expectedClasses)
	}

	scores := make([]float64, len(raw))
	for i, v := range raw {
		scores[i] = float64(v)
		if math.IsNaN(scores[i]) {
			return nil, fmt.Errorf("%w: NaN at index %d", ErrInvalidOutput, i)
		}
	}

	if m.Capabilities().OutputsProbabilities || IsDistribution(scores) {
		return ProbabilityVector(scores), nil
	}
	return Softmax(scores), nil
}

// IsDistribution reports whether every value is in [0,1] and the values
// sum to 1.
func IsDistribution(v []float64) bool {
	if len(v) == 0 {
		return false
	}
	sum := 0.0
	for _, x := range v {
		if math.IsNaN(x) || x < 0 || x > 1 {
			return false
		}
		sum += x
	}
	return math.Abs(sum-1) <= distributionTolerance
}

// Softmax returns exp(s_i) / sum_j exp(s_j), shifted by the maximum so
// large scores do not overflow.
func Softmax(scores []float64) ProbabilityVector {
	out := make(ProbabilityVector, len(scores))
	if len(scores) == 0 {
		return out
	}

	maxScore := math.Inf(-1)
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}
	if math.IsInf(maxScore, 0) {
		// All -Inf, or a +Inf that dominates everything: split evenly
		// between the maxima.
		n := 0
		for _, s := range scores {
			if s == maxScore {
				n++
			}
		}
		for i, s := range scores {
			if s == maxScore {
				out[i] = 1 / float64(n)
			}
		}
		return out
	}

	sum := 0.0
	for i, s := range scores {
		e := math.Exp(s - maxScore)
		out[i] = e
		sum += e
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
