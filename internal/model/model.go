// Package model loads versioned classification artifacts into executable
// models and describes what each loaded model can do.
package model

import (
	"errors"
	"fmt"
	"strings"

	"github.com/Brownie44l1/derma-api/internal/tensor"
)

var (
	ErrNotFound    = errors.New("model artifact not found")
	ErrCorrupt     = errors.New("model artifact corrupt")
	ErrBackendInit = errors.New("execution backend init failed")

	// ErrGradientUnsupported is returned by models that cannot compute
	// input gradients.
	ErrGradientUnsupported = errors.New("input gradient unsupported")
)

// LoadError describes a failed Load. Use errors.Is with ErrNotFound,
// ErrCorrupt or ErrBackendInit to classify it.
type LoadError struct {
	Version  string
	Provider Provider
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load model %s on %s: %v", e.Version, e.Provider, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

func loadErr(version string, provider Provider, kind error, cause error) error {
	err := kind
	if cause != nil {
		err = fmt.Errorf("%w: %v", kind, cause)
	}
	return &LoadError{Version: version, Provider: provider, Err: err}
}

// Provider names an execution backend.
type Provider string

const (
	ProviderCUDA Provider = "cuda"
	ProviderCPU  Provider = "cpu"
)

// ParseProviders parses a comma separated provider list such as "cuda,cpu".
// Order is preserved; it is the fallback order used when a backend fails
// to initialise.
func ParseProviders(s string) ([]Provider, error) {
	var out []Provider
	for _, part := range strings.Split(s, ",") {
		p := Provider(strings.ToLower(strings.TrimSpace(part)))
		switch p {
		case "":
			continue
		case ProviderCUDA, ProviderCPU:
			out = append(out, p)
		default:
			return nil, fmt.Errorf("unknown execution provider %q", part)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("no execution providers configured")
	}
	return out, nil
}

// Capabilities are decided once when a model is loaded.
type Capabilities struct {
	InputSize  int `json:"input_size"`
	NumClasses int `json:"num_classes"`
	// EmbedsRescale is set when the graph divides pixels by 255 itself, so
	// the preprocessor must feed raw 0..255 values.
	EmbedsRescale bool `json:"embeds_rescale"`
	// OutputsProbabilities is set when the graph ends in a softmax.
	OutputsProbabilities bool     `json:"outputs_probabilities"`
	Gradient             bool     `json:"gradient"`
	Provider             Provider `json:"provider"`
}

// Model is a loaded classifier. Forward must be safe to call from
// concurrent requests; the model is never mutated by a prediction.
type Model interface {
	// Forward runs the model on an NHWC [1,S,S,3] buffer and returns a
	// copy of the raw class scores. Native tensors are tracked by scope.
	Forward(input *tensor.Buffer, scope *tensor.Scope) ([]float32, error)
	Capabilities() Capabilities
	Close() error
}

// Gradienter is implemented by models that can differentiate the score
// of one class with respect to the input. The returned buffer has the
// same NHWC shape as input and is owned by scope.
type Gradienter interface {
	InputGradient(input *tensor.Buffer, classIndex int, scope *tensor.Scope) (*tensor.Buffer, error)
}

// WarmUp runs one throwaway forward pass on a zero input so lazy backend
// initialisation happens before real requests arrive.
func WarmUp(m Model) error {
	size := m.Capabilities().InputSize
	scope := tensor.NewScope()
	defer scope.Close()

	zeros, err := scope.Alloc(1, size, size, 3)
	if err != nil {
		return fmt.Errorf("warm-up input: %w", err)
	}
	if _, err := m.Forward(zeros, scope); err != nil {
		return fmt.Errorf("warm-up forward: %w", err)
	}
	return nil
}
