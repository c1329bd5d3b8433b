package model

import (
	"errors"
	"fmt"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/Brownie44l1/derma-api/internal/tensor"
)

// onnxModel runs a classifier through onnxruntime. Tensors are created
// per call, so concurrent Forward calls never share native memory.
type onnxModel struct {
	session     *ort.DynamicAdvancedSession
	gradSession *ort.DynamicAdvancedSession
	meta        Metadata
	caps        Capabilities
	inputShape  ort.Shape
	outputShape ort.Shape
}

func (m *onnxModel) Capabilities() Capabilities { return m.caps }

func (m *onnxModel) Forward(input *tensor.Buffer, scope *tensor.Scope) ([]float32, error) {
	in, err := m.feed(input, scope)
	if err != nil {
		return nil, err
	}

	out, err := ort.NewEmptyTensor[float32](m.outputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	scope.Track(out)

	if err := m.session.Run([]ort.ArbitraryTensor{in}, []ort.ArbitraryTensor{out}); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	raw := out.GetData()
	scores := make([]float32, len(raw))
	copy(scores, raw)
	return scores, nil
}

func (m *onnxModel) InputGradient(input *tensor.Buffer, classIndex int, scope *tensor.Scope) (*tensor.Buffer, error) {
	if m.gradSession == nil {
		return nil, ErrGradientUnsupported
	}
	if classIndex < 0 || classIndex >= m.caps.NumClasses {
		return nil, fmt.Errorf("class index %d out of range [0,%d)", classIndex, m.caps.NumClasses)
	}

	in, err := m.feed(input, scope)
	if err != nil {
		return nil, err
	}

	target, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(m.caps.NumClasses)))
	if err != nil {
		return nil, fmt.Errorf("failed to create target tensor: %w", err)
	}
	scope.Track(target)
	target.GetData()[classIndex] = 1

	grad, err := ort.NewEmptyTensor[float32](m.inputShape)
	if err != nil {
		return nil, fmt.Errorf("failed to create gradient tensor: %w", err)
	}
	scope.Track(grad)

	if err := m.gradSession.Run([]ort.ArbitraryTensor{in, target}, []ort.ArbitraryTensor{grad}); err != nil {
		return nil, fmt.Errorf("gradient pass failed: %w", err)
	}

	size := m.caps.InputSize
	out, err := scope.Alloc(1, size, size, 3)
	if err != nil {
		return nil, err
	}
	if m.meta.Layout == LayoutNCHW {
		chwToHWC(out.Data, grad.GetData(), size, size)
	} else {
		copy(out.Data, grad.GetData())
	}
	return out, nil
}

// feed wraps input in an onnxruntime tensor laid out the way the graph
// expects. The tensor borrows scope-owned memory and is destroyed first.
func (m *onnxModel) feed(input *tensor.Buffer, scope *tensor.Scope) (*ort.Tensor[float32], error) {
	size := m.caps.InputSize
	if input == nil || input.Len() != size*size*3 || len(input.Data) != input.Len() {
		return nil, fmt.Errorf("input must be [1,%d,%d,3]", size, size)
	}

	data := input.Data
	if m.meta.Layout == LayoutNCHW {
		chw, err := scope.Alloc(1, 3, size, size)
		if err != nil {
			return nil, err
		}
		hwcToCHW(chw.Data, input.Data, size, size)
		data = chw.Data
	}

	in, err := ort.NewTensor(m.inputShape, data)
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	scope.Track(in)
	return in, nil
}

func (m *onnxModel) Close() error {
	var errs []error
	if m.gradSession != nil {
		errs = append(errs, m.gradSession.Destroy())
		m.gradSession = nil
	}
	if m.session != nil {
		errs = append(errs, m.session.Destroy())
		m.session = nil
	}
	return errors.Join(errs...)
}

func hwcToCHW(dst, src []float32, h, w int) {
	plane := h * w
	for i := 0; i < plane; i++ {
		dst[i] = src[i*3]
		dst[plane+i] = src[i*3+1]
		dst[2*plane+i] = src[i*3+2]
	}
}

func chwToHWC(dst, src []float32, h, w int) {
	plane := h * w
	for i := 0; i < plane; i++ {
		dst[i*3] = src[i]
		dst[i*3+1] = src[plane+i]
		dst[i*3+2] = src[2*plane+i]
	}
}
