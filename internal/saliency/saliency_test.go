package saliency

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/derma-api/internal/model"
	"github.com/Brownie44l1/derma-api/internal/tensor"
)

func grid(h, w int) Map {
	return Map{Height: h, Width: w, Values: make([]float64, h*w)}
}

func (m Map) fill(r0, c0, rows, cols int, v float64) Map {
	for r := r0; r < r0+rows; r++ {
		for c := c0; c < c0+cols; c++ {
			m.Values[r*m.Width+c] = v
		}
	}
	return m
}

func assertInUnitSquare(t *testing.T, roi ROI) {
	t.Helper()
	const eps = 1e-9
	assert.GreaterOrEqual(t, roi.X, 0.0)
	assert.GreaterOrEqual(t, roi.Y, 0.0)
	assert.LessOrEqual(t, roi.X+roi.W, 1.0+eps)
	assert.LessOrEqual(t, roi.Y+roi.H, 1.0+eps)
	assert.GreaterOrEqual(t, roi.W, minExtent)
	assert.GreaterOrEqual(t, roi.H, minExtent)
}

func TestExtractRegions_SingleBlock(t *testing.T) {
	heat := grid(8, 8).fill(2, 3, 3, 3, 1.0)

	rois, err := ExtractRegions(heat, Options{MaxROIs: 3, ThresholdPercentile: 0.86, MinBoxPx: 1})
	require.NoError(t, err)
	require.Len(t, rois, 1)

	const cell = 1.0 / 8
	assert.InDelta(t, 3.0/8, rois[0].X, cell)
	assert.InDelta(t, 2.0/8, rois[0].Y, cell)
	assert.InDelta(t, 3.0/8, rois[0].W, cell)
	assert.InDelta(t, 3.0/8, rois[0].H, cell)
}

func TestExtractRegions_RankedByMeanTimesArea(t *testing.T) {
	// A small hot spot and a larger, cooler region.
	heat := grid(16, 16).fill(1, 1, 2, 2, 1.0).fill(8, 8, 4, 4, 0.6)

	rois, err := ExtractRegions(heat, Options{MaxROIs: 3, ThresholdPercentile: 0.922, MinBoxPx: 1})
	require.NoError(t, err)
	require.Len(t, rois, 2)
	assert.Equal(t, ROI{X: 0.5, Y: 0.5, W: 0.25, H: 0.25}, rois[0])
	assert.Equal(t, ROI{X: 1.0 / 16, Y: 1.0 / 16, W: 0.125, H: 0.125}, rois[1])

	top, err := ExtractRegions(heat, Options{MaxROIs: 1, ThresholdPercentile: 0.922, MinBoxPx: 1})
	require.NoError(t, err)
	assert.Equal(t, rois[:1], top)
}

func TestExtractRegions_MinBoxFilter(t *testing.T) {
	heat := grid(8, 8).fill(2, 3, 3, 3, 1.0)

	rois, err := ExtractRegions(heat, Options{MaxROIs: 3, ThresholdPercentile: 0.86, MinBoxPx: 4})
	assert.ErrorIs(t, err, ErrNoRegions)
	assert.Equal(t, []ROI{Fallback}, rois)
}

func TestExtractRegions_SinglePixel(t *testing.T) {
	heat := grid(10, 10)
	heat.Values[99] = 1

	// One active cell in the corner is still a component.
	rois, err := ExtractRegions(heat, Options{MaxROIs: 3, ThresholdPercentile: 0.99, MinBoxPx: 1})
	require.NoError(t, err)
	require.Len(t, rois, 1)
	assert.InDelta(t, 0.9, rois[0].X, 1e-9)
	assert.InDelta(t, 0.1, rois[0].W, 1e-9)

	// With the default filter it is discarded.
	rois, err = ExtractRegions(heat, Options{MaxROIs: 3, ThresholdPercentile: 0.99, MinBoxPx: 10})
	assert.ErrorIs(t, err, ErrNoRegions)
	assert.Equal(t, []ROI{Fallback}, rois)
}

func TestExtractRegions_MinExtentStaysInside(t *testing.T) {
	// One active cell in the last column of a wide grid: 1/200 < 0.02.
	heat := grid(200, 200)
	heat.Values[199] = 1

	rois, err := ExtractRegions(heat, Options{MaxROIs: 1, ThresholdPercentile: 0.99999, MinBoxPx: 1})
	require.NoError(t, err)
	require.Len(t, rois, 1)
	assert.InDelta(t, minExtent, rois[0].W, 1e-12)
	assert.InDelta(t, 1-minExtent, rois[0].X, 1e-12)
	assertInUnitSquare(t, rois[0])
}

func TestExtractRegions_Fallbacks(t *testing.T) {
	tests := []struct {
		name string
		heat Map
		want error
	}{
		{"zero size", Map{}, ErrDegenerateMap},
		{"zero width", Map{Height: 4}, ErrDegenerateMap},
		{"wrong length", Map{Height: 2, Width: 2, Values: []float64{1}}, ErrDegenerateMap},
		{"all zeros", grid(6, 6), ErrFlatMap},
		{"all equal", grid(6, 6).fill(0, 0, 6, 6, 0.4), ErrFlatMap},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rois, err := ExtractRegions(tt.heat, DefaultOptions())
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, []ROI{{X: 0.2, Y: 0.2, W: 0.6, H: 0.6}}, rois)
		})
	}
}

func TestExtractRegions_PercentileOutOfRange(t *testing.T) {
	// p = 1 indexes past the end, so the fixed 0.6 threshold applies.
	heat := grid(4, 4).fill(0, 0, 4, 2, 0.7)
	heat.Values[15] = 1

	rois, err := ExtractRegions(heat, Options{MaxROIs: 3, ThresholdPercentile: 1, MinBoxPx: 1})
	require.NoError(t, err)
	require.Len(t, rois, 2)
	assert.Equal(t, ROI{X: 0, Y: 0, W: 0.5, H: 1}, rois[0])
}

func TestExtractRegions_RandomMapsStayInBounds(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for i := 0; i < 100; i++ {
		h, w := 1+rng.Intn(64), 1+rng.Intn(64)
		heat := grid(h, w)
		for j := range heat.Values {
			heat.Values[j] = rng.Float64() * rng.Float64()
		}
		opts := Options{
			MaxROIs:             1 + rng.Intn(5),
			ThresholdPercentile: rng.Float64(),
			MinBoxPx:            rng.Intn(4),
		}

		rois, _ := ExtractRegions(heat, opts)
		require.NotEmpty(t, rois)
		assert.LessOrEqual(t, len(rois), opts.MaxROIs)
		for _, roi := range rois {
			assertInUnitSquare(t, roi)
		}
	}
}

func TestFromGradient(t *testing.T) {
	scope := tensor.NewScope()
	defer scope.Close()

	grad, err := scope.Alloc(1, 1, 2, 3)
	require.NoError(t, err)
	copy(grad.Data, []float32{-3, 0, 3, 1, -1, 1})

	heat, err := FromGradient(grad)
	require.NoError(t, err)
	assert.Equal(t, 1, heat.Height)
	assert.Equal(t, 2, heat.Width)
	assert.InDeltaSlice(t, []float64{2, 1}, heat.Values, 1e-9)

	_, err = FromGradient(&tensor.Buffer{Shape: []int{2, 2}})
	assert.Error(t, err)
}

// gradModel returns a gradient that is large inside one block.
type gradModel struct {
	size     int
	gradient bool
	err      error
	panics   bool
	class    int
}

func (m *gradModel) Forward(*tensor.Buffer, *tensor.Scope) ([]float32, error) {
	return []float32{0, 1}, nil
}

func (m *gradModel) Capabilities() model.Capabilities {
	return model.Capabilities{InputSize: m.size, NumClasses: 2, Gradient: m.gradient}
}

func (m *gradModel) Close() error { return nil }

func (m *gradModel) InputGradient(input *tensor.Buffer, classIndex int, scope *tensor.Scope) (*tensor.Buffer, error) {
	m.class = classIndex
	if m.panics {
		panic("backend exploded")
	}
	if m.err != nil {
		return nil, m.err
	}
	out, err := scope.Alloc(1, m.size, m.size, 3)
	if err != nil {
		return nil, err
	}
	for r := 4; r < 20; r++ {
		for c := 8; c < 24; c++ {
			i := (r*m.size + c) * 3
			out.Data[i], out.Data[i+1], out.Data[i+2] = -2, 2, 2
		}
	}
	return out, nil
}

func TestComputeROIs(t *testing.T) {
	scope := tensor.NewScope()
	defer scope.Close()
	input, err := scope.Alloc(1, 32, 32, 3)
	require.NoError(t, err)

	t.Run("gradient regions", func(t *testing.T) {
		m := &gradModel{size: 32, gradient: true}
		rois, err := ComputeROIs(m, input, 1, scope, DefaultOptions())
		require.NoError(t, err)
		assert.Equal(t, 1, m.class)
		require.Len(t, rois, 1)
		assert.Equal(t, ROI{X: 0.25, Y: 0.125, W: 0.5, H: 0.5}, rois[0])
	})

	t.Run("unsupported", func(t *testing.T) {
		rois, err := ComputeROIs(&gradModel{size: 32}, input, 1, scope, DefaultOptions())
		assert.ErrorIs(t, err, model.ErrGradientUnsupported)
		assert.Equal(t, []ROI{Fallback}, rois)
	})

	t.Run("gradient error", func(t *testing.T) {
		boom := errors.New("boom")
		rois, err := ComputeROIs(&gradModel{size: 32, gradient: true, err: boom}, input, 1, scope, DefaultOptions())
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, []ROI{Fallback}, rois)
	})

	t.Run("gradient panic", func(t *testing.T) {
		rois, err := ComputeROIs(&gradModel{size: 32, gradient: true, panics: true}, input, 1, scope, DefaultOptions())
		assert.ErrorContains(t, err, "backend exploded")
		assert.Equal(t, []ROI{Fallback}, rois)
	})
}
