package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/derma-api/internal/inference"
	"github.com/Brownie44l1/derma-api/internal/model"
	"github.com/Brownie44l1/derma-api/internal/pipeline"
	"github.com/Brownie44l1/derma-api/internal/saliency"
)

type fakePredictor struct {
	readyErr   error
	predictErr error
	reloadErr  error

	gotK       int
	gotValues  int
	gotImage   image.Image
	reloadedTo string
}

func (f *fakePredictor) result() *pipeline.Result {
	return &pipeline.Result{
		TopK:      []inference.Entry{{Index: 1, Probability: 0.9, Label: "melanoma"}},
		Vector:    []float64{0.1, 0.9},
		ROIs:      []saliency.ROI{saliency.Fallback},
		ROI:       saliency.Fallback,
		Explained: false,
		Version:   "v2",
	}
}

func (f *fakePredictor) Predict(ctx context.Context, img image.Image, k int) (*pipeline.Result, error) {
	f.gotImage, f.gotK = img, k
	if f.predictErr != nil {
		return nil, f.predictErr
	}
	return f.result(), nil
}

func (f *fakePredictor) PredictValues(ctx context.Context, values []float32, k int) (*pipeline.Result, error) {
	f.gotValues, f.gotK = len(values), k
	if f.predictErr != nil {
		return nil, f.predictErr
	}
	return f.result(), nil
}

func (f *fakePredictor) Reload(ctx context.Context, version string) error {
	f.reloadedTo = version
	return f.reloadErr
}

func (f *fakePredictor) Ready() error { return f.readyErr }

func (f *fakePredictor) Info() pipeline.Info {
	if f.readyErr != nil {
		return pipeline.Info{}
	}
	return pipeline.Info{
		Version:      "v2",
		Latest:       "v2",
		Available:    []string{"v1", "v2"},
		Labels:       []string{"nevus", "melanoma"},
		Capabilities: model.Capabilities{InputSize: 4, NumClasses: 2, Provider: model.ProviderCPU},
	}
}

func serve(t *testing.T, p Predictor, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	return serveHandler(t, NewHandler(p, 1<<20, 0), req)
}

func serveHandler(t *testing.T, h *Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	Routes(h, prometheus.NewRegistry()).ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Error
}

func pngUpload(t *testing.T, field string, k string) *http.Request {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 80, B: 40, A: 255})
		}
	}
	var encoded bytes.Buffer
	require.NoError(t, png.Encode(&encoded, img))
	return multipartRequest(t, field, encoded.Bytes(), k)
}

func multipartRequest(t *testing.T, field string, data []byte, k string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile(field, "lesion.png")
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	if k != "" {
		require.NoError(t, mw.WriteField("k", k))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/predict/image", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHealth(t *testing.T) {
	w := serve(t, &fakePredictor{}, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)
	assert.Contains(t, w.Body.String(), `"v2"`)

	w = serve(t, &fakePredictor{readyErr: pipeline.ErrNotReady}, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), `"loading"`)
}

func TestModelInfo(t *testing.T) {
	w := serve(t, &fakePredictor{}, httptest.NewRequest(http.MethodGet, "/model", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var info pipeline.Info
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "v2", info.Version)
	assert.Equal(t, []string{"v1", "v2"}, info.Available)
	assert.Equal(t, 2, info.Capabilities.NumClasses)

	w = serve(t, &fakePredictor{}, httptest.NewRequest(http.MethodPost, "/model", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestPredictFromImage(t *testing.T) {
	p := &fakePredictor{}
	w := serve(t, p, pngUpload(t, "image", "2"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	assert.Equal(t, 2, p.gotK)
	require.NotNil(t, p.gotImage)
	assert.Equal(t, 8, p.gotImage.Bounds().Dx())

	var res pipeline.Result
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	require.Len(t, res.TopK, 1)
	assert.Equal(t, "melanoma", res.TopK[0].Label)
	assert.Equal(t, saliency.Fallback, res.ROI)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
}

func TestPredictFromImage_BadRequests(t *testing.T) {
	tests := []struct {
		name string
		req  func(t *testing.T) *http.Request
		want string
	}{
		{"wrong field", func(t *testing.T) *http.Request { return pngUpload(t, "file", "") }, "No image file provided"},
		{"not an image", func(t *testing.T) *http.Request {
			return multipartRequest(t, "image", []byte("definitely not a png"), "")
		}, "invalid image format"},
		{"bad k", func(t *testing.T) *http.Request { return pngUpload(t, "image", "zero") }, "k must be"},
		{"not multipart", func(t *testing.T) *http.Request {
			return httptest.NewRequest(http.MethodPost, "/predict/image", strings.NewReader("{}"))
		}, "Failed to parse form"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePredictor{}
			w := serve(t, p, tt.req(t))
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, decodeError(t, w), tt.want)
			assert.Nil(t, p.gotImage)
		})
	}
}

func TestPredictFromImage_ErrorStatus(t *testing.T) {
	tests := map[string]struct {
		err  error
		want int
	}{
		"not ready":      {fmt.Errorf("%w: loading", pipeline.ErrNotReady), http.StatusServiceUnavailable},
		"shape mismatch": {inference.ErrShapeMismatch, http.StatusInternalServerError},
		"canceled":       {context.Canceled, http.StatusRequestTimeout},
		"NaN output":     {fmt.Errorf("%w: NaN at index 0", inference.ErrInvalidOutput), http.StatusInternalServerError},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			w := serve(t, &fakePredictor{predictErr: tt.err}, pngUpload(t, "image", ""))
			assert.Equal(t, tt.want, w.Code)
			assert.NotEmpty(t, decodeError(t, w))
		})
	}
}

func TestPredictValues(t *testing.T) {
	values := make([]float32, 4*4*3)
	payload, err := json.Marshal(PredictionRequest{Image: values, K: 1})
	require.NoError(t, err)

	p := &fakePredictor{}
	w := serve(t, p, httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(payload)))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 48, p.gotValues)
	assert.Equal(t, 1, p.gotK)
}

func TestPredictValues_BadRequests(t *testing.T) {
	w := serve(t, &fakePredictor{}, httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(`{"image":`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid JSON", decodeError(t, w))

	w = serve(t, &fakePredictor{}, httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(`{"image":[0.1,0.2]}`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Expected 48 values, got 2", decodeError(t, w))

	w = serve(t, &fakePredictor{readyErr: pipeline.ErrNotReady}, httptest.NewRequest(http.MethodPost, "/predict", strings.NewReader(`{"image":[]}`)))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = serve(t, &fakePredictor{}, httptest.NewRequest(http.MethodGet, "/predict", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestPredictValues_BodyTooLarge(t *testing.T) {
	payload, err := json.Marshal(PredictionRequest{Image: make([]float32, 4*4*3)})
	require.NoError(t, err)
	require.Greater(t, len(payload), 64)

	p := &fakePredictor{}
	w := serveHandler(t, NewHandler(p, 64, 0), httptest.NewRequest(http.MethodPost, "/predict", bytes.NewReader(payload)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, decodeError(t, w), "exceeds 64 bytes")
	assert.Zero(t, p.gotValues)
}

func TestPredictFromImage_PixelLimit(t *testing.T) {
	p := &fakePredictor{}
	w := serveHandler(t, NewHandler(p, 1<<20, 63), pngUpload(t, "image", ""))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeError(t, w), "8x8 exceeds 63 pixels")
	assert.Nil(t, p.gotImage)

	w = serveHandler(t, NewHandler(p, 1<<20, 64), pngUpload(t, "image", ""))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestWriteJSON_UnencodableValue(t *testing.T) {
	w := httptest.NewRecorder()
	writeJSON(w, http.StatusOK, map[string]float64{"p": math.NaN()})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "failed to encode response", decodeError(t, w))
}

func TestReload(t *testing.T) {
	p := &fakePredictor{}
	w := serve(t, p, httptest.NewRequest(http.MethodPost, "/model/reload?version=v1", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "v1", p.reloadedTo)

	p = &fakePredictor{reloadErr: fmt.Errorf("%w: v9", pipeline.ErrUnknownVersion)}
	w = serve(t, p, httptest.NewRequest(http.MethodPost, "/model/reload?version=v9", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	p = &fakePredictor{reloadErr: &model.LoadError{Version: "v2", Provider: model.ProviderCPU, Err: model.ErrCorrupt}}
	w = serve(t, p, httptest.NewRequest(http.MethodPost, "/model/reload", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "", p.reloadedTo)
}

func TestCORSPreflight(t *testing.T) {
	w := serve(t, &fakePredictor{}, httptest.NewRequest(http.MethodOptions, "/predict/image", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, w.Body.String())
}

func TestRecovery(t *testing.T) {
	h := Recovery(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "internal server error", decodeError(t, w))
}

func TestMetricsEndpoint(t *testing.T) {
	w := serve(t, &fakePredictor{}, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
