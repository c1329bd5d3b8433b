package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/Brownie44l1/derma-api/internal/manifest"
	"github.com/Brownie44l1/derma-api/internal/model"
	"github.com/Brownie44l1/derma-api/internal/pipeline"
	"github.com/Brownie44l1/derma-api/internal/preprocess"
)

// Predictor is the part of pipeline.Service the handlers use.
type Predictor interface {
	Predict(ctx context.Context, img image.Image, k int) (*pipeline.Result, error)
	PredictValues(ctx context.Context, values []float32, k int) (*pipeline.Result, error)
	Reload(ctx context.Context, version string) error
	Ready() error
	Info() pipeline.Info
}

type Handler struct {
	predictor      Predictor
	maxUploadBytes int64
	maxImagePixels int64
}

// NewHandler caps request bodies at maxUploadBytes and decoded images at
// maxImagePixels. Zero picks the defaults.
func NewHandler(predictor Predictor, maxUploadBytes, maxImagePixels int64) *Handler {
	if maxUploadBytes <= 0 {
		maxUploadBytes = 10 << 20
	}
	if maxImagePixels <= 0 {
		maxImagePixels = preprocess.DefaultMaxPixels
	}
	return &Handler{
		predictor:      predictor,
		maxUploadBytes: maxUploadBytes,
		maxImagePixels: maxImagePixels,
	}
}

// PredictionRequest carries an already preprocessed NHWC input array.
type PredictionRequest struct {
	Image []float32 `json:"image"`
	K     int       `json:"k,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.predictor.Ready(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "loading", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": h.predictor.Info().Version})
}

func (h *Handler) Model(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if err := h.predictor.Ready(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, h.predictor.Info())
}

func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	version := r.URL.Query().Get("version")
	if err := h.predictor.Reload(r.Context(), version); err != nil {
		log.Error().Err(err).Str("version", version).Msg("model reload failed")
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, h.predictor.Info())
}

func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxUploadBytes))
	if err != nil {
		if tooLarge(err) {
			writeErrorMessage(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Request body exceeds %d bytes", h.maxUploadBytes))
			return
		}
		writeErrorMessage(w, http.StatusBadRequest, "Failed to read request body")
		return
	}

	var req PredictionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	if err := h.predictor.Ready(); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	size := h.predictor.Info().Capabilities.InputSize
	if expected := size * size * 3; len(req.Image) != expected {
		writeErrorMessage(w, http.StatusBadRequest, fmt.Sprintf("Expected %d values, got %d", expected, len(req.Image)))
		return
	}

	result, err := h.predictor.PredictValues(r.Context(), req.Image, req.K)
	if err != nil {
		log.Error().Err(err).Msg("prediction error")
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorMessage(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(h.maxUploadBytes); err != nil {
		if tooLarge(err) {
			writeErrorMessage(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("Upload exceeds %d bytes", h.maxUploadBytes))
			return
		}
		writeErrorMessage(w, http.StatusBadRequest, "Failed to parse form")
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "No image file provided. Use 'image' as the form field name")
		return
	}
	defer file.Close()

	k := 0
	if raw := r.FormValue("k"); raw != "" {
		if k, err = strconv.Atoi(raw); err != nil || k <= 0 {
			writeErrorMessage(w, http.StatusBadRequest, "k must be a positive integer")
			return
		}
	}

	img, format, err := preprocess.Decode(file, h.maxImagePixels)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	log.Debug().
		Str("file", header.Filename).
		Int64("bytes", header.Size).
		Str("format", format).
		Int("width", img.Bounds().Dx()).
		Int("height", img.Bounds().Dy()).
		Msg("received image")

	result, err := h.predictor.Predict(r.Context(), img, k)
	if err != nil {
		log.Error().Err(err).Msg("prediction error")
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func tooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, preprocess.ErrDecode):
		return http.StatusBadRequest
	case tooLarge(err):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, pipeline.ErrUnknownVersion):
		return http.StatusNotFound
	case errors.Is(err, pipeline.ErrNotReady),
		errors.Is(err, manifest.ErrUnavailable),
		errors.Is(err, model.ErrNotFound),
		errors.Is(err, model.ErrCorrupt),
		errors.Is(err, model.ErrBackendInit):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}
