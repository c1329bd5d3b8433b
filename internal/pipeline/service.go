package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Brownie44l1/derma-api/internal/inference"
	"github.com/Brownie44l1/derma-api/internal/manifest"
	"github.com/Brownie44l1/derma-api/internal/metrics"
	"github.com/Brownie44l1/derma-api/internal/model"
	"github.com/Brownie44l1/derma-api/internal/preprocess"
	"github.com/Brownie44l1/derma-api/internal/saliency"
)

var (
	// ErrNotReady is returned while no model is loaded.
	ErrNotReady = errors.New("model not ready")
	// ErrUnknownVersion is returned by Reload for versions the manifest
	// does not list.
	ErrUnknownVersion = errors.New("version not available")
)

// Loader builds a Model for a version on one execution provider.
type Loader interface {
	Load(ctx context.Context, version string, provider model.Provider) (model.Model, error)
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Source    manifest.Source
	Loader    Loader
	Providers []model.Provider
	// Version overrides the manifest's latest version when available.
	Version  string
	TopK     int
	Saliency saliency.Options
	Metrics  *metrics.Metrics
}

// Info describes the loaded model.
type Info struct {
	Version      string             `json:"version"`
	Latest       string             `json:"latest"`
	Available    []string           `json:"available"`
	Labels       []string           `json:"labels"`
	Capabilities model.Capabilities `json:"capabilities"`
}

// Service owns the manifest and the one loaded model. Predictions share
// the model under a read lock; Reload swaps it under the write lock, so a
// model is never replaced while a prediction is using it.
type Service struct {
	cfg ServiceConfig

	mu       sync.RWMutex
	model    model.Model
	manifest *manifest.Manifest
	version  string
	loadErr  error
}

func NewService(cfg ServiceConfig) *Service {
	if len(cfg.Providers) == 0 {
		cfg.Providers = []model.Provider{model.ProviderCPU}
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 3
	}
	return &Service{cfg: cfg, loadErr: errors.New("not started")}
}

// Start fetches the manifest, resolves the configured version and loads
// it. On failure the service stays not ready and Predict returns
// ErrNotReady.
func (s *Service) Start(ctx context.Context) error {
	m, err := s.cfg.Source.Fetch(ctx)
	if err != nil {
		return s.fail(fmt.Errorf("fetch manifest: %w", err))
	}
	version, err := manifest.Resolve(m, s.cfg.Version)
	if err != nil {
		return s.fail(err)
	}
	if s.cfg.Version != "" && version != s.cfg.Version {
		log.Warn().Str("requested", s.cfg.Version).Str("using", version).Msg("requested model version not available")
	}

	loaded, err := s.load(ctx, version)
	if err != nil {
		return s.fail(err)
	}
	s.swap(loaded, m, version)
	return nil
}

// Reload switches to version, or to the manifest's latest version when
// version is empty. The current model keeps serving if the reload fails.
func (s *Service) Reload(ctx context.Context, version string) error {
	m, err := s.cfg.Source.Fetch(ctx)
	if err != nil {
		return fmt.Errorf("fetch manifest: %w", err)
	}
	if version != "" && !m.Has(version) {
		return fmt.Errorf("%w: %q", ErrUnknownVersion, version)
	}
	resolved, err := manifest.Resolve(m, version)
	if err != nil {
		return err
	}

	loaded, err := s.load(ctx, resolved)
	if err != nil {
		return err
	}
	s.swap(loaded, m, resolved)
	return nil
}

// load tries each provider in order, moving on only when the backend
// itself failed to initialise.
func (s *Service) load(ctx context.Context, version string) (model.Model, error) {
	var lastErr error
	for _, provider := range s.cfg.Providers {
		m, err := s.cfg.Loader.Load(ctx, version, provider)
		if err == nil {
			s.cfg.Metrics.RecordLoad(string(provider), "ok")
			return m, nil
		}
		lastErr = err
		if !errors.Is(err, model.ErrBackendInit) {
			s.cfg.Metrics.RecordLoad(string(provider), "failed")
			return nil, err
		}
		s.cfg.Metrics.RecordLoad(string(provider), "backend_init")
		log.Warn().Err(err).Str("provider", string(provider)).Msg("execution backend unavailable, trying next")
	}
	return nil, lastErr
}

func (s *Service) swap(next model.Model, m *manifest.Manifest, version string) {
	s.mu.Lock()
	prev := s.model
	s.model, s.manifest, s.version, s.loadErr = next, m, version, nil
	s.mu.Unlock()

	s.cfg.Metrics.SetReady(version)
	if m != nil && len(m.Labels) > 0 && len(m.Labels) != next.Capabilities().NumClasses {
		log.Warn().
			Int("labels", len(m.Labels)).
			Int("classes", next.Capabilities().NumClasses).
			Str("version", version).
			Msg("label table does not match model output")
	}
	if prev != nil {
		if err := prev.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close previous model")
		}
	}
	log.Info().Str("version", version).Msg("model ready")
}

func (s *Service) fail(err error) error {
	s.mu.Lock()
	s.loadErr = err
	s.mu.Unlock()
	s.cfg.Metrics.RecordError("load", "startup")
	return err
}

// Ready returns nil once a model is loaded.
func (s *Service) Ready() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.model == nil {
		return fmt.Errorf("%w: %v", ErrNotReady, s.loadErr)
	}
	return nil
}

// Info describes the current model. It is zero until Start succeeds.
func (s *Service) Info() Info {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.model == nil {
		return Info{}
	}
	return Info{
		Version:      s.version,
		Latest:       s.manifest.Latest,
		Available:    slices.Clone(s.manifest.Available),
		Labels:       slices.Clone(s.manifest.Labels),
		Capabilities: s.model.Capabilities(),
	}
}

// Predict classifies and explains img. k <= 0 uses the configured TopK.
func (s *Service) Predict(ctx context.Context, img image.Image, k int) (*Result, error) {
	return s.predict(ctx, k, func(m model.Model, k int, labels []string, opts Options) (*Result, error) {
		return Predict(m, img, k, labels, opts)
	})
}

// PredictValues classifies an already preprocessed input array.
func (s *Service) PredictValues(ctx context.Context, values []float32, k int) (*Result, error) {
	return s.predict(ctx, k, func(m model.Model, k int, labels []string, opts Options) (*Result, error) {
		return PredictValues(m, values, k, labels, opts)
	})
}

type predictFunc func(m model.Model, k int, labels []string, opts Options) (*Result, error)

func (s *Service) predict(ctx context.Context, k int, fn predictFunc) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		k = s.cfg.TopK
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.model == nil {
		return nil, fmt.Errorf("%w: %v", ErrNotReady, s.loadErr)
	}

	start := time.Now()
	res, err := fn(s.model, k, s.manifest.Labels, Options{Saliency: s.cfg.Saliency, Metrics: s.cfg.Metrics})
	s.cfg.Metrics.RecordPredict(outcome(err), time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	res.Version = s.version
	return res, nil
}

// Close releases the loaded model.
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model == nil {
		return nil
	}
	err := s.model.Close()
	s.model = nil
	s.loadErr = errors.New("closed")
	s.cfg.Metrics.SetReady("")
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, preprocess.ErrDecode):
		return "bad_image"
	case errors.Is(err, inference.ErrShapeMismatch):
		return "shape_mismatch"
	case errors.Is(err, inference.ErrInvalidOutput):
		return "invalid_output"
	default:
		return "error"
	}
}
