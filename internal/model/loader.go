package model

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	modelFile    = "model.onnx"
	metadataFile = "metadata.json"
)

var envMu sync.Mutex

// Loader turns a version id into a warmed-up Model read from
// {ModelsPath}/{version}/. It does not cache what it loads.
type Loader struct {
	ModelsPath     string
	LibraryPath    string
	IntraOpThreads int

	// ImageSize is assumed for metadata without input_shape or image_size.
	ImageSize int
}

// Load reads the artifact for version and builds a session on provider.
// Errors are *LoadError wrapping ErrNotFound, ErrCorrupt or
// ErrBackendInit. ErrBackendInit may be retried on another provider.
func (l *Loader) Load(ctx context.Context, version string, provider Provider) (Model, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if version == "" || strings.ContainsAny(version, `/\`) || version == "." || version == ".." {
		return nil, loadErr(version, provider, ErrNotFound, fmt.Errorf("invalid version id %q", version))
	}

	dir := filepath.Join(l.ModelsPath, version)
	modelPath := filepath.Join(dir, modelFile)
	if _, err := os.Stat(modelPath); err != nil {
		return nil, loadErr(version, provider, ErrNotFound, err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, loadErr(version, provider, ErrNotFound, fmt.Errorf("failed to read metadata: %w", err))
	}
	meta, err := parseMetadata(raw, l.ImageSize)
	if err != nil {
		return nil, loadErr(version, provider, ErrCorrupt, err)
	}

	if err := l.initEnvironment(); err != nil {
		return nil, loadErr(version, provider, ErrBackendInit, err)
	}

	opts, err := l.sessionOptions(provider)
	if err != nil {
		return nil, loadErr(version, provider, ErrBackendInit, err)
	}
	defer opts.Destroy()

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{meta.InputName}, []string{meta.OutputName}, opts)
	if err != nil {
		return nil, loadErr(version, provider, failureKind(provider), fmt.Errorf("failed to create ONNX session: %w", err))
	}

	m := &onnxModel{
		session:     session,
		meta:        meta,
		inputShape:  ort.NewShape(meta.InputShape...),
		outputShape: ort.NewShape(meta.OutputShape...),
		caps: Capabilities{
			InputSize:            meta.ImageSize,
			NumClasses:           meta.NumClasses(),
			EmbedsRescale:        meta.embedsRescale,
			OutputsProbabilities: meta.OutputsProbabilities,
			Provider:             provider,
		},
	}

	gradPath := filepath.Join(dir, filepath.Base(meta.Saliency.File))
	if _, err := os.Stat(gradPath); err == nil {
		grad, err := ort.NewDynamicAdvancedSession(gradPath,
			[]string{meta.Saliency.InputName, meta.Saliency.TargetName},
			[]string{meta.Saliency.OutputName}, opts)
		if err != nil {
			log.Warn().Err(err).Str("version", version).Msg("saliency graph unusable, explanations will use the default region")
		} else {
			m.gradSession = grad
			m.caps.Gradient = true
		}
	}

	if err := WarmUp(m); err != nil {
		if cerr := m.Close(); cerr != nil {
			log.Error().Err(cerr).Str("version", version).Msg("failed to release model after warm-up")
		}
		return nil, loadErr(version, provider, failureKind(provider), err)
	}

	log.Info().
		Str("version", version).
		Str("provider", string(provider)).
		Int("input_size", m.caps.InputSize).
		Int("classes", m.caps.NumClasses).
		Bool("embeds_rescale", m.caps.EmbedsRescale).
		Bool("gradient", m.caps.Gradient).
		Msg("model loaded")
	return m, nil
}

// failureKind classifies a session or warm-up failure. The CPU provider
// always initialises, so a failure there is the graph itself; elsewhere it
// may be the accelerator and another provider is worth trying.
func failureKind(provider Provider) error {
	if provider == ProviderCPU {
		return ErrCorrupt
	}
	return ErrBackendInit
}

func (l *Loader) initEnvironment() error {
	envMu.Lock()
	defer envMu.Unlock()
	if ort.IsInitialized() {
		return nil
	}
	if l.LibraryPath != "" {
		ort.SetSharedLibraryPath(l.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

func (l *Loader) sessionOptions(provider Provider) (*ort.SessionOptions, error) {
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if l.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(l.IntraOpThreads); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
		}
	}

	switch provider {
	case ProviderCPU:
	case ProviderCUDA:
		cuda, err := ort.NewCUDAProviderOptions()
		if err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("failed to create CUDA options: %w", err)
		}
		defer cuda.Destroy()
		if err := opts.AppendExecutionProviderCUDA(cuda); err != nil {
			opts.Destroy()
			return nil, fmt.Errorf("failed to enable CUDA: %w", err)
		}
	default:
		opts.Destroy()
		return nil, errors.New("unknown execution provider " + string(provider))
	}
	return opts, nil
}

// Shutdown releases the onnxruntime environment. Call it once, after every
// model has been closed.
func Shutdown() {
	envMu.Lock()
	defer envMu.Unlock()
	if ort.IsInitialized() {
		if err := ort.DestroyEnvironment(); err != nil {
			log.Error().Err(err).Msg("failed to destroy ONNX environment")
		}
	}
}
