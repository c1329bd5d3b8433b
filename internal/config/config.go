// Package config loads service configuration from the environment.
//
// Every key can be set as an upper-case environment variable, e.g.
// MODELS_PATH=/srv/models or ROI_THRESHOLD_PERCENTILE=0.9. Unset keys take
// the defaults below.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/Brownie44l1/derma-api/internal/model"
)

// Config holds all service configuration.
type Config struct {
	Port      int
	LogLevel  string
	LogFormat string

	ModelsPath   string
	ManifestURL  string
	ModelVersion string

	OrtLibraryPath     string
	ExecutionProviders []model.Provider
	IntraOpThreads     int

	ImageSize           int
	TopK                int
	MaxROIs             int
	ThresholdPercentile float64
	MinBoxPx            int

	MaxUploadBytes  int64
	MaxImagePixels  int64
	ShutdownTimeout time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("models_path", "models")
	v.SetDefault("manifest_url", "")
	v.SetDefault("model_version", "")
	v.SetDefault("ort_library_path", "")
	v.SetDefault("execution_providers", "cuda,cpu")
	v.SetDefault("intra_op_threads", 0)
	v.SetDefault("image_size", 224)
	v.SetDefault("top_k", 3)
	v.SetDefault("max_rois", 3)
	v.SetDefault("roi_threshold_percentile", 0.85)
	v.SetDefault("roi_min_box_px", 10)
	v.SetDefault("max_upload_bytes", 10<<20)
	v.SetDefault("max_image_pixels", 50_000_000)
	v.SetDefault("shutdown_timeout", 10*time.Second)
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	return load(v)
}

func load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	providers, err := model.ParseProviders(v.GetString("execution_providers"))
	if err != nil {
		return nil, fmt.Errorf("invalid EXECUTION_PROVIDERS: %w", err)
	}

	cfg := &Config{
		Port:                v.GetInt("port"),
		LogLevel:            v.GetString("log_level"),
		LogFormat:           v.GetString("log_format"),
		ModelsPath:          v.GetString("models_path"),
		ManifestURL:         v.GetString("manifest_url"),
		ModelVersion:        v.GetString("model_version"),
		OrtLibraryPath:      v.GetString("ort_library_path"),
		ExecutionProviders:  providers,
		IntraOpThreads:      v.GetInt("intra_op_threads"),
		ImageSize:           v.GetInt("image_size"),
		TopK:                v.GetInt("top_k"),
		MaxROIs:             v.GetInt("max_rois"),
		ThresholdPercentile: v.GetFloat64("roi_threshold_percentile"),
		MinBoxPx:            v.GetInt("roi_min_box_px"),
		MaxUploadBytes:      v.GetInt64("max_upload_bytes"),
		MaxImagePixels:      v.GetInt64("max_image_pixels"),
		ShutdownTimeout:     v.GetDuration("shutdown_timeout"),
	}
	if cfg.ManifestURL == "" {
		cfg.ManifestURL = cfg.ModelsPath + "/manifest.json"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	if c.ModelsPath == "" {
		return fmt.Errorf("MODELS_PATH cannot be empty")
	}
	if c.ImageSize <= 0 {
		return fmt.Errorf("IMAGE_SIZE must be > 0, got %d", c.ImageSize)
	}
	if c.TopK <= 0 {
		return fmt.Errorf("TOP_K must be > 0, got %d", c.TopK)
	}
	if c.MaxROIs <= 0 {
		return fmt.Errorf("MAX_ROIS must be > 0, got %d", c.MaxROIs)
	}
	if c.ThresholdPercentile < 0 || c.ThresholdPercentile > 1 {
		return fmt.Errorf("ROI_THRESHOLD_PERCENTILE must be in [0, 1], got %v", c.ThresholdPercentile)
	}
	if c.MinBoxPx < 0 {
		return fmt.Errorf("ROI_MIN_BOX_PX must be >= 0, got %d", c.MinBoxPx)
	}
	if c.IntraOpThreads < 0 {
		return fmt.Errorf("INTRA_OP_THREADS must be >= 0, got %d", c.IntraOpThreads)
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("MAX_UPLOAD_BYTES must be > 0, got %d", c.MaxUploadBytes)
	}
	if c.MaxImagePixels <= 0 {
		return fmt.Errorf("MAX_IMAGE_PIXELS must be > 0, got %d", c.MaxImagePixels)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("SHUTDOWN_TIMEOUT must be > 0, got %v", c.ShutdownTimeout)
	}
	return nil
}
