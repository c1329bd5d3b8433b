package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/Brownie44l1/derma-api/internal/config"
	"github.com/Brownie44l1/derma-api/internal/handlers"
	"github.com/Brownie44l1/derma-api/internal/logger"
	"github.com/Brownie44l1/derma-api/internal/manifest"
	"github.com/Brownie44l1/derma-api/internal/metrics"
	"github.com/Brownie44l1/derma-api/internal/model"
	"github.com/Brownie44l1/derma-api/internal/pipeline"
	"github.com/Brownie44l1/derma-api/internal/saliency"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}

	m := metrics.New(prometheus.DefaultRegisterer)

	svc := pipeline.NewService(pipeline.ServiceConfig{
		Source: manifestSource(cfg.ManifestURL),
		Loader: &model.Loader{
			ModelsPath:     cfg.ModelsPath,
			LibraryPath:    cfg.OrtLibraryPath,
			IntraOpThreads: cfg.IntraOpThreads,
			ImageSize:      cfg.ImageSize,
		},
		Providers: cfg.ExecutionProviders,
		Version:   cfg.ModelVersion,
		TopK:      cfg.TopK,
		Saliency: saliency.Options{
			MaxROIs:             cfg.MaxROIs,
			ThresholdPercentile: cfg.ThresholdPercentile,
			MinBoxPx:            cfg.MinBoxPx,
		},
		Metrics: m,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A failed load leaves /health at 503 until POST /model/reload succeeds.
	if err := svc.Start(ctx); err != nil {
		log.Error().Err(err).Msg("model not loaded, serving without a model")
	} else {
		info := svc.Info()
		log.Info().
			Str("version", info.Version).
			Str("provider", string(info.Capabilities.Provider)).
			Strs("classes", info.Labels).
			Msg("serving model")
	}

	h := handlers.NewHandler(svc, cfg.MaxUploadBytes, cfg.MaxImagePixels)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handlers.Routes(h, prometheus.DefaultGatherer),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", srv.Addr).
			Str("models_path", cfg.ModelsPath).
			Str("manifest", cfg.ManifestURL).
			Msg("server starting")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	}
	if err := svc.Close(); err != nil {
		log.Error().Err(err).Msg("failed to release model")
	}
	model.Shutdown()
	log.Info().Msg("server stopped")
}

func manifestSource(url string) manifest.Source {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return manifest.NewHTTPSource(url)
	}
	return manifest.FileSource{Path: url}
}
