// cmd/gateway/main.go
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"api-manager/internal/common/config"
	"api-manager/internal/common/logger"
	"api-manager/internal/common/observability"
	"api-manager/internal/gateway"
)

// writeMargin is added to the longest route timeout so the server never cuts
// off a response the gateway is still allowed to wait for.
const writeMargin = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		zap.NewExample().Fatal("config load failed", zap.Error(err))
	}

	zapLog := logger.NewWithOptions(logger.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	defer zapLog.Sync()
	log := logger.NewZapAdapter(zapLog)

	obs, err := observability.New("api-gateway")
	if err != nil {
		zapLog.Fatal("observability init failed", zap.Error(err))
	}
	defer obs.Shutdown()

	gw, err := gateway.New(cfg.Gateway, log, obs)
	if err != nil {
		zapLog.Fatal("gateway init failed", zap.Error(err))
	}

	mux := http.NewServeMux()
	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}
	mux.HandleFunc("GET /ready", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "ready",
			"routes": len(gw.Routes().Routes()),
		})
	})
	mux.Handle("/", gw.Handler())

	srv := &http.Server{
		Addr:              cfg.Gateway.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      gw.Routes().MaxTimeout() + writeMargin,
		IdleTimeout:       2 * time.Minute,
	}

	go func() {
		zapLog.Info("gateway listening",
			zap.String("address", srv.Addr),
			zap.String("baseUrl", cfg.Gateway.BaseURL),
			zap.Int("routes", len(gw.Routes().Routes())),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zapLog.Fatal("gateway server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, draining requests...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.GetDuration(cfg.Gateway.ShutdownTimeout))
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error during gateway shutdown", zap.Error(err))
	}
	zapLog.Info("Gateway stopped gracefully")
}
