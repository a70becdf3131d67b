// Command stealth-engine serves a tls-client engine over HTTP for the remote driver.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"k8s.io/klog/v2"

	"github.com/ditsuke/go-stealth/server"
	"github.com/ditsuke/go-stealth/stealth/engine"
	"github.com/ditsuke/go-stealth/stealth/instrumentation"
)

const shutdownTimeout = 15 * time.Second

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	defer klog.Flush()

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		klog.Warningf("Failed to load .env file: %s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := instrumentation.Init(ctx, instrumentation.ConfigFromEnv())
	if err != nil {
		klog.Fatalf("Failed to initialize telemetry: %s", err)
	}

	config := server.ConfigFromEnv()
	api := server.New(config)

	srv := &http.Server{
		Addr:              config.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		klog.Infof("Engine server listening on %s", config.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.Fatalf("Engine server failed: %s", err)
		}
	}()

	<-ctx.Done()
	klog.Info("Shutting down engine server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		klog.Errorf("Failed to shut down http server: %s", err)
	}
	if err := api.Close(); err != nil {
		klog.Errorf("Failed to close engine sessions: %s", err)
	}
	if err := engine.Shutdown(); err != nil {
		klog.Errorf("Failed to shut down engine runtime: %s", err)
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		klog.Errorf("Failed to flush telemetry: %s", err)
	}
}
