package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/forgehq/forge/pkg/config"
	"github.com/forgehq/forge/pkg/engine"
	"github.com/forgehq/forge/pkg/telemetry"
)

func main() {
	var (
		instanceID   = flag.String("instance-id", "", "Instance ID (overrides FORGE_INSTANCE_ID env var)")
		listenAddr   = flag.String("listen-addr", "", "HTTP listen address (overrides FORGE_LISTEN_ADDR env var)")
		showHelp     = flag.Bool("help", false, "Show help message")
		validateOnly = flag.Bool("validate-config", false, "Validate configuration and exit")
	)
	flag.Parse()

	if *showHelp {
		printHelp()
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}
	if *instanceID != "" {
		cfg.InstanceID = *instanceID
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	if *validateOnly {
		if err := cfg.Validate(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("configuration OK")
		return
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel == "debug")
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to build logger:", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting forge instance", zap.String("instance_id", cfg.InstanceID))

	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startCancel()

	eng, err := engine.New(startCtx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to construct engine", zap.Error(err))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      "ok",
			"instance_id": cfg.InstanceID,
		})
	})
	mux.Handle("/metrics", promhttp.HandlerFor(eng.Metrics.Registry, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}

	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		if err := eng.Run(ctx); err != nil {
			logger.Error("engine run exited", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down forge instance")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown error", zap.Error(err))
	}
	if err := eng.Close(); err != nil {
		logger.Warn("engine close error", zap.Error(err))
	}
}

func printHelp() {
	fmt.Println("Forge — institutional-memory knowledge graph engine")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  forge [OPTIONS]")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  --instance-id=ID      Federation instance id (default: FORGE_INSTANCE_ID env var)")
	fmt.Println("  --listen-addr=ADDR    HTTP listen address (default: FORGE_LISTEN_ADDR env var or :8080)")
	fmt.Println("  --validate-config     Validate configuration and exit")
	fmt.Println("  --help                Show this help message")
}
