package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"stealthpay/config"
	"stealthpay/engine"
	"stealthpay/observability/logging"
	telemetry "stealthpay/observability/otel"
	"stealthpay/server"
	"stealthpay/settlement"
	"stealthpay/storage"
	"stealthpay/watcher"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "config/stealthpayd.yaml", "path to stealthpayd configuration file")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("STEALTHPAY_ENV"))
	logger := logging.Setup("stealthpayd", env)

	otlpEndpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
	otlpHeaders := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	insecure := true
	if value := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			insecure = parsed
		}
	}
	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "stealthpayd",
		Environment: env,
		Endpoint:    otlpEndpoint,
		Insecure:    insecure,
		Headers:     otlpHeaders,
		Metrics:     true,
		Traces:      true,
	})
	if err != nil {
		log.Fatalf("init telemetry: %v", err)
	}
	defer func() {
		if shutdownTelemetry != nil {
			_ = shutdownTelemetry(context.Background())
		}
	}()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("stealthpayd: load config: %v", err)
	}

	dsn, err := storage.FileDSN(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("stealthpayd: resolve storage DSN: %v", err)
	}
	store, err := storage.Open(dsn)
	if err != nil {
		log.Fatalf("stealthpayd: open storage: %v", err)
	}
	defer store.Close()

	evmClient, err := watcher.DialEVMClient(cfg.Chain.RPCURL)
	if err != nil {
		log.Fatalf("stealthpayd: dial chain rpc: %v", err)
	}
	defer evmClient.Close()

	params, err := settlement.ParamsForChain(cfg.Chain.ChainID)
	if err != nil {
		log.Fatalf("stealthpayd: settlement params: %v", err)
	}
	predictor := settlement.NewPredictor(params, evmClient, logger)

	factory := &watcher.Factory{
		Client:       evmClient,
		Checkpoints:  store,
		Logger:       logger,
		PollInterval: cfg.Chain.PollInterval.Duration,
		MaxBackoff:   cfg.Chain.MaxBackoff.Duration,
		RPCRate:      rate.Limit(cfg.Chain.RPCRate),
	}

	registry, err := engine.NewRegistry(store, predictor, factory, engine.Config{
		ChainID:    cfg.Chain.ChainID,
		SessionTTL: cfg.Sessions.DefaultTimeout.Duration,
	}, logger)
	if err != nil {
		log.Fatalf("stealthpayd: session registry: %v", err)
	}
	defer registry.Close()

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := registry.Recover(rootCtx); err != nil {
		log.Fatalf("stealthpayd: recover sessions: %v", err)
	}

	srv := server.New(registry, server.Config{
		RateLimit: server.RateLimit{
			RequestsPerMinute: float64(cfg.API.RatePerMinute),
			Burst:             cfg.API.Burst,
		},
		DefaultTimeout: cfg.Sessions.DefaultTimeout.Duration,
		MaxTimeout:     cfg.Sessions.MaxTimeout.Duration,
	}, logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-rootCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "err", err)
		}
	}()

	logger.Info("stealthpayd listening", "addr", cfg.ListenAddress, "chain", cfg.Chain.ChainID)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("stealthpayd: http server: %v", err)
	}
}
