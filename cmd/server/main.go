package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Tyrowin/chatrelay/internal/auth"
	"github.com/Tyrowin/chatrelay/internal/config"
	"github.com/Tyrowin/chatrelay/internal/logging"
	"github.com/Tyrowin/chatrelay/internal/metrics"
	"github.com/Tyrowin/chatrelay/internal/router"
	"github.com/Tyrowin/chatrelay/internal/server"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "chatrelay terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	if err := config.LoadDotEnv(); err != nil {
		return exitConfig, err
	}
	cfg, err := config.Load()
	if err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}

	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return exitConfig, err
	}
	defer func() { _ = log.Sync() }()

	metrics.Register()

	verifier, err := newVerifier(cfg)
	if err != nil {
		return exitConfig, err
	}

	channels, err := router.NewChannelSet(cfg.Channels)
	if err != nil {
		return exitConfig, err
	}
	store, err := newStore(cfg, log)
	if err != nil {
		return exitRuntime, err
	}
	defer func() { _ = store.Close() }()

	r := router.New(log.Named("router"), channels, store)
	gateway := auth.NewGateway(log.Named("auth"), verifier, cfg.Auth.VerifyTimeout, cfg.Auth.MaxAttempts)
	manager := server.NewManager(cfg, log.Named("server"), r, gateway)
	go manager.Run()

	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(manager))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.StartServer(log, httpServer) }()

	log.Info("chatrelay started",
		zap.String("addr", cfg.Port),
		zap.String("verifier", cfg.Auth.Verifier),
		zap.String("log_backend", cfg.LogBackend),
		zap.Int("channels", channels.Len()))

	code := exitOK
	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err = <-serveErr:
		if err != nil {
			log.Error("HTTP server failed", zap.Error(err))
			code = exitRuntime
		}
	}

	if shutdownErr := server.ShutdownServer(log, httpServer, cfg.ShutdownTimeout); shutdownErr != nil && code == exitOK {
		code = exitRuntime
	}
	if shutdownErr := manager.Shutdown(cfg.ShutdownTimeout); shutdownErr != nil {
		log.Warn("Manager shutdown incomplete", zap.Error(shutdownErr))
	}
	return code, err
}

func newVerifier(cfg *config.Config) (auth.Verifier, error) {
	switch cfg.Auth.Verifier {
	case config.VerifierStatic:
		return auth.NewStaticVerifier(cfg.Identities), nil
	case config.VerifierJWT:
		return auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTIssuer), nil
	case config.VerifierTokenInfo:
		client := &http.Client{Timeout: cfg.Auth.VerifyTimeout + time.Second}
		return auth.NewTokenInfoVerifier(cfg.Auth.TokenInfoURL, cfg.Auth.TokenInfoAudience, client), nil
	default:
		return nil, fmt.Errorf("unknown verifier %q", cfg.Auth.Verifier)
	}
}

func newStore(cfg *config.Config, log *zap.Logger) (router.Log, error) {
	if cfg.LogBackend == config.BackendBadger {
		return router.NewBadgerLog(log)
	}
	return router.NewMemoryLog(), nil
}
