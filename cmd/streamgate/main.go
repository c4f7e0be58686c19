package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codefionn/streamgate/internal/audit"
	"github.com/codefionn/streamgate/internal/config"
	"github.com/codefionn/streamgate/internal/gateway"
	"github.com/codefionn/streamgate/internal/logger"
	"github.com/codefionn/streamgate/internal/sessions"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath = flag.String("config", "", "Path to config file (JSON)")
		listenAddr = flag.String("listen", "", "Override listen address")
		logLevel   = flag.String("log-level", "", "Override log level (debug, info, warn, error, none)")
		tokensPath = flag.String("tokens", "", "Path to a JSON token -> user table")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	log := logger.Global()
	log.SetMirrorStderr(true)
	defer log.Close()

	var store *audit.Store
	var recorder sessions.SummaryRecorder
	if cfg.AuditDBPath != "" {
		store, err = audit.NewStore(cfg.AuditDBPath)
		if err != nil {
			return fmt.Errorf("failed to open audit store: %w", err)
		}
		defer store.Close()
		recorder = store
	}

	factory := sessions.NewFactory(sessions.FactoryOptions{
		MaxManagersPerUser:  cfg.MaxManagersPerUser,
		ManagerTTL:          cfg.ManagerTTL(),
		SweepInterval:       cfg.SweepInterval(),
		DegradedFailureRate: cfg.DegradedFailureRate,
	}, recorder, log)
	defer factory.Close()

	auth, err := loadAuthenticator(*tokensPath)
	if err != nil {
		return err
	}

	srv := gateway.NewServer(cfg, factory, auth, store, log)
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	// Hot-reload tunables while running.
	if *configPath != "" {
		watcher, werr := config.NewWatcher(*configPath, log)
		if werr != nil {
			log.Warn("config hot reload unavailable: %v", werr)
		} else {
			defer watcher.Close()
			watcher.OnReload(func(updated *config.Config) {
				srv.SetDegradedFailureRate(updated.DegradedFailureRate)
			})
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}

// loadAuthenticator reads a token table file. Credential issuance belongs to
// the auth service; this table is the hand-off boundary for deployments
// without one.
func loadAuthenticator(path string) (gateway.Authenticator, error) {
	tokens := make(map[string]string)
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read token table: %w", err)
		}
		if err := json.Unmarshal(data, &tokens); err != nil {
			return nil, fmt.Errorf("failed to parse token table: %w", err)
		}
	}
	return &gateway.StaticTokenAuthenticator{Tokens: tokens}, nil
}
