// Package app wires the orchestrator runtime: the SQLite store, the packaged
// workflow registry, the saga engine and its poll runner, the HTTP API, and a
// gRPC health listener.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/sagaflow/internal/platform/discovery"
	platformgrpc "github.com/louisbranch/sagaflow/internal/platform/grpc"
	"github.com/louisbranch/sagaflow/internal/platform/timeouts"
	"github.com/louisbranch/sagaflow/internal/saga/definition"
	"github.com/louisbranch/sagaflow/internal/saga/engine"
	"github.com/louisbranch/sagaflow/internal/saga/eventbus"
	"github.com/louisbranch/sagaflow/internal/saga/executor"
	"github.com/louisbranch/sagaflow/internal/saga/storage/sqlite"
	"github.com/louisbranch/sagaflow/internal/saga/workflows"
	"github.com/louisbranch/sagaflow/internal/services/orchestrator/api/httpapi"
)

// RuntimeConfig controls orchestrator startup and loop behavior.
type RuntimeConfig struct {
	HTTPPort     int
	GRPCPort     int
	DBPath       string
	Owner        string
	LeaseTTL     time.Duration
	PollInterval time.Duration
	BatchSize    int
	Workers      int
	// CollaboratorBaseURL is the catch-all target for workflow services
	// without a dedicated override.
	CollaboratorBaseURL string
	BettingBaseURL      string
	RiskBaseURL         string
	WalletBaseURL       string
}

const (
	defaultHTTPPort = 8070
	defaultGRPCPort = 8071
	defaultDBPath   = "data/sagaflow.db"
)

// Run starts the orchestrator and blocks until ctx ends or a component
// fails. The engine runner is the foreground loop; the HTTP API and the
// gRPC health server run alongside it.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.HTTPPort <= 0 {
		cfg.HTTPPort = defaultHTTPPort
	}
	if cfg.GRPCPort <= 0 {
		cfg.GRPCPort = defaultGRPCPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultDBPath
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create orchestrator storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open orchestrator sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close orchestrator sqlite store: %v", closeErr)
		}
	}()

	registry := definition.NewRegistry(definition.MapResolver{
		Default: cfg.CollaboratorBaseURL,
		Overrides: map[string]string{
			workflows.ServiceBetting: cfg.BettingBaseURL,
			workflows.ServiceRisk:    cfg.RiskBaseURL,
			workflows.ServiceWallet:  cfg.WalletBaseURL,
		},
	})
	if err := workflows.RegisterAll(registry); err != nil {
		return fmt.Errorf("register workflows: %w", err)
	}

	bus := eventbus.New()
	defer func() {
		if closeErr := bus.Close(); closeErr != nil {
			log.Printf("close event bus: %v", closeErr)
		}
	}()

	eng, err := engine.New(engine.Config{
		Store:     store,
		Registry:  registry,
		Invoker:   executor.New(nil),
		Publisher: bus,
		Owner:     cfg.Owner,
		LeaseTTL:  cfg.LeaseTTL,
	})
	if err != nil {
		return fmt.Errorf("build saga engine: %w", err)
	}

	runner, err := engine.NewRunner(engine.RunnerConfig{
		Engine:       eng,
		PollInterval: cfg.PollInterval,
		BatchSize:    cfg.BatchSize,
		Workers:      cfg.Workers,
	})
	if err != nil {
		return fmt.Errorf("build engine runner: %w", err)
	}

	apiHandler, err := httpapi.New(httpapi.Config{
		Engine:   eng,
		Store:    store,
		Registry: registry,
		Stream:   bus,
	})
	if err != nil {
		return fmt.Errorf("build http api: %w", err)
	}

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           apiHandler.Routes(),
		ReadHeaderTimeout: timeouts.ReadHeader,
	}
	httpErr := make(chan error, 1)
	go func() {
		httpErr <- httpServer.ListenAndServe()
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Printf("shutdown http server: %v", shutdownErr)
		}
	}()

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen on orchestrator grpc port %d: %w", cfg.GRPCPort, err)
	}
	defer grpcListener.Close()

	grpcServer, healthServer := platformgrpc.NewHealthServer(discovery.ServiceOrchestrator)
	grpcErr := make(chan error, 1)
	go func() {
		grpcErr <- grpcServer.Serve(grpcListener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-grpcErr
	}()

	log.Printf("orchestrator http api listening at :%d", cfg.HTTPPort)
	log.Printf("orchestrator health server listening at %v", grpcListener.Addr())

	runErr := make(chan error, 1)
	go func() {
		runErr <- runner.Run(ctx)
	}()

	select {
	case err := <-runErr:
		return err
	case err := <-httpErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case err := <-grpcErr:
		grpcErr <- err
		return fmt.Errorf("grpc health server: %w", err)
	}
}
