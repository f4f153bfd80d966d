// Package app wires the sweeper runtime: the shared SQLite store, an engine
// without a collaborator invoker, the timeout sweep loop, and a gRPC health
// listener.
package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/louisbranch/sagaflow/internal/platform/discovery"
	platformgrpc "github.com/louisbranch/sagaflow/internal/platform/grpc"
	"github.com/louisbranch/sagaflow/internal/saga/definition"
	"github.com/louisbranch/sagaflow/internal/saga/engine"
	"github.com/louisbranch/sagaflow/internal/saga/storage/sqlite"
	"github.com/louisbranch/sagaflow/internal/saga/sweep"
	"github.com/louisbranch/sagaflow/internal/saga/workflows"
)

// RuntimeConfig controls sweeper startup and sweep cadence.
type RuntimeConfig struct {
	GRPCPort  int
	DBPath    string
	Owner     string
	LeaseTTL  time.Duration
	Interval  time.Duration
	BatchSize int
	// CollaboratorBaseURL resolves workflow services during definition
	// registration. The sweeper never calls collaborators; timeouts and
	// deadlines are resolved from stored state alone.
	CollaboratorBaseURL string
	BettingBaseURL      string
	RiskBaseURL         string
	WalletBaseURL       string
}

const (
	defaultGRPCPort = 8072
	defaultDBPath   = "data/sagaflow.db"
)

// Run starts the sweeper and blocks until ctx ends or the loop fails.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.GRPCPort <= 0 {
		cfg.GRPCPort = defaultGRPCPort
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = defaultDBPath
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create sweeper storage dir: %w", err)
		}
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open sweeper sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close sweeper sqlite store: %v", closeErr)
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

	eng, err := engine.New(engine.Config{
		Store:    store,
		Registry: registry,
		Owner:    cfg.Owner,
		LeaseTTL: cfg.LeaseTTL,
	})
	if err != nil {
		return fmt.Errorf("build saga engine: %w", err)
	}

	sweeper, err := sweep.New(sweep.Config{
		Engine:    eng,
		Interval:  cfg.Interval,
		BatchSize: cfg.BatchSize,
	})
	if err != nil {
		return fmt.Errorf("build sweeper: %w", err)
	}

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return fmt.Errorf("listen on sweeper grpc port %d: %w", cfg.GRPCPort, err)
	}
	defer grpcListener.Close()

	grpcServer, healthServer := platformgrpc.NewHealthServer(discovery.ServiceSweeper)
	grpcErr := make(chan error, 1)
	go func() {
		grpcErr <- grpcServer.Serve(grpcListener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-grpcErr
	}()

	log.Printf("sweeper health server listening at %v", grpcListener.Addr())
	return sweeper.Run(ctx)
}
