// Package orchestrator parses orchestrator command flags and launches the
// orchestrator runtime.
package orchestrator

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/louisbranch/sagaflow/internal/platform/cmd"
	"github.com/louisbranch/sagaflow/internal/platform/discovery"
	orchestratorserver "github.com/louisbranch/sagaflow/internal/services/orchestrator/app"
)

// Config holds orchestrator command configuration.
type Config struct {
	HTTPPort            int           `env:"SAGAFLOW_ORCHESTRATOR_HTTP_PORT" envDefault:"8070"`
	GRPCPort            int           `env:"SAGAFLOW_ORCHESTRATOR_GRPC_PORT" envDefault:"8071"`
	DBPath              string        `env:"SAGAFLOW_ORCHESTRATOR_DB_PATH" envDefault:"data/sagaflow.db"`
	Owner               string        `env:"SAGAFLOW_ORCHESTRATOR_OWNER"`
	LeaseTTL            time.Duration `env:"SAGAFLOW_ORCHESTRATOR_LEASE_TTL" envDefault:"30s"`
	PollInterval        time.Duration `env:"SAGAFLOW_ORCHESTRATOR_POLL_INTERVAL" envDefault:"500ms"`
	BatchSize           int           `env:"SAGAFLOW_ORCHESTRATOR_BATCH_SIZE" envDefault:"16"`
	Workers             int           `env:"SAGAFLOW_ORCHESTRATOR_WORKERS" envDefault:"4"`
	CollaboratorBaseURL string        `env:"SAGAFLOW_ORCHESTRATOR_COLLABORATOR_URL"`
	BettingBaseURL      string        `env:"SAGAFLOW_ORCHESTRATOR_BETTING_URL"`
	RiskBaseURL         string        `env:"SAGAFLOW_ORCHESTRATOR_RISK_URL"`
	WalletBaseURL       string        `env:"SAGAFLOW_ORCHESTRATOR_WALLET_URL"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	cfg.CollaboratorBaseURL = discovery.OrDefaultHTTPBaseURL(cfg.CollaboratorBaseURL, discovery.ServiceStepSim)
	fs.IntVar(&cfg.HTTPPort, "http-port", cfg.HTTPPort, "The orchestrator HTTP API port")
	fs.IntVar(&cfg.GRPCPort, "grpc-port", cfg.GRPCPort, "The orchestrator health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The orchestrator SQLite database path")
	fs.StringVar(&cfg.Owner, "owner", cfg.Owner, "Lease owner identity for this engine instance")
	fs.DurationVar(&cfg.LeaseTTL, "lease-ttl", cfg.LeaseTTL, "Transaction lease duration")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Due transaction poll interval")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Maximum transactions claimed per poll")
	fs.IntVar(&cfg.Workers, "workers", cfg.Workers, "Concurrent transaction advancement workers")
	fs.StringVar(&cfg.CollaboratorBaseURL, "collaborator-url", cfg.CollaboratorBaseURL, "Catch-all collaborator base URL")
	fs.StringVar(&cfg.BettingBaseURL, "betting-url", cfg.BettingBaseURL, "Betting collaborator base URL override")
	fs.StringVar(&cfg.RiskBaseURL, "risk-url", cfg.RiskBaseURL, "Risk collaborator base URL override")
	fs.StringVar(&cfg.WalletBaseURL, "wallet-url", cfg.WalletBaseURL, "Wallet collaborator base URL override")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the orchestrator runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceOrchestrator, func(context.Context) error {
		return orchestratorserver.Run(ctx, orchestratorserver.RuntimeConfig{
			HTTPPort:            cfg.HTTPPort,
			GRPCPort:            cfg.GRPCPort,
			DBPath:              cfg.DBPath,
			Owner:               cfg.Owner,
			LeaseTTL:            cfg.LeaseTTL,
			PollInterval:        cfg.PollInterval,
			BatchSize:           cfg.BatchSize,
			Workers:             cfg.Workers,
			CollaboratorBaseURL: cfg.CollaboratorBaseURL,
			BettingBaseURL:      cfg.BettingBaseURL,
			RiskBaseURL:         cfg.RiskBaseURL,
			WalletBaseURL:       cfg.WalletBaseURL,
		})
	})
}
