// Package sweeper parses sweeper command flags and launches the sweeper
// runtime.
package sweeper

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/louisbranch/sagaflow/internal/platform/cmd"
	"github.com/louisbranch/sagaflow/internal/platform/discovery"
	sweeperserver "github.com/louisbranch/sagaflow/internal/services/sweeper/app"
)

// Config holds sweeper command configuration.
type Config struct {
	GRPCPort            int           `env:"SAGAFLOW_SWEEPER_GRPC_PORT" envDefault:"8072"`
	DBPath              string        `env:"SAGAFLOW_SWEEPER_DB_PATH" envDefault:"data/sagaflow.db"`
	Owner               string        `env:"SAGAFLOW_SWEEPER_OWNER"`
	LeaseTTL            time.Duration `env:"SAGAFLOW_SWEEPER_LEASE_TTL" envDefault:"30s"`
	Interval            time.Duration `env:"SAGAFLOW_SWEEPER_INTERVAL" envDefault:"5s"`
	BatchSize           int           `env:"SAGAFLOW_SWEEPER_BATCH_SIZE" envDefault:"32"`
	CollaboratorBaseURL string        `env:"SAGAFLOW_SWEEPER_COLLABORATOR_URL"`
	BettingBaseURL      string        `env:"SAGAFLOW_SWEEPER_BETTING_URL"`
	RiskBaseURL         string        `env:"SAGAFLOW_SWEEPER_RISK_URL"`
	WalletBaseURL       string        `env:"SAGAFLOW_SWEEPER_WALLET_URL"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	cfg.CollaboratorBaseURL = discovery.OrDefaultHTTPBaseURL(cfg.CollaboratorBaseURL, discovery.ServiceStepSim)
	fs.IntVar(&cfg.GRPCPort, "grpc-port", cfg.GRPCPort, "The sweeper health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The shared saga SQLite database path")
	fs.StringVar(&cfg.Owner, "owner", cfg.Owner, "Lease owner identity for this sweeper instance")
	fs.DurationVar(&cfg.LeaseTTL, "lease-ttl", cfg.LeaseTTL, "Transaction lease duration")
	fs.DurationVar(&cfg.Interval, "interval", cfg.Interval, "Timeout sweep interval")
	fs.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "Maximum transactions claimed per sweep")
	fs.StringVar(&cfg.CollaboratorBaseURL, "collaborator-url", cfg.CollaboratorBaseURL, "Catch-all collaborator base URL")
	fs.StringVar(&cfg.BettingBaseURL, "betting-url", cfg.BettingBaseURL, "Betting collaborator base URL override")
	fs.StringVar(&cfg.RiskBaseURL, "risk-url", cfg.RiskBaseURL, "Risk collaborator base URL override")
	fs.StringVar(&cfg.WalletBaseURL, "wallet-url", cfg.WalletBaseURL, "Wallet collaborator base URL override")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the sweeper runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSweeper, func(context.Context) error {
		return sweeperserver.Run(ctx, sweeperserver.RuntimeConfig{
			GRPCPort:            cfg.GRPCPort,
			DBPath:              cfg.DBPath,
			Owner:               cfg.Owner,
			LeaseTTL:            cfg.LeaseTTL,
			Interval:            cfg.Interval,
			BatchSize:           cfg.BatchSize,
			CollaboratorBaseURL: cfg.CollaboratorBaseURL,
			BettingBaseURL:      cfg.BettingBaseURL,
			RiskBaseURL:         cfg.RiskBaseURL,
			WalletBaseURL:       cfg.WalletBaseURL,
		})
	})
}
