// Package stepsim parses simulator command flags and serves the collaborator
// simulator.
package stepsim

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	entrypoint "github.com/louisbranch/sagaflow/internal/platform/cmd"
	"github.com/louisbranch/sagaflow/internal/platform/timeouts"
	"github.com/louisbranch/sagaflow/internal/tools/stepsim"
)

// Config holds simulator command configuration.
type Config struct {
	Port    int           `env:"SAGAFLOW_STEPSIM_PORT" envDefault:"8100"`
	Rules   string        `env:"SAGAFLOW_STEPSIM_RULES"`
	Latency time.Duration `env:"SAGAFLOW_STEPSIM_LATENCY"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The simulator HTTP port")
	fs.StringVar(&cfg.Rules, "rules", cfg.Rules, "Failure script, e.g. credit_wallet=retryable:2,finalize_position=terminal")
	fs.DurationVar(&cfg.Latency, "latency", cfg.Latency, "Artificial delay before each first delivery")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run serves the simulator until ctx ends.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceStepSim, func(context.Context) error {
		rules, err := stepsim.ParseRules(cfg.Rules)
		if err != nil {
			return fmt.Errorf("parse failure rules: %w", err)
		}
		simulator := stepsim.New(rules, cfg.Latency)

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           simulator.Routes(),
			ReadHeaderTimeout: timeouts.ReadHeader,
		}
		serveErr := make(chan error, 1)
		go func() {
			serveErr <- server.ListenAndServe()
		}()
		log.Printf("stepsim listening at :%d", cfg.Port)

		select {
		case err := <-serveErr:
			return fmt.Errorf("stepsim server: %w", err)
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown stepsim server: %w", err)
		}
		if err := <-serveErr; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
}
