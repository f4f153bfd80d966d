package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollInterval = 500 * time.Millisecond
	defaultBatchSize    = 16
	defaultWorkers      = 4

	maxClaimBackoff = 30 * time.Second
)

// RunnerConfig tunes the polling loop. Zero values fall back to defaults.
type RunnerConfig struct {
	Engine       *Engine
	PollInterval time.Duration
	BatchSize    int
	Workers      int
}

// Runner drains due transactions in batches and advances each one on a
// bounded worker pool. Multiple runners may poll the same store; the lease
// claim keeps them from stepping on each other.
type Runner struct {
	engine   *Engine
	interval time.Duration
	batch    int
	workers  int
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("runner requires an engine")
	}
	r := &Runner{
		engine:   cfg.Engine,
		interval: cfg.PollInterval,
		batch:    cfg.BatchSize,
		workers:  cfg.Workers,
	}
	if r.interval <= 0 {
		r.interval = defaultPollInterval
	}
	if r.batch <= 0 {
		r.batch = defaultBatchSize
	}
	if r.workers <= 0 {
		r.workers = defaultWorkers
	}
	return r, nil
}

// Run polls until the context is cancelled. Claim failures back off
// exponentially; a full batch re-polls immediately.
func (r *Runner) Run(ctx context.Context) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = r.interval
	retry.MaxInterval = maxClaimBackoff

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		n, err := r.drain(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := retry.NextBackOff()
			log.Printf("saga runner: claim failed, retrying in %s: %v", delay, err)
			timer.Reset(delay)
		case n > 0:
			retry.Reset()
			timer.Reset(0)
		default:
			retry.Reset()
			timer.Reset(r.interval)
		}
	}
}

func (r *Runner) drain(ctx context.Context) (int, error) {
	txns, err := r.engine.ClaimDue(ctx, r.batch)
	if err != nil {
		return 0, err
	}
	if len(txns) == 0 {
		return 0, nil
	}

	var g errgroup.Group
	g.SetLimit(r.workers)
	for _, txn := range txns {
		g.Go(func() error {
			if _, err := r.engine.Advance(ctx, txn); err != nil && ctx.Err() == nil {
				log.Printf("saga runner: advance %s: %v", txn.ID, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(txns), nil
}
