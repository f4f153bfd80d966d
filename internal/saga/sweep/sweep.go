// Package sweep runs the background pass that unsticks sagas the hot path
// cannot see: in-flight deliveries whose worker died mid-call, and sagas
// past their overall deadline.
package sweep

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/louisbranch/sagaflow/internal/saga"
)

const (
	defaultInterval  = 5 * time.Second
	defaultBatchSize = 32

	maxSweepBackoff = time.Minute
)

// Advancer is the slice of the engine the sweeper drives.
type Advancer interface {
	ClaimStepTimedOut(ctx context.Context, limit int) ([]saga.Transaction, error)
	ClaimPastDeadline(ctx context.Context, limit int) ([]saga.Transaction, error)
	HandleStepTimeout(ctx context.Context, txn saga.Transaction) (saga.Transaction, error)
	EnforceDeadline(ctx context.Context, txn saga.Transaction) (saga.Transaction, error)
}

// Config tunes a Sweeper. Zero values fall back to defaults.
type Config struct {
	Engine    Advancer
	Interval  time.Duration
	BatchSize int
}

// Sweeper periodically claims stalled transactions and hands them to the
// engine. Safe to run alongside any number of runners and other sweepers.
type Sweeper struct {
	engine   Advancer
	interval time.Duration
	batch    int
}

func New(cfg Config) (*Sweeper, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("sweeper requires an engine")
	}
	s := &Sweeper{
		engine:   cfg.Engine,
		interval: cfg.Interval,
		batch:    cfg.BatchSize,
	}
	if s.interval <= 0 {
		s.interval = defaultInterval
	}
	if s.batch <= 0 {
		s.batch = defaultBatchSize
	}
	return s, nil
}

// Run sweeps until the context is cancelled. Claim failures back off
// exponentially.
func (s *Sweeper) Run(ctx context.Context) error {
	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = s.interval
	retry.MaxInterval = maxSweepBackoff

	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if err := s.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			delay := retry.NextBackOff()
			log.Printf("saga sweeper: sweep failed, retrying in %s: %v", delay, err)
			timer.Reset(delay)
			continue
		}
		retry.Reset()
		timer.Reset(s.interval)
	}
}

// Sweep performs one pass: step timeouts first, then saga deadlines.
// Per-transaction handling errors are logged; only claim errors propagate.
func (s *Sweeper) Sweep(ctx context.Context) error {
	timedOut, err := s.engine.ClaimStepTimedOut(ctx, s.batch)
	if err != nil {
		return fmt.Errorf("claim step timeouts: %w", err)
	}
	for _, txn := range timedOut {
		if _, err := s.engine.HandleStepTimeout(ctx, txn); err != nil && ctx.Err() == nil {
			log.Printf("saga sweeper: step timeout %s: %v", txn.ID, err)
		}
	}

	late, err := s.engine.ClaimPastDeadline(ctx, s.batch)
	if err != nil {
		return fmt.Errorf("claim past deadline: %w", err)
	}
	for _, txn := range late {
		if _, err := s.engine.EnforceDeadline(ctx, txn); err != nil && ctx.Err() == nil {
			log.Printf("saga sweeper: enforce deadline %s: %v", txn.ID, err)
		}
	}
	return nil
}
