package sweep

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/louisbranch/sagaflow/internal/saga"
)

type fakeAdvancer struct {
	mu        sync.Mutex
	timedOut  []saga.Transaction
	late      []saga.Transaction
	claimErr  error
	handled   []string
	enforced  []string
	handleErr error
}

func (f *fakeAdvancer) ClaimStepTimedOut(_ context.Context, _ int) ([]saga.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return nil, f.claimErr
	}
	out := f.timedOut
	f.timedOut = nil
	return out, nil
}

func (f *fakeAdvancer) ClaimPastDeadline(_ context.Context, _ int) ([]saga.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.late
	f.late = nil
	return out, nil
}

func (f *fakeAdvancer) HandleStepTimeout(_ context.Context, txn saga.Transaction) (saga.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, txn.ID)
	return txn, f.handleErr
}

func (f *fakeAdvancer) EnforceDeadline(_ context.Context, txn saga.Transaction) (saga.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enforced = append(f.enforced, txn.ID)
	return txn, nil
}

func TestSweepRoutesClaimsToHandlers(t *testing.T) {
	t.Parallel()
	advancer := &fakeAdvancer{
		timedOut: []saga.Transaction{{ID: "txn-a"}, {ID: "txn-b"}},
		late:     []saga.Transaction{{ID: "txn-c"}},
	}
	sweeper, err := New(Config{Engine: advancer})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v", err)
	}
	if len(advancer.handled) != 2 || advancer.handled[0] != "txn-a" || advancer.handled[1] != "txn-b" {
		t.Fatalf("handled = %v, want [txn-a txn-b]", advancer.handled)
	}
	if len(advancer.enforced) != 1 || advancer.enforced[0] != "txn-c" {
		t.Fatalf("enforced = %v, want [txn-c]", advancer.enforced)
	}
}

func TestSweepPropagatesClaimErrors(t *testing.T) {
	t.Parallel()
	claimErr := errors.New("store gone")
	sweeper, err := New(Config{Engine: &fakeAdvancer{claimErr: claimErr}})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := sweeper.Sweep(context.Background()); !errors.Is(err, claimErr) {
		t.Fatalf("Sweep() error = %v, want %v", err, claimErr)
	}
}

func TestSweepToleratesHandlerErrors(t *testing.T) {
	t.Parallel()
	advancer := &fakeAdvancer{
		timedOut:  []saga.Transaction{{ID: "txn-a"}},
		late:      []saga.Transaction{{ID: "txn-b"}},
		handleErr: errors.New("lease lost"),
	}
	sweeper, err := New(Config{Engine: advancer})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := sweeper.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep() error = %v, want nil", err)
	}
	if len(advancer.enforced) != 1 {
		t.Fatalf("enforced = %v, want the deadline pass to still run", advancer.enforced)
	}
}

func TestNewRequiresEngine(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Fatal("New(empty) error = nil, want error")
	}
}
