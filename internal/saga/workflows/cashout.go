// Package workflows holds the packaged saga definitions shipped with the
// orchestrator. Definitions are code-level; registering them at boot keeps
// them immutable for the life of the process.
package workflows

import (
	"time"

	"github.com/louisbranch/sagaflow/internal/saga/definition"
)

// Collaborator service identities used by the packaged workflows.
const (
	ServiceBetting = "betting"
	ServiceRisk    = "risk"
	ServiceWallet  = "wallet"
)

// CashOutName is the definition name of the cash-out workflow.
const CashOutName = "cashout"

// CashOut is the bet cash-out workflow: validate the position, price it
// against live odds, then move money, adjust bookmaker liability, and close
// the position. The first three steps only read; they carry no compensation.
func CashOut() definition.Definition {
	return definition.Definition{
		Name:               CashOutName,
		Version:            1,
		SubjectFields:      []string{"bet_slip_id", "user_id", "bookmaker_type", "bookmaker_id"},
		Timeout:            300 * time.Second,
		DefaultMaxAttempts: 3,
		Steps: []definition.Step{
			{
				Name:     "validate_eligibility",
				Required: true,
				Timeout:  10 * time.Second,
				Action: definition.Contract{
					Service:      ServiceBetting,
					Path:         "/api/cashout/check-eligibility",
					InputFields:  []string{"bet_slip_id"},
					ResultFields: []string{"can_cash_out", "position_value"},
				},
			},
			{
				Name:     "fetch_live_odds",
				Required: true,
				Timeout:  15 * time.Second,
				Action: definition.Contract{
					Service:      ServiceRisk,
					Path:         "/api/cashout/live-odds",
					InputFields:  []string{"bet_slip_id"},
					ResultFields: []string{"live_odds", "event_margin"},
				},
			},
			{
				Name:     "compute_quote",
				Required: true,
				Timeout:  10 * time.Second,
				Action: definition.Contract{
					Service:      ServiceBetting,
					Path:         "/api/cashout/request-quote",
					InputFields:  []string{"bet_slip_id", "bookmaker_type", "bookmaker_id", "live_odds"},
					ResultFields: []string{"quote_id", "cash_out_value"},
				},
			},
			{
				Name:     "credit_wallet",
				Required: true,
				Timeout:  30 * time.Second,
				Action: definition.Contract{
					Service:      ServiceWallet,
					Path:         "/api/cashout/process",
					InputFields:  []string{"bet_slip_id", "user_id", "cash_out_value"},
					ResultFields: []string{"wallet_transaction_id", "balance_after"},
				},
				Compensation: &definition.Contract{
					Service:     ServiceWallet,
					Path:        "/api/cashout/rollback",
					InputFields: []string{"bet_slip_id", "user_id", "wallet_transaction_id", "reason"},
				},
			},
			{
				Name:     "update_liability",
				Required: true,
				Timeout:  15 * time.Second,
				Action: definition.Contract{
					Service:      ServiceRisk,
					Path:         "/api/cashout/liability/update",
					InputFields:  []string{"bet_slip_id", "cash_out_value"},
					ResultFields: []string{"liability_delta"},
				},
				Compensation: &definition.Contract{
					Service:     ServiceRisk,
					Path:        "/api/cashout/liability/rollback",
					InputFields: []string{"bet_slip_id", "liability_delta", "reason"},
				},
			},
			{
				Name:     "finalize_position",
				Required: true,
				Timeout:  20 * time.Second,
				Action: definition.Contract{
					Service:      ServiceBetting,
					Path:         "/api/cashout/complete",
					InputFields:  []string{"bet_slip_id", "quote_id", "wallet_transaction_id"},
					ResultFields: []string{"position_status"},
				},
				Compensation: &definition.Contract{
					Service:     ServiceBetting,
					Path:        "/api/cashout/cancel",
					InputFields: []string{"bet_slip_id", "reason"},
				},
			},
		},
	}
}

// RegisterAll registers every packaged workflow into the registry.
func RegisterAll(registry *definition.Registry) error {
	if _, err := registry.Register(CashOut()); err != nil {
		return err
	}
	return nil
}
