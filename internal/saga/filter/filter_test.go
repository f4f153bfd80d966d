package filter

import (
	"testing"
	"time"
)

func TestParseTransactionFilterEmpty(t *testing.T) {
	t.Parallel()

	condition, err := ParseTransactionFilter("  ")
	if err != nil {
		t.Fatalf("parse empty filter: %v", err)
	}
	if condition.Clause != "" || len(condition.Params) != 0 {
		t.Fatalf("empty filter condition = %+v, want zero", condition)
	}
}

func TestParseTransactionFilter(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		filter     string
		wantClause string
		wantParams []any
	}{
		{
			name:       "status equality",
			filter:     `status = "RUNNING"`,
			wantClause: "status = ?",
			wantParams: []any{"RUNNING"},
		},
		{
			name:       "definition mapped to column",
			filter:     `definition = "cashout"`,
			wantClause: "definition_name = ?",
			wantParams: []any{"cashout"},
		},
		{
			name:       "conjunction",
			filter:     `status = "FAILED" AND definition = "cashout"`,
			wantClause: "(status = ? AND definition_name = ?)",
			wantParams: []any{"FAILED", "cashout"},
		},
		{
			name:       "disjunction",
			filter:     `status = "COMPLETED" OR status = "ROLLED_BACK"`,
			wantClause: "(status = ? OR status = ?)",
			wantParams: []any{"COMPLETED", "ROLLED_BACK"},
		},
		{
			name:       "timestamp comparison",
			filter:     `created_at >= timestamp("2026-03-14T00:00:00Z")`,
			wantClause: "created_at >= ?",
			wantParams: []any{time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC).UnixMilli()},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			condition, err := ParseTransactionFilter(tc.filter)
			if err != nil {
				t.Fatalf("parse filter %q: %v", tc.filter, err)
			}
			if condition.Clause != tc.wantClause {
				t.Fatalf("clause = %q, want %q", condition.Clause, tc.wantClause)
			}
			if len(condition.Params) != len(tc.wantParams) {
				t.Fatalf("params = %v, want %v", condition.Params, tc.wantParams)
			}
			for i := range condition.Params {
				if condition.Params[i] != tc.wantParams[i] {
					t.Fatalf("param %d = %v, want %v", i, condition.Params[i], tc.wantParams[i])
				}
			}
		})
	}
}

func TestParseTransactionFilterRejectsUnknownField(t *testing.T) {
	t.Parallel()

	if _, err := ParseTransactionFilter(`owner = "worker-1"`); err == nil {
		t.Fatal("expected unknown field error")
	}
}

func TestParseEventFilter(t *testing.T) {
	t.Parallel()

	condition, err := ParseEventFilter(`type = "STEP_FAILED" AND step = "credit_wallet"`)
	if err != nil {
		t.Fatalf("parse event filter: %v", err)
	}
	if condition.Clause != "(event_type = ? AND step_name = ?)" {
		t.Fatalf("clause = %q", condition.Clause)
	}
	if len(condition.Params) != 2 || condition.Params[0] != "STEP_FAILED" || condition.Params[1] != "credit_wallet" {
		t.Fatalf("params = %v", condition.Params)
	}
}

func TestParseEventFilterRejectsTransactionFields(t *testing.T) {
	t.Parallel()

	if _, err := ParseEventFilter(`status = "RUNNING"`); err == nil {
		t.Fatal("expected unknown field error")
	}
}
