package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/loreline-ai/loreline/internal/model"
)

// TurnMetrics is the windowed aggregate the alert evaluator reads.
type TurnMetrics struct {
	Turns         int
	RefusalRate   float64 // REFUSE turns / total
	FailureRate   float64 // failed or timeout turns / total
	AvgLatencyMS  float64
	P95LatencyMS  float64
	ToolErrorRate float64 // errored tool calls / total tool calls
}

// TurnMetricsSince aggregates the trace ledger for a scope over a window.
// Zero turns yields zero rates rather than NaN.
func (db *DB) TurnMetricsSince(ctx context.Context, scope model.Scope, since time.Time) (TurnMetrics, error) {
	var m TurnMetrics
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		 COALESCE(AVG((policy_mode = 'REFUSE')::int), 0),
		 COALESCE(AVG((status IN ('failed', 'timeout'))::int), 0),
		 COALESCE(AVG(latency_ms), 0),
		 COALESCE(PERCENTILE_CONT(0.95) WITHIN GROUP (ORDER BY latency_ms), 0)
		 FROM traces
		 WHERE tenant_id = $1 AND site_id = $2 AND started_at >= $3`,
		scope.TenantID, scope.SiteID, since,
	).Scan(&m.Turns, &m.RefusalRate, &m.FailureRate, &m.AvgLatencyMS, &m.P95LatencyMS)
	if err != nil {
		return TurnMetrics{}, fmt.Errorf("storage: turn metrics: %w", err)
	}

	err = db.pool.QueryRow(ctx,
		`SELECT COALESCE(AVG((tc->>'status' <> 'ok')::int), 0)
		 FROM traces, jsonb_array_elements(tool_calls) tc
		 WHERE tenant_id = $1 AND site_id = $2 AND started_at >= $3`,
		scope.TenantID, scope.SiteID, since,
	).Scan(&m.ToolErrorRate)
	if err != nil {
		return TurnMetrics{}, fmt.Errorf("storage: tool error rate: %w", err)
	}
	return m, nil
}

// ActiveScopesSince lists the (tenant, site) pairs with any traffic in the
// window. The evaluator sweeps only scopes that have been active.
func (db *DB) ActiveScopesSince(ctx context.Context, since time.Time) ([]model.Scope, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT tenant_id, site_id FROM traces WHERE started_at >= $1`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: active scopes: %w", err)
	}
	defer rows.Close()

	var out []model.Scope
	for rows.Next() {
		var s model.Scope
		if err := rows.Scan(&s.TenantID, &s.SiteID); err != nil {
			return nil, fmt.Errorf("storage: scan scope: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
