package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/loreline-ai/loreline/internal/model"
)

const traceColumns = `id, trace_id, tenant_id, site_id, session_id, user_id, npc_id,
	 request_type, request_input, tool_calls, evidence_ids, evidence_chain, intent,
	 policy_mode, policy_reason, applied_rule_id, policy_version, response_output,
	 latency_ms, tokens, cost, guardrail_passed, release_id, experiment_id,
	 experiment_variant, strategy_snapshot, started_at, completed_at, status`

// TraceFilter narrows ListTraces.
type TraceFilter struct {
	SessionID  string
	NPCID      string
	PolicyMode model.PolicyMode
	Status     model.TraceStatus
	From       *time.Time
	To         *time.Time
	Limit      int
	Offset     int
}

// PersistTurn writes the trace ledger row and both conversation messages in
// one transaction. A per-session advisory lock serialises concurrent turns so
// message created_at ordering within a session is monotonic. Re-submitting a
// trace_id that already exists is a no-op (idempotent retry).
func (db *DB) PersistTurn(ctx context.Context, tr model.TraceRecord, userMsg, assistantMsg model.Message) error {
	if tr.ID == uuid.Nil {
		tr.ID = uuid.New()
	}
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		tr.TenantID+"/"+tr.SiteID+"/"+tr.SessionID,
	); err != nil {
		return fmt.Errorf("storage: session lock: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`INSERT INTO traces (`+traceColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		         $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29)
		 ON CONFLICT (trace_id) DO NOTHING`,
		tr.ID, tr.TraceID, tr.TenantID, tr.SiteID, tr.SessionID, tr.UserID, tr.NPCID,
		tr.RequestType, tr.RequestInput, tr.ToolCalls, tr.EvidenceIDs, tr.EvidenceChain, tr.Intent,
		tr.PolicyMode, tr.PolicyReason, tr.AppliedRuleID, tr.PolicyVersion, tr.ResponseOutput,
		tr.LatencyMS, tr.Tokens, tr.Cost, tr.GuardrailPassed, tr.ReleaseID, tr.ExperimentID,
		tr.ExperimentVariant, tr.StrategySnapshot, tr.StartedAt, tr.CompletedAt, tr.Status,
	)
	if err != nil {
		return fmt.Errorf("storage: insert trace: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Already persisted by a previous attempt with the same trace_id.
		return nil
	}

	npcID := ""
	if tr.NPCID != nil {
		npcID = *tr.NPCID
	}
	var convID uuid.UUID
	if err := tx.QueryRow(ctx,
		`INSERT INTO conversations (id, tenant_id, site_id, session_id, npc_id, user_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (tenant_id, site_id, session_id, npc_id)
		 DO UPDATE SET updated_at = EXCLUDED.updated_at
		 RETURNING id`,
		uuid.New(), tr.TenantID, tr.SiteID, tr.SessionID, npcID, tr.UserID, time.Now().UTC(),
	).Scan(&convID); err != nil {
		return fmt.Errorf("storage: upsert conversation: %w", err)
	}

	for _, m := range []model.Message{userMsg, assistantMsg} {
		if m.ID == uuid.Nil {
			m.ID = uuid.New()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = time.Now().UTC()
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO messages (id, conversation_id, role, content, evidence_ids, trace_id, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			m.ID, convID, m.Role, m.Content, m.EvidenceIDs, m.TraceID, m.CreatedAt,
		); err != nil {
			return fmt.Errorf("storage: insert %s message: %w", m.Role, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit turn: %w", err)
	}
	return nil
}

// GetTraceByTraceID retrieves the ledger row for one turn.
func (db *DB) GetTraceByTraceID(ctx context.Context, scope model.Scope, traceID string) (model.TraceRecord, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+traceColumns+` FROM traces
		 WHERE tenant_id = $1 AND site_id = $2 AND trace_id = $3`,
		scope.TenantID, scope.SiteID, traceID,
	)
	tr, err := scanTrace(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.TraceRecord{}, ErrNotFound
		}
		return model.TraceRecord{}, fmt.Errorf("storage: get trace: %w", err)
	}
	return tr, nil
}

// ListTraces returns ledger rows matching the filter, newest first.
func (db *DB) ListTraces(ctx context.Context, scope model.Scope, f TraceFilter) ([]model.TraceRecord, int, error) {
	conditions := []string{"tenant_id = $1", "site_id = $2"}
	args := []any{scope.TenantID, scope.SiteID}
	idx := 3

	if f.SessionID != "" {
		conditions = append(conditions, fmt.Sprintf("session_id = $%d", idx))
		args = append(args, f.SessionID)
		idx++
	}
	if f.NPCID != "" {
		conditions = append(conditions, fmt.Sprintf("npc_id = $%d", idx))
		args = append(args, f.NPCID)
		idx++
	}
	if f.PolicyMode != "" {
		conditions = append(conditions, fmt.Sprintf("policy_mode = $%d", idx))
		args = append(args, f.PolicyMode)
		idx++
	}
	if f.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", idx))
		args = append(args, f.Status)
		idx++
	}
	if f.From != nil {
		conditions = append(conditions, fmt.Sprintf("started_at >= $%d", idx))
		args = append(args, *f.From)
		idx++
	}
	if f.To != nil {
		conditions = append(conditions, fmt.Sprintf("started_at <= $%d", idx))
		args = append(args, *f.To)
		idx++
	}

	where := " WHERE " + strings.Join(conditions, " AND ")

	var total int
	if err := db.pool.QueryRow(ctx, "SELECT COUNT(*) FROM traces"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count traces: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		"SELECT "+traceColumns+" FROM traces%s ORDER BY started_at DESC, id ASC LIMIT %d OFFSET %d",
		where, limit, offset,
	), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list traces: %w", err)
	}
	defer rows.Close()

	var out []model.TraceRecord
	for rows.Next() {
		tr, err := scanTrace(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan trace: %w", err)
		}
		out = append(out, tr)
	}
	return out, total, rows.Err()
}

// ListSessionMessages returns the persisted transcript for a session with an
// NPC, oldest first.
func (db *DB) ListSessionMessages(ctx context.Context, scope model.Scope, sessionID, npcID string, limit int) ([]model.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx, fmt.Sprintf(
		`SELECT m.id, m.conversation_id, m.role, m.content, m.evidence_ids, m.trace_id, m.created_at
		 FROM messages m
		 JOIN conversations c ON c.id = m.conversation_id
		 WHERE c.tenant_id = $1 AND c.site_id = $2 AND c.session_id = $3 AND c.npc_id = $4
		 ORDER BY m.created_at ASC, m.id ASC LIMIT %d`, limit,
	), scope.TenantID, scope.SiteID, sessionID, npcID)
	if err != nil {
		return nil, fmt.Errorf("storage: list session messages: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.EvidenceIDs, &m.TraceID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func scanTrace(row pgx.Row) (model.TraceRecord, error) {
	var tr model.TraceRecord
	err := row.Scan(
		&tr.ID, &tr.TraceID, &tr.TenantID, &tr.SiteID, &tr.SessionID, &tr.UserID, &tr.NPCID,
		&tr.RequestType, &tr.RequestInput, &tr.ToolCalls, &tr.EvidenceIDs, &tr.EvidenceChain, &tr.Intent,
		&tr.PolicyMode, &tr.PolicyReason, &tr.AppliedRuleID, &tr.PolicyVersion, &tr.ResponseOutput,
		&tr.LatencyMS, &tr.Tokens, &tr.Cost, &tr.GuardrailPassed, &tr.ReleaseID, &tr.ExperimentID,
		&tr.ExperimentVariant, &tr.StrategySnapshot, &tr.StartedAt, &tr.CompletedAt, &tr.Status,
	)
	return tr, err
}
