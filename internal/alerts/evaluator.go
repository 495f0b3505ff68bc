package alerts

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/loreline-ai/loreline/internal/model"
	"github.com/loreline-ai/loreline/internal/storage"
)

// Config are the evaluator dials.
type Config struct {
	RulesPath  string        // empty uses DefaultRules
	ReloadTTL  time.Duration // rule file reload interval, default 5m
	WebhookURL string        // empty disables notification fanout
	SweepBack  time.Duration // how far back a scope counts as active, default 24h
}

// Evaluator sweeps active scopes against the rule set, upserting firing
// alerts, resolving cleared ones, and notifying on new high-severity events.
type Evaluator struct {
	db     *storage.DB
	client *http.Client
	logger *slog.Logger

	rulesPath  string
	reloadTTL  time.Duration
	webhookURL string
	sweepBack  time.Duration

	mu       sync.RWMutex
	rules    []Rule
	loadedAt time.Time
}

// New builds the evaluator.
func New(db *storage.DB, cfg Config, logger *slog.Logger) *Evaluator {
	if cfg.ReloadTTL <= 0 {
		cfg.ReloadTTL = 5 * time.Minute
	}
	if cfg.SweepBack <= 0 {
		cfg.SweepBack = 24 * time.Hour
	}
	return &Evaluator{
		db:         db,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		rulesPath:  cfg.RulesPath,
		reloadTTL:  cfg.ReloadTTL,
		webhookURL: cfg.WebhookURL,
		sweepBack:  cfg.SweepBack,
	}
}

// Result summarizes one evaluation sweep.
type Result struct {
	Scopes   int `json:"scopes"`
	Fired    int `json:"fired"`
	Resolved int `json:"resolved"`
	Notified int `json:"notified"`
	Skipped  int `json:"skipped"` // lease held elsewhere
}

// Evaluate runs one full sweep over all recently active scopes. Each
// (tenant, site) is evaluated under an advisory lease so concurrent
// evaluators never double-write.
func (e *Evaluator) Evaluate(ctx context.Context) (Result, error) {
	scopes, err := e.db.ActiveScopesSince(ctx, time.Now().UTC().Add(-e.sweepBack))
	if err != nil {
		return Result{}, err
	}
	rules := e.currentRules()

	var res Result
	res.Scopes = len(scopes)
	for _, scope := range scopes {
		leaseKey := "alerts:" + scope.TenantID + ":" + scope.SiteID
		acquired, err := e.db.WithAlertLease(ctx, leaseKey, func(ctx context.Context) error {
			fired, resolved, notified, err := e.evaluateScope(ctx, scope, rules)
			res.Fired += fired
			res.Resolved += resolved
			res.Notified += notified
			return err
		})
		if err != nil {
			e.logger.Error("alerts: scope evaluation failed",
				"tenant_id", scope.TenantID, "site_id", scope.SiteID, "error", err)
			continue
		}
		if !acquired {
			res.Skipped++
		}
	}
	return res, nil
}

// evaluateScope runs every rule for one scope. Silences suppress the
// webhook only; the event row is written regardless so the ledger stays
// complete.
func (e *Evaluator) evaluateScope(ctx context.Context, scope model.Scope, rules []Rule) (fired, resolved, notified int, err error) {
	now := time.Now().UTC()

	var silences []model.AlertSilence
	silences, err = e.db.ListActiveSilences(ctx, scope.TenantID, now)
	if err != nil {
		return 0, 0, 0, err
	}

	// Window metrics are cached per distinct window so rules sharing a
	// window hit the ledger once.
	metricsByWindow := make(map[time.Duration]storage.TurnMetrics)

	for _, rule := range rules {
		value, verr := e.metricValue(ctx, scope, rule, now, metricsByWindow)
		if verr != nil {
			e.logger.Error("alerts: metric read failed",
				"rule", rule.Code, "tenant_id", scope.TenantID, "site_id", scope.SiteID, "error", verr)
			continue
		}
		key := dedupKey(scope.TenantID, scope.SiteID, rule.Code)

		if !rule.exceeds(value) {
			ev, rerr := e.db.ResolveFiringAlert(ctx, key)
			if rerr != nil {
				if errors.Is(rerr, storage.ErrNotFound) {
					continue
				}
				return fired, resolved, notified, rerr
			}
			resolved++
			e.logger.Info("alerts: resolved",
				"rule", rule.Code, "tenant_id", scope.TenantID, "site_id", scope.SiteID,
				"alert_id", ev.ID)
			continue
		}

		ev, created, uerr := e.db.UpsertFiringAlert(ctx, model.AlertEvent{
			TenantID:     scope.TenantID,
			SiteID:       scope.SiteID,
			DedupKey:     key,
			AlertCode:    rule.Code,
			Severity:     rule.Severity,
			Status:       model.AlertFiring,
			CurrentValue: value,
			Threshold:    rule.Threshold,
			Context: map[string]any{
				"expr":      rule.Expr,
				"condition": rule.Condition,
				"window":    rule.Window.String(),
				"unit":      rule.Unit,
			},
		})
		if uerr != nil {
			return fired, resolved, notified, uerr
		}
		if !created {
			continue
		}
		fired++
		e.logger.Warn("alerts: firing",
			"rule", rule.Code, "severity", rule.Severity,
			"tenant_id", scope.TenantID, "site_id", scope.SiteID,
			"value", value, "threshold", rule.Threshold)

		if rule.Severity != "high" && rule.Severity != "critical" {
			continue
		}
		if silenced(silences, rule, scope.SiteID, now) {
			e.logger.Info("alerts: notification silenced",
				"rule", rule.Code, "tenant_id", scope.TenantID, "site_id", scope.SiteID)
			continue
		}
		if e.webhookURL == "" {
			continue
		}
		if werr := e.notify(ctx, ev); werr != nil {
			e.logger.Error("alerts: webhook failed",
				"rule", rule.Code, "alert_id", ev.ID, "error", werr)
			continue
		}
		if merr := e.db.MarkAlertWebhookSent(ctx, ev.ID); merr != nil {
			return fired, resolved, notified, merr
		}
		notified++
	}
	return fired, resolved, notified, nil
}

// metricValue computes the rule's expression for a scope.
func (e *Evaluator) metricValue(ctx context.Context, scope model.Scope, rule Rule, now time.Time, byWindow map[time.Duration]storage.TurnMetrics) (float64, error) {
	switch rule.Expr {
	case ExprOverdueFeedback:
		n, err := e.db.CountOverdueFeedback(ctx, scope)
		return float64(n), err
	case ExprEmbeddingCost:
		return e.db.EmbeddingCostSince(ctx, scope.TenantID, now.Add(-rule.Window))
	}

	m, ok := byWindow[rule.Window]
	if !ok {
		var err error
		m, err = e.db.TurnMetricsSince(ctx, scope, now.Add(-rule.Window))
		if err != nil {
			return 0, err
		}
		byWindow[rule.Window] = m
	}
	switch rule.Expr {
	case ExprRefusalRate:
		return m.RefusalRate, nil
	case ExprFailureRate:
		return m.FailureRate, nil
	case ExprAvgLatencyMS:
		return m.AvgLatencyMS, nil
	case ExprP95LatencyMS:
		return m.P95LatencyMS, nil
	case ExprToolErrorRate:
		return m.ToolErrorRate, nil
	}
	return 0, fmt.Errorf("alerts: unknown expr %q", rule.Expr)
}

// notify POSTs the alert event to the configured webhook.
func (e *Evaluator) notify(ctx context.Context, ev model.AlertEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("alerts: encode webhook body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("alerts: build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("alerts: webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("alerts: webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Run loops Evaluate until the context ends.
func (e *Evaluator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := e.Evaluate(ctx)
			if err != nil {
				e.logger.Error("alerts: evaluation sweep failed", "error", err)
				continue
			}
			if res.Fired > 0 || res.Resolved > 0 {
				e.logger.Info("alerts: sweep complete",
					"scopes", res.Scopes, "fired", res.Fired,
					"resolved", res.Resolved, "notified", res.Notified)
			}
		}
	}
}

// currentRules returns the rule set, reloading the file when the TTL
// expired. A broken file keeps the previous rules.
func (e *Evaluator) currentRules() []Rule {
	e.mu.RLock()
	fresh := time.Since(e.loadedAt) < e.reloadTTL
	rules := e.rules
	e.mu.RUnlock()
	if e.rulesPath == "" {
		return DefaultRules
	}
	if fresh && rules != nil {
		return rules
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if time.Since(e.loadedAt) < e.reloadTTL && e.rules != nil {
		return e.rules
	}
	e.loadedAt = time.Now()

	loaded, err := LoadRules(e.rulesPath)
	if err != nil {
		e.logger.Warn("alerts: rule reload failed, keeping previous",
			"path", e.rulesPath, "error", err)
		if e.rules != nil {
			return e.rules
		}
		return DefaultRules
	}
	e.rules = loaded
	return e.rules
}

func silenced(silences []model.AlertSilence, rule Rule, siteID string, now time.Time) bool {
	for _, s := range silences {
		if s.Matches(rule.Code, rule.Severity, siteID, now) {
			return true
		}
	}
	return false
}

// dedupKey hashes (tenant, site, code) so one firing row exists per triple.
func dedupKey(tenantID, siteID, code string) string {
	h := sha256.Sum256([]byte(tenantID + "|" + siteID + "|" + code))
	return hex.EncodeToString(h[:])[:32]
}
