// Package feedback runs the correction ticket workflow: routing, SLA
// selection, lifecycle transitions, and the overdue scan.
package feedback

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loreline-ai/loreline/internal/model"
	"github.com/loreline-ai/loreline/internal/storage"
)

// RoutingRule assigns a group, SLA, and optional assignee to matching
// tickets. First match wins; rules are evaluated in priority order (lower
// number first).
type RoutingRule struct {
	Name     string   `json:"name"`
	Priority int      `json:"priority"`
	Match    Matcher  `json:"match"`
	Group    string   `json:"group"`
	SLAHours float64  `json:"sla_hours"`
	Assignee string   `json:"assignee,omitempty"`
	Notify   []string `json:"notify,omitempty"`
}

// Matcher selects tickets for a routing rule. Empty fields match everything.
type Matcher struct {
	Severities []model.FeedbackSeverity `json:"severities,omitempty"`
	Types      []string                 `json:"types,omitempty"`
	SiteID     string                   `json:"site_id,omitempty"`
	NPCID      string                   `json:"npc_id,omitempty"`
}

func (m Matcher) matches(f model.Feedback) bool {
	if m.SiteID != "" && m.SiteID != f.SiteID {
		return false
	}
	if m.NPCID != "" && (f.NPCID == nil || *f.NPCID != m.NPCID) {
		return false
	}
	if len(m.Severities) > 0 {
		ok := false
		for _, s := range m.Severities {
			if s == f.Severity {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if len(m.Types) > 0 {
		ok := false
		for _, t := range m.Types {
			if t == f.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Service owns the feedback workflow.
type Service struct {
	db     *storage.DB
	logger *slog.Logger

	rulesPath    string
	reloadTTL    time.Duration
	defaultGroup string
	defaultSLA   time.Duration

	mu       sync.RWMutex
	rules    []RoutingRule
	loadedAt time.Time
}

// Config are the service dials.
type Config struct {
	RulesPath    string
	ReloadTTL    time.Duration
	DefaultGroup string
	DefaultSLA   time.Duration
}

// New builds the service. The routing rules file is optional; without it
// every ticket routes to the default group with the default SLA.
func New(db *storage.DB, cfg Config, logger *slog.Logger) *Service {
	if cfg.ReloadTTL <= 0 {
		cfg.ReloadTTL = 5 * time.Minute
	}
	if cfg.DefaultGroup == "" {
		cfg.DefaultGroup = "content-ops"
	}
	if cfg.DefaultSLA <= 0 {
		cfg.DefaultSLA = 72 * time.Hour
	}
	return &Service{
		db:           db,
		logger:       logger,
		rulesPath:    cfg.RulesPath,
		reloadTTL:    cfg.ReloadTTL,
		defaultGroup: cfg.DefaultGroup,
		defaultSLA:   cfg.DefaultSLA,
	}
}

// Create routes and stores a new ticket.
func (s *Service) Create(ctx context.Context, scope model.Scope, req model.CreateFeedbackRequest) (model.Feedback, error) {
	var fields []model.FieldError
	switch req.Severity {
	case model.SeverityLow, model.SeverityMedium, model.SeverityHigh, model.SeverityCritical:
	default:
		fields = append(fields, model.FieldError{Field: "severity", Message: "must be low, medium, high, or critical"})
	}
	if req.Type == "" {
		fields = append(fields, model.FieldError{Field: "type", Message: "must not be empty"})
	}
	if req.Content == "" {
		fields = append(fields, model.FieldError{Field: "content", Message: "must not be empty"})
	}
	if len(fields) > 0 {
		return model.Feedback{}, model.ValidationError("feedback is invalid", fields...)
	}

	f := model.Feedback{
		TenantID: scope.TenantID,
		SiteID:   scope.SiteID,
		Severity: req.Severity,
		Type:     req.Type,
		Content:  req.Content,
	}
	if req.TraceID != "" {
		f.TraceID = &req.TraceID
	}
	if req.NPCID != "" {
		f.NPCID = &req.NPCID
	}

	group, sla, assignee := s.route(f)
	f.Group = group
	f.SLADueAt = time.Now().UTC().Add(sla)
	if assignee != "" {
		f.Assignee = &assignee
	}

	return s.db.CreateFeedback(ctx, f)
}

// Transition moves a ticket along its lifecycle.
func (s *Service) Transition(ctx context.Context, scope model.Scope, id uuid.UUID, to model.FeedbackStatus, assignee *string) (model.Feedback, error) {
	f, err := s.db.GetFeedback(ctx, scope, id)
	if err != nil {
		return model.Feedback{}, err
	}
	updated, err := s.db.TransitionFeedback(ctx, scope, id, f.Status, to, assignee)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return model.Feedback{}, model.Ef(model.KindConflict,
				"feedback: illegal transition %s -> %s", f.Status, to)
		}
		return model.Feedback{}, err
	}
	return updated, nil
}

// Resolve closes an accepted or rejected ticket, binding the correcting
// content or evidence.
func (s *Service) Resolve(ctx context.Context, scope model.Scope, id uuid.UUID, req model.ResolveFeedbackRequest) (model.Feedback, error) {
	if req.ContentID == nil && req.EvidenceID == nil {
		return model.Feedback{}, model.ValidationError("resolution must reference a correction",
			model.FieldError{Field: "resolved_by_content_id", Message: "content or evidence id is required"})
	}
	f, err := s.db.ResolveFeedback(ctx, scope, id, req.ContentID, req.EvidenceID)
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return model.Feedback{}, model.E(model.KindConflict,
				"feedback: only accepted or rejected tickets can resolve")
		}
		return model.Feedback{}, err
	}
	return f, nil
}

// route picks group, SLA, and assignee from the first matching rule.
func (s *Service) route(f model.Feedback) (string, time.Duration, string) {
	for _, r := range s.currentRules() {
		if r.Match.matches(f) {
			sla := time.Duration(r.SLAHours * float64(time.Hour))
			if sla <= 0 {
				sla = s.defaultSLA
			}
			group := r.Group
			if group == "" {
				group = s.defaultGroup
			}
			return group, sla, r.Assignee
		}
	}
	return s.defaultGroup, s.defaultSLA, ""
}

// currentRules returns the routing rules, reloading the file when the TTL
// expired. A broken file keeps the previous rules.
func (s *Service) currentRules() []RoutingRule {
	s.mu.RLock()
	fresh := time.Since(s.loadedAt) < s.reloadTTL
	rules := s.rules
	s.mu.RUnlock()
	if fresh || s.rulesPath == "" {
		return rules
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.loadedAt) < s.reloadTTL {
		return s.rules
	}
	s.loadedAt = time.Now()

	loaded, err := LoadRules(s.rulesPath)
	if err != nil {
		s.logger.Warn("feedback: routing rules reload failed, keeping previous",
			"path", s.rulesPath, "error", err)
		return s.rules
	}
	s.rules = loaded
	return s.rules
}

// LoadRules reads and orders routing rules from a JSON file.
func LoadRules(path string) ([]RoutingRule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rules []RoutingRule
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, err
	}
	SortRules(rules)
	return rules, nil
}

// SortRules orders rules by priority ascending, name as tie-break.
func SortRules(rules []RoutingRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority < rules[j].Priority
		}
		return rules[i].Name < rules[j].Name
	})
}
