// Package orchestrator runs the per-turn state machine: resolve, configure,
// classify, retrieve, gate, generate, validate, persist.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loreline-ai/loreline/internal/cache"
	"github.com/loreline-ai/loreline/internal/intent"
	"github.com/loreline-ai/loreline/internal/llm"
	"github.com/loreline-ai/loreline/internal/model"
	"github.com/loreline-ai/loreline/internal/policy"
	"github.com/loreline-ai/loreline/internal/release"
	"github.com/loreline-ai/loreline/internal/storage"
	"github.com/loreline-ai/loreline/internal/telemetry"
	"github.com/loreline-ai/loreline/internal/tools"
)

// LLMParams are the provider dials a turn starts from before experiment
// overrides.
type LLMParams struct {
	Temperature float32
	MaxTokens   int
}

// Orchestrator owns the chat turn pipeline.
type Orchestrator struct {
	db          *storage.DB
	cache       *cache.Cache
	sessionCaps cache.SessionCaps
	policies    *policy.Loader
	releases    *release.Service
	classifier  intent.Classifier
	toolClient  *tools.Client
	provider    llm.Provider
	llmParams   LLMParams
	metrics     *telemetry.PipelineMetrics
	logger      *slog.Logger
}

// New builds the orchestrator.
func New(
	db *storage.DB,
	c *cache.Cache,
	sessionCaps cache.SessionCaps,
	policies *policy.Loader,
	releases *release.Service,
	classifier intent.Classifier,
	toolClient *tools.Client,
	provider llm.Provider,
	llmParams LLMParams,
	metrics *telemetry.PipelineMetrics,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		db:          db,
		cache:       c,
		sessionCaps: sessionCaps,
		policies:    policies,
		releases:    releases,
		classifier:  classifier,
		toolClient:  toolClient,
		provider:    provider,
		llmParams:   llmParams,
		metrics:     metrics,
		logger:      logger,
	}
}

// turnState accumulates everything a turn produces for the ledger.
type turnState struct {
	trace    model.TraceRecord
	profile  model.NPCProfile
	prompt   model.NPCPrompt
	rc       model.RuntimeConfig
	llm      LLMParams
	window   []cache.SessionTurn
	answer   string
	cites    []model.Citation
	followup []string
}

// Chat runs one turn. The response is always shaped the same: policy refusals,
// retrieval degradation, and provider failures all come back as a normal
// ChatResponse, never as an error. Errors are reserved for turns that cannot
// start at all (unknown NPC, invalid input).
func (o *Orchestrator) Chat(ctx context.Context, scope model.Scope, req model.ChatRequest, traceID string) (model.ChatResponse, error) {
	started := time.Now()

	if req.NPCID == "" || req.Message == "" {
		return model.ChatResponse{}, model.ValidationError("chat request is invalid",
			model.FieldError{Field: "npc_id", Message: "must not be empty"},
			model.FieldError{Field: "message", Message: "must not be empty"},
		)
	}
	if traceID == "" {
		traceID = uuid.NewString()
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	// Idempotent retry: a trace_id that already completed replays its result.
	if prior, err := o.db.GetTraceByTraceID(ctx, scope, traceID); err == nil {
		return replay(prior), nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return model.ChatResponse{}, err
	}

	st := &turnState{
		llm: o.llmParams,
		trace: model.TraceRecord{
			TraceID:      traceID,
			TenantID:     scope.TenantID,
			SiteID:       scope.SiteID,
			SessionID:    sessionID,
			NPCID:        &req.NPCID,
			RequestType:  "chat",
			RequestInput: req.Message,
			StartedAt:    started,
			Status:       model.TraceCompleted,
		},
	}
	if req.UserID != "" {
		st.trace.UserID = &req.UserID
	}

	if err := o.resolve(ctx, scope, req.NPCID, st); err != nil {
		return model.ChatResponse{}, err
	}
	o.assignExperiment(ctx, scope, sessionID, req.UserID, st)
	o.readSession(ctx, scope, sessionID, req.NPCID, st)

	o.runTurn(ctx, scope, req, st)

	st.trace.LatencyMS = time.Since(started).Milliseconds()
	o.persist(ctx, scope, sessionID, req, st)

	o.metrics.RecordTurn(ctx, scope.TenantID, string(st.trace.Status), time.Since(started))
	o.metrics.RecordGateDecision(ctx, scope.TenantID, string(st.trace.PolicyMode))

	return model.ChatResponse{
		TraceID:           traceID,
		SessionID:         sessionID,
		PolicyMode:        st.trace.PolicyMode,
		AnswerText:        st.answer,
		Citations:         st.cites,
		FollowupQuestions: st.followup,
		LatencyMS:         st.trace.LatencyMS,
	}, nil
}

// resolve loads the profile, the prompt pinned by the release (or the active
// one), and the runtime config. The profile and the runtime config come from
// independent stores and are fetched concurrently. Missing NPC assets fail
// the turn outright.
func (o *Orchestrator) resolve(ctx context.Context, scope model.Scope, npcID string, st *turnState) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		profile, err := o.loadProfile(gctx, scope, npcID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return model.Ef(model.KindNotFound, "orchestrator: npc %q has no active profile", npcID)
			}
			return err
		}
		st.profile = profile
		return nil
	})
	g.Go(func() error {
		rc, err := o.releases.RuntimeConfig(gctx, scope, npcID)
		if err != nil {
			o.logger.Warn("orchestrator: runtime config unavailable, using defaults",
				"tenant_id", scope.TenantID, "site_id", scope.SiteID, "error", err)
			rc = model.RuntimeConfig{}
		}
		st.rc = rc
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	st.trace.ReleaseID = st.rc.ReleaseID

	var prompt model.NPCPrompt
	var err error
	if st.rc.PromptVersion != nil {
		prompt, err = o.db.GetPromptVersion(ctx, scope, npcID, *st.rc.PromptVersion)
	} else {
		prompt, err = o.loadPrompt(ctx, scope, npcID)
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return model.Ef(model.KindNotFound, "orchestrator: npc %q has no active prompt", npcID)
		}
		return err
	}
	st.prompt = prompt
	return nil
}

func (o *Orchestrator) loadProfile(ctx context.Context, scope model.Scope, npcID string) (model.NPCProfile, error) {
	if p, err := o.cache.GetProfile(ctx, scope, npcID); err == nil {
		return p, nil
	}
	p, err := o.db.GetActiveProfile(ctx, scope, npcID)
	if err != nil {
		return model.NPCProfile{}, err
	}
	if err := o.cache.SetProfile(ctx, p); err != nil {
		o.logger.Warn("orchestrator: profile cache write failed", "error", err)
	}
	return p, nil
}

func (o *Orchestrator) loadPrompt(ctx context.Context, scope model.Scope, npcID string) (model.NPCPrompt, error) {
	if p, err := o.cache.GetPrompt(ctx, scope, npcID); err == nil {
		return p, nil
	}
	p, err := o.db.GetActivePrompt(ctx, scope, npcID)
	if err != nil {
		return model.NPCPrompt{}, err
	}
	if err := o.cache.SetPrompt(ctx, p); err != nil {
		o.logger.Warn("orchestrator: prompt cache write failed", "error", err)
	}
	return p, nil
}

// assignExperiment binds the subject to a variant and folds its overrides
// into the turn's dials. Assignment failure never fails the turn.
func (o *Orchestrator) assignExperiment(ctx context.Context, scope model.Scope, sessionID, userID string, st *turnState) {
	exp, ok, err := o.releases.ActiveExperiment(ctx, scope, st.rc)
	if err != nil {
		o.logger.Warn("orchestrator: experiment lookup failed", "error", err)
		return
	}
	if !ok {
		return
	}

	subjectKey := release.SubjectKey(exp.Config, sessionID, userID)
	assignment, err := o.releases.Assign(ctx, exp, subjectKey)
	if err != nil {
		o.logger.Warn("orchestrator: experiment assignment failed",
			"experiment_id", exp.ID, "error", err)
		return
	}

	st.trace.ExperimentID = &exp.ID
	st.trace.ExperimentVariant = &assignment.Variant

	for _, v := range exp.Config.Variants {
		if v.Name != assignment.Variant {
			continue
		}
		st.rc.RetrievalDefaults = release.ApplyOverrides(st.rc.RetrievalDefaults, v.StrategyOverrides)
		if v.StrategyOverrides.Temperature != nil {
			st.llm.Temperature = *v.StrategyOverrides.Temperature
		}
		if v.StrategyOverrides.MaxTokens != nil {
			st.llm.MaxTokens = *v.StrategyOverrides.MaxTokens
		}
		break
	}
}

func (o *Orchestrator) readSession(ctx context.Context, scope model.Scope, sessionID, npcID string, st *turnState) {
	window, err := o.cache.SessionWindow(ctx, scope, sessionID, npcID, o.sessionCaps)
	if err != nil {
		o.logger.Warn("orchestrator: session read failed", "session_id", sessionID, "error", err)
		return
	}
	st.window = window
}

// runTurn executes classify, retrieve, gate, generate, validate. All failure
// paths land in st; the turn always produces an answer.
func (o *Orchestrator) runTurn(ctx context.Context, scope model.Scope, req model.ChatRequest, st *turnState) {
	it, err := o.classifier.Classify(ctx, scope, req.Message, st.profile.Persona)
	if err != nil {
		o.logger.Warn("orchestrator: intent classification failed", "error", err)
		it = model.IntentUnknown
	}
	st.trace.Intent = it

	if it == model.IntentGreeting {
		st.trace.PolicyMode = model.ModeNormal
		st.trace.PolicyReason = "greeting"
		st.trace.GuardrailPassed = true
		st.answer = st.profile.Greeting()
		return
	}

	citations, retrievalOK := o.retrieve(ctx, scope, req, st)

	pol, hasPolicy, err := o.policies.Active(ctx, scope)
	if err != nil {
		o.logger.Warn("orchestrator: policy load failed, using builtin rules", "error", err)
		hasPolicy = false
	}
	if st.rc.PolicyVersion != "" && (!hasPolicy || pol.Version != st.rc.PolicyVersion) {
		// The release pins a specific version; prefer it when loadable.
		if pinned, perr := o.db.GetPolicyVersion(ctx, scope, st.rc.PolicyVersion); perr == nil {
			pol, hasPolicy = pinned, true
		}
	}

	decision, surviving := policy.Evaluate(pol, hasPolicy, policy.GateInput{
		Scope:     scope,
		NPCID:     *st.trace.NPCID,
		Intent:    it,
		Query:     req.Message,
		Citations: citations,
	})
	if !retrievalOK && decision.Mode == model.ModeNormal {
		decision.Mode = model.ModeConservative
		decision.Reason = "evidence retrieval unavailable"
		surviving = nil
	}

	st.trace.PolicyMode = decision.Mode
	st.trace.PolicyReason = decision.Reason
	st.trace.AppliedRuleID = decision.AppliedRuleID
	st.trace.PolicyVersion = decision.PolicyVersion
	st.trace.GuardrailPassed = true

	switch decision.Mode {
	case model.ModeRefuse:
		st.answer = model.GenericRefusal
		return
	case model.ModeConservative:
		st.answer = st.profile.Fallback()
		return
	}

	st.cites = surviving
	st.trace.EvidenceChain = surviving
	for _, c := range surviving {
		st.trace.EvidenceIDs = append(st.trace.EvidenceIDs, c.EvidenceID)
	}

	o.generate(ctx, scope, req, st)
}

// retrieve calls the retrieve_evidence tool. The bool reports whether the
// retrieval plane was healthy; an unhealthy plane downgrades the gate.
func (o *Orchestrator) retrieve(ctx context.Context, scope model.Scope, req model.ChatRequest, st *turnState) ([]model.Citation, bool) {
	d := st.rc.RetrievalDefaults
	input := map[string]any{"query": req.Message}
	if d.Strategy != "" {
		input["strategy"] = string(d.Strategy)
	}
	if d.TopK > 0 {
		input["top_k"] = d.TopK
	}
	if d.MinScore > 0 {
		input["min_score"] = float64(d.MinScore)
	}
	if len(st.profile.KnowledgeDomains) > 0 {
		domains := make([]any, len(st.profile.KnowledgeDomains))
		for i, kd := range st.profile.KnowledgeDomains {
			domains[i] = kd
		}
		input["domains"] = domains
	}

	resp := o.toolClient.Call(ctx, model.ToolCallRequest{
		ToolName: "retrieve_evidence",
		Input:    input,
		Context: model.ToolContext{
			TenantID:  scope.TenantID,
			SiteID:    scope.SiteID,
			TraceID:   st.trace.TraceID,
			SessionID: st.trace.SessionID,
			NPCID:     *st.trace.NPCID,
		},
	})
	st.trace.ToolCalls = append(st.trace.ToolCalls, model.ToolCallRecord{
		Tool:      resp.Audit.ToolName,
		Status:    resp.Audit.Status,
		LatencyMS: resp.Audit.LatencyMS,
		Error:     resp.Error,
	})
	st.trace.StrategySnapshot = map[string]any{
		"strategy":  string(d.Strategy),
		"top_k":     d.TopK,
		"min_score": d.MinScore,
	}

	if !resp.Success {
		return nil, false
	}

	raw, err := json.Marshal(resp.Output["citations"])
	if err != nil {
		return nil, false
	}
	var cites []model.Citation
	if err := json.Unmarshal(raw, &cites); err != nil {
		return nil, false
	}
	return cites, true
}

// generate runs the provider call and the output validator.
func (o *Orchestrator) generate(ctx context.Context, scope model.Scope, req model.ChatRequest, st *turnState) {
	resp, err := o.provider.Complete(ctx, llm.Request{
		System:      assemblePrompt(st.prompt, st.profile, st.trace.PolicyMode, st.cites),
		History:     historyMessages(st.window),
		User:        req.Message,
		Temperature: st.llm.Temperature,
		MaxTokens:   st.llm.MaxTokens,
	})
	if err != nil {
		o.logger.Error("orchestrator: llm call failed",
			"tenant_id", scope.TenantID, "trace_id", st.trace.TraceID, "error", err)
		st.answer = model.GenericApology
		st.cites = nil
		st.followup = nil
		if errors.Is(err, context.DeadlineExceeded) || model.KindOf(err) == model.KindTimeout {
			st.trace.Status = model.TraceTimeout
		} else {
			st.trace.Status = model.TraceFailed
		}
		return
	}

	st.trace.Tokens = resp.Usage
	o.metrics.RecordTokens(ctx, scope.TenantID, resp.Usage.Prompt, resp.Usage.Completion)

	if v := violation(resp.Text, st.profile); v != "" {
		o.logger.Warn("orchestrator: output guardrail tripped",
			"trace_id", st.trace.TraceID, "violation", v)
		st.trace.GuardrailPassed = false
		st.trace.PolicyMode = model.ModeRefuse
		st.trace.PolicyReason = v
		st.answer = model.GenericRefusal
		st.cites = nil
		return
	}

	st.answer = resp.Text
	st.followup = followups(st.trace.PolicyMode, st.cites)
}

// persist writes the ledger row, the conversation messages, and the session
// memory. Ledger failure is logged, not surfaced; the user already has the
// answer.
func (o *Orchestrator) persist(ctx context.Context, scope model.Scope, sessionID string, req model.ChatRequest, st *turnState) {
	st.answerTrace()

	// Survive caller cancellation: a timed-out turn still deserves a row.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	st.trace.CompletedAt = &now

	userMsg := model.Message{
		Role:    model.RoleUser,
		Content: req.Message,
		TraceID: &st.trace.TraceID,
	}
	assistantMsg := model.Message{
		Role:        model.RoleAssistant,
		Content:     st.answer,
		EvidenceIDs: st.trace.EvidenceIDs,
		TraceID:     &st.trace.TraceID,
	}
	if err := o.db.PersistTurn(persistCtx, st.trace, userMsg, assistantMsg); err != nil {
		o.logger.Error("orchestrator: trace persist failed",
			"trace_id", st.trace.TraceID, "error", err)
	}

	err := o.cache.AppendSessionTurns(persistCtx, scope, sessionID, req.NPCID, o.sessionCaps,
		cache.SessionTurn{Role: model.RoleUser, Content: req.Message, At: st.trace.StartedAt},
		cache.SessionTurn{Role: model.RoleAssistant, Content: st.answer, At: now},
	)
	if err != nil {
		o.logger.Warn("orchestrator: session write failed", "session_id", sessionID, "error", err)
	}
}

// answerTrace copies the final answer into the ledger row.
func (st *turnState) answerTrace() {
	st.trace.ResponseOutput = st.answer
}

// replay rebuilds the response a completed trace produced.
func replay(tr model.TraceRecord) model.ChatResponse {
	return model.ChatResponse{
		TraceID:    tr.TraceID,
		SessionID:  tr.SessionID,
		PolicyMode: tr.PolicyMode,
		AnswerText: tr.ResponseOutput,
		Citations:  tr.EvidenceChain,
		LatencyMS:  tr.LatencyMS,
	}
}
