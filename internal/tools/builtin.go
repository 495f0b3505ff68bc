package tools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/loreline-ai/loreline/internal/cache"
	"github.com/loreline-ai/loreline/internal/model"
	"github.com/loreline-ai/loreline/internal/retrieval"
	"github.com/loreline-ai/loreline/internal/storage"
)

// Builtins wires the built-in tool set. Tool names are part of the external
// contract and must not change.
type Builtins struct {
	DB        *storage.DB
	Cache     *cache.Cache
	Retriever *retrieval.Retriever

	// RetrievalDefaults seed retrieve_evidence when the caller omits knobs.
	RetrievalDefaults retrieval.Params

	Logger *slog.Logger
}

// Register adds every built-in tool to the registry.
func (b *Builtins) Register(reg *Registry) error {
	all := []*Tool{
		b.getNPCProfile(),
		b.getPromptActive(),
		b.getSiteMap(),
		b.searchContent(),
		b.retrieveEvidence(),
		b.createDraftContent(),
		b.logUserEvent(),
	}
	for _, t := range all {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builtins) getNPCProfile() *Tool {
	return &Tool{
		Descriptor: model.ToolDescriptor{
			Name:        "get_npc_profile",
			Version:     "1.0",
			Description: "Load the active profile version for an NPC.",
			Category:    "npc",
			InputSchema: objectSchema(map[string]any{
				"npc_id": map[string]any{"type": "string", "minLength": 1},
			}, "npc_id"),
			OutputSchema: map[string]any{"type": "object"},
			AICallable:   true,
		},
		Resilience: Resilience{Priority: 1, Timeout: 2 * time.Second},
		Handler: func(ctx context.Context, tc model.ToolContext, input map[string]any) (map[string]any, error) {
			npcID, _ := input["npc_id"].(string)
			scope := tc.Scope()

			if p, err := b.Cache.GetProfile(ctx, scope, npcID); err == nil {
				return toMap(p)
			}
			p, err := b.DB.GetActiveProfile(ctx, scope, npcID)
			if err != nil {
				return nil, classifyStorage(err, "npc profile")
			}
			if err := b.Cache.SetProfile(ctx, p); err != nil {
				b.Logger.Warn("tools: profile cache write failed", "error", err)
			}
			return toMap(p)
		},
	}
}

func (b *Builtins) getPromptActive() *Tool {
	return &Tool{
		Descriptor: model.ToolDescriptor{
			Name:        "get_prompt_active",
			Version:     "1.0",
			Description: "Load the active prompt version for an NPC.",
			Category:    "npc",
			InputSchema: objectSchema(map[string]any{
				"npc_id": map[string]any{"type": "string", "minLength": 1},
			}, "npc_id"),
			OutputSchema: map[string]any{"type": "object"},
			AICallable:   true,
		},
		Resilience: Resilience{Priority: 1, Timeout: 2 * time.Second},
		Handler: func(ctx context.Context, tc model.ToolContext, input map[string]any) (map[string]any, error) {
			npcID, _ := input["npc_id"].(string)
			scope := tc.Scope()

			if p, err := b.Cache.GetPrompt(ctx, scope, npcID); err == nil {
				return toMap(p)
			}
			p, err := b.DB.GetActivePrompt(ctx, scope, npcID)
			if err != nil {
				return nil, classifyStorage(err, "npc prompt")
			}
			if err := b.Cache.SetPrompt(ctx, p); err != nil {
				b.Logger.Warn("tools: prompt cache write failed", "error", err)
			}
			return toMap(p)
		},
	}
}

func (b *Builtins) getSiteMap() *Tool {
	return &Tool{
		Descriptor: model.ToolDescriptor{
			Name:         "get_site_map",
			Version:      "1.0",
			Description:  "Points of interest and routes for the site.",
			Category:     "site",
			InputSchema:  objectSchema(map[string]any{}),
			OutputSchema: map[string]any{"type": "object"},
			AICallable:   true,
		},
		Resilience: Resilience{Priority: 2, Timeout: 2 * time.Second},
		Handler: func(ctx context.Context, tc model.ToolContext, _ map[string]any) (map[string]any, error) {
			scope := tc.Scope()
			if sm, err := b.Cache.GetSiteMap(ctx, scope); err == nil {
				return toMap(sm)
			}
			sm, err := b.DB.GetSiteMap(ctx, scope)
			if err != nil {
				return nil, classifyStorage(err, "site map")
			}
			if err := b.Cache.SetSiteMap(ctx, scope, sm); err != nil {
				b.Logger.Warn("tools: site map cache write failed", "error", err)
			}
			return toMap(sm)
		},
	}
}

func (b *Builtins) searchContent() *Tool {
	return &Tool{
		Descriptor: model.ToolDescriptor{
			Name:        "search_content",
			Version:     "1.0",
			Description: "Full-text content search by keyword, optionally filtered by type.",
			Category:    "content",
			InputSchema: objectSchema(map[string]any{
				"query":        map[string]any{"type": "string", "minLength": 1},
				"content_type": map[string]any{"type": "string"},
				"limit":        map[string]any{"type": "integer", "minimum": 1, "maximum": 50},
			}, "query"),
			OutputSchema: map[string]any{"type": "object"},
			AICallable:   true,
		},
		Resilience: Resilience{Priority: 2, Timeout: 3 * time.Second},
		Handler: func(ctx context.Context, tc model.ToolContext, input map[string]any) (map[string]any, error) {
			query, _ := input["query"].(string)
			contentType, _ := input["content_type"].(string)
			limit := intArg(input, "limit", 10)

			items, err := b.DB.SearchContent(ctx, tc.Scope(), query, contentType, limit)
			if err != nil {
				return nil, classifyStorage(err, "content search")
			}
			return toMap(map[string]any{"items": items, "count": len(items)})
		},
	}
}

func (b *Builtins) retrieveEvidence() *Tool {
	return &Tool{
		Descriptor: model.ToolDescriptor{
			Name:        "retrieve_evidence",
			Version:     "1.0",
			Description: "Ranked, citable evidence for a query.",
			Category:    "retrieval",
			InputSchema: objectSchema(map[string]any{
				"query":     map[string]any{"type": "string", "minLength": 1},
				"domains":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
				"top_k":     map[string]any{"type": "integer", "minimum": 1, "maximum": 50},
				"min_score": map[string]any{"type": "number", "minimum": 0, "maximum": 1},
				"strategy":  map[string]any{"type": "string", "enum": []any{"trgm", "qdrant", "pgvector", "hybrid"}},
			}, "query"),
			OutputSchema: map[string]any{"type": "object"},
			AICallable:   true,
		},
		Resilience: Resilience{Priority: 1, Timeout: 5 * time.Second},
		Handler: func(ctx context.Context, tc model.ToolContext, input map[string]any) (map[string]any, error) {
			query, _ := input["query"].(string)

			p := b.RetrievalDefaults
			if s, ok := input["strategy"].(string); ok && s != "" {
				p.Strategy = s
			}
			if v := intArg(input, "top_k", 0); v > 0 {
				p.TopK = v
			}
			if v, ok := input["min_score"].(float64); ok {
				p.MinScore = float32(v)
			}
			if raw, ok := input["domains"].([]any); ok {
				p.Domains = p.Domains[:0]
				for _, d := range raw {
					if s, ok := d.(string); ok {
						p.Domains = append(p.Domains, s)
					}
				}
			}

			cites, err := b.Retriever.Retrieve(ctx, tc.Scope(), query, p)
			if err != nil {
				return nil, model.WrapErr(model.KindDependency, "tools: retrieve evidence", err)
			}
			return toMap(map[string]any{"citations": cites, "count": len(cites)})
		},
	}
}

func (b *Builtins) createDraftContent() *Tool {
	return &Tool{
		Descriptor: model.ToolDescriptor{
			Name:        "create_draft_content",
			Version:     "1.0",
			Description: "Create a content item in draft status.",
			Category:    "content",
			InputSchema: objectSchema(map[string]any{
				"content_type": map[string]any{"type": "string", "minLength": 1},
				"title":        map[string]any{"type": "string", "minLength": 1},
				"body":         map[string]any{"type": "string", "minLength": 1},
				"tags":         map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			}, "content_type", "title", "body"),
			OutputSchema: map[string]any{"type": "object"},
			RequiresAuth: true,
			AICallable:   false,
		},
		Resilience: Resilience{Priority: 3, Timeout: 5 * time.Second},
		Handler: func(ctx context.Context, tc model.ToolContext, input map[string]any) (map[string]any, error) {
			c := model.Content{
				TenantID:    tc.TenantID,
				SiteID:      tc.SiteID,
				ContentType: input["content_type"].(string),
				Title:       input["title"].(string),
				Body:        input["body"].(string),
				Status:      model.ContentDraft,
				CreatedBy:   tc.UserID,
			}
			if raw, ok := input["tags"].([]any); ok {
				for _, t := range raw {
					if s, ok := t.(string); ok {
						c.Tags = append(c.Tags, s)
					}
				}
			}
			created, err := b.DB.CreateContent(ctx, c)
			if err != nil {
				return nil, classifyStorage(err, "create content")
			}
			return toMap(created)
		},
	}
}

func (b *Builtins) logUserEvent() *Tool {
	return &Tool{
		Descriptor: model.ToolDescriptor{
			Name:        "log_user_event",
			Version:     "1.0",
			Description: "Append one analytics event for the current user.",
			Category:    "analytics",
			InputSchema: objectSchema(map[string]any{
				"event_type": map[string]any{"type": "string", "minLength": 1},
				"payload":    map[string]any{"type": "object"},
			}, "event_type"),
			OutputSchema: map[string]any{"type": "object"},
			AICallable:   true,
		},
		Resilience: Resilience{Priority: 3, Timeout: 2 * time.Second},
		Handler: func(ctx context.Context, tc model.ToolContext, input map[string]any) (map[string]any, error) {
			eventType, _ := input["event_type"].(string)
			payload, _ := input["payload"].(map[string]any)

			if err := b.DB.LogUserEvent(ctx, tc.Scope(), tc.UserID, eventType, payload); err != nil {
				return nil, classifyStorage(err, "log user event")
			}
			return map[string]any{"logged": true}, nil
		},
	}
}

// objectSchema builds a draft 2020-12 object schema with required fields.
func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{
		"type":                 "object",
		"properties":           props,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		s["required"] = req
	}
	return s
}

// toMap renders any value as the generic JSON object tool outputs use.
func toMap(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, model.WrapErr(model.KindInternal, "tools: encode output", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, model.WrapErr(model.KindInternal, "tools: decode output", err)
	}
	return out, nil
}

func intArg(input map[string]any, key string, def int) int {
	if v, ok := input[key].(float64); ok {
		return int(v)
	}
	return def
}

// classifyStorage maps storage errors into the platform taxonomy.
func classifyStorage(err error, what string) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return model.Ef(model.KindNotFound, "tools: %s not found", what)
	case errors.Is(err, storage.ErrConflict):
		return model.Ef(model.KindConflict, "tools: %s conflict", what)
	default:
		return model.WrapErr(model.KindDependency, "tools: "+what, err)
	}
}
