// Package mcp implements the Model Context Protocol server for Loreline.
//
// The MCP server mirrors the AI-callable tool registry so MCP-compatible
// agents can call the same tools the orchestrator uses, with the same
// validation and resilience budget.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/loreline-ai/loreline/internal/model"
	"github.com/loreline-ai/loreline/internal/storage"
	"github.com/loreline-ai/loreline/internal/tools"
)

// Server wraps the MCP server around the tool registry and call client.
type Server struct {
	mcpServer *mcpserver.MCPServer
	registry  *tools.Registry
	client    *tools.Client
	db        *storage.DB
	logger    *slog.Logger
}

// New creates and configures an MCP server mirroring every AI-callable tool.
func New(registry *tools.Registry, client *tools.Client, db *storage.DB, logger *slog.Logger) *Server {
	s := &Server{
		registry: registry,
		client:   client,
		db:       db,
		logger:   logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"loreline",
		"0.1.0",
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
	)

	s.registerResources()
	s.registerTools()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func (s *Server) registerResources() {
	// loreline://traces/recent: recent turns for a scope.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"loreline://traces/recent",
			"Recent Traces",
			mcplib.WithResourceDescription("Recent conversation turns across all scopes"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleTracesRecent,
	)
}

// registerTools mirrors the AI-callable registry entries. Every MCP tool adds
// tenant_id and site_id to the mirrored input schema; scope never comes from
// the transport in MCP.
func (s *Server) registerTools() {
	for _, desc := range s.registry.List("", true) {
		raw, err := json.Marshal(scopedSchema(desc.InputSchema))
		if err != nil {
			s.logger.Error("mcp: encode tool schema", "tool", desc.Name, "error", err)
			continue
		}
		name := desc.Name
		s.mcpServer.AddTool(
			mcplib.NewToolWithRawSchema(name, desc.Description, raw),
			func(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
				return s.handleCall(ctx, name, request)
			},
		)
	}
}

// scopedSchema extends a tool input schema with the scope fields MCP callers
// must supply explicitly.
func scopedSchema(schema map[string]any) map[string]any {
	out := map[string]any{"type": "object"}
	props := map[string]any{}
	var required []any
	if schema != nil {
		if p, ok := schema["properties"].(map[string]any); ok {
			for k, v := range p {
				props[k] = v
			}
		}
		if r, ok := schema["required"].([]any); ok {
			required = append(required, r...)
		}
	}
	props["tenant_id"] = map[string]any{"type": "string", "minLength": 1}
	props["site_id"] = map[string]any{"type": "string", "minLength": 1}
	props["session_id"] = map[string]any{"type": "string"}
	props["user_id"] = map[string]any{"type": "string"}
	props["npc_id"] = map[string]any{"type": "string"}
	required = append(required, "tenant_id", "site_id")
	out["properties"] = props
	out["required"] = required
	return out
}

func (s *Server) handleCall(ctx context.Context, toolName string, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	args := request.GetArguments()

	tenantID, _ := args["tenant_id"].(string)
	siteID, _ := args["site_id"].(string)
	if tenantID == "" || siteID == "" {
		return errorResult("tenant_id and site_id are required"), nil
	}

	tc := model.ToolContext{
		TenantID: tenantID,
		SiteID:   siteID,
		TraceID:  uuid.NewString(),
	}
	tc.SessionID, _ = args["session_id"].(string)
	tc.UserID, _ = args["user_id"].(string)
	tc.NPCID, _ = args["npc_id"].(string)

	input := make(map[string]any, len(args))
	for k, v := range args {
		switch k {
		case "tenant_id", "site_id", "session_id", "user_id":
			continue
		}
		input[k] = v
	}
	// npc_id stays in the input for tools that declare it.
	if tool, ok := s.registry.Get(toolName); ok {
		if props, ok := tool.Descriptor.InputSchema["properties"].(map[string]any); ok {
			if _, wants := props["npc_id"]; !wants {
				delete(input, "npc_id")
			}
		}
	}

	resp := s.client.Call(ctx, model.ToolCallRequest{
		ToolName: toolName,
		Input:    input,
		Context:  tc,
	})
	if !resp.Success {
		return errorResult(fmt.Sprintf("%s: %s", resp.ErrorType, resp.Error)), nil
	}

	resultData, err := json.MarshalIndent(resp.Output, "", "  ")
	if err != nil {
		return errorResult(fmt.Sprintf("encode output: %v", err)), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(resultData)},
		},
	}, nil
}

func (s *Server) handleTracesRecent(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	scopes, err := s.db.ActiveScopesSince(ctx, recentWindowStart())
	if err != nil {
		return nil, fmt.Errorf("mcp: recent scopes: %w", err)
	}

	out := make(map[string]any, len(scopes))
	for _, scope := range scopes {
		traces, _, err := s.db.ListTraces(ctx, scope, storage.TraceFilter{Limit: 5})
		if err != nil {
			return nil, fmt.Errorf("mcp: recent traces: %w", err)
		}
		out[scope.TenantID+"/"+scope.SiteID] = traces
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal traces: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      "loreline://traces/recent",
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func recentWindowStart() time.Time {
	return time.Now().Add(-time.Hour)
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
