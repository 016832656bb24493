package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/MycelicMemory/mycelicmemory/internal/database"
	"github.com/MycelicMemory/mycelicmemory/internal/logging"
	"github.com/MycelicMemory/mycelicmemory/internal/memory"
	"github.com/MycelicMemory/mycelicmemory/internal/ratelimit"
	"github.com/MycelicMemory/mycelicmemory/internal/relationships"
	"github.com/MycelicMemory/mycelicmemory/internal/search"
	"github.com/MycelicMemory/mycelicmemory/internal/webhooks"
	"github.com/MycelicMemory/mycelicmemory/pkg/config"
)

const (
	ProtocolVersion = "2024-11-05"
	ServerName      = "mycelicmemory"
	ServerVersion   = "2.0.0"
)

// serverInstructions primes connecting agents to use the store proactively.
const serverInstructions = `You have access to a persistent, cross-tool memory store. ` +
	`Recall relevant context at the START of every conversation — don't wait for the user ` +
	`to ask "do you remember". Store preferences, decisions, and project facts as you ` +
	`learn them with the remember tool; anything stored here is visible to every other ` +
	`connected AI tool.`

// Server is the transport-agnostic MCP core: protocol negotiation, the
// tier-gated tool registry, and dispatch. Transports (stdio framing, SSE
// sessions) feed raw JSON-RPC messages into HandleMessage.
type Server struct {
	db          *database.Database
	cfg         *config.Config
	memSvc      *memory.Service
	searchEng   *search.Engine
	relSvc      *relationships.Service
	hooks       *webhooks.Dispatcher
	rateLimiter *ratelimit.Limiter
	log         *logging.Logger

	mu          sync.Mutex
	initialized bool
}

// NewServer creates a new MCP server instance
func NewServer(db *database.Database, cfg *config.Config, memSvc *memory.Service, searchEng *search.Engine, relSvc *relationships.Service) *Server {
	log := logging.GetLogger("mcp")
	log.Info("initializing MCP server", "version", ServerVersion, "protocol", ProtocolVersion)

	var limiter *ratelimit.Limiter
	if cfg.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(&ratelimit.Config{
			Enabled: cfg.RateLimit.Enabled,
			Global: ratelimit.LimitConfig{
				RequestsPerSecond: cfg.RateLimit.Global.RequestsPerSecond,
				BurstSize:         cfg.RateLimit.Global.BurstSize,
			},
			Tools: convertToolLimits(cfg.RateLimit.Tools),
		})
		log.Info("rate limiting enabled", "global_rps", cfg.RateLimit.Global.RequestsPerSecond)
	}

	return &Server{
		db:          db,
		cfg:         cfg,
		memSvc:      memSvc,
		searchEng:   searchEng,
		relSvc:      relSvc,
		hooks:       webhooks.NewDispatcher(db, ServerVersion),
		rateLimiter: limiter,
		log:         log,
	}
}

// convertToolLimits converts config tool limits to ratelimit package format
func convertToolLimits(tools []config.ToolLimitConfig) []ratelimit.ToolLimit {
	result := make([]ratelimit.ToolLimit, len(tools))
	for i, t := range tools {
		result[i] = ratelimit.ToolLimit{
			Name:              t.Name,
			RequestsPerSecond: t.RequestsPerSecond,
			BurstSize:         t.BurstSize,
		}
	}
	return result
}

// HandleMessage processes one raw JSON-RPC message and returns the response,
// or nil for notifications. Both transports share this entry point, so the
// same tool call produces byte-equal response payloads on either.
func (s *Server) HandleMessage(ctx context.Context, data []byte) *Response {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.log.Error("failed to parse request", "error", err)
		return &Response{
			JSONRPC: "2.0",
			Error:   &RPCError{Code: ParseError, Message: "Parse error", Data: err.Error()},
		}
	}

	s.log.Debug("received request", "method", req.Method, "id", req.ID)

	if req.JSONRPC != "2.0" {
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &RPCError{Code: InvalidRequest, Message: "Invalid Request", Data: "jsonrpc must be '2.0'"},
		}
	}

	// State machine: before initialize, only initialize is valid.
	if !s.isInitialized() && req.Method != "initialize" {
		if req.IsNotification() {
			return nil
		}
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &RPCError{Code: InvalidRequest, Message: "Server not initialized", Data: req.Method},
		}
	}

	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "notifications/initialized", "initialized":
		// One-way signal, no response.
		return nil
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "resources/list":
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: ResourcesListResult{Resources: []interface{}{}}}
	case "resources/templates/list":
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: ResourceTemplatesListResult{ResourceTemplates: []interface{}{}}}
	case "prompts/list":
		return s.handlePromptsList(req)
	case "prompts/get":
		return s.handlePromptsGet(req)
	case "ping":
		return &Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{}}
	default:
		if req.IsNotification() {
			return nil
		}
		s.log.Warn("method not found", "method", req.Method)
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &RPCError{Code: MethodNotFound, Message: "Method not found", Data: req.Method},
		}
	}
}

func (s *Server) isInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// handleInitialize handles the initialize request
func (s *Server) handleInitialize(req Request) *Response {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()

	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities: ServerCapabilities{
				Tools:     &ToolsCapability{ListChanged: false},
				Prompts:   &PromptsCapability{ListChanged: false},
				Resources: &ResourcesCapability{ListChanged: false},
			},
			ServerInfo: ServerInfo{
				Name:    ServerName,
				Version: ServerVersion,
			},
			Instructions: serverInstructions,
		},
	}
}

// handlePromptsList returns the single canned usage prompt.
func (s *Server) handlePromptsList(req Request) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: PromptsListResult{
			Prompts: []Prompt{
				{
					Name:        "memory-conventions",
					Description: "Conventions for storing and recalling shared memories",
					Arguments:   []PromptArgument{},
				},
			},
		},
	}
}

// handlePromptsGet returns the content of a specific prompt
func (s *Server) handlePromptsGet(req Request) *Response {
	var params struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &RPCError{Code: InvalidParams, Message: "Invalid params", Data: err.Error()},
		}
	}

	if params.Name != "memory-conventions" {
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &RPCError{Code: InvalidParams, Message: "Prompt not found", Data: params.Name},
		}
	}

	promptContent := `# Shared Memory Conventions

This store is shared across every AI tool the user has connected. Treat it as
the user's long-term memory, not your scratchpad.

## Recall first
At the start of a conversation, recall context about the current topic before
answering. Use natural-language queries ("coding style preferences", not just
"tabs"). Scope with subject= when the user names an entity.

## Store as you learn
Remember durable facts: stated preferences, decisions and their reasons,
project conventions, environment details. Skip generic knowledge and
transient state. Use ttl= for anything with a natural shelf life.

## Tagging
Namespace tags as ns:value — lang:go, project:billing, user. Subjects use
type:name — person:max, service:auth.

## Linking
When two memories clearly connect (one supersedes or contradicts another),
record it with the relate tool so later recalls carry the graph context.`

	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: PromptGetResult{
			Description: "Conventions for storing and recalling shared memories",
			Messages: []PromptMessage{
				{
					Role:    "user",
					Content: ContentBlock{Type: "text", Text: promptContent},
				},
			},
		},
	}
}

// handleToolsList returns the currently enabled tool set, tier-gated.
func (s *Server) handleToolsList(req Request) *Response {
	return &Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result:  ToolsListResult{Tools: s.toolDefinitions()},
	}
}

// handleToolsCall handles tool invocation
func (s *Server) handleToolsCall(ctx context.Context, req Request) *Response {
	var params CallToolParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.log.Error("failed to parse tool params", "error", err)
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Error:   &RPCError{Code: InvalidParams, Message: "Invalid params", Data: err.Error()},
		}
	}

	s.log.LogRequest("tools/call", "tool", params.Name)

	if s.rateLimiter != nil {
		result := s.rateLimiter.Allow(params.Name)
		if !result.Allowed {
			s.log.Warn("rate limit exceeded", "tool", params.Name, "limit_type", result.LimitType)
			return &Response{
				JSONRPC: "2.0",
				ID:      req.ID,
				Error: &RPCError{
					Code:    RateLimitExceeded,
					Message: "Rate limit exceeded",
					Data: RateLimitErrorData{
						RetryAfterMs: result.RetryAfter.Milliseconds(),
						LimitType:    result.LimitType,
						Message:      fmt.Sprintf("Rate limit exceeded for %s. Retry after %v.", result.LimitType, result.RetryAfter),
					},
				},
			}
		}
	}

	startTime := time.Now()
	result, err := s.callTool(ctx, params.Name, params.Arguments)
	durationMs := time.Since(startTime).Seconds() * 1000

	if err != nil {
		// Internal failure. User-driven rejections come back as isError
		// results from the handlers, not as Go errors.
		s.log.LogError("tool_call", err, "tool", params.Name, "duration_ms", durationMs)
		return &Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: CallToolResult{
				Content: []ContentBlock{{Type: "text", Text: sanitizeError(err)}},
				IsError: true,
			},
		}
	}

	s.log.LogResponse("tools/call", durationMs, "tool", params.Name)
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: *result}
}

// callTool dispatches to the appropriate tool handler
func (s *Server) callTool(ctx context.Context, name string, args json.RawMessage) (*CallToolResult, error) {
	if args == nil {
		args = json.RawMessage("{}")
	}

	switch name {
	case "remember":
		return s.handleRemember(ctx, args)
	case "recall":
		return s.handleRecall(ctx, args)
	case "forget":
		return s.handleForget(ctx, args)
	case "update_memory":
		return s.handleUpdateMemory(ctx, args)
	case "status":
		return s.handleStatus(ctx, args)
	case "subjects":
		return s.handleSubjects(ctx, args)
	case "pin_memory":
		return s.handlePinMemory(ctx, args)
	case "unpin_memory":
		return s.handleUnpinMemory(ctx, args)
	case "relate":
		return s.handleRelate(ctx, args)
	case "context":
		if !s.cfg.ContextSynthesisEnabled() {
			return tierError("context", "Pro"), nil
		}
		return s.handleContext(ctx, args)
	case "manage_webhooks":
		if !s.cfg.WebhooksEnabled() {
			return tierError("manage_webhooks", "Pro"), nil
		}
		return s.handleManageWebhooks(ctx, args)
	case "consolidate":
		if !s.cfg.ContextSynthesisEnabled() {
			return tierError("consolidate", "Pro"), nil
		}
		return s.handleConsolidate(ctx, args)
	case "maintenance":
		if !s.cfg.CloudSyncEnabled() {
			return tierError("maintenance", "Standard"), nil
		}
		return s.handleMaintenance(ctx, args)
	default:
		return &CallToolResult{
			Content: []ContentBlock{{Type: "text", Text: fmt.Sprintf("Unknown tool: %s", name)}},
			IsError: true,
		}, nil
	}
}

func tierError(tool, tier string) *CallToolResult {
	return &CallToolResult{
		Content: []ContentBlock{{
			Type: "text",
			Text: fmt.Sprintf("The %s tool requires the %s tier. Upgrade at https://mycelicmemory.dev/pricing", tool, tier),
		}},
		IsError: true,
	}
}

// sanitizeError strips messages that look like they leak filesystem paths.
func sanitizeError(err error) string {
	msg := err.Error()
	for _, c := range msg {
		if c == '/' || c == '\\' {
			return "Internal error"
		}
	}
	return msg
}
