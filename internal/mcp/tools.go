package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MycelicMemory/mycelicmemory/internal/database"
	"github.com/MycelicMemory/mycelicmemory/internal/memory"
	"github.com/MycelicMemory/mycelicmemory/internal/search"
)

// textResult wraps a plain text payload in the tool-response envelope.
func textResult(text string) *CallToolResult {
	return &CallToolResult{Content: []ContentBlock{{Type: "text", Text: text}}}
}

func errorResult(text string) *CallToolResult {
	return &CallToolResult{Content: []ContentBlock{{Type: "text", Text: text}}, IsError: true}
}

// callerError converts validation and capacity rejections into isError
// results; anything else propagates as an internal error.
func callerError(err error) (*CallToolResult, error) {
	var vErr *memory.ValidationError
	if errors.As(err, &vErr) {
		return errorResult(vErr.Message), nil
	}
	var cErr *memory.CapacityError
	if errors.As(err, &cErr) {
		return errorResult(cErr.Error()), nil
	}
	return nil, err
}

func (s *Server) handleRemember(ctx context.Context, args json.RawMessage) (*CallToolResult, error) {
	var params RememberParams
	if err := json.Unmarshal(args, &params); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	result, err := s.memSvc.Remember(ctx, &memory.RememberOptions{
		Content:   params.Content,
		Type:      params.Type,
		Tags:      params.Tags,
		Subject:   params.Subject,
		Source:    "mcp",
		AgentID:   params.AgentID,
		TTL:       params.TTL,
		ExpiresAt: params.ExpiresAt,
	})
	if err != nil {
		return callerError(err)
	}

	if s.cfg.WebhooksEnabled() {
		for _, m := range result.Memories {
			s.hooks.Fire("memory.created", map[string]string{"memory_id": m.ID})
		}
	}

	if !result.Chunked {
		m := result.Memories[0]
		expiryNote := ""
		if m.ExpiresAt != nil {
			expiryNote = fmt.Sprintf(" (expires: %s)", m.ExpiresAt.Format("2006-01-02 15:04"))
		}
		return textResult(fmt.Sprintf("Remembered: %s (id: %s)%s", m.Content, m.ID, expiryNote)), nil
	}

	return textResult(fmt.Sprintf(
		"Remembered as %d linked chunks (chunkset:%s). First id: %s",
		len(result.Memories), result.ChunkSet, result.Memories[0].ID,
	)), nil
}

func (s *Server) handleRecall(ctx context.Context, args json.RawMessage) (*CallToolResult, error) {
	var params RecallParams
	if err := json.Unmarshal(args, &params); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	limit := search.DefaultLimit
	if params.Limit != nil {
		limit = *params.Limit
	}

	resp, err := s.searchEng.Recall(ctx, &search.Options{
		Query:     params.Query,
		Limit:     limit,
		MaxTokens: params.MaxTokens,
		Subject:   params.Subject,
		AgentID:   params.AgentID,
	})
	if err != nil {
		return errorResult(sanitizeError(err)), nil
	}

	if len(resp.Results) == 0 {
		switch resp.Method {
		case search.MethodSubject:
			return textResult(fmt.Sprintf("No memories found for subject: %s", params.Subject)), nil
		case search.MethodAgent:
			return textResult(fmt.Sprintf("No memories found for agent: %s", params.AgentID)), nil
		}
		return textResult("No memories found."), nil
	}

	var b strings.Builder
	switch resp.Method {
	case search.MethodSubject:
		fmt.Fprintf(&b, "Memories about '%s':\n\n", params.Subject)
	case search.MethodAgent:
		fmt.Fprintf(&b, "Memories from agent '%s':\n\n", params.AgentID)
	default:
		fmt.Fprintf(&b, "Found memories (search: %s):\n\n", resp.Method)
	}

	for _, r := range resp.Results {
		subjectNote := ""
		if r.Memory.Subject != "" {
			subjectNote = fmt.Sprintf(" [%s]", r.Memory.Subject)
		}
		if resp.Method == search.MethodSubject || resp.Method == search.MethodAgent {
			fmt.Fprintf(&b, "- [%s] (%s)%s %s\n", r.Memory.ID, r.Memory.Type, subjectNote, r.Memory.Content)
		} else {
			fmt.Fprintf(&b, "- [%s] (%s, score: %.2f, conf: %s, pct: %.0f%%) %s%s\n",
				r.Memory.ID, r.Memory.Type, r.Score, r.Confidence, r.Percentile*100,
				r.Memory.Content, subjectNote)
		}
		for _, rel := range r.Related {
			direction := "→"
			if !rel.Outbound {
				direction = "←"
			}
			fmt.Fprintf(&b, "    related %s [%s] (%s)\n", direction, rel.MemoryID, rel.RelationshipType)
		}
	}

	return textResult(b.String()), nil
}

func (s *Server) handleForget(ctx context.Context, args json.RawMessage) (*CallToolResult, error) {
	var params ForgetParams
	if err := json.Unmarshal(args, &params); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if params.ID == "" {
		return errorResult("id is required"), nil
	}

	// Dry-run by default: the caller must explicitly confirm deletion.
	dryRun := true
	if params.DryRun != nil {
		dryRun = *params.DryRun
	}

	if dryRun {
		m, err := s.memSvc.Get(params.ID)
		if err != nil {
			return callerError(err)
		}
		if m == nil {
			return textResult(fmt.Sprintf("Memory %s not found.", params.ID)), nil
		}
		return textResult(fmt.Sprintf(
			"Would delete: [%s] %s\nRun with dry_run=false to confirm.", m.ID, m.Content,
		)), nil
	}

	deleted, err := s.memSvc.Forget(params.ID)
	if err != nil {
		return callerError(err)
	}
	if !deleted {
		return textResult(fmt.Sprintf("Memory %s not found.", params.ID)), nil
	}

	if s.cfg.WebhooksEnabled() {
		s.hooks.Fire("memory.deleted", map[string]string{"memory_id": params.ID})
	}
	return textResult(fmt.Sprintf("Deleted memory %s.", params.ID)), nil
}

func (s *Server) handleUpdateMemory(ctx context.Context, args json.RawMessage) (*CallToolResult, error) {
	var params UpdateMemoryParams
	if err := json.Unmarshal(args, &params); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if params.ID == "" {
		return errorResult("id is required"), nil
	}

	m, err := s.memSvc.Update(ctx, params.ID, &memory.UpdateOptions{
		Content:      params.Content,
		Tags:         params.Tags,
		Subject:      params.Subject,
		TTL:          params.TTL,
		ExpiresAt:    params.ExpiresAt,
		RemoveExpiry: params.RemoveExpiry,
	})
	if err != nil {
		return callerError(err)
	}
	if m == nil {
		return errorResult(fmt.Sprintf("Memory %s not found.", params.ID)), nil
	}

	if s.cfg.WebhooksEnabled() {
		s.hooks.Fire("memory.updated", map[string]string{"memory_id": m.ID})
	}
	return textResult(fmt.Sprintf("Updated memory %s.", m.ID)), nil
}

func (s *Server) handleStatus(ctx context.Context, args json.RawMessage) (*CallToolResult, error) {
	stats, err := s.memSvc.GetStats()
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Memories: %d\n", stats.MemoryCount)
	fmt.Fprintf(&b, "Tier: %s\n", stats.Tier)
	fmt.Fprintf(&b, "Logged in: %t\n", stats.LoggedIn)
	fmt.Fprintf(&b, "Encrypted sync: %t\n", stats.Encrypted)
	fmt.Fprintf(&b, "Features: %s\n", strings.Join(stats.Features, ", "))
	return textResult(b.String()), nil
}

func (s *Server) handleSubjects(ctx context.Context, args json.RawMessage) (*CallToolResult, error) {
	subjects, err := s.searchEng.Subjects()
	if err != nil {
		return nil, err
	}
	if len(subjects) == 0 {
		return textResult("No subjects recorded."), nil
	}

	var b strings.Builder
	b.WriteString("Subjects:\n\n")
	for _, sc := range subjects {
		fmt.Fprintf(&b, "- %s (%d)\n", sc.Subject, sc.Count)
	}
	return textResult(b.String()), nil
}

func (s *Server) handlePinMemory(ctx context.Context, args json.RawMessage) (*CallToolResult, error) {
	var params PinMemoryParams
	if err := json.Unmarshal(args, &params); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if params.ID == "" {
		return errorResult("id is required"), nil
	}

	var extra []string
	if params.Policy {
		extra = append(extra, "policy")
	}
	if params.Workflow {
		extra = append(extra, "workflow")
	}

	m, err := s.memSvc.Pin(ctx, params.ID, extra...)
	if err != nil {
		return callerError(err)
	}
	if m == nil {
		return errorResult(fmt.Sprintf("Memory %s not found.", params.ID)), nil
	}
	return textResult(fmt.Sprintf("Pinned memory %s with tags: %s", m.ID, strings.Join(m.Tags, ", "))), nil
}

func (s *Server) handleUnpinMemory(ctx context.Context, args json.RawMessage) (*CallToolResult, error) {
	var params PinMemoryParams
	if err := json.Unmarshal(args, &params); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if params.ID == "" {
		return errorResult("id is required"), nil
	}

	m, err := s.memSvc.Unpin(ctx, params.ID)
	if err != nil {
		return callerError(err)
	}
	if m == nil {
		return errorResult(fmt.Sprintf("Memory %s not found.", params.ID)), nil
	}
	return textResult(fmt.Sprintf("Unpinned memory %s.", m.ID)), nil
}

func (s *Server) handleRelate(ctx context.Context, args json.RawMessage) (*CallToolResult, error) {
	var params RelateParams
	if err := json.Unmarshal(args, &params); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	r, err := s.relSvc.Create(params.SourceID, params.TargetID, params.Type)
	if err != nil {
		return errorResult(sanitizeError(err)), nil
	}
	return textResult(fmt.Sprintf(
		"Related [%s] —[%s]→ [%s] (id: %s)",
		r.SourceMemoryID, r.RelationshipType, r.TargetMemoryID, r.ID,
	)), nil
}

// handleContext synthesizes a token-budgeted context block: ranked results
// grouped by subject, subjectless results last.
func (s *Server) handleContext(ctx context.Context, args json.RawMessage) (*CallToolResult, error) {
	var params ContextParams
	if err := json.Unmarshal(args, &params); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	if strings.TrimSpace(params.Query) == "" {
		return errorResult("query is required"), nil
	}

	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2000
	}

	resp, err := s.searchEng.Recall(ctx, &search.Options{
		Query:     params.Query,
		Limit:     search.MaxLimit,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return errorResult(sanitizeError(err)), nil
	}
	if len(resp.Results) == 0 {
		return textResult("No relevant context found."), nil
	}

	bySubject := make(map[string][]*search.Result)
	var order []string
	var noSubject []*search.Result
	for _, r := range resp.Results {
		subj := r.Memory.Subject
		if subj == "" {
			noSubject = append(noSubject, r)
			continue
		}
		if _, seen := bySubject[subj]; !seen {
			order = append(order, subj)
		}
		bySubject[subj] = append(bySubject[subj], r)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Context for %q:\n\n", params.Query)
	for _, subj := range order {
		fmt.Fprintf(&b, "## %s\n", subj)
		for _, r := range bySubject[subj] {
			fmt.Fprintf(&b, "- %s\n", r.Memory.Content)
		}
		b.WriteString("\n")
	}
	if len(noSubject) > 0 {
		b.WriteString("## General\n")
		for _, r := range noSubject {
			fmt.Fprintf(&b, "- %s\n", r.Memory.Content)
		}
	}
	return textResult(b.String()), nil
}

func (s *Server) handleManageWebhooks(ctx context.Context, args json.RawMessage) (*CallToolResult, error) {
	var params WebhookParams
	if err := json.Unmarshal(args, &params); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}

	switch params.Action {
	case "", "list":
		hooks, err := s.db.ListWebhooks()
		if err != nil {
			return nil, err
		}
		if len(hooks) == 0 {
			return textResult("No webhooks registered."), nil
		}
		var b strings.Builder
		b.WriteString("Webhooks:\n\n")
		for _, h := range hooks {
			fmt.Fprintf(&b, "- [%s] %s (%s)\n", h.ID, h.URL, strings.Join(h.Events, ", "))
		}
		return textResult(b.String()), nil

	case "add":
		events := []string{params.Event}
		if params.Event == "" {
			events = database.WebhookEvents
		}
		h, err := s.db.CreateWebhook(params.URL, "", events)
		if err != nil {
			return errorResult(sanitizeError(err)), nil
		}
		return textResult(fmt.Sprintf("Webhook registered (id: %s).", h.ID)), nil

	case "remove":
		removed, err := s.db.DeleteWebhook(params.ID)
		if err != nil {
			return nil, err
		}
		if !removed {
			return errorResult(fmt.Sprintf("Webhook %s not found.", params.ID)), nil
		}
		return textResult(fmt.Sprintf("Webhook %s removed.", params.ID)), nil

	default:
		return errorResult(fmt.Sprintf("unknown action: %s (use list, add, remove)", params.Action)), nil
	}
}

// handleConsolidate tombstones exact-duplicate live memories, keeping the
// newest copy of each duplicated content.
func (s *Server) handleConsolidate(ctx context.Context, args json.RawMessage) (*CallToolResult, error) {
	memories, err := s.db.ListMemories(&database.MemoryFilters{Limit: 1000})
	if err != nil {
		return nil, err
	}

	// ListMemories orders newest first, so the first sighting of a content
	// is the copy we keep.
	seen := make(map[string]bool, len(memories))
	removed := 0
	for _, m := range memories {
		key := m.Type + "\x00" + m.Subject + "\x00" + m.Content
		if !seen[key] {
			seen[key] = true
			continue
		}
		if ok, delErr := s.memSvc.Forget(m.ID); delErr == nil && ok {
			removed++
		}
	}

	return textResult(fmt.Sprintf("Consolidated: removed %d duplicate memories.", removed)), nil
}

func (s *Server) handleMaintenance(ctx context.Context, args json.RawMessage) (*CallToolResult, error) {
	expired, err := s.db.CleanupExpired()
	if err != nil {
		return nil, err
	}
	purged, err := s.db.PurgeTombstones()
	if err != nil {
		return nil, err
	}
	if err := s.db.Checkpoint(); err != nil {
		s.log.Warn("checkpoint failed during maintenance", "error", err)
	}
	return textResult(fmt.Sprintf(
		"Maintenance complete: %d expired memories tombstoned, %d tombstones purged.",
		expired, purged,
	)), nil
}

// toolDefinitions returns the tier-gated tool registry.
func (s *Server) toolDefinitions() []Tool {
	tools := []Tool{
		{
			Name: "remember",
			Description: "Store a memory in the shared, cross-tool store. Use for durable facts: " +
				"preferences, decisions, project conventions. Long content is chunked automatically.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"content": {Type: "string", Description: "The text to remember"},
					"type": {
						Type: "string", Description: "Memory type",
						Enum: []string{"semantic", "episodic", "procedural", "preference"}, Default: "semantic",
					},
					"tags":       {Type: "array", Description: "Tags, ns:value convention encouraged", Items: &Property{Type: "string"}},
					"subject":    {Type: "string", Description: "Entity this memory is about (type:name convention)"},
					"agent_id":   {Type: "string", Description: "Identifier of the writing agent"},
					"ttl":        {Type: "string", Description: "Relative expiry like '1h', '7d'"},
					"expires_at": {Type: "string", Description: "Absolute expiry, RFC 3339"},
				},
				Required: []string{"content"},
			},
		},
		{
			Name: "recall",
			Description: "Search the shared memory store. Call this at the start of every conversation " +
				"and whenever past context would help. Semantic search finds conceptually related " +
				"memories, not just keyword matches; use subject= to scope to an entity and " +
				"max_tokens to bound context window usage.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"query":      {Type: "string", Description: "Natural-language search query"},
					"limit":      {Type: "integer", Description: "Maximum results", Default: 5},
					"max_tokens": {Type: "integer", Description: "Token budget; overrides limit when set"},
					"subject":    {Type: "string", Description: "Scope results to this subject"},
					"agent_id":   {Type: "string", Description: "Scope results to this writer"},
				},
				Required: []string{"query"},
			},
		},
		{
			Name: "forget",
			Description: "Delete a memory by id. Always dry_run=true first to preview, then call " +
				"again with dry_run=false to confirm.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"id":      {Type: "string", Description: "Memory id to delete"},
					"dry_run": {Type: "boolean", Description: "Preview without deleting", Default: true},
				},
				Required: []string{"id"},
			},
		},
		{
			Name:        "update_memory",
			Description: "Update a memory's content, tags, subject, or expiry. Content changes are re-embedded.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"id":            {Type: "string", Description: "Memory id to update"},
					"content":       {Type: "string", Description: "New content"},
					"tags":          {Type: "array", Description: "Replacement tags", Items: &Property{Type: "string"}},
					"subject":       {Type: "string", Description: "New subject"},
					"ttl":           {Type: "string", Description: "New relative expiry"},
					"expires_at":    {Type: "string", Description: "New absolute expiry, RFC 3339"},
					"remove_expiry": {Type: "boolean", Description: "Clear any expiry"},
				},
				Required: []string{"id"},
			},
		},
		{
			Name:        "status",
			Description: "Report memory count, tier, and enabled features.",
			InputSchema: InputSchema{Type: "object"},
		},
		{
			Name:        "subjects",
			Description: "List every subject in the store with its memory count.",
			InputSchema: InputSchema{Type: "object"},
		},
		{
			Name:        "pin_memory",
			Description: "Pin a memory so future recalls rank it higher. Optional policy/workflow flags add those tags.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"id":       {Type: "string", Description: "Memory id to pin"},
					"policy":   {Type: "boolean", Description: "Also tag as policy"},
					"workflow": {Type: "boolean", Description: "Also tag as workflow"},
				},
				Required: []string{"id"},
			},
		},
		{
			Name:        "unpin_memory",
			Description: "Remove the pinned/policy/workflow tags from a memory.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"id": {Type: "string", Description: "Memory id to unpin"},
				},
				Required: []string{"id"},
			},
		},
		{
			Name:        "relate",
			Description: "Record a typed, directed relationship between two memories. Recalls attach these edges as graph context.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"source_id": {Type: "string", Description: "Source memory id"},
					"target_id": {Type: "string", Description: "Target memory id"},
					"type": {
						Type: "string", Description: "Relationship type",
						Enum: database.RelationshipTypes, Default: "relates_to",
					},
				},
				Required: []string{"source_id", "target_id"},
			},
		},
	}

	if s.cfg.CloudSyncEnabled() {
		tools = append(tools, Tool{
			Name:        "maintenance",
			Description: "Run store maintenance: tombstone expired memories, purge old tombstones, checkpoint the database.",
			InputSchema: InputSchema{Type: "object"},
		})
	}

	if s.cfg.ContextSynthesisEnabled() {
		tools = append(tools, Tool{
			Name:        "context",
			Description: "Synthesize a token-budgeted context block for a topic, grouped by subject.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"query":      {Type: "string", Description: "Topic to build context for"},
					"max_tokens": {Type: "integer", Description: "Token budget", Default: 2000},
				},
				Required: []string{"query"},
			},
		}, Tool{
			Name:        "consolidate",
			Description: "Remove exact-duplicate memories, keeping the newest copy of each.",
			InputSchema: InputSchema{Type: "object"},
		})
	}

	if s.cfg.WebhooksEnabled() {
		tools = append(tools, Tool{
			Name:        "manage_webhooks",
			Description: "List, add, or remove webhooks fired on memory events.",
			InputSchema: InputSchema{
				Type: "object",
				Properties: map[string]Property{
					"action": {Type: "string", Description: "Operation", Enum: []string{"list", "add", "remove"}, Default: "list"},
					"url":    {Type: "string", Description: "Callback URL (for add)"},
					"event":  {Type: "string", Description: "Event to subscribe to; empty means all", Enum: database.WebhookEvents},
					"id":     {Type: "string", Description: "Webhook id (for remove)"},
				},
			},
		})
	}

	return tools
}
