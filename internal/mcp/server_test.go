package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MycelicMemory/mycelicmemory/internal/database"
	"github.com/MycelicMemory/mycelicmemory/internal/embedder"
	"github.com/MycelicMemory/mycelicmemory/internal/memory"
	"github.com/MycelicMemory/mycelicmemory/internal/relationships"
	"github.com/MycelicMemory/mycelicmemory/internal/search"
	"github.com/MycelicMemory/mycelicmemory/pkg/config"
)

func newTestServer(t *testing.T, tier string) *Server {
	t.Helper()

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.DefaultConfig()
	cfg.Sync.Tier = tier

	emb := embedder.Get(context.Background(), embedder.Config{})
	memSvc := memory.NewService(db, cfg, emb)
	searchEng := search.NewEngine(db, emb)
	relSvc := relationships.NewService(db)

	return NewServer(db, cfg, memSvc, searchEng, relSvc)
}

func rpc(t *testing.T, s *Server, id interface{}, method string, params interface{}) *Response {
	t.Helper()

	msg := map[string]interface{}{"jsonrpc": "2.0", "method": method}
	if id != nil {
		msg["id"] = id
	}
	if params != nil {
		msg["params"] = params
	}
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return s.HandleMessage(context.Background(), data)
}

func initServer(t *testing.T, s *Server) {
	t.Helper()
	resp := rpc(t, s, 1, "initialize", map[string]interface{}{})
	if resp == nil || resp.Error != nil {
		t.Fatalf("initialize failed: %+v", resp)
	}
}

func callTool(t *testing.T, s *Server, name string, args interface{}) CallToolResult {
	t.Helper()
	resp := rpc(t, s, 99, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if resp == nil {
		t.Fatal("expected a response for tools/call")
	}
	if resp.Error != nil {
		t.Fatalf("tools/call returned protocol error: %+v", resp.Error)
	}
	result, ok := resp.Result.(CallToolResult)
	if !ok {
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	return result
}

func resultText(r CallToolResult) string {
	var b strings.Builder
	for _, c := range r.Content {
		b.WriteString(c.Text)
	}
	return b.String()
}

func TestStateMachineRequiresInitialize(t *testing.T) {
	s := newTestServer(t, "free")

	resp := rpc(t, s, 1, "tools/list", nil)
	if resp == nil || resp.Error == nil {
		t.Fatal("tools/list before initialize must be rejected")
	}

	initServer(t, s)

	resp = rpc(t, s, 2, "tools/list", nil)
	if resp == nil || resp.Error != nil {
		t.Fatalf("tools/list after initialize failed: %+v", resp)
	}
}

func TestInitializeResult(t *testing.T) {
	s := newTestServer(t, "free")

	resp := rpc(t, s, 1, "initialize", map[string]interface{}{})
	result, ok := resp.Result.(InitializeResult)
	if !ok {
		t.Fatalf("unexpected result type %T", resp.Result)
	}
	if result.ProtocolVersion != ProtocolVersion {
		t.Errorf("wrong protocol version: %s", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != ServerName {
		t.Errorf("wrong server name: %s", result.ServerInfo.Name)
	}
	if result.Instructions == "" {
		t.Error("initialize must carry the priming instructions")
	}
}

func TestInitializedNotificationHasNoResponse(t *testing.T) {
	s := newTestServer(t, "free")
	initServer(t, s)

	if resp := rpc(t, s, nil, "notifications/initialized", nil); resp != nil {
		t.Fatal("notifications must not produce a response")
	}
}

func TestUnknownMethodAndParseError(t *testing.T) {
	s := newTestServer(t, "free")
	initServer(t, s)

	resp := rpc(t, s, 5, "no/such/method", nil)
	if resp.Error == nil || resp.Error.Code != MethodNotFound {
		t.Fatalf("expected MethodNotFound, got %+v", resp.Error)
	}

	resp = s.HandleMessage(context.Background(), []byte("{not json"))
	if resp.Error == nil || resp.Error.Code != ParseError {
		t.Fatalf("expected ParseError, got %+v", resp.Error)
	}
}

func TestToolsListTierGating(t *testing.T) {
	names := func(tier string) map[string]bool {
		s := newTestServer(t, tier)
		initServer(t, s)
		resp := rpc(t, s, 2, "tools/list", nil)
		result := resp.Result.(ToolsListResult)
		out := make(map[string]bool)
		for _, tool := range result.Tools {
			out[tool.Name] = true
		}
		return out
	}

	free := names("free")
	for _, core := range []string{"remember", "recall", "forget", "update_memory", "status", "subjects", "pin_memory", "unpin_memory", "relate"} {
		if !free[core] {
			t.Errorf("core tool %s missing on free tier", core)
		}
	}
	for _, gated := range []string{"context", "manage_webhooks", "consolidate", "maintenance"} {
		if free[gated] {
			t.Errorf("gated tool %s must be hidden on free tier", gated)
		}
	}

	standard := names("standard")
	if !standard["maintenance"] {
		t.Error("maintenance should appear on standard tier")
	}
	if standard["context"] {
		t.Error("context is pro-only")
	}

	pro := names("pro")
	for _, gated := range []string{"context", "manage_webhooks", "consolidate", "maintenance"} {
		if !pro[gated] {
			t.Errorf("gated tool %s missing on pro tier", gated)
		}
	}
}

func TestGatedToolCallRejectedByTier(t *testing.T) {
	s := newTestServer(t, "free")
	initServer(t, s)

	result := callTool(t, s, "context", map[string]interface{}{"query": "anything"})
	if !result.IsError {
		t.Fatal("gated tool call on free tier must error")
	}
	if !strings.Contains(resultText(result), "Pro") {
		t.Fatalf("error should name the required tier: %s", resultText(result))
	}
}

func TestRememberThenRecallRoundtrip(t *testing.T) {
	s := newTestServer(t, "free")
	initServer(t, s)

	result := callTool(t, s, "remember", map[string]interface{}{
		"content": "Max prefers tabs over spaces",
		"tags":    []string{"lang:fmt", "user"},
	})
	if result.IsError {
		t.Fatalf("remember failed: %s", resultText(result))
	}
	if !strings.Contains(resultText(result), "Remembered:") {
		t.Fatalf("unexpected remember output: %s", resultText(result))
	}

	recall := callTool(t, s, "recall", map[string]interface{}{
		"query": "Max prefers tabs over spaces",
		"limit": 5,
	})
	if recall.IsError {
		t.Fatalf("recall failed: %s", resultText(recall))
	}
	text := resultText(recall)
	if !strings.Contains(text, "tabs over spaces") {
		t.Fatalf("recall did not return the stored memory: %s", text)
	}
	if !strings.Contains(text, "search:") {
		t.Fatalf("recall must report the search method: %s", text)
	}
}

func TestRememberValidationSurfacesAsIsError(t *testing.T) {
	s := newTestServer(t, "free")
	initServer(t, s)

	result := callTool(t, s, "remember", map[string]interface{}{"content": ""})
	if !result.IsError {
		t.Fatal("empty content must produce isError")
	}
}

func TestForgetDryRunDefault(t *testing.T) {
	s := newTestServer(t, "free")
	initServer(t, s)

	stored := callTool(t, s, "remember", map[string]interface{}{"content": "ephemeral"})
	id := extractID(t, resultText(stored))

	preview := callTool(t, s, "forget", map[string]interface{}{"id": id})
	if preview.IsError || !strings.Contains(resultText(preview), "Would delete") {
		t.Fatalf("default forget must be a dry-run preview: %s", resultText(preview))
	}

	// Still recallable.
	if r := callTool(t, s, "recall", map[string]interface{}{"query": "ephemeral"}); !strings.Contains(resultText(r), "ephemeral") {
		t.Fatal("dry-run deleted the memory")
	}

	confirmed := callTool(t, s, "forget", map[string]interface{}{"id": id, "dry_run": false})
	if confirmed.IsError || !strings.Contains(resultText(confirmed), "Deleted") {
		t.Fatalf("confirmed forget failed: %s", resultText(confirmed))
	}

	if r := callTool(t, s, "recall", map[string]interface{}{"query": "ephemeral"}); strings.Contains(resultText(r), "ephemeral") {
		t.Fatal("deleted memory still recallable")
	}
}

func TestUpdateMemoryTool(t *testing.T) {
	s := newTestServer(t, "free")
	initServer(t, s)

	stored := callTool(t, s, "remember", map[string]interface{}{"content": "draft note"})
	id := extractID(t, resultText(stored))

	updated := callTool(t, s, "update_memory", map[string]interface{}{
		"id":      id,
		"content": "final note",
	})
	if updated.IsError {
		t.Fatalf("update failed: %s", resultText(updated))
	}

	if r := callTool(t, s, "recall", map[string]interface{}{"query": "final note"}); !strings.Contains(resultText(r), "final note") {
		t.Fatal("update did not take effect")
	}
}

func TestStatusAndSubjectsTools(t *testing.T) {
	s := newTestServer(t, "free")
	initServer(t, s)

	callTool(t, s, "remember", map[string]interface{}{"content": "about max", "subject": "person:max"})

	status := callTool(t, s, "status", nil)
	text := resultText(status)
	if !strings.Contains(text, "Tier: free") || !strings.Contains(text, "Memories: 1") {
		t.Fatalf("unexpected status output: %s", text)
	}

	subjects := callTool(t, s, "subjects", nil)
	if !strings.Contains(resultText(subjects), "person:max (1)") {
		t.Fatalf("unexpected subjects output: %s", resultText(subjects))
	}
}

func TestRelateToolAttachesGraphContext(t *testing.T) {
	s := newTestServer(t, "free")
	initServer(t, s)

	a := extractID(t, resultText(callTool(t, s, "remember", map[string]interface{}{"content": "old deploy process"})))
	b := extractID(t, resultText(callTool(t, s, "remember", map[string]interface{}{"content": "new deploy process"})))

	related := callTool(t, s, "relate", map[string]interface{}{
		"source_id": b,
		"target_id": a,
		"type":      "supersedes",
	})
	if related.IsError {
		t.Fatalf("relate failed: %s", resultText(related))
	}

	recall := callTool(t, s, "recall", map[string]interface{}{"query": "deploy process"})
	if !strings.Contains(resultText(recall), "supersedes") {
		t.Fatalf("recall missing graph context: %s", resultText(recall))
	}
}

func TestUnknownToolIsError(t *testing.T) {
	s := newTestServer(t, "free")
	initServer(t, s)

	result := callTool(t, s, "no_such_tool", nil)
	if !result.IsError || !strings.Contains(resultText(result), "Unknown tool") {
		t.Fatalf("expected unknown-tool error, got: %s", resultText(result))
	}
}

// extractID pulls the "(id: ...)" suffix out of a remember response.
func extractID(t *testing.T, text string) string {
	t.Helper()
	idx := strings.Index(text, "(id: ")
	if idx < 0 {
		t.Fatalf("no id in output: %s", text)
	}
	rest := text[idx+len("(id: "):]
	end := strings.IndexAny(rest, ")")
	if end < 0 {
		t.Fatalf("malformed id in output: %s", text)
	}
	return rest[:end]
}

func TestSanitizeError(t *testing.T) {
	if got := sanitizeError(fmt.Errorf("open /home/user/db: locked")); got != "Internal error" {
		t.Fatalf("path-bearing error must be sanitized, got %q", got)
	}
	if got := sanitizeError(fmt.Errorf("query is required")); got != "query is required" {
		t.Fatalf("plain message must pass through, got %q", got)
	}
}
