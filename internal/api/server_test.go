package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/MycelicMemory/mycelicmemory/internal/database"
	"github.com/MycelicMemory/mycelicmemory/internal/embedder"
	"github.com/MycelicMemory/mycelicmemory/internal/memory"
	"github.com/MycelicMemory/mycelicmemory/internal/search"
	"github.com/MycelicMemory/mycelicmemory/pkg/config"
)

func newTestAPI(t *testing.T, apiKey string) *Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.DefaultConfig()
	cfg.RestAPI.APIKey = apiKey
	cfg.RestAPI.CORS = false
	cfg.Sync.Tier = "standard"

	emb := embedder.Get(context.Background(), embedder.Config{})
	memSvc := memory.NewService(db, cfg, emb)
	searchEng := search.NewEngine(db, emb)

	return NewServer(db, cfg, memSvc, searchEng, nil)
}

func doJSON(t *testing.T, s *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decodeData(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp Response
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (%s)", err, w.Body.String())
	}
	data, _ := resp.Data.(map[string]interface{})
	return data
}

func TestHealthEndpointNeedsNoAuth(t *testing.T) {
	s := newTestAPI(t, "secret")

	w := doJSON(t, s, http.MethodGet, "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health should be open, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"ok"`) {
		t.Fatalf("unexpected health body: %s", w.Body.String())
	}
}

func TestBearerAuthRequired(t *testing.T) {
	s := newTestAPI(t, "secret")

	if w := doJSON(t, s, http.MethodGet, "/v1/status", "", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("missing token should 401, got %d", w.Code)
	}
	if w := doJSON(t, s, http.MethodGet, "/v1/status", "wrong", nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token should 401, got %d", w.Code)
	}
	if w := doJSON(t, s, http.MethodGet, "/v1/status", "secret", nil); w.Code != http.StatusOK {
		t.Fatalf("correct token should 200, got %d", w.Code)
	}

	// Query-parameter token is accepted too.
	req := httptest.NewRequest(http.MethodGet, "/v1/status?token=secret", nil)
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("query token should 200, got %d", w.Code)
	}
}

func TestMemoryLifecycleOverREST(t *testing.T) {
	s := newTestAPI(t, "")

	// Create.
	w := doJSON(t, s, http.MethodPost, "/v1/memories", "", map[string]interface{}{
		"content": "Max prefers tabs over spaces",
		"tags":    []string{"lang:fmt"},
		"subject": "person:max",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d (%s)", w.Code, w.Body.String())
	}
	data := decodeData(t, w)
	memories := data["memories"].([]interface{})
	id := memories[0].(map[string]interface{})["id"].(string)

	// Get.
	w = doJSON(t, s, http.MethodGet, "/v1/memories/"+id, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", w.Code)
	}

	// Recall.
	w = doJSON(t, s, http.MethodPost, "/v1/memories/recall", "", map[string]interface{}{
		"query": "Max prefers tabs over spaces",
		"limit": 5,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("recall: expected 200, got %d (%s)", w.Code, w.Body.String())
	}
	data = decodeData(t, w)
	if data["search_method"] == "" {
		t.Fatal("recall must report the search method")
	}
	if len(data["results"].([]interface{})) == 0 {
		t.Fatal("recall found nothing")
	}

	// Update.
	w = doJSON(t, s, http.MethodPut, "/v1/memories/"+id, "", map[string]interface{}{
		"content": "Max now prefers spaces",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("update: expected 200, got %d (%s)", w.Code, w.Body.String())
	}

	// Subjects.
	w = doJSON(t, s, http.MethodGet, "/v1/subjects", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "person:max") {
		t.Fatalf("subjects: %d (%s)", w.Code, w.Body.String())
	}

	// Delete, then the read returns 404.
	w = doJSON(t, s, http.MethodDelete, "/v1/memories/"+id, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d", w.Code)
	}
	w = doJSON(t, s, http.MethodGet, "/v1/memories/"+id, "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get after delete: expected 404, got %d", w.Code)
	}
}

func TestValidationMapsTo400(t *testing.T) {
	s := newTestAPI(t, "")

	w := doJSON(t, s, http.MethodPost, "/v1/memories", "", map[string]interface{}{
		"content": "",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty content should 400, got %d", w.Code)
	}
}

func TestBodySizeCap(t *testing.T) {
	s := newTestAPI(t, "")

	big := strings.Repeat("x", MaxBodyBytes+1)
	w := doJSON(t, s, http.MethodPost, "/v1/memories", "", map[string]interface{}{
		"content": big,
	})
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body should 413, got %d", w.Code)
	}
}

func TestListMemoriesEndpoint(t *testing.T) {
	s := newTestAPI(t, "")

	for i := 0; i < 3; i++ {
		doJSON(t, s, http.MethodPost, "/v1/memories", "", map[string]interface{}{
			"content": "memory number " + strings.Repeat("i", i+1),
		})
	}

	w := doJSON(t, s, http.MethodGet, "/v1/memories?limit=2", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
	data := decodeData(t, w)
	if int(data["count"].(float64)) != 2 {
		t.Fatalf("expected 2 memories with limit=2, got %v", data["count"])
	}
}

func TestInternalErrorSanitized(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/boom", func(c *gin.Context) {
		InternalError(c, "open /var/lib/secret.db: permission denied")
	})

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	if strings.Contains(w.Body.String(), "/var/lib") {
		t.Fatalf("path leaked: %s", w.Body.String())
	}
	if !strings.Contains(w.Body.String(), "Internal error") {
		t.Fatalf("expected sanitized message: %s", w.Body.String())
	}
}
