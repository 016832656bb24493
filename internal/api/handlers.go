package api

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/MycelicMemory/mycelicmemory/internal/database"
	"github.com/MycelicMemory/mycelicmemory/internal/mcp"
	"github.com/MycelicMemory/mycelicmemory/internal/memory"
	"github.com/MycelicMemory/mycelicmemory/internal/search"
)

// memoryView is the JSON shape a memory takes on the REST surface.
type memoryView struct {
	ID        string   `json:"id"`
	Content   string   `json:"content"`
	Type      string   `json:"type"`
	Tags      []string `json:"tags,omitempty"`
	Subject   string   `json:"subject,omitempty"`
	Source    string   `json:"source,omitempty"`
	AgentID   string   `json:"agent_id,omitempty"`
	ExpiresAt string   `json:"expires_at,omitempty"`
	CreatedAt string   `json:"created_at"`
	UpdatedAt string   `json:"updated_at"`
}

func toView(m *database.Memory) memoryView {
	v := memoryView{
		ID:        m.ID,
		Content:   m.Content,
		Type:      m.Type,
		Tags:      m.Tags,
		Subject:   m.Subject,
		Source:    m.Source,
		AgentID:   m.AgentID,
		CreatedAt: m.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: m.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if m.ExpiresAt != nil {
		v.ExpiresAt = m.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return v
}

// writeServiceError maps service errors onto HTTP status codes: validation
// and capacity failures are the caller's problem, the rest are ours.
func writeServiceError(c *gin.Context, err error) {
	var vErr *memory.ValidationError
	if errors.As(err, &vErr) {
		BadRequestError(c, vErr.Message)
		return
	}
	var cErr *memory.CapacityError
	if errors.As(err, &cErr) {
		ErrorResponse(c, 402, cErr.Error())
		return
	}
	InternalError(c, err.Error())
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(200, gin.H{
		"service": "mycelicmemory",
		"status":  "ok",
		"version": mcp.ServerVersion,
	})
}

type createMemoryRequest struct {
	Content   string   `json:"content"`
	Type      string   `json:"type,omitempty"`
	Tags      []string `json:"tags,omitempty"`
	Subject   string   `json:"subject,omitempty"`
	AgentID   string   `json:"agent_id,omitempty"`
	TTL       string   `json:"ttl,omitempty"`
	ExpiresAt string   `json:"expires_at,omitempty"`
}

func (s *Server) createMemory(c *gin.Context) {
	var req createMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestError(c, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	result, err := s.memSvc.Remember(c.Request.Context(), &memory.RememberOptions{
		Content:   req.Content,
		Type:      req.Type,
		Tags:      req.Tags,
		Subject:   req.Subject,
		Source:    "api",
		AgentID:   req.AgentID,
		TTL:       req.TTL,
		ExpiresAt: req.ExpiresAt,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}

	views := make([]memoryView, 0, len(result.Memories))
	for _, m := range result.Memories {
		views = append(views, toView(m))
	}
	CreatedResponse(c, "Memory stored", gin.H{
		"memories": views,
		"chunked":  result.Chunked,
	})
}

func (s *Server) listMemories(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	memories, err := s.memSvc.List(limit, offset)
	if err != nil {
		InternalError(c, err.Error())
		return
	}

	views := make([]memoryView, 0, len(memories))
	for _, m := range memories {
		views = append(views, toView(m))
	}
	SuccessResponse(c, "Memories listed", gin.H{"memories": views, "count": len(views)})
}

type recallRequest struct {
	Query     string `json:"query"`
	Limit     *int   `json:"limit,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
	Subject   string `json:"subject,omitempty"`
	AgentID   string `json:"agent_id,omitempty"`
}

type recallResultView struct {
	Memory     memoryView `json:"memory"`
	Score      float64    `json:"score"`
	Confidence string     `json:"confidence,omitempty"`
}

func (s *Server) recallMemories(c *gin.Context) {
	var req recallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestError(c, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	limit := search.DefaultLimit
	if req.Limit != nil {
		limit = *req.Limit
	}

	resp, err := s.searchEng.Recall(c.Request.Context(), &search.Options{
		Query:     req.Query,
		Limit:     limit,
		MaxTokens: req.MaxTokens,
		Subject:   req.Subject,
		AgentID:   req.AgentID,
	})
	if err != nil {
		BadRequestError(c, err.Error())
		return
	}

	results := make([]recallResultView, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, recallResultView{
			Memory:     toView(r.Memory),
			Score:      r.Score,
			Confidence: r.Confidence,
		})
	}
	SuccessResponse(c, "Recall complete", gin.H{
		"results":       results,
		"search_method": resp.Method,
	})
}

func (s *Server) getMemory(c *gin.Context) {
	m, err := s.memSvc.Get(c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if m == nil {
		NotFoundError(c, "Memory not found")
		return
	}
	SuccessResponse(c, "Memory retrieved", toView(m))
}

type updateMemoryRequest struct {
	Content      *string  `json:"content,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Subject      *string  `json:"subject,omitempty"`
	TTL          string   `json:"ttl,omitempty"`
	ExpiresAt    string   `json:"expires_at,omitempty"`
	RemoveExpiry bool     `json:"remove_expiry,omitempty"`
}

func (s *Server) updateMemory(c *gin.Context) {
	var req updateMemoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequestError(c, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	m, err := s.memSvc.Update(c.Request.Context(), c.Param("id"), &memory.UpdateOptions{
		Content:      req.Content,
		Tags:         req.Tags,
		Subject:      req.Subject,
		TTL:          req.TTL,
		ExpiresAt:    req.ExpiresAt,
		RemoveExpiry: req.RemoveExpiry,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if m == nil {
		NotFoundError(c, "Memory not found")
		return
	}
	SuccessResponse(c, "Memory updated", toView(m))
}

func (s *Server) deleteMemory(c *gin.Context) {
	deleted, err := s.memSvc.Forget(c.Param("id"))
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if !deleted {
		NotFoundError(c, "Memory not found")
		return
	}
	SuccessResponse(c, "Memory deleted", gin.H{"id": c.Param("id")})
}

func (s *Server) listSubjects(c *gin.Context) {
	subjects, err := s.searchEng.Subjects()
	if err != nil {
		InternalError(c, err.Error())
		return
	}

	out := make([]gin.H, 0, len(subjects))
	for _, sc := range subjects {
		out = append(out, gin.H{"subject": sc.Subject, "count": sc.Count})
	}
	SuccessResponse(c, "Subjects listed", gin.H{"subjects": out})
}

func (s *Server) statusHandler(c *gin.Context) {
	stats, err := s.memSvc.GetStats()
	if err != nil {
		InternalError(c, err.Error())
		return
	}
	SuccessResponse(c, "Status", stats)
}
