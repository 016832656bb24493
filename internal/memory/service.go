package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MycelicMemory/mycelicmemory/internal/database"
	"github.com/MycelicMemory/mycelicmemory/internal/embedder"
	"github.com/MycelicMemory/mycelicmemory/internal/logging"
	"github.com/MycelicMemory/mycelicmemory/pkg/config"
)

var log = logging.GetLogger("memory")

// Service provides the business logic layer for memory writes: validation,
// chunking, embedding, persistence, and the post-commit push hook.
type Service struct {
	db  *database.Database
	cfg *config.Config
	emb *embedder.Embedder

	// pushFn, when set, is invoked with each stored memory id after local
	// commit. The daemon wires this to the sync engine's one-shot push; it
	// runs fire-and-forget and shares nothing with the handler beyond the id.
	pushFn func(memoryID string)
}

// NewService creates a new memory service
func NewService(db *database.Database, cfg *config.Config, emb *embedder.Embedder) *Service {
	return &Service{
		db:  db,
		cfg: cfg,
		emb: emb,
	}
}

// SetPushHook installs the post-commit single-record push callback.
func (s *Service) SetPushHook(fn func(memoryID string)) {
	s.pushFn = fn
}

func (s *Service) firePush(memoryID string) {
	if s.pushFn != nil && s.cfg.IsLoggedIn() {
		go s.pushFn(memoryID)
	}
}

// RememberOptions contains the caller-supplied fields of a write.
type RememberOptions struct {
	Content   string
	Type      string
	Tags      []string
	Subject   string
	Source    string
	AgentID   string
	TTL       string // duration shorthand, wins over ExpiresAt
	ExpiresAt string // RFC 3339
}

// RememberResult describes what a write produced: one memory, or several
// chunks sharing a chunkset tag.
type RememberResult struct {
	Memories []*database.Memory
	Chunked  bool
	ChunkSet string
}

// Remember validates, chunks, embeds, and stores content. Oversized content
// is split into overlapping chunks, each embedded and stored independently
// under a shared chunkset tag. Embedding failure is non-fatal: the memory is
// stored without a vector and later reads fall back to keyword search.
func (s *Service) Remember(ctx context.Context, opts *RememberOptions) (*RememberResult, error) {
	if err := ValidateContent(opts.Content); err != nil {
		return nil, err
	}
	tags, err := ValidateTags(opts.Tags)
	if err != nil {
		return nil, err
	}
	if err := ValidateSubject(opts.Subject); err != nil {
		return nil, err
	}
	if err := ValidateAgentID(opts.AgentID); err != nil {
		return nil, err
	}
	expiresAt, err := ResolveExpiry(opts.TTL, opts.ExpiresAt)
	if err != nil {
		return nil, err
	}

	if max := s.cfg.MaxMemories(); max > 0 {
		count, err := s.db.Count()
		if err != nil {
			return nil, fmt.Errorf("failed to check memory count: %w", err)
		}
		if count >= max {
			return nil, &CapacityError{Limit: max}
		}
	}

	content := strings.TrimSpace(opts.Content)
	chunks := ChunkText(content)
	if len(chunks) == 0 {
		return nil, &ValidationError{Field: "content", Message: "content is required"}
	}

	result := &RememberResult{Chunked: len(chunks) > 1}
	if result.Chunked {
		result.ChunkSet = uuid.New().String()
	}

	for _, chunk := range chunks {
		chunkTags := tags
		if result.Chunked {
			chunkTags = append(append([]string(nil), tags...), ChunkTags(uuid.MustParse(result.ChunkSet), chunk)...)
			if validated, vErr := ValidateTags(chunkTags); vErr == nil {
				chunkTags = validated
			}
		}

		m := &database.Memory{
			Content:   chunk.Content,
			Type:      database.NormalizeType(opts.Type),
			Tags:      chunkTags,
			Subject:   opts.Subject,
			Source:    opts.Source,
			AgentID:   opts.AgentID,
			ExpiresAt: expiresAt,
		}

		if vec, embErr := s.emb.Embed(ctx, chunk.Content); embErr == nil {
			m.Embedding = vec
		} else {
			log.Warn("embedding unavailable, storing without vector", "error", embErr)
		}

		if err := s.db.CreateMemory(m); err != nil {
			return nil, fmt.Errorf("failed to store memory: %w", err)
		}
		s.firePush(m.ID)
		result.Memories = append(result.Memories, m)
	}

	return result, nil
}

// UpdateOptions carries a partial update; nil fields are left unchanged.
type UpdateOptions struct {
	Content      *string
	Tags         []string
	Subject      *string
	TTL          string
	ExpiresAt    string
	RemoveExpiry bool
}

// Update applies a partial update, re-embedding when the content changed.
// Returns (nil, nil) if the id does not name a live memory.
func (s *Service) Update(ctx context.Context, id string, opts *UpdateOptions) (*database.Memory, error) {
	if id == "" {
		return nil, &ValidationError{Field: "id", Message: "id is required"}
	}

	update := &database.MemoryUpdate{
		Subject:      opts.Subject,
		RemoveExpiry: opts.RemoveExpiry,
	}

	if opts.Content != nil {
		if err := ValidateContent(*opts.Content); err != nil {
			return nil, err
		}
		trimmed := strings.TrimSpace(*opts.Content)
		update.Content = &trimmed
		if vec, embErr := s.emb.Embed(ctx, trimmed); embErr == nil {
			update.Embedding = vec
		}
	}
	if opts.Tags != nil {
		tags, err := ValidateTags(opts.Tags)
		if err != nil {
			return nil, err
		}
		update.Tags = tags
	}
	if opts.Subject != nil {
		if err := ValidateSubject(*opts.Subject); err != nil {
			return nil, err
		}
	}
	if !opts.RemoveExpiry {
		expiresAt, err := ResolveExpiry(opts.TTL, opts.ExpiresAt)
		if err != nil {
			return nil, err
		}
		update.ExpiresAt = expiresAt
	}

	m, err := s.db.UpdateMemory(id, update)
	if err != nil {
		return nil, fmt.Errorf("failed to update memory: %w", err)
	}
	if m != nil {
		s.firePush(m.ID)
	}
	return m, nil
}

// Get retrieves a memory by id, filtered to the live set.
func (s *Service) Get(id string) (*database.Memory, error) {
	if id == "" {
		return nil, &ValidationError{Field: "id", Message: "id is required"}
	}
	m, err := s.db.GetMemory(id)
	if err != nil || m == nil {
		return nil, err
	}
	if m.Deleted {
		return nil, nil
	}
	if m.ExpiresAt != nil && !m.ExpiresAt.After(time.Now()) {
		return nil, nil
	}
	return m, nil
}

// Forget tombstones a memory. Returns false if the id was not a live memory.
func (s *Service) Forget(id string) (bool, error) {
	if id == "" {
		return false, &ValidationError{Field: "id", Message: "id is required"}
	}
	deleted, err := s.db.DeleteMemory(id)
	if err != nil {
		return false, fmt.Errorf("failed to delete memory: %w", err)
	}
	if deleted {
		s.firePush(id)
	}
	return deleted, nil
}

// Pin adds the ranking-influence tags to a memory. Returns the updated
// memory, or nil if absent.
func (s *Service) Pin(ctx context.Context, id string, extraTags ...string) (*database.Memory, error) {
	existing, err := s.Get(id)
	if err != nil || existing == nil {
		return nil, err
	}

	tags := append([]string(nil), existing.Tags...)
	tags = append(tags, "pinned")
	tags = append(tags, extraTags...)
	tags, err = ValidateTags(tags)
	if err != nil {
		return nil, err
	}
	return s.Update(ctx, id, &UpdateOptions{Tags: tags})
}

// pinTags are removed wholesale by Unpin.
var pinTags = map[string]bool{"pinned": true, "policy": true, "workflow": true, "critical": true}

// Unpin removes the ranking-influence tags from a memory.
func (s *Service) Unpin(ctx context.Context, id string) (*database.Memory, error) {
	existing, err := s.Get(id)
	if err != nil || existing == nil {
		return nil, err
	}

	tags := make([]string, 0, len(existing.Tags))
	for _, t := range existing.Tags {
		if !pinTags[t] {
			tags = append(tags, t)
		}
	}
	return s.Update(ctx, id, &UpdateOptions{Tags: tags})
}

// List returns the live set, newest first.
func (s *Service) List(limit, offset int) ([]*database.Memory, error) {
	return s.db.ListMemories(&database.MemoryFilters{Limit: limit, Offset: offset})
}

// Count returns the number of live memories.
func (s *Service) Count() (int, error) {
	return s.db.Count()
}

// Stats summarizes the store for the status tool.
type Stats struct {
	MemoryCount int      `json:"memory_count"`
	Tier        string   `json:"tier"`
	LoggedIn    bool     `json:"logged_in"`
	Encrypted   bool     `json:"encrypted"`
	Features    []string `json:"features"`
}

// GetStats returns counts, tier, and gated features for status reporting.
func (s *Service) GetStats() (*Stats, error) {
	count, err := s.db.Count()
	if err != nil {
		return nil, err
	}

	features := []string{"semantic_search", "keyword_search"}
	if s.cfg.CloudSyncEnabled() {
		features = append(features, "cloud_sync")
	}
	if s.cfg.ContextSynthesisEnabled() {
		features = append(features, "context_synthesis")
	}
	if s.cfg.WebhooksEnabled() {
		features = append(features, "webhooks")
	}

	return &Stats{
		MemoryCount: count,
		Tier:        s.cfg.Sync.Tier,
		LoggedIn:    s.cfg.IsLoggedIn(),
		Encrypted:   s.cfg.IsEncrypted(),
		Features:    features,
	}, nil
}
