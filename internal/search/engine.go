package search

import (
	"context"
	"fmt"
	"strings"

	"github.com/MycelicMemory/mycelicmemory/internal/database"
	"github.com/MycelicMemory/mycelicmemory/internal/embedder"
	"github.com/MycelicMemory/mycelicmemory/internal/logging"
)

var log = logging.GetLogger("search")

// Search methods reported back to the caller so it knows which path answered.
const (
	MethodSemantic = "semantic"
	MethodKeyword  = "keyword"
	MethodSubject  = "subject"
	MethodAgent    = "agent"
)

const (
	// DefaultLimit applies when the caller does not specify one.
	DefaultLimit = 5

	// MaxLimit is the hard cap on requested result counts.
	MaxLimit = 100

	// budgetFloor is the minimum candidate pool fetched when a token budget
	// is in play, so a small limit doesn't starve the budget fill.
	budgetFloor = 20
)

// Engine composes keyword, semantic, subject-scoped, and agent-scoped
// retrieval over the store, with token budgeting and confidence labeling.
type Engine struct {
	db  *database.Database
	emb *embedder.Embedder
}

// NewEngine creates a new search engine
func NewEngine(db *database.Database, emb *embedder.Embedder) *Engine {
	return &Engine{db: db, emb: emb}
}

// Options controls one recall invocation.
type Options struct {
	Query   string
	Limit   int
	Subject string
	AgentID string

	// MaxTokens, when positive, replaces Limit with a token budget:
	// candidates are included in rank order until the pessimistic estimate
	// (len(content)/4) would exceed it.
	MaxTokens int
}

// Result is one scored memory with its within-set confidence label and any
// directly related memories attached as graph context.
type Result struct {
	Memory     *database.Memory
	Score      float64
	Confidence string
	Percentile float64
	Related    []database.RelatedMemory
}

// Response pairs the result set with the method that produced it.
type Response struct {
	Results []*Result
	Method  string
}

// Recall runs the full retrieval pipeline: subject or agent scoping when
// requested, otherwise semantic with keyword fallback, then token budgeting,
// confidence labels, and graph enrichment.
func (e *Engine) Recall(ctx context.Context, opts *Options) (*Response, error) {
	if strings.TrimSpace(opts.Query) == "" && opts.Subject == "" && opts.AgentID == "" {
		return nil, fmt.Errorf("query is required")
	}

	limit := opts.Limit
	if limit == 0 {
		return &Response{Results: nil, Method: MethodSemantic}, nil
	}
	if limit < 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	if opts.Subject != "" {
		return e.recallBySubject(ctx, opts, limit)
	}
	if opts.AgentID != "" {
		return e.recallByAgent(opts, limit)
	}

	fetchLimit := limit
	if opts.MaxTokens > 0 && fetchLimit < budgetFloor {
		fetchLimit = budgetFloor
	}

	raw, method := e.searchRanked(ctx, opts.Query, fetchLimit)

	results := labelConfidence(raw)
	results = applyBudget(results, limit, opts.MaxTokens)
	e.attachGraphContext(results)

	return &Response{Results: results, Method: method}, nil
}

// searchRanked attempts semantic retrieval and falls through to keyword when
// the semantic path is empty or unavailable.
func (e *Engine) searchRanked(ctx context.Context, query string, limit int) ([]*database.SearchResult, string) {
	vec, err := e.emb.Embed(ctx, query)
	if err == nil && len(vec) > 0 {
		k := semanticK(limit)
		hits, semErr := e.db.SemanticSearch(vec, k)
		if semErr != nil {
			log.Warn("semantic search failed, falling back to keyword", "error", semErr)
		} else if len(hits) > 0 {
			if len(hits) > limit {
				hits = hits[:limit]
			}
			return hits, MethodSemantic
		}
	}

	hits, kwErr := e.db.SearchFTS(query, &database.SearchFilters{Limit: limit})
	if kwErr != nil {
		log.Warn("keyword search failed", "error", kwErr)
		return nil, MethodKeyword
	}
	return hits, MethodKeyword
}

// semanticK is the nearest-neighbor probe width: 4x the requested limit,
// clamped to [20, 200].
func semanticK(limit int) int {
	k := 4 * limit
	if k < 20 {
		k = 20
	}
	if k > 200 {
		k = 200
	}
	return k
}

// recallBySubject treats the subject as a boost signal rather than a hard
// filter: exact matches first, fuzzy matches if exact found nothing, then
// augmented with ranked results for the free-text query, deduplicated.
func (e *Engine) recallBySubject(ctx context.Context, opts *Options, limit int) (*Response, error) {
	memories, err := e.db.FindBySubject(opts.Subject, limit)
	if err != nil {
		return nil, fmt.Errorf("subject search failed: %w", err)
	}
	if len(memories) == 0 {
		memories, err = e.db.FindBySubjectFuzzy(opts.Subject, limit)
		if err != nil {
			return nil, fmt.Errorf("subject search failed: %w", err)
		}
	}

	seen := make(map[string]bool, len(memories))
	results := make([]*Result, 0, limit)
	for _, m := range memories {
		seen[m.ID] = true
		results = append(results, &Result{Memory: m, Score: 1.0})
	}

	if strings.TrimSpace(opts.Query) != "" && len(results) < limit {
		extra := limit - len(results)
		if extra < 3 {
			extra = 3
		}
		ranked, _ := e.searchRanked(ctx, opts.Query, extra)
		for _, r := range ranked {
			if seen[r.Memory.ID] || len(results) >= limit {
				continue
			}
			seen[r.Memory.ID] = true
			results = append(results, &Result{Memory: r.Memory, Score: r.Score})
		}
	}

	results = applyBudget(results, limit, opts.MaxTokens)
	e.attachGraphContext(results)
	return &Response{Results: results, Method: MethodSubject}, nil
}

// recallByAgent returns the writer-scoped view, newest first.
func (e *Engine) recallByAgent(opts *Options, limit int) (*Response, error) {
	memories, err := e.db.FindByAgent(opts.AgentID, limit)
	if err != nil {
		return nil, fmt.Errorf("agent search failed: %w", err)
	}

	results := make([]*Result, 0, len(memories))
	for _, m := range memories {
		results = append(results, &Result{Memory: m, Score: 1.0})
	}
	results = applyBudget(results, limit, opts.MaxTokens)
	return &Response{Results: results, Method: MethodAgent}, nil
}

// Keyword exposes raw FTS search for callers that want it directly.
func (e *Engine) Keyword(query string, limit int) ([]*database.SearchResult, error) {
	return e.db.SearchFTS(query, &database.SearchFilters{Limit: limit})
}

// Semantic exposes raw nearest-neighbor search for callers that want it directly.
func (e *Engine) Semantic(ctx context.Context, query string, limit int) ([]*database.SearchResult, error) {
	vec, err := e.emb.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	hits, err := e.db.SemanticSearch(vec, semanticK(limit))
	if err != nil {
		return nil, err
	}
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Subjects returns the subject directory: each distinct live subject and its
// memory count.
func (e *Engine) Subjects() ([]database.SubjectCount, error) {
	return e.db.ListSubjects()
}

// EstimateTokens is the pessimistic per-memory token estimate used by the
// budget: roughly four characters per token.
func EstimateTokens(content string) int {
	return len(content) / 4
}

// applyBudget truncates results either by count or, when a token budget is
// set, by the running token estimate — whichever the caller asked for. The
// count limit is ignored while a budget is active.
func applyBudget(results []*Result, limit, maxTokens int) []*Result {
	if maxTokens <= 0 {
		if len(results) > limit {
			return results[:limit]
		}
		return results
	}

	spent := 0
	out := make([]*Result, 0, len(results))
	for _, r := range results {
		cost := EstimateTokens(r.Memory.Content)
		if spent+cost > maxTokens {
			break
		}
		spent += cost
		out = append(out, r)
	}
	return out
}

// labelConfidence assigns within-set percentile confidence labels:
// percentile = (score − min)/(max − min), high ≥ 0.75, medium ≥ 0.40.
func labelConfidence(raw []*database.SearchResult) []*Result {
	if len(raw) == 0 {
		return nil
	}

	minScore, maxScore := raw[0].Score, raw[0].Score
	for _, r := range raw {
		if r.Score < minScore {
			minScore = r.Score
		}
		if r.Score > maxScore {
			maxScore = r.Score
		}
	}
	band := maxScore - minScore
	if band < 1e-9 {
		band = 1e-9
	}

	results := make([]*Result, 0, len(raw))
	for _, r := range raw {
		pct := (r.Score - minScore) / band
		if pct < 0 {
			pct = 0
		}
		if pct > 1 {
			pct = 1
		}

		confidence := "low"
		if pct >= 0.75 {
			confidence = "high"
		} else if pct >= 0.40 {
			confidence = "medium"
		}

		results = append(results, &Result{
			Memory:     r.Memory,
			Score:      r.Score,
			Confidence: confidence,
			Percentile: pct,
		})
	}
	return results
}

// attachGraphContext probes the relationship table for each result and
// attaches directly adjacent edges. Pure enrichment: read failures degrade to
// omitting the field, never to failing the recall.
func (e *Engine) attachGraphContext(results []*Result) {
	for _, r := range results {
		related, err := e.db.GetDirectRelationships(r.Memory.ID)
		if err != nil {
			log.Debug("graph context unavailable", "id", r.Memory.ID, "error", err)
			continue
		}
		r.Related = related
	}
}
