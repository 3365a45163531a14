package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"

	"abroad-docs-go/internal/config"
	"abroad-docs-go/internal/model"
	"abroad-docs-go/internal/repository"
	"abroad-docs-go/internal/vectorstore"
	"abroad-docs-go/pkg/apperr"
	"abroad-docs-go/pkg/log"
	"abroad-docs-go/pkg/rerank"
)

const (
	highlightRadius = 60
	maxHighlights   = 3
)

// QueryEmbedder 把查询文本转成向量。
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, query string) ([]float32, error)
}

// SearchService 接口定义了检索操作。
type SearchService interface {
	Search(ctx context.Context, ownerID string, q model.SearchQuery) (*model.SearchResponse, error)
}

type searchService struct {
	store    vectorstore.Store
	embedder QueryEmbedder
	docs     repository.DocumentRepository
	reranker rerank.Reranker
	cfg      config.SearchConfig

	// semanticMinScore 是语义检索未指定 minScore 时的阈值，允许配置为 0
	semanticMinScore float64
}

// NewSearchService 创建一个新的 SearchService 实例。reranker 为 nil 时不做重排。
func NewSearchService(store vectorstore.Store, embedder QueryEmbedder, docs repository.DocumentRepository, reranker rerank.Reranker, cfg config.SearchConfig) SearchService {
	if reranker == nil {
		reranker = rerank.Noop{}
	}
	if cfg.DefaultMode == "" {
		cfg.DefaultMode = string(model.SearchHybrid)
	}
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = 10
	}
	if cfg.MaxLimit <= 0 {
		cfg.MaxLimit = 100
	}
	semanticMinScore := 0.5
	if cfg.SemanticMinScore != nil {
		semanticMinScore = *cfg.SemanticMinScore
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = 60
	}
	if cfg.CandidateDepth <= 0 {
		cfg.CandidateDepth = 50
	}
	return &searchService{store: store, embedder: embedder, docs: docs, reranker: reranker, cfg: cfg, semanticMinScore: semanticMinScore}
}

// Search 执行检索：校验参数，按模式召回并融合，过滤、重排后分页。
func (s *searchService) Search(ctx context.Context, ownerID string, q model.SearchQuery) (*model.SearchResponse, error) {
	start := time.Now()
	if err := s.normalize(&q); err != nil {
		return nil, err
	}
	filter, err := scopeFilter(q)
	if err != nil {
		return nil, err
	}
	resp := &model.SearchResponse{Results: []model.SearchResult{}, Mode: q.Mode}

	// 用户还没有任何分块时直接返回空结果
	count, err := s.store.Count(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("统计分块数量失败: %w", err)
	}
	if count == 0 {
		log.Infof("[SearchService] 用户没有已索引的分块, 返回空结果, OwnerID: %s", ownerID)
		resp.TimeTakenMs = time.Since(start).Milliseconds()
		return resp, nil
	}

	depth := q.Offset + q.Limit
	if depth < s.cfg.CandidateDepth {
		depth = s.cfg.CandidateDepth
	}

	var hits []vectorstore.Hit
	switch q.Mode {
	case model.SearchSemantic:
		minScore := s.semanticMinScore
		if q.MinScore != nil {
			minScore = *q.MinScore
		}
		hits, err = s.semantic(ctx, ownerID, q.Query, filter, depth, minScore)
	case model.SearchKeyword:
		hits, err = s.store.KeywordSearch(ctx, ownerID, q.Query, filter, depth)
	case model.SearchHybrid:
		hits, err = s.hybrid(ctx, ownerID, q.Query, filter, depth)
	}
	if err != nil {
		return nil, err
	}

	// 融合之后统一按 minScore 过滤
	if q.MinScore != nil {
		hits = filterByScore(hits, *q.MinScore)
	}

	if q.Rerank && len(hits) > 1 {
		if hits, err = s.rerank(ctx, q.Query, hits); err != nil {
			return nil, err
		}
	}

	resp.TotalResults = len(hits)
	page := paginate(hits, q.Offset, q.Limit)
	if next := q.Offset + len(page); next < len(hits) {
		resp.HasMore = true
		resp.NextOffset = &next
	}

	var summaries map[string]*model.DocumentSummary
	if q.IncludeMetadata && len(page) > 0 {
		summaries = s.documentSummaries(ctx, ownerID, page)
	}
	terms := highlightTerms(q.Query)
	for _, h := range page {
		r := model.SearchResult{
			ChunkID:    h.Chunk.ChunkID,
			TrackingID: h.Chunk.TrackingID,
			ChunkIndex: h.Chunk.Position.Index,
			Score:      h.Score,
		}
		if q.IncludeContent {
			r.Content = h.Chunk.Content
			r.Highlights = Highlights(h.Chunk.Content, terms)
		}
		if summaries != nil {
			r.Document = summaries[h.Chunk.TrackingID]
		}
		resp.Results = append(resp.Results, r)
	}
	resp.TimeTakenMs = time.Since(start).Milliseconds()
	log.Infof("[SearchService] 检索完成, OwnerID: %s, Mode: %s, 命中: %d, 耗时: %dms", ownerID, q.Mode, resp.TotalResults, resp.TimeTakenMs)
	return resp, nil
}

func (s *searchService) normalize(q *model.SearchQuery) error {
	q.Query = strings.TrimSpace(q.Query)
	if q.Query == "" {
		return apperr.Validation("query must not be empty")
	}
	if q.Mode == "" {
		q.Mode = model.SearchMode(s.cfg.DefaultMode)
	}
	switch q.Mode {
	case model.SearchSemantic, model.SearchKeyword, model.SearchHybrid:
	case model.SearchVisual:
		return apperr.Unsupported("visual search is not supported")
	default:
		return apperr.Validation("unknown search mode %q", q.Mode)
	}
	if q.Offset < 0 || q.Limit < 0 {
		return apperr.Validation("offset and limit must not be negative")
	}
	if q.Limit == 0 {
		q.Limit = s.cfg.DefaultLimit
	}
	if q.Limit > s.cfg.MaxLimit {
		q.Limit = s.cfg.MaxLimit
	}
	return nil
}

func scopeFilter(q model.SearchQuery) (vectorstore.Filter, error) {
	f := vectorstore.Filter{
		Tags: q.Filters.Tags,
		From: q.Filters.From,
		To:   q.Filters.To,
	}
	switch q.Scope {
	case "", model.ScopeCollection:
	case model.ScopeDocument:
		if q.TrackingID == "" {
			return f, apperr.Validation("trackingId is required for document scope")
		}
		f.TrackingIDs = []string{q.TrackingID}
	case model.ScopeTrackingIDs:
		if len(q.TrackingIDs) == 0 {
			return f, apperr.Validation("trackingIds is required for tracking_ids scope")
		}
		f.TrackingIDs = q.TrackingIDs
	default:
		return f, apperr.Validation("unknown search scope %q", q.Scope)
	}
	return f, nil
}

func (s *searchService) semantic(ctx context.Context, ownerID, query string, filter vectorstore.Filter, depth int, minScore float64) ([]vectorstore.Hit, error) {
	vector, err := s.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	hits, err := s.store.VectorSearch(ctx, ownerID, vector, filter, depth)
	if err != nil {
		return nil, fmt.Errorf("向量检索失败: %w", err)
	}
	return filterByScore(hits, minScore), nil
}

// hybrid 并行执行向量与关键词检索，用 RRF 融合两路结果。
func (s *searchService) hybrid(ctx context.Context, ownerID, query string, filter vectorstore.Filter, depth int) ([]vectorstore.Hit, error) {
	var semanticHits, keywordHits []vectorstore.Hit
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		semanticHits, err = s.semantic(gctx, ownerID, query, filter, depth, s.semanticMinScore)
		return err
	})
	g.Go(func() error {
		var err error
		keywordHits, err = s.store.KeywordSearch(gctx, ownerID, query, filter, depth)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return FuseRRF(s.cfg.RRFK, semanticHits, keywordHits), nil
}

// FuseRRF 用倒数排名融合合并多路结果：每条结果得分为其在各路中 1/(k+rank+1) 之和。
// 同分时按首次出现的顺序排列。
func FuseRRF(k int, lists ...[]vectorstore.Hit) []vectorstore.Hit {
	scores := make(map[string]float64)
	chunks := make(map[string]vectorstore.Hit)
	var order []string
	for _, list := range lists {
		for rank, h := range list {
			id := h.Chunk.ChunkID
			if _, ok := chunks[id]; !ok {
				chunks[id] = h
				order = append(order, id)
			}
			scores[id] += 1.0 / float64(k+rank+1)
		}
	}
	fused := make([]vectorstore.Hit, len(order))
	for i, id := range order {
		h := chunks[id]
		h.Score = scores[id]
		fused[i] = h
	}
	sort.SliceStable(fused, func(i, j int) bool { return fused[i].Score > fused[j].Score })
	return fused
}

// rerank 按重排分数调整顺序，保留原始分数。
func (s *searchService) rerank(ctx context.Context, query string, hits []vectorstore.Hit) ([]vectorstore.Hit, error) {
	docs := make([]string, len(hits))
	for i, h := range hits {
		docs[i] = h.Chunk.Content
	}
	scores, err := s.reranker.Rerank(ctx, query, docs)
	if err != nil {
		return nil, err
	}
	if len(scores) != len(hits) {
		return nil, apperr.Provider(s.reranker.Name(), fmt.Sprintf("expected %d scores, got %d", len(hits), len(scores)), nil)
	}
	idx := make([]int, len(hits))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })
	out := make([]vectorstore.Hit, len(hits))
	for i, j := range idx {
		out[i] = hits[j]
	}
	return out, nil
}

func (s *searchService) documentSummaries(ctx context.Context, ownerID string, hits []vectorstore.Hit) map[string]*model.DocumentSummary {
	seen := make(map[string]bool)
	var ids []string
	for _, h := range hits {
		if !seen[h.Chunk.TrackingID] {
			seen[h.Chunk.TrackingID] = true
			ids = append(ids, h.Chunk.TrackingID)
		}
	}
	docs, err := s.docs.FindByTrackingIDs(ctx, ownerID, ids)
	if err != nil {
		log.Warnf("[SearchService] 查询父文档信息失败: %v", err)
		return nil
	}
	out := make(map[string]*model.DocumentSummary, len(docs))
	for i := range docs {
		sum := docs[i].Summary()
		out[docs[i].TrackingID] = &sum
	}
	return out
}

func filterByScore(hits []vectorstore.Hit, minScore float64) []vectorstore.Hit {
	out := hits[:0:0]
	for _, h := range hits {
		if h.Score >= minScore {
			out = append(out, h)
		}
	}
	return out
}

func paginate(hits []vectorstore.Hit, offset, limit int) []vectorstore.Hit {
	if offset >= len(hits) {
		return nil
	}
	end := offset + limit
	if end > len(hits) {
		end = len(hits)
	}
	return hits[offset:end]
}

func highlightTerms(query string) [][]rune {
	var terms [][]rune
	seen := make(map[string]bool)
	for _, f := range strings.Fields(strings.ToLower(query)) {
		f = strings.TrimFunc(f, func(r rune) bool { return unicode.IsPunct(r) })
		if len([]rune(f)) < 2 || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, []rune(f))
	}
	return terms
}

// Highlights 返回查询词周围各 60 个字符的片段，重叠的片段会合并，最多 3 段。
func Highlights(content string, terms [][]rune) []string {
	if len(terms) == 0 {
		return nil
	}
	runes := []rune(content)
	lower := make([]rune, len(runes))
	for i, r := range runes {
		lower[i] = unicode.ToLower(r)
	}

	type window struct{ start, end int }
	var windows []window
	for i := range lower {
		for _, t := range terms {
			if !hasPrefixAt(lower, i, t) {
				continue
			}
			w := window{start: i - highlightRadius, end: i + len(t) + highlightRadius}
			if w.start < 0 {
				w.start = 0
			}
			if w.end > len(runes) {
				w.end = len(runes)
			}
			if n := len(windows); n > 0 && w.start <= windows[n-1].end {
				if w.end > windows[n-1].end {
					windows[n-1].end = w.end
				}
			} else {
				windows = append(windows, w)
			}
			break
		}
	}

	var out []string
	for _, w := range windows {
		if len(out) == maxHighlights {
			break
		}
		snippet := strings.TrimSpace(string(runes[w.start:w.end]))
		if w.start > 0 {
			snippet = "..." + snippet
		}
		if w.end < len(runes) {
			snippet += "..."
		}
		out = append(out, snippet)
	}
	return out
}

func hasPrefixAt(s []rune, i int, prefix []rune) bool {
	if i+len(prefix) > len(s) {
		return false
	}
	for j, r := range prefix {
		if s[i+j] != r {
			return false
		}
	}
	return true
}
