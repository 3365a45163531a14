package vectorstore

import (
	"context"
	"strings"
	"sync"

	"abroad-docs-go/internal/model"
)

// MemoryStore 是进程内实现，用于单机模式与测试。向量检索为精确余弦。
type MemoryStore struct {
	mu     sync.RWMutex
	chunks map[string][]model.Chunk
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chunks: make(map[string][]model.Chunk)}
}

func (s *MemoryStore) InsertChunks(_ context.Context, ownerID string, chunks []model.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		c.OwnerID = ownerID
		c.Tags = append([]string(nil), c.Tags...)
		s.chunks[ownerID] = append(s.chunks[ownerID], c)
	}
	return nil
}

func (s *MemoryStore) DeleteByTrackingID(_ context.Context, ownerID, trackingID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.chunks[ownerID][:0]
	var removed int64
	for _, c := range s.chunks[ownerID] {
		if c.TrackingID == trackingID {
			removed++
			continue
		}
		kept = append(kept, c)
	}
	s.chunks[ownerID] = kept
	return removed, nil
}

func (s *MemoryStore) UpdateTags(_ context.Context, ownerID, trackingID string, tags []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.chunks[ownerID] {
		if s.chunks[ownerID][i].TrackingID == trackingID {
			s.chunks[ownerID][i].Tags = append([]string(nil), tags...)
		}
	}
	return nil
}

func (s *MemoryStore) Count(_ context.Context, ownerID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.chunks[ownerID])), nil
}

func (s *MemoryStore) VectorSearch(_ context.Context, ownerID string, vector []float32, filter Filter, limit int) ([]Hit, error) {
	return rankByCosine(s.filtered(ownerID, filter), vector, limit), nil
}

// KeywordSearch 按命中的查询词比例打分。
func (s *MemoryStore) KeywordSearch(_ context.Context, ownerID, query string, filter Filter, limit int) ([]Hit, error) {
	terms := queryTerms(query)
	if len(terms) == 0 {
		return nil, nil
	}
	var hits []Hit
	for _, c := range s.filtered(ownerID, filter) {
		lower := strings.ToLower(c.Content)
		matched := 0
		for _, t := range terms {
			if strings.Contains(lower, t) {
				matched++
			}
		}
		if matched > 0 {
			hits = append(hits, Hit{Chunk: c, Score: float64(matched) / float64(len(terms))})
		}
	}
	sortHits(hits)
	return truncate(hits, limit), nil
}

func (s *MemoryStore) filtered(ownerID string, filter Filter) []model.Chunk {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.Chunk
	for _, c := range s.chunks[ownerID] {
		if filter.matches(&c) {
			out = append(out, c)
		}
	}
	return out
}
