package vectorstore

import (
	"context"
	"errors"
	"fmt"

	"abroad-docs-go/internal/config"
	"abroad-docs-go/internal/model"
	"abroad-docs-go/pkg/es"
)

// ESStore 把每个用户的分块写入独立的 Elasticsearch 索引，使用原生 knn 与 match 检索。
type ESStore struct {
	client        *es.Client
	dims          int
	numCandidates int
}

func NewESStore(client *es.Client, dims int, cfg config.VectorStoreConfig) *ESStore {
	numCandidates := cfg.NumCandidates
	if numCandidates <= 0 {
		numCandidates = 200
	}
	return &ESStore{client: client, dims: dims, numCandidates: numCandidates}
}

func (s *ESStore) index(ownerID string) string {
	return s.client.IndexName(ownerID)
}

func (s *ESStore) InsertChunks(ctx context.Context, ownerID string, chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	dims := s.dims
	if dims == 0 {
		dims = len(chunks[0].Embedding)
	}
	idx := s.index(ownerID)
	if err := s.client.EnsureIndex(ctx, idx, dims); err != nil {
		return err
	}
	docs := make([]es.EsChunk, len(chunks))
	for i, c := range chunks {
		docs[i] = toEsChunk(ownerID, c)
	}
	return s.client.Bulk(ctx, idx, docs)
}

func (s *ESStore) DeleteByTrackingID(ctx context.Context, ownerID, trackingID string) (int64, error) {
	return s.client.DeleteByQuery(ctx, s.index(ownerID), termQuery("tracking_id", trackingID))
}

func (s *ESStore) UpdateTags(ctx context.Context, ownerID, trackingID string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	script := map[string]any{
		"source": "ctx._source.tags = params.tags",
		"lang":   "painless",
		"params": map[string]any{"tags": tags},
	}
	return s.client.UpdateByQuery(ctx, s.index(ownerID), termQuery("tracking_id", trackingID), script)
}

func (s *ESStore) Count(ctx context.Context, ownerID string) (int64, error) {
	return s.client.Count(ctx, s.index(ownerID))
}

func (s *ESStore) VectorSearch(ctx context.Context, ownerID string, vector []float32, filter Filter, limit int) ([]Hit, error) {
	numCandidates := s.numCandidates
	if numCandidates < limit {
		numCandidates = limit
	}
	knn := map[string]any{
		"field":          "vector",
		"query_vector":   vector,
		"k":              limit,
		"num_candidates": numCandidates,
	}
	if f := esFilters(filter); len(f) > 0 {
		knn["filter"] = f
	}
	body := map[string]any{
		"knn":     knn,
		"size":    limit,
		"_source": map[string]any{"excludes": []string{"vector"}},
	}
	hits, err := s.search(ctx, ownerID, body)
	if err != nil {
		return nil, err
	}
	for i := range hits {
		hits[i].Score = fromUnitScore(hits[i].Score)
	}
	return hits, nil
}

func (s *ESStore) KeywordSearch(ctx context.Context, ownerID, query string, filter Filter, limit int) ([]Hit, error) {
	boolQuery := map[string]any{
		"must": map[string]any{"match": map[string]any{"content": query}},
	}
	if f := esFilters(filter); len(f) > 0 {
		boolQuery["filter"] = f
	}
	body := map[string]any{
		"query":   map[string]any{"bool": boolQuery},
		"size":    limit,
		"_source": map[string]any{"excludes": []string{"vector"}},
	}
	return s.search(ctx, ownerID, body)
}

func (s *ESStore) search(ctx context.Context, ownerID string, body map[string]any) ([]Hit, error) {
	raw, err := s.client.Search(ctx, s.index(ownerID), body)
	if errors.Is(err, es.ErrIndexNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("elasticsearch 检索失败: %w", err)
	}
	hits := make([]Hit, len(raw))
	for i, h := range raw {
		hits[i] = Hit{Chunk: fromEsChunk(h.Source), Score: h.Score}
	}
	return hits, nil
}

func termQuery(field, value string) map[string]any {
	return map[string]any{"term": map[string]any{field: value}}
}

func esFilters(f Filter) []map[string]any {
	var out []map[string]any
	if len(f.TrackingIDs) > 0 {
		out = append(out, map[string]any{"terms": map[string]any{"tracking_id": f.TrackingIDs}})
	}
	if len(f.Tags) > 0 {
		out = append(out, map[string]any{"terms": map[string]any{"tags": f.Tags}})
	}
	if f.From != nil || f.To != nil {
		r := map[string]any{}
		if f.From != nil {
			r["gte"] = f.From
		}
		if f.To != nil {
			r["lte"] = f.To
		}
		out = append(out, map[string]any{"range": map[string]any{"created_at": r}})
	}
	return out
}

func toEsChunk(ownerID string, c model.Chunk) es.EsChunk {
	return es.EsChunk{
		ChunkID:        c.ChunkID,
		OwnerID:        ownerID,
		TrackingID:     c.TrackingID,
		Content:        c.Content,
		ContentHash:    c.ContentHash,
		Vector:         c.Embedding,
		EmbeddingModel: c.EmbeddingModel,
		ChunkIndex:     c.Position.Index,
		StartChar:      c.Position.StartChar,
		EndChar:        c.Position.EndChar,
		Tags:           c.Tags,
		Quality:        c.Quality,
		CreatedAt:      c.CreatedAt,
	}
}

func fromEsChunk(d es.EsChunk) model.Chunk {
	return model.Chunk{
		ChunkID:        d.ChunkID,
		OwnerID:        d.OwnerID,
		TrackingID:     d.TrackingID,
		Content:        d.Content,
		ContentHash:    d.ContentHash,
		EmbeddingModel: d.EmbeddingModel,
		Position:       model.ChunkPosition{Index: d.ChunkIndex, StartChar: d.StartChar, EndChar: d.EndChar},
		Tags:           d.Tags,
		Quality:        d.Quality,
		CreatedAt:      d.CreatedAt,
	}
}
