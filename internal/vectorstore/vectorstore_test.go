package vectorstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"abroad-docs-go/internal/model"
)

func chunk(trackingID string, idx int, content string, vec []float32, tags ...string) model.Chunk {
	return model.Chunk{
		ChunkID:    model.ChunkID(trackingID, idx),
		TrackingID: trackingID,
		Content:    content,
		Embedding:  vec,
		Position:   model.ChunkPosition{Index: idx},
		Tags:       tags,
		CreatedAt:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float32{1, 2}, []float32{2, 4}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float32{1, 0}, []float32{-3, 0}), 1e-9)
	assert.Zero(t, CosineSimilarity([]float32{1, 0}, []float32{1, 0, 0}))
	assert.Zero(t, CosineSimilarity([]float32{0, 0}, []float32{1, 0}))
}

func TestRankByCosine(t *testing.T) {
	candidates := []model.Chunk{
		chunk("d", 0, "a", []float32{0, 1}),
		chunk("d", 1, "b", []float32{1, 0}),
		chunk("d", 2, "c", nil),
		chunk("d", 3, "d", []float32{1, 1}),
		chunk("d", 4, "e", []float32{2, 0}),
	}
	hits := rankByCosine(candidates, []float32{1, 0}, 3)
	require.Len(t, hits, 3)
	// 同分时保持候选顺序
	assert.Equal(t, "d_1", hits[0].Chunk.ChunkID)
	assert.Equal(t, "d_4", hits[1].Chunk.ChunkID)
	assert.Equal(t, "d_3", hits[2].Chunk.ChunkID)
}

func TestFromUnitScore(t *testing.T) {
	assert.InDelta(t, 1.0, fromUnitScore(1), 1e-12)
	assert.InDelta(t, 0.5, fromUnitScore(0.75), 1e-12)
	assert.InDelta(t, -1.0, fromUnitScore(0), 1e-12)
}

func TestPartitionName(t *testing.T) {
	assert.Equal(t, "user-42", PartitionName("user-42"))
	a := PartitionName("a.b")
	b := PartitionName("a$b")
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^a_b_[0-9a-f]{8}$`, a)
}

func TestMemoryStoreOwnerScoping(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.InsertChunks(ctx, "alice", []model.Chunk{chunk("t1", 0, "visa interview tips", []float32{1, 0})}))
	require.NoError(t, s.InsertChunks(ctx, "bob", []model.Chunk{chunk("t2", 0, "visa interview secrets", []float32{1, 0})}))

	hits, err := s.VectorSearch(ctx, "alice", []float32{1, 0}, Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "alice", hits[0].Chunk.OwnerID)

	hits, err = s.KeywordSearch(ctx, "alice", "secrets visa", Filter{}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "t1", hits[0].Chunk.TrackingID)
	assert.InDelta(t, 0.5, hits[0].Score, 1e-9)

	n, err := s.Count(ctx, "carol")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryStoreFilters(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.InsertChunks(ctx, "alice", []model.Chunk{
		chunk("t1", 0, "ucl offer", []float32{1, 0}, "uk"),
		chunk("t2", 0, "nus offer", []float32{1, 0}, "sg"),
		chunk("t3", 0, "mit offer", []float32{1, 0}),
	}))

	hits, err := s.KeywordSearch(ctx, "alice", "offer", Filter{Tags: []string{"uk", "sg"}}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = s.VectorSearch(ctx, "alice", []float32{1, 0}, Filter{TrackingIDs: []string{"t3"}}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "t3", hits[0].Chunk.TrackingID)

	after := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	hits, err = s.VectorSearch(ctx, "alice", []float32{1, 0}, Filter{From: &after}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestMemoryStoreDeleteAndUpdateTags(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	require.NoError(t, s.InsertChunks(ctx, "alice", []model.Chunk{
		chunk("t1", 0, "a", nil), chunk("t1", 1, "b", nil), chunk("t2", 0, "c", nil),
	}))

	require.NoError(t, s.UpdateTags(ctx, "alice", "t2", []string{"essay"}))
	hits, err := s.KeywordSearch(ctx, "alice", "c", Filter{Tags: []string{"essay"}}, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	removed, err := s.DeleteByTrackingID(ctx, "alice", "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
	n, _ := s.Count(ctx, "alice")
	assert.Equal(t, int64(1), n)
}

func TestMongoFilter(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	f := mongoFilter(Filter{TrackingIDs: []string{"t1"}, Tags: []string{"uk"}, From: &from})
	assert.Equal(t, bson.M{"$in": []string{"t1"}}, f["trackingId"])
	assert.Equal(t, bson.M{"$in": []string{"uk"}}, f["tags"])
	assert.Equal(t, bson.M{"$gte": from}, f["createdAt"])
	assert.Empty(t, mongoFilter(Filter{}))
}

func TestTermPattern(t *testing.T) {
	assert.Equal(t, `gpa|3\.8|gpa\+`, termPattern("GPA 3.8 gpa gpa+"))
	assert.Empty(t, termPattern("   "))
}

func TestESFilters(t *testing.T) {
	to := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	f := esFilters(Filter{Tags: []string{"uk"}, To: &to})
	require.Len(t, f, 2)
	assert.Equal(t, map[string]any{"terms": map[string]any{"tags": []string{"uk"}}}, f[0])
	assert.Contains(t, f[1], "range")
	assert.Nil(t, esFilters(Filter{}))
}

func TestESChunkRoundTrip(t *testing.T) {
	c := chunk("t1", 3, "content", []float32{0.1}, "uk")
	c.Position.StartChar, c.Position.EndChar = 10, 20
	back := fromEsChunk(toEsChunk("alice", c))
	assert.Equal(t, "alice", back.OwnerID)
	assert.Equal(t, c.Position, back.Position)
	assert.Nil(t, back.Embedding)
}
