package service

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abroad-docs-go/internal/config"
	"abroad-docs-go/internal/model"
	"abroad-docs-go/internal/repository"
	"abroad-docs-go/internal/vectorstore"
	"abroad-docs-go/pkg/apperr"
)

// stubStore 返回固定的两路召回结果。
type stubStore struct {
	vector  []vectorstore.Hit
	keyword []vectorstore.Hit
}

func (s *stubStore) InsertChunks(context.Context, string, []model.Chunk) error { return nil }
func (s *stubStore) DeleteByTrackingID(context.Context, string, string) (int64, error) {
	return 0, nil
}
func (s *stubStore) UpdateTags(context.Context, string, string, []string) error { return nil }
func (s *stubStore) Count(context.Context, string) (int64, error) {
	return int64(len(s.vector) + len(s.keyword)), nil
}
func (s *stubStore) VectorSearch(_ context.Context, _ string, _ []float32, _ vectorstore.Filter, limit int) ([]vectorstore.Hit, error) {
	return s.vector, nil
}
func (s *stubStore) KeywordSearch(_ context.Context, _, _ string, _ vectorstore.Filter, limit int) ([]vectorstore.Hit, error) {
	return s.keyword, nil
}

type stubEmbedder struct{}

func (stubEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return []float32{1, 0}, nil
}

type reverseReranker struct{}

func (reverseReranker) Name() string { return "reverse" }
func (reverseReranker) Rerank(_ context.Context, _ string, docs []string) ([]float64, error) {
	out := make([]float64, len(docs))
	for i := range docs {
		out[i] = float64(i)
	}
	return out, nil
}

func hit(id string, score float64) vectorstore.Hit {
	return vectorstore.Hit{Chunk: model.Chunk{ChunkID: id, TrackingID: "doc-" + id, Content: "chunk " + id}, Score: score}
}

func resultIDs(resp *model.SearchResponse) []string {
	ids := make([]string, len(resp.Results))
	for i, r := range resp.Results {
		ids[i] = r.ChunkID
	}
	return ids
}

func TestSearchEmptyCollection(t *testing.T) {
	h := newHarness(t)
	for _, mode := range []model.SearchMode{model.SearchSemantic, model.SearchKeyword, model.SearchHybrid} {
		resp, err := h.search.Search(context.Background(), "alice", model.SearchQuery{Query: "visa requirements", Mode: mode})
		require.NoError(t, err)
		assert.NotNil(t, resp.Results)
		assert.Empty(t, resp.Results)
		assert.Zero(t, resp.TotalResults)
		assert.False(t, resp.HasMore)
		assert.Nil(t, resp.NextOffset)
	}
	assert.Zero(t, h.provider.calls)
}

func TestSemanticSearchAppliesMinScore(t *testing.T) {
	h := newHarness(t)
	visa := h.ingest(t, "alice", "visa.txt", "Student visa interview tips. Bring your visa appointment letter.")
	h.ingest(t, "alice", "tuition.txt", "Tuition payment schedule and tuition deposit deadlines.")

	resp, err := h.search.Search(context.Background(), "alice", model.SearchQuery{Query: "visa", Mode: model.SearchSemantic})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, visa.TrackingID, resp.Results[0].TrackingID)
	assert.InDelta(t, 1.0, resp.Results[0].Score, 0.01)

	low := -1.0
	resp, err = h.search.Search(context.Background(), "alice", model.SearchQuery{Query: "visa", Mode: model.SearchSemantic, MinScore: &low})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 2)
	assert.Equal(t, visa.TrackingID, resp.Results[0].TrackingID)
}

func TestSearchIsScopedToOwner(t *testing.T) {
	h := newHarness(t)
	mine := h.ingest(t, "alice", "visa.txt", "Visa checklist for Germany.")
	h.ingest(t, "bob", "visa.txt", "Visa checklist for Japan.")

	for _, mode := range []model.SearchMode{model.SearchSemantic, model.SearchKeyword, model.SearchHybrid} {
		resp, err := h.search.Search(context.Background(), "alice", model.SearchQuery{Query: "visa checklist", Mode: mode})
		require.NoError(t, err, mode)
		require.NotEmpty(t, resp.Results, mode)
		for _, r := range resp.Results {
			assert.Equal(t, mine.TrackingID, r.TrackingID, mode)
		}
	}
}

func TestSearchDocumentScope(t *testing.T) {
	h := newHarness(t)
	first := h.ingest(t, "alice", "a.txt", "Scholarship essay draft one.")
	h.ingest(t, "alice", "b.txt", "Scholarship essay draft two.")

	resp, err := h.search.Search(context.Background(), "alice", model.SearchQuery{
		Query: "scholarship", Mode: model.SearchKeyword, Scope: model.ScopeDocument, TrackingID: first.TrackingID,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	assert.Equal(t, first.TrackingID, resp.Results[0].TrackingID)
}

func TestKeywordSearchPagination(t *testing.T) {
	h := newHarness(t)
	for i := 0; i < 5; i++ {
		h.ingest(t, "alice", fmt.Sprintf("s%d.txt", i), fmt.Sprintf("Scholarship opportunity number %d for graduate students.", i))
	}

	resp, err := h.search.Search(context.Background(), "alice", model.SearchQuery{Query: "scholarship", Mode: model.SearchKeyword, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, resp.TotalResults)
	assert.Len(t, resp.Results, 2)
	assert.True(t, resp.HasMore)
	require.NotNil(t, resp.NextOffset)
	assert.Equal(t, 2, *resp.NextOffset)

	resp, err = h.search.Search(context.Background(), "alice", model.SearchQuery{Query: "scholarship", Mode: model.SearchKeyword, Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, resp.Results, 1)
	assert.False(t, resp.HasMore)
	assert.Nil(t, resp.NextOffset)

	resp, err = h.search.Search(context.Background(), "alice", model.SearchQuery{Query: "scholarship", Mode: model.SearchKeyword, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
	assert.Equal(t, 5, resp.TotalResults)
}

func TestSearchIncludesContentAndMetadata(t *testing.T) {
	h := newHarness(t)
	res, err := h.uploads.Upload(context.Background(), UploadRequest{
		OwnerID: "alice", FileName: "visa.txt", Title: "Visa guide",
		Data: []byte("Apply for the student visa at least three months before departure."),
	})
	require.NoError(t, err)
	require.NoError(t, h.processor.Process(context.Background(), h.queue.tasks[0]))

	resp, err := h.search.Search(context.Background(), "alice", model.SearchQuery{
		Query: "Visa", Mode: model.SearchKeyword, IncludeContent: true, IncludeMetadata: true,
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 1)
	r := resp.Results[0]
	assert.Contains(t, r.Content, "student visa")
	require.Len(t, r.Highlights, 1)
	assert.Contains(t, r.Highlights[0], "visa")
	require.NotNil(t, r.Document)
	assert.Equal(t, res.Document.TrackingID, r.Document.TrackingID)
	assert.Equal(t, "Visa guide", r.Document.Title)

	resp, err = h.search.Search(context.Background(), "alice", model.SearchQuery{Query: "visa", Mode: model.SearchKeyword})
	require.NoError(t, err)
	assert.Empty(t, resp.Results[0].Content)
	assert.Nil(t, resp.Results[0].Document)
}

func TestHybridSearchFusesRanks(t *testing.T) {
	store := &stubStore{
		vector:  []vectorstore.Hit{hit("A", 0.9), hit("B", 0.8), hit("C", 0.7)},
		keyword: []vectorstore.Hit{hit("C", 1), hit("D", 0.5)},
	}
	svc := NewSearchService(store, stubEmbedder{}, repository.NewMemoryDocumentRepository(), nil, config.SearchConfig{})

	resp, err := svc.Search(context.Background(), "alice", model.SearchQuery{Query: "anything", Mode: model.SearchHybrid})
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "A", "B", "D"}, resultIDs(resp))
	assert.InDelta(t, 1.0/63+1.0/61, resp.Results[0].Score, 1e-12)
	assert.Equal(t, model.SearchHybrid, resp.Mode)
}

func TestFuseRRFRewardsAgreement(t *testing.T) {
	a := []vectorstore.Hit{hit("x", 0.9), hit("shared", 0.8)}
	b := []vectorstore.Hit{hit("y", 3), hit("shared", 2)}

	fused := FuseRRF(60, a, b)
	require.Len(t, fused, 3)
	assert.Equal(t, "shared", fused[0].Chunk.ChunkID)
	// 同分按首次出现顺序
	assert.Equal(t, "x", fused[1].Chunk.ChunkID)
	assert.Equal(t, "y", fused[2].Chunk.ChunkID)
	assert.Empty(t, FuseRRF(60))
}

func TestRerankReordersAndKeepsScores(t *testing.T) {
	store := &stubStore{vector: []vectorstore.Hit{hit("A", 0.9), hit("B", 0.8), hit("C", 0.7)}}
	svc := NewSearchService(store, stubEmbedder{}, repository.NewMemoryDocumentRepository(), reverseReranker{}, config.SearchConfig{})

	resp, err := svc.Search(context.Background(), "alice", model.SearchQuery{Query: "q", Mode: model.SearchSemantic, Rerank: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "B", "A"}, resultIDs(resp))
	assert.Equal(t, 0.7, resp.Results[0].Score)

	resp, err = svc.Search(context.Background(), "alice", model.SearchQuery{Query: "q", Mode: model.SearchSemantic})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, resultIDs(resp))
}

func TestSearchRejectsInvalidQueries(t *testing.T) {
	store := &stubStore{vector: []vectorstore.Hit{hit("A", 0.9)}}
	svc := NewSearchService(store, stubEmbedder{}, repository.NewMemoryDocumentRepository(), nil, config.SearchConfig{})
	cases := []struct {
		name string
		q    model.SearchQuery
		kind apperr.Kind
	}{
		{"empty query", model.SearchQuery{Query: "   "}, apperr.KindValidation},
		{"visual mode", model.SearchQuery{Query: "q", Mode: model.SearchVisual}, apperr.KindUnsupported},
		{"unknown mode", model.SearchQuery{Query: "q", Mode: "fuzzy"}, apperr.KindValidation},
		{"negative offset", model.SearchQuery{Query: "q", Offset: -1}, apperr.KindValidation},
		{"document scope without id", model.SearchQuery{Query: "q", Scope: model.ScopeDocument}, apperr.KindValidation},
		{"tracking ids scope without ids", model.SearchQuery{Query: "q", Scope: model.ScopeTrackingIDs}, apperr.KindValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Search(context.Background(), "alice", tc.q)
			require.Error(t, err)
			assert.Equal(t, tc.kind, apperr.KindOf(err))
		})
	}
}

func TestHighlights(t *testing.T) {
	terms := highlightTerms("Visa, a")
	require.Len(t, terms, 1)

	content := strings.Repeat("a ", 5) + "visa" + strings.Repeat(" x", 100) + "VISA" + strings.Repeat(" y", 100)
	got := Highlights(content, terms)
	require.Len(t, got, 2)
	assert.False(t, strings.HasPrefix(got[0], "..."))
	assert.True(t, strings.HasSuffix(got[0], "..."))
	assert.True(t, strings.HasPrefix(got[1], "..."))
	assert.Contains(t, got[1], "VISA")

	// 相邻的命中合并为一段
	assert.Len(t, Highlights("visa and visa again", terms), 1)

	far := strings.Repeat("visa"+strings.Repeat(" z", 100), 5)
	assert.Len(t, Highlights(far, terms), 3)
	assert.Nil(t, Highlights(content, nil))
}

func TestSemanticMinScoreConfig(t *testing.T) {
	store := &stubStore{vector: []vectorstore.Hit{hit("a", 0.9), hit("b", 0.2), hit("c", -0.3)}}
	docs := repository.NewMemoryDocumentRepository()
	q := model.SearchQuery{Query: "deadline", Mode: model.SearchSemantic}

	resp, err := NewSearchService(store, stubEmbedder{}, docs, nil, config.SearchConfig{}).Search(context.Background(), "alice", q)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, resultIDs(resp))

	zero := 0.0
	resp, err = NewSearchService(store, stubEmbedder{}, docs, nil, config.SearchConfig{SemanticMinScore: &zero}).Search(context.Background(), "alice", q)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, resultIDs(resp))
}
