package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abroad-docs-go/internal/config"
	"abroad-docs-go/pkg/apperr"
)

type fakeProvider struct {
	dims    int
	tokens  int
	err     error
	batches [][]string
	kinds   []InputKind
}

func (f *fakeProvider) Name() string  { return "fake" }
func (f *fakeProvider) Model() string { return "text-embedding-3-small" }

func (f *fakeProvider) Embed(_ context.Context, texts []string, kind InputKind) ([][]float32, int, error) {
	f.batches = append(f.batches, texts)
	f.kinds = append(f.kinds, kind)
	if f.err != nil {
		return nil, 0, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, f.dims)
		for j := range v {
			v[j] = float32(len(t) + j + 1)
		}
		out[i] = v
	}
	return out, f.tokens, nil
}

type mapCache struct {
	data map[string][]float32
	ttl  time.Duration
}

func (m *mapCache) Get(_ context.Context, key string) ([]float32, bool) {
	v, ok := m.data[key]
	return v, ok
}

func (m *mapCache) Set(_ context.Context, key string, v []float32, ttl time.Duration) {
	m.data[key] = v
	m.ttl = ttl
}

func norm(v []float32) float64 {
	var s float64
	for _, x := range v {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func TestGenerateBatchesAndNormalizes(t *testing.T) {
	p := &fakeProvider{dims: 8}
	g := NewGenerator(p, config.EmbeddingConfig{BatchSize: 2, Normalize: true}, nil)

	texts := []string{"alpha", "beta", "gamma", "delta", "epsilon"}
	var fractions []float64
	res, err := g.Generate(context.Background(), texts, func(f float64) { fractions = append(fractions, f) })
	require.NoError(t, err)

	require.Len(t, res.Vectors, len(texts))
	assert.Equal(t, 8, res.Dimensions)
	assert.Len(t, p.batches, 3)
	assert.Equal(t, []string{"epsilon"}, p.batches[2])
	assert.Equal(t, []float64{0.4, 0.8, 1.0}, fractions)
	for _, v := range res.Vectors {
		assert.InDelta(t, 1.0, norm(v), 1e-6)
	}
	// 顺序与输入一致：第一个向量来自 "alpha"（长度 5）
	assert.InDelta(t, 6.0/norm([]float32{6, 7, 8, 9, 10, 11, 12, 13}), float64(res.Vectors[0][0]), 1e-6)
}

func TestGenerateEstimatesTokensWhenUsageMissing(t *testing.T) {
	p := &fakeProvider{dims: 3}
	g := NewGenerator(p, config.EmbeddingConfig{}, nil)

	res, err := g.Generate(context.Background(), []string{"12345678", "abc"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Tokens)
	assert.InDelta(t, 0.00002*3/1000, res.EstimatedCost, 1e-12)

	p.tokens = 42
	res, err = g.Generate(context.Background(), []string{"12345678"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 42, res.Tokens)
}

func TestGenerateWithoutNormalization(t *testing.T) {
	g := NewGenerator(&fakeProvider{dims: 2}, config.EmbeddingConfig{Normalize: false}, nil)
	res, err := g.Generate(context.Background(), []string{"ab"}, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, res.Vectors[0])
}

func TestGenerateEmptyInput(t *testing.T) {
	p := &fakeProvider{dims: 2}
	res, err := NewGenerator(p, config.EmbeddingConfig{}, nil).Generate(context.Background(), nil, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Vectors)
	assert.Empty(t, p.batches)
}

func TestGenerateDimensionMismatch(t *testing.T) {
	g := NewGenerator(&fakeProvider{dims: 4}, config.EmbeddingConfig{Dimensions: 1536}, nil)
	_, err := g.Generate(context.Background(), []string{"x"}, nil)
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindProvider))
}

func TestGenerateWrapsProviderError(t *testing.T) {
	g := NewGenerator(&fakeProvider{err: errors.New("boom")}, config.EmbeddingConfig{}, nil)
	_, err := g.Generate(context.Background(), []string{"x"}, nil)
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.KindProvider, appErr.Kind)
	assert.Equal(t, "fake", appErr.Provider)
	assert.Contains(t, err.Error(), "boom")
}

func TestEmbedQueryUsesCache(t *testing.T) {
	p := &fakeProvider{dims: 2}
	cache := &mapCache{data: map[string][]float32{}}
	g := NewGenerator(p, config.EmbeddingConfig{Normalize: true}, cache)

	v1, err := g.EmbedQuery(context.Background(), "ucl offer")
	require.NoError(t, err)
	v2, err := g.EmbedQuery(context.Background(), "ucl offer")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Len(t, p.batches, 1)
	assert.Equal(t, []InputKind{InputQuery}, p.kinds)
	assert.Equal(t, 24*time.Hour, cache.ttl)
	assert.Contains(t, cache.data, QueryCacheKey("text-embedding-3-small", "ucl offer"))
}

func TestNormalizeZeroVector(t *testing.T) {
	v := []float32{0, 0, 0}
	Normalize(v)
	assert.Equal(t, []float32{0, 0, 0}, v)
}

func TestOpenAIProvider(t *testing.T) {
	var got embeddingRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}],"usage":{"total_tokens":7}}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(config.EmbeddingConfig{BaseURL: srv.URL + "/v1/", APIKey: "sk-test", Model: "text-embedding-3-small", Dimensions: 2})
	vectors, tokens, err := p.Embed(context.Background(), []string{"a", "b"}, InputDocument)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vectors)
	assert.Equal(t, 7, tokens)
	assert.Equal(t, []string{"a", "b"}, got.Input)
	assert.Equal(t, 2, got.Dimensions)
}

func TestOpenAIProviderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(config.EmbeddingConfig{BaseURL: srv.URL, Model: "m"})
	_, _, err := p.Embed(context.Background(), []string{"a"}, InputDocument)
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, ProviderOpenAI, appErr.Provider)
	assert.Contains(t, appErr.Message, "429")
	assert.Contains(t, appErr.Message, "rate limited")
}

func TestCohereProvider(t *testing.T) {
	var got cohereEmbedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embed", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"embeddings":{"float":[[0.5,0.5]]},"meta":{"billed_units":{"input_tokens":3}}}`))
	}))
	defer srv.Close()

	p := NewCohereProvider(config.EmbeddingConfig{BaseURL: srv.URL, Model: "embed-english-v3.0"})
	vectors, tokens, err := p.Embed(context.Background(), []string{"visa"}, InputQuery)
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.5, 0.5}}, vectors)
	assert.Equal(t, 3, tokens)
	assert.Equal(t, "search_query", got.InputType)
	assert.Equal(t, []string{"float"}, got.EmbeddingTypes)
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(config.EmbeddingConfig{Provider: "cohere"})
	require.NoError(t, err)
	assert.Equal(t, ProviderCohere, p.Name())

	p, err = NewProvider(config.EmbeddingConfig{Provider: "local"})
	require.NoError(t, err)
	_, _, err = p.Embed(context.Background(), []string{"x"}, InputDocument)
	assert.True(t, apperr.IsKind(err, apperr.KindUnsupported))

	_, err = NewProvider(config.EmbeddingConfig{Provider: "bogus"})
	assert.True(t, apperr.IsKind(err, apperr.KindValidation))
}
