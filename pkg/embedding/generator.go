package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"abroad-docs-go/internal/config"
	"abroad-docs-go/pkg/apperr"
	"abroad-docs-go/pkg/log"
)

const defaultBatchSize = 100

// 每千 token 的美元价格，只用于估算。
var pricePer1K = map[string]float64{
	"text-embedding-3-small":        0.00002,
	"text-embedding-3-large":        0.00013,
	"text-embedding-ada-002":        0.0001,
	"embed-english-v3.0":            0.0001,
	"embed-multilingual-v3.0":       0.0001,
	"embed-english-light-v3.0":      0.0001,
	"embed-multilingual-light-v3.0": 0.0001,
}

// Result 是一次批量生成的输出，Vectors 与输入顺序一致。
type Result struct {
	Vectors       [][]float32
	Model         string
	Dimensions    int
	Tokens        int
	EstimatedCost float64
}

// ProgressFunc 在每批完成后被调用，fraction 位于 (0, 1]。
type ProgressFunc func(fraction float64)

// Generator 按批调用 Provider，对结果做校验和归一化。
type Generator struct {
	provider  Provider
	batchSize int
	normalize bool
	dims      int
	cache     QueryCache
	cacheTTL  time.Duration
}

// NewGenerator 创建生成器。cache 可以为 nil。
func NewGenerator(provider Provider, cfg config.EmbeddingConfig, cache QueryCache) *Generator {
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	ttl := time.Duration(cfg.QueryCacheTTLMinute) * time.Minute
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Generator{
		provider:  provider,
		batchSize: batch,
		normalize: cfg.Normalize,
		dims:      cfg.Dimensions,
		cache:     cache,
		cacheTTL:  ttl,
	}
}

func (g *Generator) Model() string    { return g.provider.Model() }
func (g *Generator) Provider() string { return g.provider.Name() }

// Generate 为每段文本生成一个向量。任何一批失败都会让整次调用失败，不做重试。
func (g *Generator) Generate(ctx context.Context, texts []string, progress ProgressFunc) (*Result, error) {
	res := &Result{Model: g.provider.Model(), Vectors: make([][]float32, 0, len(texts))}
	if len(texts) == 0 {
		return res, nil
	}

	for start := 0; start < len(texts); start += g.batchSize {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := start + g.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		vectors, tokens, err := g.provider.Embed(ctx, batch, InputDocument)
		if err != nil {
			return nil, g.wrap(err)
		}
		if len(vectors) != len(batch) {
			return nil, apperr.Provider(g.provider.Name(),
				fmt.Sprintf("expected %d vectors, got %d", len(batch), len(vectors)), nil)
		}
		for _, v := range vectors {
			if err := g.checkDims(res, v); err != nil {
				return nil, err
			}
			if g.normalize {
				Normalize(v)
			}
			res.Vectors = append(res.Vectors, v)
		}
		if tokens <= 0 {
			tokens = EstimateTokens(batch)
		}
		res.Tokens += tokens

		if progress != nil {
			progress(float64(end) / float64(len(texts)))
		}
		log.Debugf("[Embedding] 批次完成 %d/%d, model: %s", end, len(texts), res.Model)
	}

	res.EstimatedCost = EstimateCost(res.Model, res.Tokens)
	return res, nil
}

// EmbedQuery 生成查询向量，命中缓存时不调用提供方。
func (g *Generator) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	key := QueryCacheKey(g.provider.Model(), query)
	if g.cache != nil {
		if v, ok := g.cache.Get(ctx, key); ok {
			return v, nil
		}
	}

	vectors, _, err := g.provider.Embed(ctx, []string{query}, InputQuery)
	if err != nil {
		return nil, g.wrap(err)
	}
	if len(vectors) != 1 || len(vectors[0]) == 0 {
		return nil, apperr.Provider(g.provider.Name(), "empty query embedding", nil)
	}
	v := vectors[0]
	if g.normalize {
		Normalize(v)
	}
	if g.cache != nil {
		g.cache.Set(ctx, key, v, g.cacheTTL)
	}
	return v, nil
}

func (g *Generator) checkDims(res *Result, v []float32) error {
	if len(v) == 0 {
		return apperr.Provider(g.provider.Name(), "received empty embedding", nil)
	}
	if res.Dimensions == 0 {
		if g.dims > 0 && len(v) != g.dims {
			return apperr.Provider(g.provider.Name(),
				fmt.Sprintf("dimension mismatch: configured %d, got %d", g.dims, len(v)), nil)
		}
		res.Dimensions = len(v)
		return nil
	}
	if len(v) != res.Dimensions {
		return apperr.Provider(g.provider.Name(),
			fmt.Sprintf("inconsistent dimensions: %d vs %d", res.Dimensions, len(v)), nil)
	}
	return nil
}

func (g *Generator) wrap(err error) error {
	if apperr.KindOf(err) != apperr.KindInternal {
		return err
	}
	return apperr.Provider(g.provider.Name(), err.Error(), err)
}

// Normalize 原地把向量缩放为单位长度，零向量保持不变。
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i, x := range v {
		v[i] = float32(float64(x) * inv)
	}
}

// EstimateTokens 按约 4 个字符 1 个 token 估算。
func EstimateTokens(texts []string) int {
	total := 0
	for _, t := range texts {
		total += (utf8.RuneCountInString(t) + 3) / 4
	}
	return total
}

// EstimateCost 返回估算费用（美元），未知模型为 0。
func EstimateCost(model string, tokens int) float64 {
	return pricePer1K[strings.ToLower(model)] * float64(tokens) / 1000
}

// QueryCacheKey 由模型名与查询文本的 SHA-256 组成。
func QueryCacheKey(model, query string) string {
	sum := sha256.Sum256([]byte(query))
	return fmt.Sprintf("embedding:query:%s:%s", model, hex.EncodeToString(sum[:]))
}
