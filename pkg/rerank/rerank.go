// Package rerank 对检索候选做二次排序。
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"abroad-docs-go/internal/config"
	"abroad-docs-go/pkg/apperr"
)

const ProviderCohere = "cohere"

// Reranker 为每个文档返回一个相关性分数，顺序与输入一致。
type Reranker interface {
	Name() string
	Rerank(ctx context.Context, query string, docs []string) ([]float64, error)
}

// New 根据配置返回重排器，未配置时返回 Noop。
func New(cfg config.RerankConfig) (Reranker, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return Noop{}, nil
	case ProviderCohere:
		return NewCohereReranker(cfg), nil
	default:
		return nil, apperr.Validation("unknown rerank provider %q", cfg.Provider)
	}
}

// Noop 不改变原有顺序：分数按位置递减。
type Noop struct{}

func (Noop) Name() string { return "none" }

func (Noop) Rerank(_ context.Context, _ string, docs []string) ([]float64, error) {
	scores := make([]float64, len(docs))
	for i := range docs {
		scores[i] = float64(len(docs) - i)
	}
	return scores, nil
}

// CohereReranker 调用 Cohere 兼容的 /v1/rerank 接口。
type CohereReranker struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

func NewCohereReranker(cfg config.RerankConfig) *CohereReranker {
	return &CohereReranker{
		endpoint: strings.TrimRight(cfg.BaseURL, "/") + "/v1/rerank",
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *CohereReranker) Name() string { return ProviderCohere }

func (c *CohereReranker) Rerank(ctx context.Context, query string, docs []string) ([]float64, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(map[string]any{
		"model":     c.model,
		"query":     query,
		"documents": docs,
		"top_n":     len(docs),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rerank payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperr.Provider(ProviderCohere, "call rerank endpoint", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, apperr.Provider(ProviderCohere, fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))), nil)
	}

	var parsed struct {
		Results []struct {
			Index int     `json:"index"`
			Score float64 `json:"relevance_score"`
		} `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, apperr.Provider(ProviderCohere, "decode rerank response", err)
	}

	scores := make([]float64, len(docs))
	for _, r := range parsed.Results {
		if r.Index >= 0 && r.Index < len(scores) {
			scores[r.Index] = r.Score
		}
	}
	return scores, nil
}
