// Package embedding 负责调用向量模型并对结果做批处理、归一化与成本估算。
package embedding

import (
	"context"
	"strings"

	"abroad-docs-go/internal/config"
	"abroad-docs-go/pkg/apperr"
)

// InputKind 区分文档与查询两类输入，部分提供方据此选择不同的编码方式。
type InputKind string

const (
	InputDocument InputKind = "document"
	InputQuery    InputKind = "query"
)

const (
	ProviderOpenAI = "openai"
	ProviderCohere = "cohere"
	ProviderLocal  = "local"
)

// Provider 是一个向量模型后端。tokens 为 0 表示上游没有返回用量。
type Provider interface {
	Name() string
	Model() string
	Embed(ctx context.Context, texts []string, kind InputKind) (vectors [][]float32, tokens int, err error)
}

// NewProvider 根据配置创建向量模型提供方。
func NewProvider(cfg config.EmbeddingConfig) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderOpenAI:
		return NewOpenAIProvider(cfg), nil
	case ProviderCohere:
		return NewCohereProvider(cfg), nil
	case ProviderLocal:
		return localProvider{model: cfg.Model}, nil
	default:
		return nil, apperr.Validation("unknown embedding provider %q", cfg.Provider)
	}
}

// localProvider 占位：本地模型尚未接入。
type localProvider struct {
	model string
}

func (localProvider) Name() string    { return ProviderLocal }
func (p localProvider) Model() string { return p.model }

func (localProvider) Embed(context.Context, []string, InputKind) ([][]float32, int, error) {
	return nil, 0, apperr.Unsupported("local embedding provider is not available")
}
