package embedding

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

const defaultCohereBaseURL = "https://api.cohere.ai"

// CohereProvider 调用 Cohere /v1/embed，文档与查询使用不同的 input_type。
type CohereProvider struct {
	cfg     config.EmbeddingConfig
	baseURL string
	client  *http.Client
}

func NewCohereProvider(cfg config.EmbeddingConfig) *CohereProvider {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultCohereBaseURL
	}
	return &CohereProvider{
		cfg:     cfg,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *CohereProvider) Name() string  { return ProviderCohere }
func (c *CohereProvider) Model() string { return c.cfg.Model }

type cohereEmbedRequest struct {
	Model          string   `json:"model"`
	Texts          []string `json:"texts"`
	InputType      string   `json:"input_type"`
	EmbeddingTypes []string `json:"embedding_types"`
	Truncate       string   `json:"truncate"`
}

type cohereEmbedResponse struct {
	Embeddings struct {
		Float [][]float32 `json:"float"`
	} `json:"embeddings"`
	Meta struct {
		BilledUnits struct {
			InputTokens int `json:"input_tokens"`
		} `json:"billed_units"`
	} `json:"meta"`
}

func (c *CohereProvider) Embed(ctx context.Context, texts []string, kind InputKind) ([][]float32, int, error) {
	inputType := "search_document"
	if kind == InputQuery {
		inputType = "search_query"
	}
	body, err := json.Marshal(cohereEmbedRequest{
		Model:          c.cfg.Model,
		Texts:          texts,
		InputType:      inputType,
		EmbeddingTypes: []string{"float"},
		Truncate:       "END",
	})
	if err != nil {
		return nil, 0, fmt.Errorf("marshal cohere embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embed", bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("build cohere embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, 0, apperr.Provider(ProviderCohere, "request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, 0, apperr.Provider(ProviderCohere, fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))), nil)
	}

	var parsed cohereEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, 0, apperr.Provider(ProviderCohere, "decode response", err)
	}
	return parsed.Embeddings.Float, parsed.Meta.BilledUnits.InputTokens, nil
}
