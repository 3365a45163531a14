// Package es 提供了与 Elasticsearch 交互的客户端功能。
package es

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"abroad-docs-go/internal/config"
	"abroad-docs-go/pkg/log"
)

// EsChunk 是写入每个用户索引中的分块文档。
type EsChunk struct {
	ChunkID        string    `json:"chunk_id"`
	OwnerID        string    `json:"owner_id"`
	TrackingID     string    `json:"tracking_id"`
	Content        string    `json:"content"`
	ContentHash    string    `json:"content_hash"`
	Vector         []float32 `json:"vector,omitempty"`
	EmbeddingModel string    `json:"embedding_model,omitempty"`
	ChunkIndex     int       `json:"chunk_index"`
	StartChar      int       `json:"start_char"`
	EndChar        int       `json:"end_char"`
	Tags           []string  `json:"tags"`
	Quality        float64   `json:"quality"`
	CreatedAt      time.Time `json:"created_at"`
}

// Hit 是一条搜索命中。
type Hit struct {
	ID     string  `json:"_id"`
	Score  float64 `json:"_score"`
	Source EsChunk `json:"_source"`
}

type searchResponse struct {
	Hits struct {
		Hits []Hit `json:"hits"`
	} `json:"hits"`
}

// ErrIndexNotFound 表示用户索引尚未创建。
var ErrIndexNotFound = errors.New("index not found")

// Client 封装 go-elasticsearch 客户端与索引命名规则。
type Client struct {
	es     *elasticsearch.Client
	prefix string
}

// NewClient 初始化 Elasticsearch 客户端。
func NewClient(esCfg config.ElasticsearchConfig) (*Client, error) {
	var addrs []string
	for _, a := range strings.Split(esCfg.Addresses, ",") {
		if a = strings.TrimSpace(a); a != "" {
			addrs = append(addrs, a)
		}
	}
	cfg := elasticsearch.Config{
		Addresses: addrs,
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	prefix := esCfg.IndexPrefix
	if prefix == "" {
		prefix = "chunks"
	}
	return &Client{es: client, prefix: prefix}, nil
}

// IndexName 返回用户专属索引名。索引名只能是小写字母、数字、- 和 _，
// ownerID 中含有其他字符（包括大写）时追加哈希后缀，避免不同用户映射到同一个索引。
func (c *Client) IndexName(ownerID string) string {
	var b strings.Builder
	for _, r := range ownerID {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name != ownerID {
		sum := sha256.Sum256([]byte(ownerID))
		name = strings.ToLower(name) + "_" + hex.EncodeToString(sum[:4])
	}
	return c.prefix + "_" + name
}

// IndexExists 检查索引是否存在。
func (c *Client) IndexExists(ctx context.Context, index string) (bool, error) {
	res, err := c.es.Indices.Exists([]string{index}, c.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return false, err
	}
	defer res.Body.Close()
	switch res.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("检查索引是否存在时收到意外的状态码: %d", res.StatusCode)
	}
}

// EnsureIndex 在索引不存在时创建它。dims 为 0 时不声明向量字段。
func (c *Client) EnsureIndex(ctx context.Context, index string, dims int) error {
	exists, err := c.IndexExists(ctx, index)
	if err != nil {
		log.Errorf("[ES] 检查索引 '%s' 时出错: %v", index, err)
		return err
	}
	if exists {
		return nil
	}

	properties := map[string]any{
		"chunk_id":        map[string]any{"type": "keyword"},
		"owner_id":        map[string]any{"type": "keyword"},
		"tracking_id":     map[string]any{"type": "keyword"},
		"content":         map[string]any{"type": "text"},
		"content_hash":    map[string]any{"type": "keyword"},
		"embedding_model": map[string]any{"type": "keyword"},
		"chunk_index":     map[string]any{"type": "integer"},
		"start_char":      map[string]any{"type": "integer"},
		"end_char":        map[string]any{"type": "integer"},
		"tags":            map[string]any{"type": "keyword"},
		"quality":         map[string]any{"type": "float"},
		"created_at":      map[string]any{"type": "date"},
	}
	if dims > 0 {
		properties["vector"] = map[string]any{
			"type":       "dense_vector",
			"dims":       dims,
			"index":      true,
			"similarity": "cosine",
		}
	}
	mapping, err := json.Marshal(map[string]any{"mappings": map[string]any{"properties": properties}})
	if err != nil {
		return err
	}

	res, err := c.es.Indices.Create(index,
		c.es.Indices.Create.WithBody(bytes.NewReader(mapping)),
		c.es.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		log.Errorf("[ES] 创建索引 '%s' 失败: %v", index, err)
		return err
	}
	defer res.Body.Close()
	// 并发创建时另一方可能已经建好
	if res.IsError() && !strings.Contains(res.String(), "resource_already_exists_exception") {
		return fmt.Errorf("创建索引 '%s' 时 Elasticsearch 返回错误: %s", index, res.String())
	}
	log.Infof("[ES] 索引 '%s' 创建成功", index)
	return nil
}

// Bulk 批量写入分块，写入后立即刷新以便检索可见。
func (c *Client) Bulk(ctx context.Context, index string, docs []EsChunk) error {
	if len(docs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	for _, d := range docs {
		meta, _ := json.Marshal(map[string]any{"index": map[string]any{"_index": index, "_id": d.ChunkID}})
		src, err := json.Marshal(d)
		if err != nil {
			return err
		}
		buf.Write(meta)
		buf.WriteByte('\n')
		buf.Write(src)
		buf.WriteByte('\n')
	}

	req := esapi.BulkRequest{Body: &buf, Refresh: "true"}
	res, err := req.Do(ctx, c.es)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("bulk 写入 '%s' 失败: %s", index, res.String())
	}

	var parsed struct {
		Errors bool `json:"errors"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("解析 bulk 响应失败: %w", err)
	}
	if parsed.Errors {
		return fmt.Errorf("bulk 写入 '%s' 有部分文档失败", index)
	}
	return nil
}

// Search 执行查询，索引不存在时返回 ErrIndexNotFound。
func (c *Client) Search(ctx context.Context, index string, body map[string]any) ([]Hit, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	res, err := c.es.Search(
		c.es.Search.WithContext(ctx),
		c.es.Search.WithIndex(index),
		c.es.Search.WithBody(bytes.NewReader(data)),
	)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, ErrIndexNotFound
	}
	if res.IsError() {
		return nil, fmt.Errorf("search '%s' 失败: %s", index, res.String())
	}
	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("解析 search 响应失败: %w", err)
	}
	return parsed.Hits.Hits, nil
}

// DeleteByQuery 删除匹配的文档并返回删除数，索引不存在时视为成功。
func (c *Client) DeleteByQuery(ctx context.Context, index string, query map[string]any) (int64, error) {
	data, err := json.Marshal(map[string]any{"query": query})
	if err != nil {
		return 0, err
	}
	res, err := c.es.DeleteByQuery([]string{index}, bytes.NewReader(data),
		c.es.DeleteByQuery.WithContext(ctx),
		c.es.DeleteByQuery.WithRefresh(true),
	)
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if res.IsError() {
		return 0, fmt.Errorf("delete_by_query '%s' 失败: %s", index, res.String())
	}
	var parsed struct {
		Deleted int64 `json:"deleted"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, fmt.Errorf("解析 delete_by_query 响应失败: %w", err)
	}
	return parsed.Deleted, nil
}

// UpdateByQuery 用 painless 脚本更新匹配的文档，索引不存在时视为成功。
func (c *Client) UpdateByQuery(ctx context.Context, index string, query map[string]any, script map[string]any) error {
	data, err := json.Marshal(map[string]any{"query": query, "script": script})
	if err != nil {
		return err
	}
	res, err := c.es.UpdateByQuery([]string{index},
		c.es.UpdateByQuery.WithBody(bytes.NewReader(data)),
		c.es.UpdateByQuery.WithContext(ctx),
		c.es.UpdateByQuery.WithRefresh(true),
	)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if res.IsError() {
		return fmt.Errorf("update_by_query '%s' 失败: %s", index, res.String())
	}
	return nil
}

// Count 返回索引中的文档数，索引不存在时为 0。
func (c *Client) Count(ctx context.Context, index string) (int64, error) {
	res, err := c.es.Count(c.es.Count.WithContext(ctx), c.es.Count.WithIndex(index))
	if err != nil {
		return 0, err
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if res.IsError() {
		body, _ := io.ReadAll(res.Body)
		return 0, fmt.Errorf("count '%s' 失败: %s", index, string(body))
	}
	var parsed struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return 0, err
	}
	return parsed.Count, nil
}
