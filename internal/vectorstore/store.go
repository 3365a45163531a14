// Package vectorstore 按用户分区保存分块及其向量，并提供向量检索与关键词检索。
//
// 每个用户独占一个分区（Mongo 集合 chunks_<ownerID> 或 ES 索引 <prefix>_<ownerID>），
// 所有操作都必须带上 ownerID，跨用户读取在结构上不可能发生。
package vectorstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"abroad-docs-go/internal/model"
)

// Filter 是检索时的附加条件，空字段表示不过滤。Tags 命中任意一个即可。
type Filter struct {
	TrackingIDs []string
	Tags        []string
	From        *time.Time
	To          *time.Time
}

// Hit 是一条带分数的命中。向量检索的分数为余弦相似度，范围 [-1, 1]。
type Hit struct {
	Chunk model.Chunk
	Score float64
}

// Store 是向量存储后端。
type Store interface {
	// InsertChunks 一次性写入一个文档的全部分块。
	InsertChunks(ctx context.Context, ownerID string, chunks []model.Chunk) error
	DeleteByTrackingID(ctx context.Context, ownerID, trackingID string) (int64, error)
	UpdateTags(ctx context.Context, ownerID, trackingID string, tags []string) error
	Count(ctx context.Context, ownerID string) (int64, error)
	VectorSearch(ctx context.Context, ownerID string, vector []float32, filter Filter, limit int) ([]Hit, error)
	KeywordSearch(ctx context.Context, ownerID, query string, filter Filter, limit int) ([]Hit, error)
}

// PartitionName 把 ownerID 转成可用作集合名后缀的字符串。
// 含有其他字符时追加哈希后缀，保证不同用户不会落到同一个分区。
func PartitionName(ownerID string) string {
	var b strings.Builder
	for _, r := range ownerID {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name != ownerID {
		sum := sha256.Sum256([]byte(ownerID))
		name += "_" + hex.EncodeToString(sum[:4])
	}
	return name
}

// queryTerms 把查询按空白拆成小写词项并去重。
func queryTerms(query string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, f := range strings.Fields(strings.ToLower(query)) {
		if !seen[f] {
			seen[f] = true
			terms = append(terms, f)
		}
	}
	return terms
}

func (f Filter) matches(c *model.Chunk) bool {
	if len(f.TrackingIDs) > 0 && !contains(f.TrackingIDs, c.TrackingID) {
		return false
	}
	if len(f.Tags) > 0 {
		ok := false
		for _, t := range f.Tags {
			if contains(c.Tags, t) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.From != nil && c.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && c.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
