package model

import "time"

// SearchMode 决定检索走向量、关键词还是两者融合。
type SearchMode string

const (
	SearchSemantic SearchMode = "semantic"
	SearchKeyword  SearchMode = "keyword"
	SearchHybrid   SearchMode = "hybrid"
	// SearchVisual 以图搜图，暂不支持。
	SearchVisual SearchMode = "visual"
)

// SearchScope 限定检索范围。
type SearchScope string

const (
	ScopeCollection  SearchScope = "collection"
	ScopeDocument    SearchScope = "document"
	ScopeTrackingIDs SearchScope = "tracking_ids"
)

// SearchFilters 是附加的标签与时间过滤。
type SearchFilters struct {
	Tags []string   `json:"tags,omitempty"`
	From *time.Time `json:"from,omitempty"`
	To   *time.Time `json:"to,omitempty"`
}

// SearchQuery 是一次检索请求。
type SearchQuery struct {
	Query           string        `json:"query"`
	Mode            SearchMode    `json:"mode"`
	Scope           SearchScope   `json:"scope"`
	TrackingID      string        `json:"trackingId,omitempty"`
	TrackingIDs     []string      `json:"trackingIds,omitempty"`
	Filters         SearchFilters `json:"filters"`
	Offset          int           `json:"offset"`
	Limit           int           `json:"limit"`
	MinScore        *float64      `json:"minScore,omitempty"`
	Rerank          bool          `json:"rerank"`
	IncludeContent  bool          `json:"includeContent"`
	IncludeMetadata bool          `json:"includeMetadata"`
}

// SearchResult 是排序后的一条命中。
type SearchResult struct {
	ChunkID    string           `json:"chunkId"`
	TrackingID string           `json:"trackingId"`
	ChunkIndex int              `json:"chunkIndex"`
	Score      float64          `json:"score"`
	Content    string           `json:"content,omitempty"`
	Highlights []string         `json:"highlights,omitempty"`
	Document   *DocumentSummary `json:"document,omitempty"`
}

// SearchResponse 是分页后的检索结果。
type SearchResponse struct {
	Results      []SearchResult `json:"results"`
	TotalResults int            `json:"totalResults"`
	HasMore      bool           `json:"hasMore"`
	NextOffset   *int           `json:"nextOffset,omitempty"`
	TimeTakenMs  int64          `json:"timeTakenMs"`
	Mode         SearchMode     `json:"mode"`
}
