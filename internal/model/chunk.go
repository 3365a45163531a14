package model

import (
	"fmt"
	"time"
)

// ChunkPosition 记录分块在规范化文本中的位置，偏移量以 rune 计。
type ChunkPosition struct {
	Index     int `bson:"index" json:"index"`
	StartChar int `bson:"startChar" json:"startChar"`
	EndChar   int `bson:"endChar" json:"endChar"`
}

// Chunk 是存入按用户分区的向量集合中的一条记录。
type Chunk struct {
	ChunkID        string        `bson:"_id" json:"chunkId"`
	OwnerID        string        `bson:"ownerId" json:"ownerId"`
	TrackingID     string        `bson:"trackingId" json:"trackingId"`
	Content        string        `bson:"content" json:"content"`
	ContentHash    string        `bson:"contentHash" json:"contentHash"`
	Embedding      []float32     `bson:"embedding,omitempty" json:"-"`
	EmbeddingModel string        `bson:"embeddingModel,omitempty" json:"embeddingModel,omitempty"`
	Position       ChunkPosition `bson:"position" json:"position"`
	Tags           []string      `bson:"tags" json:"tags"`
	Quality        float64       `bson:"quality" json:"quality"`
	CreatedAt      time.Time     `bson:"createdAt" json:"createdAt"`
}

// ChunkID 由 trackingID 与序号拼接得到。
func ChunkID(trackingID string, index int) string {
	return fmt.Sprintf("%s_%d", trackingID, index)
}
