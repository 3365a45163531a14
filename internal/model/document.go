// Package model 定义了文档、分块、检索与任务台账的数据结构。
package model

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// DocType 是检测出的文档类型，决定使用哪个提取器。
type DocType string

const (
	DocTypePDF      DocType = "pdf"
	DocTypeDOCX     DocType = "docx"
	DocTypeText     DocType = "txt"
	DocTypeMarkdown DocType = "markdown"
	DocTypeHTML     DocType = "html"
	DocTypeImage    DocType = "image"
	// DocTypeOffice 覆盖 doc/pptx/xlsx/odt/rtf 等只能交给 Tika 解析的格式。
	DocTypeOffice  DocType = "office"
	DocTypeUnknown DocType = "unknown"
)

// ProcessingStatus 是文档在后台处理流程中的状态。
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// IsTerminal 报告状态是否不会再变化。
func (s ProcessingStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// 处理阶段，写入 ErrorEntry.Stage。
const (
	StageQueue      = "queue"
	StageDownload   = "download"
	StageExtraction = "extraction"
	StageOCR        = "ocr"
	StageChunking   = "chunking"
	StageEmbedding  = "embedding"
	StageStorage    = "storage"
)

// ErrorEntry 记录一次处理失败。
type ErrorEntry struct {
	Stage     string    `bson:"stage" json:"stage"`
	Message   string    `bson:"message" json:"message"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// ProcessingOptions 是上传时可覆盖的处理参数，零值表示使用服务默认值。
type ProcessingOptions struct {
	SkipOCR       bool   `bson:"skipOcr" json:"skipOcr"`
	SkipEmbedding bool   `bson:"skipEmbedding" json:"skipEmbedding"`
	ChunkSize     int    `bson:"chunkSize,omitempty" json:"chunkSize,omitempty"`
	ChunkOverlap  int    `bson:"chunkOverlap,omitempty" json:"chunkOverlap,omitempty"`
	ChunkStrategy string `bson:"chunkStrategy,omitempty" json:"chunkStrategy,omitempty"`
	OCRLanguage   string `bson:"ocrLanguage,omitempty" json:"ocrLanguage,omitempty"`
}

// Document 对应 MongoDB documents 集合中的一条文档元数据。
type Document struct {
	ID          primitive.ObjectID `bson:"_id,omitempty" json:"documentId"`
	TrackingID  string             `bson:"trackingId" json:"trackingId"`
	OwnerID     string             `bson:"ownerId" json:"ownerId"`
	FileName    string             `bson:"fileName" json:"fileName"`
	Title       string             `bson:"title,omitempty" json:"title,omitempty"`
	Description string             `bson:"description,omitempty" json:"description,omitempty"`
	ContentHash string             `bson:"contentHash" json:"contentHash"`
	MimeType    string             `bson:"mimeType" json:"mimeType"`
	DocType     DocType            `bson:"docType" json:"docType"`
	Size        int64              `bson:"size" json:"size"`
	ObjectName  string             `bson:"objectName" json:"-"`
	Tags        []string           `bson:"tags" json:"tags"`
	Options     ProcessingOptions  `bson:"options" json:"options"`

	Status         ProcessingStatus `bson:"status" json:"status"`
	ChunkCount     int              `bson:"chunkCount" json:"chunkCount"`
	UsedOCR        bool             `bson:"usedOcr" json:"usedOcr"`
	OCRConfidence  float64          `bson:"ocrConfidence,omitempty" json:"ocrConfidence,omitempty"`
	PageCount      int              `bson:"pageCount,omitempty" json:"pageCount,omitempty"`
	EmbeddingModel string           `bson:"embeddingModel,omitempty" json:"embeddingModel,omitempty"`
	Dimensions     int              `bson:"dimensions,omitempty" json:"dimensions,omitempty"`
	EstimatedCost  float64          `bson:"estimatedCost,omitempty" json:"estimatedCost,omitempty"`
	Errors         []ErrorEntry     `bson:"errors" json:"errors"`

	CreatedAt   time.Time  `bson:"createdAt" json:"createdAt"`
	UpdatedAt   time.Time  `bson:"updatedAt" json:"updatedAt"`
	ProcessedAt *time.Time `bson:"processedAt,omitempty" json:"processedAt,omitempty"`
}

// ProcessingResult 是处理成功后回写到文档上的统计信息。
type ProcessingResult struct {
	ChunkCount     int
	UsedOCR        bool
	OCRConfidence  float64
	PageCount      int
	EmbeddingModel string
	Dimensions     int
	EstimatedCost  float64
}

// DocumentFilter 是文档列表查询的过滤条件。
type DocumentFilter struct {
	Status  ProcessingStatus
	DocType DocType
	Tags    []string
	From    *time.Time
	To      *time.Time
	Offset  int
	Limit   int
}

// DocumentSummary 是附在检索结果上的父文档信息。
type DocumentSummary struct {
	TrackingID string    `json:"trackingId"`
	FileName   string    `json:"fileName"`
	Title      string    `json:"title,omitempty"`
	DocType    DocType   `json:"docType"`
	Tags       []string  `json:"tags"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Summary 返回文档的精简信息。
func (d *Document) Summary() DocumentSummary {
	return DocumentSummary{
		TrackingID: d.TrackingID,
		FileName:   d.FileName,
		Title:      d.Title,
		DocType:    d.DocType,
		Tags:       d.Tags,
		CreatedAt:  d.CreatedAt,
	}
}
