// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"abroad-docs-go/internal/model"
)

// ErrNotFound 表示按 owner + trackingID 查不到文档。
var ErrNotFound = errors.New("document not found")

const documentsCollection = "documents"

// DocumentRepository 接口定义了文档元数据的持久化操作。所有查询都按 ownerID 限定。
type DocumentRepository interface {
	Create(ctx context.Context, doc *model.Document) error
	FindByTrackingID(ctx context.Context, ownerID, trackingID string) (*model.Document, error)
	FindByHash(ctx context.Context, ownerID, contentHash string) (*model.Document, error)
	FindByTrackingIDs(ctx context.Context, ownerID string, trackingIDs []string) ([]model.Document, error)
	// List 按创建时间倒序返回一页文档以及满足条件的总数。
	List(ctx context.Context, ownerID string, filter model.DocumentFilter) ([]model.Document, int64, error)
	Exists(ctx context.Context, ownerID, trackingID string) (bool, error)
	UpdateStatus(ctx context.Context, ownerID, trackingID string, status model.ProcessingStatus) error
	// MarkFailed 把文档置为 failed 并追加一条错误记录。
	MarkFailed(ctx context.Context, ownerID, trackingID string, entry model.ErrorEntry) error
	MarkCompleted(ctx context.Context, ownerID, trackingID string, result model.ProcessingResult) error
	// Requeue 把 failed 文档重置为 pending 以便重新处理。文档不是 failed 状态时返回 ErrNotFound。
	Requeue(ctx context.Context, ownerID, trackingID string, opts model.ProcessingOptions) error
	UpdateTags(ctx context.Context, ownerID, trackingID string, tags []string) error
	Delete(ctx context.Context, ownerID, trackingID string) error
}

// documentRepository 是 DocumentRepository 接口的 MongoDB 实现。
type documentRepository struct {
	coll *mongo.Collection
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *mongo.Database) DocumentRepository {
	return &documentRepository{coll: db.Collection(documentsCollection)}
}

// EnsureDocumentIndexes 创建 trackingId 唯一索引以及去重、列表查询所需的索引。
func EnsureDocumentIndexes(ctx context.Context, db *mongo.Database) error {
	_, err := db.Collection(documentsCollection).Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "trackingId", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "ownerId", Value: 1}, {Key: "contentHash", Value: 1}}},
		{Keys: bson.D{{Key: "ownerId", Value: 1}, {Key: "createdAt", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("创建 documents 索引失败: %w", err)
	}
	return nil
}

func (r *documentRepository) Create(ctx context.Context, doc *model.Document) error {
	if doc.Tags == nil {
		doc.Tags = []string{}
	}
	if doc.Errors == nil {
		doc.Errors = []model.ErrorEntry{}
	}
	res, err := r.coll.InsertOne(ctx, doc)
	if err != nil {
		return err
	}
	if id, ok := res.InsertedID.(primitive.ObjectID); ok {
		doc.ID = id
	}
	return nil
}

func (r *documentRepository) findOne(ctx context.Context, filter bson.M) (*model.Document, error) {
	var doc model.Document
	err := r.coll.FindOne(ctx, filter).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *documentRepository) FindByTrackingID(ctx context.Context, ownerID, trackingID string) (*model.Document, error) {
	return r.findOne(ctx, bson.M{"ownerId": ownerID, "trackingId": trackingID})
}

func (r *documentRepository) FindByHash(ctx context.Context, ownerID, contentHash string) (*model.Document, error) {
	return r.findOne(ctx, bson.M{"ownerId": ownerID, "contentHash": contentHash})
}

func (r *documentRepository) FindByTrackingIDs(ctx context.Context, ownerID string, trackingIDs []string) ([]model.Document, error) {
	var docs []model.Document
	if len(trackingIDs) == 0 {
		return docs, nil
	}
	cur, err := r.coll.Find(ctx, bson.M{"ownerId": ownerID, "trackingId": bson.M{"$in": trackingIDs}})
	if err != nil {
		return nil, err
	}
	err = cur.All(ctx, &docs)
	return docs, err
}

func (r *documentRepository) List(ctx context.Context, ownerID string, filter model.DocumentFilter) ([]model.Document, int64, error) {
	q := documentQuery(ownerID, filter)
	total, err := r.coll.CountDocuments(ctx, q)
	if err != nil {
		return nil, 0, err
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetSkip(int64(filter.Offset))
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	cur, err := r.coll.Find(ctx, q, opts)
	if err != nil {
		return nil, 0, err
	}
	var docs []model.Document
	if err := cur.All(ctx, &docs); err != nil {
		return nil, 0, err
	}
	return docs, total, nil
}

func documentQuery(ownerID string, f model.DocumentFilter) bson.M {
	q := bson.M{"ownerId": ownerID}
	if f.Status != "" {
		q["status"] = f.Status
	}
	if f.DocType != "" {
		q["docType"] = f.DocType
	}
	if len(f.Tags) > 0 {
		q["tags"] = bson.M{"$in": f.Tags}
	}
	if f.From != nil || f.To != nil {
		r := bson.M{}
		if f.From != nil {
			r["$gte"] = *f.From
		}
		if f.To != nil {
			r["$lte"] = *f.To
		}
		q["createdAt"] = r
	}
	return q
}

func (r *documentRepository) Exists(ctx context.Context, ownerID, trackingID string) (bool, error) {
	n, err := r.coll.CountDocuments(ctx, bson.M{"ownerId": ownerID, "trackingId": trackingID}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *documentRepository) update(ctx context.Context, ownerID, trackingID string, update bson.M) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"ownerId": ownerID, "trackingId": trackingID}, update)
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *documentRepository) UpdateStatus(ctx context.Context, ownerID, trackingID string, status model.ProcessingStatus) error {
	return r.update(ctx, ownerID, trackingID, bson.M{
		"$set": bson.M{"status": status, "updatedAt": time.Now()},
	})
}

func (r *documentRepository) MarkFailed(ctx context.Context, ownerID, trackingID string, entry model.ErrorEntry) error {
	now := time.Now()
	return r.update(ctx, ownerID, trackingID, bson.M{
		"$set":  bson.M{"status": model.StatusFailed, "updatedAt": now, "processedAt": now},
		"$push": bson.M{"errors": entry},
	})
}

func (r *documentRepository) MarkCompleted(ctx context.Context, ownerID, trackingID string, result model.ProcessingResult) error {
	now := time.Now()
	return r.update(ctx, ownerID, trackingID, bson.M{
		"$set": bson.M{
			"status":         model.StatusCompleted,
			"chunkCount":     result.ChunkCount,
			"usedOcr":        result.UsedOCR,
			"ocrConfidence":  result.OCRConfidence,
			"pageCount":      result.PageCount,
			"embeddingModel": result.EmbeddingModel,
			"dimensions":     result.Dimensions,
			"estimatedCost":  result.EstimatedCost,
			"updatedAt":      now,
			"processedAt":    now,
		},
	})
}

func (r *documentRepository) Requeue(ctx context.Context, ownerID, trackingID string, opts model.ProcessingOptions) error {
	res, err := r.coll.UpdateOne(ctx,
		bson.M{"ownerId": ownerID, "trackingId": trackingID, "status": model.StatusFailed},
		bson.M{
			"$set":   bson.M{"status": model.StatusPending, "options": opts, "updatedAt": time.Now()},
			"$unset": bson.M{"processedAt": ""},
		})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *documentRepository) UpdateTags(ctx context.Context, ownerID, trackingID string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	return r.update(ctx, ownerID, trackingID, bson.M{
		"$set": bson.M{"tags": tags, "updatedAt": time.Now()},
	})
}

func (r *documentRepository) Delete(ctx context.Context, ownerID, trackingID string) error {
	res, err := r.coll.DeleteOne(ctx, bson.M{"ownerId": ownerID, "trackingId": trackingID})
	if err != nil {
		return err
	}
	if res.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}
