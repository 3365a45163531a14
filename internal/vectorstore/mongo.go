package vectorstore

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"abroad-docs-go/internal/config"
	"abroad-docs-go/internal/model"
	"abroad-docs-go/pkg/log"
)

const collectionPrefix = "chunks_"

// MongoStore 把每个用户的分块存入独立集合 chunks_<ownerID>。
// 向量检索优先走 Atlas $vectorSearch，失败时退化为进程内精确余弦。
type MongoStore struct {
	db             *mongo.Database
	vectorIndex    string
	numCandidates  int
	fallbackLimit  int
	ensuredIndexes sync.Map
}

func NewMongoStore(db *mongo.Database, cfg config.VectorStoreConfig) *MongoStore {
	numCandidates := cfg.NumCandidates
	if numCandidates <= 0 {
		numCandidates = 200
	}
	fallback := cfg.FallbackCandidateLimit
	if fallback <= 0 {
		fallback = 5000
	}
	return &MongoStore{
		db:            db,
		vectorIndex:   cfg.VectorIndex,
		numCandidates: numCandidates,
		fallbackLimit: fallback,
	}
}

func (s *MongoStore) collection(ownerID string) *mongo.Collection {
	return s.db.Collection(collectionPrefix + PartitionName(ownerID))
}

// ensureIndexes 每个集合只尝试一次；失败只记日志，关键词检索会退化为正则。
func (s *MongoStore) ensureIndexes(ctx context.Context, coll *mongo.Collection) {
	if _, loaded := s.ensuredIndexes.LoadOrStore(coll.Name(), true); loaded {
		return
	}
	_, err := coll.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "trackingId", Value: 1}}},
		{Keys: bson.D{{Key: "content", Value: "text"}}},
	})
	if err != nil {
		log.Warnf("[VectorStore] 创建集合 %s 的索引失败: %v", coll.Name(), err)
	}
}

func (s *MongoStore) InsertChunks(ctx context.Context, ownerID string, chunks []model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	coll := s.collection(ownerID)
	s.ensureIndexes(ctx, coll)

	docs := make([]interface{}, len(chunks))
	for i := range chunks {
		c := chunks[i]
		c.OwnerID = ownerID
		docs[i] = c
	}
	if _, err := coll.InsertMany(ctx, docs); err != nil {
		return fmt.Errorf("写入分块失败: %w", err)
	}
	return nil
}

func (s *MongoStore) DeleteByTrackingID(ctx context.Context, ownerID, trackingID string) (int64, error) {
	res, err := s.collection(ownerID).DeleteMany(ctx, bson.M{"trackingId": trackingID})
	if err != nil {
		return 0, fmt.Errorf("删除分块失败: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *MongoStore) UpdateTags(ctx context.Context, ownerID, trackingID string, tags []string) error {
	if tags == nil {
		tags = []string{}
	}
	_, err := s.collection(ownerID).UpdateMany(ctx,
		bson.M{"trackingId": trackingID},
		bson.M{"$set": bson.M{"tags": tags}},
	)
	if err != nil {
		return fmt.Errorf("更新分块标签失败: %w", err)
	}
	return nil
}

func (s *MongoStore) Count(ctx context.Context, ownerID string) (int64, error) {
	return s.collection(ownerID).CountDocuments(ctx, bson.M{})
}

type scoredChunk struct {
	model.Chunk `bson:",inline"`
	Score       float64 `bson:"score"`
}

func (s *MongoStore) VectorSearch(ctx context.Context, ownerID string, vector []float32, filter Filter, limit int) ([]Hit, error) {
	coll := s.collection(ownerID)
	hits, err := s.atlasSearch(ctx, coll, vector, filter, limit)
	if err == nil {
		return hits, nil
	}
	log.Warnf("[VectorStore] $vectorSearch 不可用，改用精确余弦: collection=%s, err=%v", coll.Name(), err)
	return s.cosineFallback(ctx, coll, vector, filter, limit)
}

func (s *MongoStore) atlasSearch(ctx context.Context, coll *mongo.Collection, vector []float32, filter Filter, limit int) ([]Hit, error) {
	numCandidates := s.numCandidates
	if numCandidates < limit {
		numCandidates = limit
	}
	stage := bson.M{
		"index":         s.vectorIndex,
		"path":          "embedding",
		"queryVector":   vector,
		"numCandidates": numCandidates,
		"limit":         limit,
	}
	if f := mongoFilter(filter); len(f) > 0 {
		stage["filter"] = f
	}
	pipeline := mongo.Pipeline{
		{{Key: "$vectorSearch", Value: stage}},
		{{Key: "$project", Value: bson.M{"embedding": 0, "score": bson.M{"$meta": "vectorSearchScore"}}}},
	}
	cur, err := coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, err
	}
	var rows []scoredChunk
	if err := cur.All(ctx, &rows); err != nil {
		return nil, err
	}
	hits := make([]Hit, len(rows))
	for i, r := range rows {
		hits[i] = Hit{Chunk: r.Chunk, Score: fromUnitScore(r.Score)}
	}
	return hits, nil
}

// cosineFallback 最多读取 fallbackLimit 条带向量的分块，在进程内排序。
func (s *MongoStore) cosineFallback(ctx context.Context, coll *mongo.Collection, vector []float32, filter Filter, limit int) ([]Hit, error) {
	q := mongoFilter(filter)
	q["embedding"] = bson.M{"$exists": true}
	cur, err := coll.Find(ctx, q, options.Find().SetLimit(int64(s.fallbackLimit)))
	if err != nil {
		return nil, fmt.Errorf("读取候选分块失败: %w", err)
	}
	var candidates []model.Chunk
	if err := cur.All(ctx, &candidates); err != nil {
		return nil, fmt.Errorf("解码候选分块失败: %w", err)
	}
	return rankByCosine(candidates, vector, limit), nil
}

// KeywordSearch 使用 $text 检索，没有文本索引时退化为不区分大小写的正则匹配，分数固定为 1.0。
func (s *MongoStore) KeywordSearch(ctx context.Context, ownerID, query string, filter Filter, limit int) ([]Hit, error) {
	coll := s.collection(ownerID)
	q := mongoFilter(filter)
	q["$text"] = bson.M{"$search": query}
	opts := options.Find().
		SetProjection(bson.M{"embedding": 0, "score": bson.M{"$meta": "textScore"}}).
		SetSort(bson.M{"score": bson.M{"$meta": "textScore"}}).
		SetLimit(int64(limit))

	cur, err := coll.Find(ctx, q, opts)
	if err == nil {
		var rows []scoredChunk
		if err = cur.All(ctx, &rows); err == nil {
			hits := make([]Hit, len(rows))
			for i, r := range rows {
				hits[i] = Hit{Chunk: r.Chunk, Score: r.Score}
			}
			return hits, nil
		}
	}
	log.Warnf("[VectorStore] $text 检索失败，改用正则: collection=%s, err=%v", coll.Name(), err)
	return s.regexSearch(ctx, coll, query, filter, limit)
}

func (s *MongoStore) regexSearch(ctx context.Context, coll *mongo.Collection, query string, filter Filter, limit int) ([]Hit, error) {
	pattern := termPattern(query)
	if pattern == "" {
		return nil, nil
	}
	q := mongoFilter(filter)
	q["content"] = bson.M{"$regex": pattern, "$options": "i"}
	opts := options.Find().SetProjection(bson.M{"embedding": 0}).SetLimit(int64(limit))
	cur, err := coll.Find(ctx, q, opts)
	if err != nil {
		return nil, fmt.Errorf("正则检索失败: %w", err)
	}
	var rows []model.Chunk
	if err := cur.All(ctx, &rows); err != nil {
		return nil, fmt.Errorf("解码分块失败: %w", err)
	}
	hits := make([]Hit, len(rows))
	for i, r := range rows {
		hits[i] = Hit{Chunk: r, Score: 1.0}
	}
	return hits, nil
}

// termPattern 把查询词转义后拼成 a|b|c。
func termPattern(query string) string {
	terms := queryTerms(query)
	for i, t := range terms {
		terms[i] = regexp.QuoteMeta(t)
	}
	return strings.Join(terms, "|")
}

func mongoFilter(f Filter) bson.M {
	q := bson.M{}
	if len(f.TrackingIDs) > 0 {
		q["trackingId"] = bson.M{"$in": f.TrackingIDs}
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
