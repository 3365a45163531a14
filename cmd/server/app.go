package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.mongodb.org/mongo-driver/mongo"

	"abroad-docs-go/internal/config"
	"abroad-docs-go/internal/extractor"
	"abroad-docs-go/internal/pipeline"
	"abroad-docs-go/internal/repository"
	"abroad-docs-go/internal/service"
	"abroad-docs-go/internal/vectorstore"
	"abroad-docs-go/pkg/database"
	"abroad-docs-go/pkg/embedding"
	"abroad-docs-go/pkg/es"
	"abroad-docs-go/pkg/kafka"
	"abroad-docs-go/pkg/log"
	"abroad-docs-go/pkg/ocr"
	"abroad-docs-go/pkg/rerank"
	"abroad-docs-go/pkg/storage"
	"abroad-docs-go/pkg/tasks"
	"abroad-docs-go/pkg/tika"
)

// app 持有进程内所有组件，由 buildApp 统一装配。
type app struct {
	cfg       *config.Config
	queue     tasks.Queue
	processor *pipeline.Processor
	uploads   service.UploadService
	documents service.DocumentService
	search    service.SearchService

	closers []func()
}

// buildApp 按配置创建各依赖。未配置的外部服务退化为进程内实现，便于单机运行。
func buildApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	// 1. 数据库与缓存
	var mongoDB *mongo.Database
	if cfg.Database.Mongo.URI != "" {
		client, db, err := database.NewMongo(ctx, cfg.Database.Mongo)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = client.Disconnect(context.Background()) })
		mongoDB = db
	}

	var rdb *redis.Client
	if cfg.Database.Redis.Addr != "" {
		if rdb, err = database.NewRedis(ctx, cfg.Database.Redis); err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = rdb.Close() })
	}

	// 2. Repository
	var docs repository.DocumentRepository
	if mongoDB != nil {
		if err := repository.EnsureDocumentIndexes(ctx, mongoDB); err != nil {
			return nil, fmt.Errorf("创建文档索引失败: %w", err)
		}
		docs = repository.NewDocumentRepository(mongoDB)
	} else {
		log.Warn("[App] 未配置 MongoDB, 文档元数据仅保存在内存中")
		docs = repository.NewMemoryDocumentRepository()
	}

	var jobs repository.JobRepository
	if cfg.Database.MySQL.DSN != "" {
		db, err := database.NewMySQL(cfg.Database.MySQL.DSN)
		if err != nil {
			return nil, err
		}
		jobs = repository.NewJobRepository(db)
	} else {
		log.Warn("[App] 未配置 MySQL, 任务台账仅保存在内存中")
		jobs = repository.NewMemoryJobRepository()
	}

	var progress repository.ProgressRepository
	var queryCache embedding.QueryCache
	if rdb != nil {
		progress = repository.NewProgressRepository(rdb)
		queryCache = embedding.NewRedisQueryCache(rdb)
	} else {
		progress = repository.NewMemoryProgressRepository()
	}

	// 3. 对象存储
	var objects storage.ObjectStore
	if cfg.MinIO.Endpoint != "" {
		if objects, err = storage.NewMinIO(ctx, cfg.MinIO); err != nil {
			return nil, err
		}
	} else {
		log.Warn("[App] 未配置 MinIO, 原始文件仅保存在内存中")
		objects = storage.NewMemoryStore()
	}

	// 4. 向量存储
	provider, err := embedding.NewProvider(cfg.Embedding)
	if err != nil {
		return nil, err
	}
	generator := embedding.NewGenerator(provider, cfg.Embedding, queryCache)

	store, err := newVectorStore(cfg, mongoDB)
	if err != nil {
		return nil, err
	}

	// 5. 提取与 OCR
	var tikaClient *tika.Client
	var extractors *extractor.Registry
	if cfg.Tika.ServerURL != "" {
		tikaClient = tika.NewClient(cfg.Tika)
		extractors = extractor.NewDefaultRegistry(tikaClient)
	} else {
		extractors = extractor.NewDefaultRegistry(nil)
	}
	ocrProvider, err := ocr.New(ctx, cfg.OCR, tikaClient)
	if err != nil {
		log.Warnf("[App] OCR 不可用, 扫描件将无法识别: %v", err)
		ocrProvider = ocr.Disabled{}
	}

	reranker, err := rerank.New(cfg.Rerank)
	if err != nil {
		return nil, err
	}

	// 6. 队列与处理器
	switch strings.ToLower(cfg.Queue.Driver) {
	case "memory":
		a.queue = tasks.NewMemoryQueue(cfg.Queue.Workers, cfg.Queue.Buffer)
	case "kafka", "":
		if cfg.Kafka.Brokers == "" {
			return nil, fmt.Errorf("queue.driver=kafka requires kafka.brokers")
		}
		a.queue = kafka.NewQueue(cfg.Kafka)
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
	a.closers = append(a.closers, func() { _ = a.queue.Close() })

	a.processor = pipeline.NewProcessor(docs, jobs, progress, objects, extractors, ocrProvider, generator, store,
		cfg.Chunking, cfg.OCR.Language, pipeline.NewCancelRegistry())

	// 7. Service
	a.uploads = service.NewUploadService(docs, jobs, objects, a.queue, extractors, cfg.Chunking, cfg.Upload)
	a.documents = service.NewDocumentService(docs, jobs, progress, objects, store, a.processor.Cancels(), cfg.Search.MaxLimit)
	a.search = service.NewSearchService(store, generator, docs, reranker, cfg.Search)

	log.Infof("[App] 组件装配完成, queue=%s, vectorStore=%s, embedding=%s/%s, ocr=%s, rerank=%s",
		cfg.Queue.Driver, cfg.VectorStore.Backend, provider.Name(), provider.Model(), ocrProvider.Name(), reranker.Name())
	return a, nil
}

func newVectorStore(cfg *config.Config, mongoDB *mongo.Database) (vectorstore.Store, error) {
	switch strings.ToLower(cfg.VectorStore.Backend) {
	case "mongo", "":
		if mongoDB == nil {
			log.Warn("[App] 未配置 MongoDB, 向量存储使用内存实现")
			return vectorstore.NewMemoryStore(), nil
		}
		return vectorstore.NewMongoStore(mongoDB, cfg.VectorStore), nil
	case "elasticsearch":
		client, err := es.NewClient(cfg.Elasticsearch)
		if err != nil {
			return nil, fmt.Errorf("初始化 Elasticsearch 失败: %w", err)
		}
		return vectorstore.NewESStore(client, cfg.Embedding.Dimensions, cfg.VectorStore), nil
	case "memory":
		return vectorstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown vector store backend %q", cfg.VectorStore.Backend)
	}
}

// startConsumer 在后台启动队列消费者，返回一个等待其退出的函数。
func (a *app) startConsumer(ctx context.Context) func() {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.queue.Start(ctx, a.processor); err != nil && ctx.Err() == nil {
			log.Errorf("[App] 任务消费者退出: %v", err)
		}
	}()
	return func() {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			log.Warn("[App] 等待任务消费者退出超时")
		}
	}
}

// close 按创建的逆序释放资源。
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
