// Package pipeline 定义了文档后台处理的核心流程。
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"abroad-docs-go/internal/chunker"
	"abroad-docs-go/internal/config"
	"abroad-docs-go/internal/extractor"
	"abroad-docs-go/internal/model"
	"abroad-docs-go/internal/repository"
	"abroad-docs-go/internal/vectorstore"
	"abroad-docs-go/pkg/apperr"
	"abroad-docs-go/pkg/embedding"
	"abroad-docs-go/pkg/log"
	"abroad-docs-go/pkg/ocr"
	"abroad-docs-go/pkg/storage"
	"abroad-docs-go/pkg/tasks"
)

// errCancelled 表示处理被中止：文档已删除时静默结束，否则按中断记为失败。
var errCancelled = errors.New("processing cancelled")

// Processor 封装了文档处理的所有依赖和逻辑。
type Processor struct {
	docs       repository.DocumentRepository
	jobs       repository.JobRepository
	progress   repository.ProgressRepository
	objects    storage.ObjectStore
	extractors *extractor.Registry
	ocr        ocr.Provider
	embedder   *embedding.Generator
	store      vectorstore.Store
	chunking   config.ChunkingConfig
	ocrLang    string
	cancels    *CancelRegistry
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(
	docs repository.DocumentRepository,
	jobs repository.JobRepository,
	progress repository.ProgressRepository,
	objects storage.ObjectStore,
	extractors *extractor.Registry,
	ocrProvider ocr.Provider,
	embedder *embedding.Generator,
	store vectorstore.Store,
	chunking config.ChunkingConfig,
	ocrLang string,
	cancels *CancelRegistry,
) *Processor {
	if ocrProvider == nil {
		ocrProvider = ocr.Disabled{}
	}
	if cancels == nil {
		cancels = NewCancelRegistry()
	}
	return &Processor{
		docs:       docs,
		jobs:       jobs,
		progress:   progress,
		objects:    objects,
		extractors: extractors,
		ocr:        ocrProvider,
		embedder:   embedder,
		store:      store,
		chunking:   chunking,
		ocrLang:    ocrLang,
		cancels:    cancels,
	}
}

// Cancels 返回处理器使用的取消登记表，删除文档时通过它中断处理。
func (p *Processor) Cancels() *CancelRegistry {
	return p.cancels
}

// stageError 记录失败发生在哪个阶段。
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return fmt.Sprintf("%s: %v", e.stage, e.err) }
func (e *stageError) Unwrap() error { return e.err }

func fail(stage string, err error) error {
	return &stageError{stage: stage, err: err}
}

// Process 是文档处理的主函数。失败会记录到文档与任务台账，不会重试。
func (p *Processor) Process(ctx context.Context, task tasks.DocumentProcessingTask) error {
	log.Infof("[Processor] 开始处理文档, TrackingID: %s, FileName: %s, OwnerID: %s", task.TrackingID, task.FileName, task.OwnerID)

	ctx, release := p.cancels.Register(ctx, task.TrackingID)
	defer release()

	started, err := p.jobs.MarkRunning(ctx, task.JobID)
	if err != nil {
		log.Warnf("[Processor] 更新任务台账失败, JobID: %s, Error: %v", task.JobID, err)
	} else if !started {
		if cancelled, _ := p.jobs.IsCancelled(ctx, task.JobID); cancelled {
			log.Infof("[Processor] 任务已被取消, 跳过处理, TrackingID: %s", task.TrackingID)
			return nil
		}
	}

	result, err := p.run(ctx, task)
	// 后续的台账写入不受取消影响
	bg := context.WithoutCancel(ctx)
	if err == nil {
		if err := p.jobs.Finish(bg, task.JobID, model.JobSucceeded, model.StageStorage, ""); err != nil {
			log.Warnf("[Processor] 更新任务台账失败, JobID: %s, Error: %v", task.JobID, err)
		}
		_ = p.progress.Delete(bg, task.TrackingID)
		log.Infof("[Processor] 文档处理成功完成, TrackingID: %s, 分块数: %d", task.TrackingID, result.ChunkCount)
		return nil
	}

	if errors.Is(err, errCancelled) || ctx.Err() != nil {
		// 进程退出也会取消 ctx，只有文档确实不存在时才按删除处理
		if alive, _ := p.docs.Exists(bg, task.OwnerID, task.TrackingID); !alive {
			log.Infof("[Processor] 文档已被删除, 处理中止, TrackingID: %s", task.TrackingID)
			_ = p.jobs.Finish(bg, task.JobID, model.JobCancelled, "", "document deleted")
			_ = p.progress.Delete(bg, task.TrackingID)
			return nil
		}
		if errors.Is(err, errCancelled) {
			err = fail(model.StageQueue, fmt.Errorf("processing interrupted: %v", ctx.Err()))
		}
	}

	stage := model.StageStorage
	var se *stageError
	if errors.As(err, &se) {
		stage = se.stage
	}
	log.Errorf("[Processor] 文档处理失败, TrackingID: %s, Stage: %s, Error: %v", task.TrackingID, stage, err)
	entry := model.ErrorEntry{Stage: stage, Message: err.Error(), Timestamp: time.Now()}
	if se != nil {
		entry.Message = se.err.Error()
	}
	if mErr := p.docs.MarkFailed(bg, task.OwnerID, task.TrackingID, entry); mErr != nil && !errors.Is(mErr, repository.ErrNotFound) {
		log.Errorf("[Processor] 记录失败状态失败, TrackingID: %s, Error: %v", task.TrackingID, mErr)
	}
	if fErr := p.jobs.Finish(bg, task.JobID, model.JobFailed, stage, entry.Message); fErr != nil {
		log.Warnf("[Processor] 更新任务台账失败, JobID: %s, Error: %v", task.JobID, fErr)
	}
	return err
}

func (p *Processor) run(ctx context.Context, task tasks.DocumentProcessingTask) (*model.ProcessingResult, error) {
	doc, err := p.docs.FindByTrackingID(ctx, task.OwnerID, task.TrackingID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, errCancelled
	}
	if err != nil {
		return nil, fail(model.StageQueue, err)
	}
	if err := p.docs.UpdateStatus(ctx, doc.OwnerID, doc.TrackingID, model.StatusProcessing); err != nil {
		return nil, fail(model.StageQueue, err)
	}
	p.setStage(ctx, task.JobID, model.StageDownload)

	// 1. 从对象存储下载原始文件
	data, err := p.objects.Get(ctx, task.ObjectName)
	if err != nil {
		return nil, fail(model.StageDownload, fmt.Errorf("从对象存储下载文件失败: %w", err))
	}
	log.Infof("[Processor] 步骤1: 文件下载成功, 大小: %d字节", len(data))

	// 2. 提取文本，必要时走 OCR
	p.setStage(ctx, task.JobID, model.StageExtraction)
	text, res, err := p.extractText(ctx, doc, data)
	if err != nil {
		return nil, err
	}
	text = chunker.Normalize(text)
	if strings.TrimSpace(text) == "" {
		return nil, fail(model.StageExtraction, apperr.EmptyContent("no text could be extracted from %s", doc.FileName))
	}
	log.Infof("[Processor] 步骤2: 文本提取成功, 内容长度: %d 字符, OCR: %t", utf8.RuneCountInString(text), res.UsedOCR)

	// 3. 文本切块
	p.setStage(ctx, task.JobID, model.StageChunking)
	ck, err := chunker.New(p.chunkConfig(doc.Options))
	if err != nil {
		return nil, fail(model.StageChunking, err)
	}
	pieces := ck.Split(text)
	if len(pieces) == 0 {
		return nil, fail(model.StageChunking, apperr.EmptyContent("chunker produced no chunks"))
	}
	log.Infof("[Processor] 步骤3: 文本分块完成, 共生成 %d 个分块", len(pieces))

	// 4. 向量化
	var vectors [][]float32
	if !doc.Options.SkipEmbedding {
		p.setStage(ctx, task.JobID, model.StageEmbedding)
		texts := make([]string, len(pieces))
		for i, c := range pieces {
			texts[i] = c.Content
		}
		emb, err := p.embedder.Generate(ctx, texts, func(fraction float64) {
			if err := p.progress.Set(ctx, task.TrackingID, fraction); err != nil {
				log.Warnf("[Processor] 写入进度失败, TrackingID: %s, Error: %v", task.TrackingID, err)
			}
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, errCancelled
			}
			return nil, fail(model.StageEmbedding, err)
		}
		vectors = emb.Vectors
		res.EmbeddingModel = emb.Model
		res.Dimensions = emb.Dimensions
		res.EstimatedCost = emb.EstimatedCost
		log.Infof("[Processor] 步骤4: 向量化完成, 模型: %s, 维度: %d, tokens: %d", emb.Model, emb.Dimensions, emb.Tokens)
	}

	// 5. 写入向量存储
	p.setStage(ctx, task.JobID, model.StageStorage)
	chunks := buildChunks(doc, pieces, vectors, res.EmbeddingModel)
	if err := p.checkAlive(ctx, doc); err != nil {
		return nil, err
	}
	// 重新处理同一文档时先清理旧分块
	if _, err := p.store.DeleteByTrackingID(ctx, doc.OwnerID, doc.TrackingID); err != nil {
		return nil, fail(model.StageStorage, err)
	}
	if err := p.store.InsertChunks(ctx, doc.OwnerID, chunks); err != nil {
		return nil, fail(model.StageStorage, err)
	}
	// 写入期间文档可能被删除，此时回收刚写入的分块
	if err := p.checkAlive(context.WithoutCancel(ctx), doc); err != nil {
		if _, delErr := p.store.DeleteByTrackingID(context.WithoutCancel(ctx), doc.OwnerID, doc.TrackingID); delErr != nil {
			log.Errorf("[Processor] 清理孤立分块失败, TrackingID: %s, Error: %v", doc.TrackingID, delErr)
		}
		return nil, err
	}

	res.ChunkCount = len(chunks)
	if err := p.docs.MarkCompleted(ctx, doc.OwnerID, doc.TrackingID, *res); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			_, _ = p.store.DeleteByTrackingID(context.WithoutCancel(ctx), doc.OwnerID, doc.TrackingID)
			return nil, errCancelled
		}
		return nil, fail(model.StageStorage, err)
	}
	return res, nil
}

// extractText 运行提取器，文本过少时调用 OCR。OCR 失败但已有文本时保留原文本。
func (p *Processor) extractText(ctx context.Context, doc *model.Document, data []byte) (string, *model.ProcessingResult, error) {
	res := &model.ProcessingResult{}
	extracted, err := p.extractors.Extract(ctx, doc.DocType, data, doc.FileName)
	if err != nil {
		return "", nil, fail(model.StageExtraction, err)
	}
	res.PageCount = extracted.PageCount
	text := extracted.Text
	if !extracted.NeedsOCR || doc.Options.SkipOCR {
		return text, res, nil
	}

	lang := doc.Options.OCRLanguage
	if lang == "" {
		lang = p.ocrLang
	}
	log.Infof("[Processor] 提取文本不足, 调用 OCR, provider: %s, language: %s", p.ocr.Name(), lang)
	ocrRes, err := p.ocr.Recognize(ctx, data, doc.MimeType, lang)
	if err != nil {
		if strings.TrimSpace(text) != "" {
			log.Warnf("[Processor] OCR 失败, 保留已提取的文本, TrackingID: %s, Error: %v", doc.TrackingID, err)
			return text, res, nil
		}
		if apperr.IsKind(err, apperr.KindUnsupported) {
			return "", nil, fail(model.StageOCR, apperr.EmptyContent("no text could be extracted from %s and ocr is unavailable", doc.FileName))
		}
		return "", nil, fail(model.StageOCR, err)
	}
	if utf8.RuneCountInString(strings.TrimSpace(ocrRes.Text)) > utf8.RuneCountInString(strings.TrimSpace(text)) {
		text = ocrRes.Text
		res.UsedOCR = true
		res.OCRConfidence = ocrRes.Confidence
	}
	return text, res, nil
}

func (p *Processor) chunkConfig(opts model.ProcessingOptions) chunker.Config {
	return ApplyChunkOptions(BaseChunkConfig(p.chunking), opts)
}

// BaseChunkConfig 把配置文件中的分块参数转成 chunker.Config，未配置时使用默认值。
func BaseChunkConfig(c config.ChunkingConfig) chunker.Config {
	if c.ChunkSize <= 0 {
		return chunker.DefaultConfig()
	}
	return chunker.Config{
		Strategy:     chunker.Strategy(c.Strategy),
		ChunkSize:    c.ChunkSize,
		ChunkOverlap: c.ChunkOverlap,
		MinChunkSize: c.MinChunkSize,
		MaxChunkSize: c.MaxChunkSize,
	}
}

// ApplyChunkOptions 用单次上传的参数覆盖默认分块配置。
func ApplyChunkOptions(cfg chunker.Config, opts model.ProcessingOptions) chunker.Config {
	if opts.ChunkStrategy != "" {
		cfg.Strategy = chunker.Strategy(opts.ChunkStrategy)
	}
	if opts.ChunkSize > 0 {
		cfg.ChunkSize = opts.ChunkSize
		if cfg.MaxChunkSize < cfg.ChunkSize {
			cfg.MaxChunkSize = cfg.ChunkSize
		}
		if cfg.MinChunkSize > cfg.ChunkSize {
			cfg.MinChunkSize = cfg.ChunkSize
		}
	}
	if opts.ChunkOverlap > 0 {
		cfg.ChunkOverlap = opts.ChunkOverlap
	}
	if opts.ChunkSize > 0 && opts.ChunkOverlap == 0 && cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 5
	}
	return cfg
}

func (p *Processor) checkAlive(ctx context.Context, doc *model.Document) error {
	if ctx.Err() != nil {
		return errCancelled
	}
	ok, err := p.docs.Exists(ctx, doc.OwnerID, doc.TrackingID)
	if err != nil {
		return fail(model.StageStorage, err)
	}
	if !ok {
		return errCancelled
	}
	return nil
}

func (p *Processor) setStage(ctx context.Context, jobID, stage string) {
	if err := p.jobs.UpdateStage(ctx, jobID, stage); err != nil {
		log.Warnf("[Processor] 更新任务阶段失败, JobID: %s, Stage: %s, Error: %v", jobID, stage, err)
	}
}

func buildChunks(doc *model.Document, pieces []chunker.Chunk, vectors [][]float32, embeddingModel string) []model.Chunk {
	now := time.Now()
	chunks := make([]model.Chunk, len(pieces))
	for i, c := range pieces {
		sum := sha256.Sum256([]byte(c.Content))
		chunks[i] = model.Chunk{
			ChunkID:     model.ChunkID(doc.TrackingID, c.Index),
			OwnerID:     doc.OwnerID,
			TrackingID:  doc.TrackingID,
			Content:     c.Content,
			ContentHash: hex.EncodeToString(sum[:]),
			Position:    model.ChunkPosition{Index: c.Index, StartChar: c.StartChar, EndChar: c.EndChar},
			Tags:        append([]string{}, doc.Tags...),
			Quality:     chunker.QualityScore(c.Content),
			CreatedAt:   now,
		}
		if vectors != nil {
			chunks[i].Embedding = vectors[i]
			chunks[i].EmbeddingModel = embeddingModel
		}
	}
	return chunks
}
