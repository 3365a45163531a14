// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"abroad-docs-go/internal/config"
	"abroad-docs-go/internal/extractor"
	"abroad-docs-go/internal/model"
	"abroad-docs-go/internal/pipeline"
	"abroad-docs-go/internal/repository"
	"abroad-docs-go/internal/vectorstore"
	"abroad-docs-go/pkg/apperr"
	"abroad-docs-go/pkg/log"
	"abroad-docs-go/pkg/storage"
	"abroad-docs-go/pkg/tasks"
)

// UploadRequest 是一次文件上传。
type UploadRequest struct {
	OwnerID     string
	FileName    string
	Data        []byte
	Title       string
	Description string
	Tags        []string
	Options     model.ProcessingOptions
}

// UploadResult 是上传的返回值。Duplicate 为 true 时 Document 是已存在的文档，不会重新处理。
type UploadResult struct {
	Document  *model.Document
	Duplicate bool
}

// UploadService 接口定义了文件接收与入队相关的业务操作。
type UploadService interface {
	Upload(ctx context.Context, req UploadRequest) (*UploadResult, error)
	SupportedTypes() []string
}

type uploadService struct {
	docs       repository.DocumentRepository
	jobs       repository.JobRepository
	objects    storage.ObjectStore
	queue      tasks.Queue
	extractors *extractor.Registry
	chunking   config.ChunkingConfig
	maxBytes   int64
}

// NewUploadService 创建一个新的 UploadService 实例。
func NewUploadService(
	docs repository.DocumentRepository,
	jobs repository.JobRepository,
	objects storage.ObjectStore,
	queue tasks.Queue,
	extractors *extractor.Registry,
	chunking config.ChunkingConfig,
	uploadCfg config.UploadConfig,
) UploadService {
	maxMB := uploadCfg.MaxFileSizeMB
	if maxMB <= 0 {
		maxMB = 20
	}
	return &uploadService{
		docs:       docs,
		jobs:       jobs,
		objects:    objects,
		queue:      queue,
		extractors: extractors,
		chunking:   chunking,
		maxBytes:   int64(maxMB) << 20,
	}
}

func (s *uploadService) SupportedTypes() []string {
	return s.extractors.SupportedTypes()
}

// Upload 校验并保存文件，按内容哈希去重，然后投递后台处理任务。
func (s *uploadService) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if strings.TrimSpace(req.OwnerID) == "" {
		return nil, apperr.Validation("owner is required")
	}
	fileName := filepath.Base(strings.TrimSpace(req.FileName))
	if fileName == "" || fileName == "." || fileName == "/" {
		return nil, apperr.Validation("file name is required")
	}
	if len(req.Data) == 0 {
		return nil, apperr.Validation("file %s is empty", fileName)
	}
	if int64(len(req.Data)) > s.maxBytes {
		return nil, apperr.Validation("file %s exceeds the %d MB limit", fileName, s.maxBytes>>20)
	}
	if err := s.validateOptions(req.Options); err != nil {
		return nil, err
	}

	mimeType, docType := extractor.Detect(req.Data, fileName)
	if !s.extractors.Supports(docType) {
		return nil, apperr.UnsupportedType(string(docType))
	}

	sum := sha256.Sum256(req.Data)
	hash := hex.EncodeToString(sum[:])

	// 1. 按内容哈希去重，已存在则直接返回；处理失败的文档由重新上传触发重试
	existing, err := s.docs.FindByHash(ctx, req.OwnerID, hash)
	if err == nil {
		if existing.Status == model.StatusFailed {
			return s.retry(ctx, existing, req)
		}
		log.Infof("[UploadService] 文件已存在, 跳过处理, OwnerID: %s, TrackingID: %s", req.OwnerID, existing.TrackingID)
		return &UploadResult{Document: existing, Duplicate: true}, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("查询重复文件失败: %w", err)
	}

	// 2. 保存原始文件
	objectName := fmt.Sprintf("documents/%s/%s", vectorstore.PartitionName(req.OwnerID), hash)
	if err := s.objects.Put(ctx, objectName, req.Data, mimeType); err != nil {
		return nil, fmt.Errorf("保存原始文件失败: %w", err)
	}

	// 3. 写入文档元数据
	now := time.Now()
	doc := &model.Document{
		TrackingID:  uuid.NewString(),
		OwnerID:     req.OwnerID,
		FileName:    fileName,
		Title:       strings.TrimSpace(req.Title),
		Description: strings.TrimSpace(req.Description),
		ContentHash: hash,
		MimeType:    mimeType,
		DocType:     docType,
		Size:        int64(len(req.Data)),
		ObjectName:  objectName,
		Tags:        NormalizeTags(req.Tags),
		Options:     req.Options,
		Status:      model.StatusPending,
		Errors:      []model.ErrorEntry{},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.docs.Create(ctx, doc); err != nil {
		return nil, fmt.Errorf("保存文档元数据失败: %w", err)
	}

	// 4. 登记任务并投递
	if err := s.enqueue(ctx, doc, now); err != nil {
		return nil, err
	}

	log.Infof("[UploadService] 文件已接收, OwnerID: %s, TrackingID: %s, Type: %s, Size: %d", doc.OwnerID, doc.TrackingID, docType, doc.Size)
	return &UploadResult{Document: doc}, nil
}

// retry 把 failed 文档重置为 pending 并重新投递，沿用原 trackingId。
func (s *uploadService) retry(ctx context.Context, doc *model.Document, req UploadRequest) (*UploadResult, error) {
	// 入队失败时原始文件可能已被清理，重新写入一次
	if err := s.objects.Put(ctx, doc.ObjectName, req.Data, doc.MimeType); err != nil {
		return nil, fmt.Errorf("保存原始文件失败: %w", err)
	}
	if err := s.docs.Requeue(ctx, doc.OwnerID, doc.TrackingID, req.Options); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			// 并发的另一次上传已经触发了重试
			current, findErr := s.docs.FindByTrackingID(ctx, doc.OwnerID, doc.TrackingID)
			if findErr != nil {
				return nil, fmt.Errorf("查询重复文件失败: %w", findErr)
			}
			return &UploadResult{Document: current, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("重置文档状态失败: %w", err)
	}
	now := time.Now()
	doc.Status = model.StatusPending
	doc.Options = req.Options
	doc.ProcessedAt = nil
	doc.UpdatedAt = now
	if err := s.enqueue(ctx, doc, now); err != nil {
		return nil, err
	}
	log.Infof("[UploadService] 重新上传失败文档, 已重新投递, OwnerID: %s, TrackingID: %s", doc.OwnerID, doc.TrackingID)
	return &UploadResult{Document: doc}, nil
}

// enqueue 登记任务台账并投递处理任务。投递失败时文档被标记为 failed。
func (s *uploadService) enqueue(ctx context.Context, doc *model.Document, now time.Time) error {
	job := &model.ProcessingJob{
		ID:         uuid.NewString(),
		TrackingID: doc.TrackingID,
		OwnerID:    doc.OwnerID,
		State:      model.JobQueued,
		Stage:      model.StageQueue,
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		log.Warnf("[UploadService] 写入任务台账失败, TrackingID: %s, Error: %v", doc.TrackingID, err)
	}
	task := tasks.DocumentProcessingTask{
		JobID:      job.ID,
		TrackingID: doc.TrackingID,
		OwnerID:    doc.OwnerID,
		ObjectName: doc.ObjectName,
		FileName:   doc.FileName,
		EnqueuedAt: now,
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		log.Errorf("[UploadService] 投递处理任务失败, TrackingID: %s, Error: %v", doc.TrackingID, err)
		entry := model.ErrorEntry{Stage: model.StageQueue, Message: err.Error(), Timestamp: time.Now()}
		_ = s.docs.MarkFailed(ctx, doc.OwnerID, doc.TrackingID, entry)
		_ = s.jobs.Finish(ctx, job.ID, model.JobFailed, model.StageQueue, err.Error())
		return fmt.Errorf("投递处理任务失败: %w", err)
	}
	return nil
}

func (s *uploadService) validateOptions(opts model.ProcessingOptions) error {
	if opts.ChunkSize < 0 || opts.ChunkOverlap < 0 {
		return apperr.Validation("chunkSize and chunkOverlap must not be negative")
	}
	return pipeline.ApplyChunkOptions(pipeline.BaseChunkConfig(s.chunking), opts).Validate()
}

// NormalizeTags 去掉空白和重复的标签，保持原有顺序。
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
