package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"abroad-docs-go/internal/model"
	"abroad-docs-go/internal/pipeline"
	"abroad-docs-go/internal/repository"
	"abroad-docs-go/internal/vectorstore"
	"abroad-docs-go/pkg/apperr"
	"abroad-docs-go/pkg/log"
	"abroad-docs-go/pkg/storage"
)

const downloadURLExpiry = 15 * time.Minute

// StatusDTO 是文档处理状态，Progress 取值 0~1。
type StatusDTO struct {
	TrackingID string                 `json:"trackingId"`
	Status     model.ProcessingStatus `json:"status"`
	Progress   float64                `json:"progress"`
	ChunkCount int                    `json:"chunkCount"`
	Errors     []model.ErrorEntry     `json:"errors"`
	UpdatedAt  time.Time              `json:"updatedAt"`
}

// DownloadInfoDTO 封装了文件下载链接所需的信息。
type DownloadInfoDTO struct {
	FileName    string    `json:"fileName"`
	DownloadURL string    `json:"url"`
	FileSize    int64     `json:"fileSize"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// DocumentPage 是一页文档列表。
type DocumentPage struct {
	Documents  []model.Document `json:"documents"`
	Total      int64            `json:"total"`
	HasMore    bool             `json:"hasMore"`
	NextOffset *int             `json:"nextOffset,omitempty"`
}

// DocumentService 接口定义了文档管理相关的业务操作。
type DocumentService interface {
	Get(ctx context.Context, ownerID, trackingID string) (*model.Document, error)
	List(ctx context.Context, ownerID string, filter model.DocumentFilter) (*DocumentPage, error)
	UpdateTags(ctx context.Context, ownerID, trackingID string, tags []string) (*model.Document, error)
	Delete(ctx context.Context, ownerID, trackingID string) error
	Status(ctx context.Context, ownerID, trackingID string) (*StatusDTO, error)
	DownloadURL(ctx context.Context, ownerID, trackingID string) (*DownloadInfoDTO, error)
}

type documentService struct {
	docs     repository.DocumentRepository
	jobs     repository.JobRepository
	progress repository.ProgressRepository
	objects  storage.ObjectStore
	store    vectorstore.Store
	cancels  *pipeline.CancelRegistry
	maxLimit int
}

// NewDocumentService 创建一个新的 DocumentService 实例。
func NewDocumentService(
	docs repository.DocumentRepository,
	jobs repository.JobRepository,
	progress repository.ProgressRepository,
	objects storage.ObjectStore,
	store vectorstore.Store,
	cancels *pipeline.CancelRegistry,
	maxLimit int,
) DocumentService {
	if maxLimit <= 0 {
		maxLimit = 100
	}
	return &documentService{
		docs:     docs,
		jobs:     jobs,
		progress: progress,
		objects:  objects,
		store:    store,
		cancels:  cancels,
		maxLimit: maxLimit,
	}
}

func notFound(err error, trackingID string) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFound("document %s not found", trackingID)
	}
	return err
}

func (s *documentService) Get(ctx context.Context, ownerID, trackingID string) (*model.Document, error) {
	doc, err := s.docs.FindByTrackingID(ctx, ownerID, trackingID)
	if err != nil {
		return nil, notFound(err, trackingID)
	}
	return doc, nil
}

func (s *documentService) List(ctx context.Context, ownerID string, filter model.DocumentFilter) (*DocumentPage, error) {
	if filter.Offset < 0 || filter.Limit < 0 {
		return nil, apperr.Validation("offset and limit must not be negative")
	}
	if filter.Limit == 0 {
		filter.Limit = 20
	}
	if filter.Limit > s.maxLimit {
		filter.Limit = s.maxLimit
	}
	docs, total, err := s.docs.List(ctx, ownerID, filter)
	if err != nil {
		return nil, fmt.Errorf("查询文档列表失败: %w", err)
	}
	if docs == nil {
		docs = []model.Document{}
	}
	page := &DocumentPage{Documents: docs, Total: total}
	if next := filter.Offset + len(docs); int64(next) < total {
		page.HasMore = true
		page.NextOffset = &next
	}
	return page, nil
}

// UpdateTags 更新文档标签，并同步到该文档的所有分块，使检索时的标签过滤保持一致。
func (s *documentService) UpdateTags(ctx context.Context, ownerID, trackingID string, tags []string) (*model.Document, error) {
	tags = NormalizeTags(tags)
	if err := s.docs.UpdateTags(ctx, ownerID, trackingID, tags); err != nil {
		return nil, notFound(err, trackingID)
	}
	if err := s.store.UpdateTags(ctx, ownerID, trackingID, tags); err != nil {
		return nil, fmt.Errorf("同步分块标签失败: %w", err)
	}
	return s.Get(ctx, ownerID, trackingID)
}

// Delete 取消进行中的处理，然后依次删除分块、原始文件和元数据。
func (s *documentService) Delete(ctx context.Context, ownerID, trackingID string) error {
	doc, err := s.docs.FindByTrackingID(ctx, ownerID, trackingID)
	if err != nil {
		return notFound(err, trackingID)
	}
	log.Infof("[DocumentService] 开始删除文档, OwnerID: %s, TrackingID: %s, Status: %s", ownerID, trackingID, doc.Status)

	if n, err := s.jobs.CancelActive(ctx, trackingID); err != nil {
		log.Warnf("[DocumentService] 取消处理任务失败, TrackingID: %s, Error: %v", trackingID, err)
	} else if n > 0 {
		log.Infof("[DocumentService] 已取消 %d 个处理任务, TrackingID: %s", n, trackingID)
	}
	if s.cancels != nil {
		s.cancels.Cancel(trackingID)
	}

	// 先删元数据，正在运行的处理器在写入分块前后都会检查文档是否存在
	if err := s.docs.Delete(ctx, ownerID, trackingID); err != nil {
		return notFound(err, trackingID)
	}
	removed, err := s.store.DeleteByTrackingID(ctx, ownerID, trackingID)
	if err != nil {
		return fmt.Errorf("删除分块失败: %w", err)
	}
	if err := s.objects.Remove(ctx, doc.ObjectName); err != nil {
		log.Warnf("[DocumentService] 删除原始文件失败, Object: %s, Error: %v", doc.ObjectName, err)
	}
	if err := s.progress.Delete(ctx, trackingID); err != nil {
		log.Warnf("[DocumentService] 清理进度失败, TrackingID: %s, Error: %v", trackingID, err)
	}
	log.Infof("[DocumentService] 文档删除完成, TrackingID: %s, 删除分块: %d", trackingID, removed)
	return nil
}

func (s *documentService) Status(ctx context.Context, ownerID, trackingID string) (*StatusDTO, error) {
	doc, err := s.docs.FindByTrackingID(ctx, ownerID, trackingID)
	if err != nil {
		return nil, notFound(err, trackingID)
	}
	dto := &StatusDTO{
		TrackingID: doc.TrackingID,
		Status:     doc.Status,
		ChunkCount: doc.ChunkCount,
		Errors:     doc.Errors,
		UpdatedAt:  doc.UpdatedAt,
	}
	if dto.Errors == nil {
		dto.Errors = []model.ErrorEntry{}
	}
	switch doc.Status {
	case model.StatusCompleted:
		dto.Progress = 1
	case model.StatusProcessing, model.StatusFailed:
		p, ok, err := s.progress.Get(ctx, trackingID)
		if err != nil {
			log.Warnf("[DocumentService] 读取进度失败, TrackingID: %s, Error: %v", trackingID, err)
		} else if ok {
			dto.Progress = p
		}
	}
	return dto, nil
}

func (s *documentService) DownloadURL(ctx context.Context, ownerID, trackingID string) (*DownloadInfoDTO, error) {
	doc, err := s.docs.FindByTrackingID(ctx, ownerID, trackingID)
	if err != nil {
		return nil, notFound(err, trackingID)
	}
	url, err := s.objects.PresignedURL(ctx, doc.ObjectName, downloadURLExpiry)
	if err != nil {
		return nil, err
	}
	return &DownloadInfoDTO{
		FileName:    doc.FileName,
		DownloadURL: url,
		FileSize:    doc.Size,
		ExpiresAt:   time.Now().Add(downloadURLExpiry),
	}, nil
}
