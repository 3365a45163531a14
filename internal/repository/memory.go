package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"abroad-docs-go/internal/model"
)

// MemoryDocumentRepository 是进程内实现，用于未配置 MongoDB 的单机模式和测试。
type MemoryDocumentRepository struct {
	mu   sync.RWMutex
	docs map[string]*model.Document
}

func NewMemoryDocumentRepository() *MemoryDocumentRepository {
	return &MemoryDocumentRepository{docs: make(map[string]*model.Document)}
}

func cloneDocument(d *model.Document) *model.Document {
	c := *d
	c.Tags = append([]string{}, d.Tags...)
	c.Errors = append([]model.ErrorEntry{}, d.Errors...)
	return &c
}

func (r *MemoryDocumentRepository) get(ownerID, trackingID string) (*model.Document, bool) {
	d, ok := r.docs[trackingID]
	if !ok || d.OwnerID != ownerID {
		return nil, false
	}
	return d, true
}

func (r *MemoryDocumentRepository) Create(_ context.Context, doc *model.Document) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if doc.ID.IsZero() {
		doc.ID = primitive.NewObjectID()
	}
	r.docs[doc.TrackingID] = cloneDocument(doc)
	return nil
}

func (r *MemoryDocumentRepository) FindByTrackingID(_ context.Context, ownerID, trackingID string) (*model.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.get(ownerID, trackingID)
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDocument(d), nil
}

func (r *MemoryDocumentRepository) FindByHash(_ context.Context, ownerID, contentHash string) (*model.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.docs {
		if d.OwnerID == ownerID && d.ContentHash == contentHash {
			return cloneDocument(d), nil
		}
	}
	return nil, ErrNotFound
}

func (r *MemoryDocumentRepository) FindByTrackingIDs(_ context.Context, ownerID string, trackingIDs []string) ([]model.Document, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []model.Document
	for _, id := range trackingIDs {
		if d, ok := r.get(ownerID, id); ok {
			out = append(out, *cloneDocument(d))
		}
	}
	return out, nil
}

func (r *MemoryDocumentRepository) List(_ context.Context, ownerID string, f model.DocumentFilter) ([]model.Document, int64, error) {
	r.mu.RLock()
	var matched []model.Document
	for _, d := range r.docs {
		if d.OwnerID == ownerID && matchesDocument(d, f) {
			matched = append(matched, *cloneDocument(d))
		}
	}
	r.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })
	total := int64(len(matched))
	if f.Offset >= len(matched) {
		return []model.Document{}, total, nil
	}
	matched = matched[f.Offset:]
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[:f.Limit]
	}
	return matched, total, nil
}

func matchesDocument(d *model.Document, f model.DocumentFilter) bool {
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.DocType != "" && d.DocType != f.DocType {
		return false
	}
	if len(f.Tags) > 0 {
		found := false
		for _, t := range f.Tags {
			for _, dt := range d.Tags {
				if t == dt {
					found = true
				}
			}
		}
		if !found {
			return false
		}
	}
	if f.From != nil && d.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && d.CreatedAt.After(*f.To) {
		return false
	}
	return true
}

func (r *MemoryDocumentRepository) Exists(_ context.Context, ownerID, trackingID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.get(ownerID, trackingID)
	return ok, nil
}

func (r *MemoryDocumentRepository) mutate(ownerID, trackingID string, fn func(d *model.Document)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.get(ownerID, trackingID)
	if !ok {
		return ErrNotFound
	}
	fn(d)
	d.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryDocumentRepository) UpdateStatus(_ context.Context, ownerID, trackingID string, status model.ProcessingStatus) error {
	return r.mutate(ownerID, trackingID, func(d *model.Document) { d.Status = status })
}

func (r *MemoryDocumentRepository) MarkFailed(_ context.Context, ownerID, trackingID string, entry model.ErrorEntry) error {
	return r.mutate(ownerID, trackingID, func(d *model.Document) {
		now := time.Now()
		d.Status = model.StatusFailed
		d.Errors = append(d.Errors, entry)
		d.ProcessedAt = &now
	})
}

func (r *MemoryDocumentRepository) MarkCompleted(_ context.Context, ownerID, trackingID string, res model.ProcessingResult) error {
	return r.mutate(ownerID, trackingID, func(d *model.Document) {
		now := time.Now()
		d.Status = model.StatusCompleted
		d.ChunkCount = res.ChunkCount
		d.UsedOCR = res.UsedOCR
		d.OCRConfidence = res.OCRConfidence
		d.PageCount = res.PageCount
		d.EmbeddingModel = res.EmbeddingModel
		d.Dimensions = res.Dimensions
		d.EstimatedCost = res.EstimatedCost
		d.ProcessedAt = &now
	})
}

func (r *MemoryDocumentRepository) Requeue(_ context.Context, ownerID, trackingID string, opts model.ProcessingOptions) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.get(ownerID, trackingID)
	if !ok || d.Status != model.StatusFailed {
		return ErrNotFound
	}
	d.Status = model.StatusPending
	d.Options = opts
	d.ProcessedAt = nil
	d.UpdatedAt = time.Now()
	return nil
}

func (r *MemoryDocumentRepository) UpdateTags(_ context.Context, ownerID, trackingID string, tags []string) error {
	return r.mutate(ownerID, trackingID, func(d *model.Document) { d.Tags = append([]string{}, tags...) })
}

func (r *MemoryDocumentRepository) Delete(_ context.Context, ownerID, trackingID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.get(ownerID, trackingID); !ok {
		return ErrNotFound
	}
	delete(r.docs, trackingID)
	return nil
}

// MemoryJobRepository 是任务台账的进程内实现，未配置 MySQL 时使用。
type MemoryJobRepository struct {
	mu   sync.Mutex
	jobs map[string]*model.ProcessingJob
}

func NewMemoryJobRepository() *MemoryJobRepository {
	return &MemoryJobRepository{jobs: make(map[string]*model.ProcessingJob)}
}

func (r *MemoryJobRepository) Create(_ context.Context, job *model.ProcessingJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if job.State == "" {
		job.State = model.JobQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	c := *job
	r.jobs[job.ID] = &c
	return nil
}

func (r *MemoryJobRepository) MarkRunning(_ context.Context, jobID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok || j.State != model.JobQueued {
		return false, nil
	}
	now := time.Now()
	j.State = model.JobRunning
	j.StartedAt = &now
	return true, nil
}

func (r *MemoryJobRepository) UpdateStage(_ context.Context, jobID, stage string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[jobID]; ok {
		j.Stage = stage
	}
	return nil
}

func (r *MemoryJobRepository) Finish(_ context.Context, jobID string, state model.JobState, stage, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok || (j.State != model.JobQueued && j.State != model.JobRunning) {
		return nil
	}
	now := time.Now()
	j.State, j.Stage, j.ErrorMessage, j.FinishedAt = state, stage, errMsg, &now
	return nil
}

func (r *MemoryJobRepository) CancelActive(_ context.Context, trackingID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	now := time.Now()
	for _, j := range r.jobs {
		if j.TrackingID == trackingID && (j.State == model.JobQueued || j.State == model.JobRunning) {
			j.State = model.JobCancelled
			j.FinishedAt = &now
			n++
		}
	}
	return n, nil
}

func (r *MemoryJobRepository) IsCancelled(_ context.Context, jobID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	return ok && j.State == model.JobCancelled, nil
}

func (r *MemoryJobRepository) ListByTrackingID(_ context.Context, trackingID string) ([]model.ProcessingJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ProcessingJob
	for _, j := range r.jobs {
		if j.TrackingID == trackingID {
			out = append(out, *j)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.After(out[k].CreatedAt) })
	return out, nil
}

// MemoryProgressRepository 是进度的进程内实现，未配置 Redis 时使用。
type MemoryProgressRepository struct {
	mu       sync.RWMutex
	progress map[string]float64
}

func NewMemoryProgressRepository() *MemoryProgressRepository {
	return &MemoryProgressRepository{progress: make(map[string]float64)}
}

func (r *MemoryProgressRepository) Set(_ context.Context, trackingID string, fraction float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress[trackingID] = fraction
	return nil
}

func (r *MemoryProgressRepository) Get(_ context.Context, trackingID string) (float64, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.progress[trackingID]
	return f, ok, nil
}

func (r *MemoryProgressRepository) Delete(_ context.Context, trackingID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.progress, trackingID)
	return nil
}
