package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"abroad-docs-go/internal/model"
)

// JobRepository 接口定义了处理任务台账的持久化操作。
type JobRepository interface {
	Create(ctx context.Context, job *model.ProcessingJob) error
	// MarkRunning 把 queued 的任务置为 running，任务已被取消时返回 false。
	MarkRunning(ctx context.Context, jobID string) (bool, error)
	UpdateStage(ctx context.Context, jobID, stage string) error
	Finish(ctx context.Context, jobID string, state model.JobState, stage, errMsg string) error
	// CancelActive 把该文档所有 queued/running 的任务置为 cancelled，返回受影响行数。
	CancelActive(ctx context.Context, trackingID string) (int64, error)
	IsCancelled(ctx context.Context, jobID string) (bool, error)
	ListByTrackingID(ctx context.Context, trackingID string) ([]model.ProcessingJob, error)
}

// jobRepository 是 JobRepository 接口的 GORM 实现。
type jobRepository struct {
	db *gorm.DB
}

// NewJobRepository 创建一个新的 JobRepository 实例。
func NewJobRepository(db *gorm.DB) JobRepository {
	return &jobRepository{db: db}
}

func (r *jobRepository) Create(ctx context.Context, job *model.ProcessingJob) error {
	if job.State == "" {
		job.State = model.JobQueued
	}
	return r.db.WithContext(ctx).Create(job).Error
}

func (r *jobRepository) MarkRunning(ctx context.Context, jobID string) (bool, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&model.ProcessingJob{}).
		Where("id = ? AND state = ?", jobID, model.JobQueued).
		Updates(map[string]interface{}{"state": model.JobRunning, "started_at": &now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobRepository) UpdateStage(ctx context.Context, jobID, stage string) error {
	return r.db.WithContext(ctx).Model(&model.ProcessingJob{}).
		Where("id = ?", jobID).
		Update("stage", stage).Error
}

// Finish 只更新仍处于活动状态的任务，已被取消的任务保持 cancelled。
func (r *jobRepository) Finish(ctx context.Context, jobID string, state model.JobState, stage, errMsg string) error {
	now := time.Now()
	return r.db.WithContext(ctx).Model(&model.ProcessingJob{}).
		Where("id = ? AND state IN ?", jobID, []model.JobState{model.JobQueued, model.JobRunning}).
		Updates(map[string]interface{}{
			"state":         state,
			"stage":         stage,
			"error_message": errMsg,
			"finished_at":   &now,
		}).Error
}

func (r *jobRepository) CancelActive(ctx context.Context, trackingID string) (int64, error) {
	now := time.Now()
	res := r.db.WithContext(ctx).Model(&model.ProcessingJob{}).
		Where("tracking_id = ? AND state IN ?", trackingID, []model.JobState{model.JobQueued, model.JobRunning}).
		Updates(map[string]interface{}{"state": model.JobCancelled, "finished_at": &now})
	return res.RowsAffected, res.Error
}

func (r *jobRepository) IsCancelled(ctx context.Context, jobID string) (bool, error) {
	var job model.ProcessingJob
	err := r.db.WithContext(ctx).Select("state").Where("id = ?", jobID).First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return job.State == model.JobCancelled, nil
}

func (r *jobRepository) ListByTrackingID(ctx context.Context, trackingID string) ([]model.ProcessingJob, error) {
	var jobs []model.ProcessingJob
	err := r.db.WithContext(ctx).Where("tracking_id = ?", trackingID).Order("created_at desc").Find(&jobs).Error
	return jobs, err
}
