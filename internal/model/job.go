package model

import "time"

// JobState 是一次后台处理运行的状态。
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobSucceeded JobState = "succeeded"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// ProcessingJob 对应 processing_jobs 表，每次入队生成一行，作为后台任务的审计台账。
type ProcessingJob struct {
	ID           string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	TrackingID   string     `gorm:"type:varchar(36);not null;index" json:"trackingId"`
	OwnerID      string     `gorm:"type:varchar(64);not null;index" json:"ownerId"`
	State        JobState   `gorm:"type:varchar(16);not null;index" json:"state"`
	Stage        string     `gorm:"type:varchar(32)" json:"stage"`
	ErrorMessage string     `gorm:"type:text" json:"errorMessage,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	StartedAt    *time.Time `gorm:"default:null" json:"startedAt,omitempty"`
	FinishedAt   *time.Time `gorm:"default:null" json:"finishedAt,omitempty"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (ProcessingJob) TableName() string {
	return "processing_jobs"
}
