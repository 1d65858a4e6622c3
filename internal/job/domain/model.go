package domain

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
)

var (
	ErrJobNotFound = errors.New("job_not_found")
	ErrJobNotReady = errors.New("job_not_ready")
)

// Job is a processing job owned by the upstream pipeline. This service only reads it.
type Job struct {
	ID           string    `gorm:"primaryKey;type:text" json:"id"`
	UserID       string    `gorm:"type:text;not null;index" json:"user_id"`
	Status       Status    `gorm:"type:text;not null" json:"status"`
	SourceKey    string    `gorm:"type:text" json:"source_key"`
	ResultS3Path string    `gorm:"column:result_s3_path;type:text" json:"result_s3_path,omitempty"`
	NumPages     int64     `gorm:"not null;default:0" json:"num_pages"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null" json:"updated_at"`
}

func (Job) TableName() string { return "jobs" }

type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id string) (*Job, error)
}
