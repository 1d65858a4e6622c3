package repository

import (
	"context"

	"github.com/smallbiznis/pagebill/internal/job/domain"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id string) (*domain.Job, error) {
	var job domain.Job
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, status, source_key, result_s3_path, num_pages, created_at, updated_at
		 FROM jobs
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&job).Error
	if err != nil {
		return nil, err
	}
	if job.ID == "" {
		return nil, nil
	}
	return &job, nil
}
