package gormstore

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lawyered0/cLawyer-sub000/internal/job"
)

type jobStore struct {
	db *gorm.DB
}

var _ job.Store = (*jobStore)(nil)

func (s *jobStore) CreateJob(ctx context.Context, j *job.Job) error {
	m, err := jobToModel(j)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *jobStore) UpdateJob(ctx context.Context, j *job.Job) error {
	m, err := jobToModel(j)
	if err != nil {
		return err
	}
	// Save writes the full row so cleared fields (browse URL, result)
	// are not skipped as zero values.
	return s.db.WithContext(ctx).Save(m).Error
}

func (s *jobStore) GetJob(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	var m JobModel
	err := s.db.WithContext(ctx).First(&m, "id = ?", id.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return jobFromModel(&m)
}

func (s *jobStore) ListJobs(ctx context.Context) ([]job.Job, error) {
	var models []JobModel
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, err
	}
	jobs := make([]job.Job, 0, len(models))
	for i := range models {
		j, err := jobFromModel(&models[i])
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, nil
}
