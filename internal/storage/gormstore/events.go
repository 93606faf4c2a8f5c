package gormstore

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lawyered0/cLawyer-sub000/internal/event"
)

type eventStore struct {
	db *gorm.DB
}

var _ event.Store = (*eventStore)(nil)

func (s *eventStore) AppendEvent(ctx context.Context, e *event.Event) error {
	return s.db.WithContext(ctx).Create(eventToModel(e)).Error
}

func (s *eventStore) ListEvents(ctx context.Context, jobID uuid.UUID, since uint64, limit int) ([]event.Event, error) {
	q := s.db.WithContext(ctx).
		Where("job_id = ? AND sequence > ?", jobID.String(), since).
		Order("sequence ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []EventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	events := make([]event.Event, 0, len(models))
	for i := range models {
		e, err := eventFromModel(&models[i])
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, nil
}

func (s *eventStore) MaxSequence(ctx context.Context, jobID uuid.UUID) (uint64, error) {
	var seq uint64
	err := s.db.WithContext(ctx).Model(&EventModel{}).
		Where("job_id = ?", jobID.String()).
		Select("COALESCE(MAX(sequence), 0)").
		Scan(&seq).Error
	if err != nil {
		return 0, err
	}
	return seq, nil
}
