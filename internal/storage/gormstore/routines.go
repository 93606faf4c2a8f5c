package gormstore

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/lawyered0/cLawyer-sub000/internal/routine"
)

type routineStore struct {
	db *gorm.DB
}

var _ routine.Store = (*routineStore)(nil)

func (s *routineStore) CreateRoutine(ctx context.Context, r *routine.Routine) error {
	m, err := routineToModel(r)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(m).Error
}

func (s *routineStore) UpdateRoutine(ctx context.Context, r *routine.Routine) error {
	m, err := routineToModel(r)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Save(m).Error
}

func (s *routineStore) DeleteRoutine(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Delete(&RoutineModel{}, "id = ?", id.String())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return routine.ErrNotFound
	}
	return nil
}

func (s *routineStore) ListRoutines(ctx context.Context) ([]routine.Routine, error) {
	var models []RoutineModel
	if err := s.db.WithContext(ctx).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	routines := make([]routine.Routine, 0, len(models))
	for i := range models {
		r, err := routineFromModel(&models[i])
		if err != nil {
			return nil, err
		}
		routines = append(routines, *r)
	}
	return routines, nil
}
