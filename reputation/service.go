package reputation

import (
	"context"
	"errors"
)

// Reader abstracts repository reads for the service.
type Reader interface {
	GetByID(ctx context.Context, identity string) (Record, error)
	List(ctx context.Context, limit int) ([]Record, error)
	ListFeedback(ctx context.Context, subject string) ([]Feedback, error)
}

// Service exposes reputation lookups.
type Service struct {
	repo Reader
}

func NewService(repo Reader) *Service {
	return &Service{repo: repo}
}

// GetByID returns the reputation for the identity. An identity that never
// claimed a task has an empty record.
func (s *Service) GetByID(ctx context.Context, identity string) (Record, error) {
	rec, err := s.repo.GetByID(ctx, identity)
	if errors.Is(err, ErrNotFound) {
		return Record{Identity: identity, Ratings: []int{}}, nil
	}
	return rec, err
}

// List returns up to limit records.
func (s *Service) List(ctx context.Context, limit int) ([]Record, error) {
	return s.repo.List(ctx, limit)
}

func (s *Service) Feedback(ctx context.Context, subject string) ([]Feedback, error) {
	return s.repo.ListFeedback(ctx, subject)
}
