package dispute

import "context"

// Lister abstracts the repository for the service.
type Lister interface {
	ListActive(ctx context.Context, authority string, limit int) ([]Record, error)
}

type Service struct {
	repo Lister
}

func NewService(repo Lister) *Service {
	return &Service{repo: repo}
}

// ListDisputed returns the tasks currently under an active dispute.
func (s *Service) ListDisputed(ctx context.Context, authority string, limit int) ([]Record, error) {
	return s.repo.ListActive(ctx, authority, limit)
}
