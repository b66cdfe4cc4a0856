package contracts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/datarun/lmis/internal/mapping"
	"github.com/datarun/lmis/internal/model"
	"github.com/datarun/lmis/internal/repository"
)

var (
	ErrInvalidName = errors.New("invalid contract name")
	ErrNotFound    = errors.New("contract not found")
)

var nameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,127}$`)

// Service publishes new contract versions. Definitions are validated before they are stored,
// so the relay only ever sees contracts that parse.
type Service struct {
	repo repository.ContractsRepository
	now  func() time.Time
}

func New(repo repository.ContractsRepository) *Service {
	return &Service{repo: repo, now: func() time.Time { return time.Now().UTC() }}
}

// Create stores definition as the next version of name. Invalid definitions are
// returned as *mapping.Error.
func (s *Service) Create(ctx context.Context, name string, definition json.RawMessage) (*model.MappingContract, error) {
	if !nameRe.MatchString(name) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	def, err := mapping.Parse(definition)
	if err != nil {
		return nil, err
	}
	// store the normalized form
	canonical, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("encode definition: %w", err)
	}
	return s.repo.Create(ctx, name, canonical, s.now())
}

func (s *Service) Get(ctx context.Context, name string, version int) (*model.MappingContract, error) {
	c, err := s.repo.Get(ctx, name, version)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrNotFound
	}
	return c, err
}

func (s *Service) List(ctx context.Context) ([]model.MappingContract, error) {
	return s.repo.List(ctx)
}
