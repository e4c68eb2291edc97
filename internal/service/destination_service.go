package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/smshook/internal/domain"
	"github.com/kursadbilgin/smshook/internal/repository"
	"go.uber.org/zap"
)

// SecretSealer encrypts destination secrets before they reach storage.
type SecretSealer interface {
	Seal(plaintext string) (string, error)
	Open(value string) (string, error)
}

// ErrSecretUnreadable is returned by Snapshot when every enabled stored
// destination was left out because its secret could not be opened.
var ErrSecretUnreadable = errors.New("destination secret unreadable")

// LegacyDestination is the single webhook configured through environment
// variables, kept for deployments that predate multiple destinations.
type LegacyDestination struct {
	URL      string
	Secret   string
	Priority int
}

// DestinationInput carries create and update fields. Nil pointers keep the
// stored value on update.
type DestinationInput struct {
	Name     string
	URL      string
	Secret   *string
	Enabled  *bool
	Priority *int
}

type DestinationService struct {
	repo   repository.DestinationRepository
	sealer SecretSealer
	legacy LegacyDestination
	logger *zap.Logger
	now    func() time.Time
}

func NewDestinationService(
	repo repository.DestinationRepository,
	sealer SecretSealer,
	legacy LegacyDestination,
	logger *zap.Logger,
) (*DestinationService, error) {
	if repo == nil {
		return nil, fmt.Errorf("destination repository is required")
	}
	if sealer == nil {
		return nil, fmt.Errorf("secret sealer is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DestinationService{
		repo:   repo,
		sealer: sealer,
		legacy: legacy,
		logger: logger,
		now:    time.Now,
	}, nil
}

// List returns stored destinations in delivery order with secrets removed.
func (s *DestinationService) List(ctx context.Context) ([]domain.Destination, error) {
	destinations, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list destinations: %w", err)
	}
	for i := range destinations {
		destinations[i].Secret = ""
	}
	return destinations, nil
}

func (s *DestinationService) Get(ctx context.Context, id string) (*domain.Destination, error) {
	d, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	d.Secret = ""
	return d, nil
}

func (s *DestinationService) Create(ctx context.Context, input DestinationInput) (*domain.Destination, error) {
	now := s.now().UTC()
	d := &domain.Destination{
		ID:        uuid.NewString(),
		Name:      strings.TrimSpace(input.Name),
		URL:       strings.TrimSpace(input.URL),
		Enabled:   true,
		Position:  now.UnixNano(),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if input.Enabled != nil {
		d.Enabled = *input.Enabled
	}
	if input.Priority != nil {
		d.Priority = *input.Priority
	}
	if input.Secret != nil {
		d.Secret = strings.TrimSpace(*input.Secret)
	}
	if d.Name == "" {
		d.Name = hostLabel(d.URL)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}

	stored := *d
	if err := s.sealSecret(&stored); err != nil {
		return nil, err
	}
	if err := s.repo.Create(ctx, &stored); err != nil {
		return nil, fmt.Errorf("failed to create destination: %w", err)
	}

	s.logger.Info("destination created", zap.String("destinationId", d.ID), zap.String("name", d.Name))
	d.Secret = ""
	return d, nil
}

func (s *DestinationService) Update(ctx context.Context, id string, input DestinationInput) (*domain.Destination, error) {
	stored, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if name := strings.TrimSpace(input.Name); name != "" {
		stored.Name = name
	}
	if u := strings.TrimSpace(input.URL); u != "" {
		stored.URL = u
	}
	if input.Enabled != nil {
		stored.Enabled = *input.Enabled
	}
	if input.Priority != nil {
		stored.Priority = *input.Priority
	}
	if err := stored.Validate(); err != nil {
		return nil, err
	}
	if input.Secret != nil {
		stored.Secret = strings.TrimSpace(*input.Secret)
		if err := s.sealSecret(stored); err != nil {
			return nil, err
		}
	}
	stored.UpdatedAt = s.now().UTC()

	if err := s.repo.Update(ctx, stored); err != nil {
		return nil, fmt.Errorf("failed to update destination: %w", err)
	}

	s.logger.Info("destination updated", zap.String("destinationId", id))
	stored.Secret = ""
	return stored, nil
}

func (s *DestinationService) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("destination deleted", zap.String("destinationId", id))
	return nil
}

// Toggle flips the enabled flag and returns the updated destination.
func (s *DestinationService) Toggle(ctx context.Context, id string) (*domain.Destination, error) {
	d, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	d.Enabled = !d.Enabled
	if err := s.repo.SetEnabled(ctx, id, d.Enabled); err != nil {
		return nil, err
	}

	s.logger.Info("destination toggled", zap.String("destinationId", id), zap.Bool("enabled", d.Enabled))
	d.Secret = ""
	return d, nil
}

// Reorder sets priorities to match ids. Every stored destination must be
// listed exactly once.
func (s *DestinationService) Reorder(ctx context.Context, ids []string) error {
	current, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list destinations: %w", err)
	}
	if len(ids) != len(current) {
		return fmt.Errorf("%w: order must list all %d destinations", domain.ErrValidation, len(current))
	}

	known := make(map[string]bool, len(current))
	for _, d := range current {
		known[d.ID] = true
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if !known[id] {
			return fmt.Errorf("%w: destination %s", domain.ErrNotFound, id)
		}
		if seen[id] {
			return fmt.Errorf("%w: destination %s listed twice", domain.ErrValidation, id)
		}
		seen[id] = true
	}

	return s.repo.Reorder(ctx, ids)
}

// Snapshot returns every stored destination plus the legacy default, with
// secrets opened, for one delivery pass. Destinations whose secret cannot be
// opened are left out.
func (s *DestinationService) Snapshot(ctx context.Context) ([]domain.Destination, error) {
	stored, err := s.repo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load destinations: %w", err)
	}

	out := make([]domain.Destination, 0, len(stored)+1)
	if legacy := strings.TrimSpace(s.legacy.URL); legacy != "" {
		out = append(out, domain.Destination{
			ID:       domain.DefaultDestinationID,
			Name:     "Default",
			URL:      legacy,
			Secret:   s.legacy.Secret,
			Enabled:  true,
			Priority: s.legacy.Priority,
		})
	}

	var (
		unreadable int
		openErr    error
		usable     = len(out) > 0
	)
	for _, d := range stored {
		secret, err := s.sealer.Open(d.Secret)
		if err != nil {
			s.logger.Error("skipping destination with unreadable secret",
				zap.String("destinationId", d.ID),
				zap.Error(err),
			)
			if d.Enabled {
				unreadable++
				openErr = err
			}
			continue
		}
		d.Secret = secret
		out = append(out, d)
		usable = usable || d.Enabled
	}

	if unreadable > 0 && !usable {
		return nil, fmt.Errorf("%w: %d enabled destination(s) skipped: %v", ErrSecretUnreadable, unreadable, openErr)
	}
	return out, nil
}

func (s *DestinationService) sealSecret(d *domain.Destination) error {
	sealed, err := s.sealer.Seal(d.Secret)
	if err != nil {
		return fmt.Errorf("failed to seal destination secret: %w", err)
	}
	d.Secret = sealed
	return nil
}

func hostLabel(raw string) string {
	rest := raw
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		rest = rest[i+1:]
	}
	if rest == "" {
		return "Webhook"
	}
	if len(rest) > 100 {
		rest = rest[:100]
	}
	return rest
}
