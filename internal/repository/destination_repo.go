package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/smshook/internal/domain"
	"gorm.io/gorm"
)

// DestinationRepository stores destinations. Secrets pass through as given;
// sealing happens above this layer.
type DestinationRepository interface {
	List(ctx context.Context) ([]domain.Destination, error)
	GetByID(ctx context.Context, id string) (*domain.Destination, error)
	Create(ctx context.Context, d *domain.Destination) error
	Update(ctx context.Context, d *domain.Destination) error
	Delete(ctx context.Context, id string) error
	SetEnabled(ctx context.Context, id string, enabled bool) error
	// Reorder assigns priorities 0..n-1 following ids, in one transaction.
	Reorder(ctx context.Context, ids []string) error
}

type GormDestinationRepo struct {
	db *gorm.DB
}

func NewGormDestinationRepo(db *gorm.DB) *GormDestinationRepo {
	return &GormDestinationRepo{db: db}
}

func (r *GormDestinationRepo) List(ctx context.Context) ([]domain.Destination, error) {
	var models []DestinationModel
	err := r.db.WithContext(ctx).
		Order("priority ASC").
		Order("position ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	out := make([]domain.Destination, 0, len(models))
	for i := range models {
		out = append(out, *destinationModelToDomain(&models[i]))
	}
	return out, nil
}

func (r *GormDestinationRepo) GetByID(ctx context.Context, id string) (*domain.Destination, error) {
	var model DestinationModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return destinationModelToDomain(&model), nil
}

func (r *GormDestinationRepo) Create(ctx context.Context, d *domain.Destination) error {
	model := destinationModelFromDomain(d)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: destination %s already exists", domain.ErrConflict, d.ID)
		}
		return err
	}
	if d != nil {
		*d = *destinationModelToDomain(model)
	}
	return nil
}

func (r *GormDestinationRepo) Update(ctx context.Context, d *domain.Destination) error {
	if d == nil {
		return fmt.Errorf("%w: destination is required", domain.ErrValidation)
	}

	result := r.db.WithContext(ctx).
		Model(&DestinationModel{}).
		Where("id = ?", d.ID).
		Updates(map[string]any{
			"name":       d.Name,
			"url":        d.URL,
			"secret":     d.Secret,
			"enabled":    d.Enabled,
			"priority":   d.Priority,
			"updated_at": d.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormDestinationRepo) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&DestinationModel{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormDestinationRepo) SetEnabled(ctx context.Context, id string, enabled bool) error {
	result := r.db.WithContext(ctx).
		Model(&DestinationModel{}).
		Where("id = ?", id).
		Update("enabled", enabled)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormDestinationRepo) Reorder(ctx context.Context, ids []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for priority, id := range ids {
			result := tx.Model(&DestinationModel{}).
				Where("id = ?", id).
				Update("priority", priority)
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return fmt.Errorf("%w: destination %s", domain.ErrNotFound, id)
			}
		}
		return nil
	})
}
