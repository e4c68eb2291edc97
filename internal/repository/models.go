package repository

import (
	"time"

	"github.com/kursadbilgin/smshook/internal/domain"
)

// DestinationModel is the persistence model for the destinations table.
type DestinationModel struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	Name      string `gorm:"type:varchar(100);not null;default:''"`
	URL       string `gorm:"type:text;not null"`
	Secret    string `gorm:"type:text;not null;default:''"`
	Enabled   bool   `gorm:"not null;default:true"`
	Priority  int    `gorm:"not null;default:0"`
	Position  int64  `gorm:"not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (DestinationModel) TableName() string {
	return "destinations"
}

func destinationModelFromDomain(d *domain.Destination) *DestinationModel {
	if d == nil {
		return nil
	}

	return &DestinationModel{
		ID:        d.ID,
		Name:      d.Name,
		URL:       d.URL,
		Secret:    d.Secret,
		Enabled:   d.Enabled,
		Priority:  d.Priority,
		Position:  d.Position,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func destinationModelToDomain(m *DestinationModel) *domain.Destination {
	if m == nil {
		return nil
	}

	return &domain.Destination{
		ID:        m.ID,
		Name:      m.Name,
		URL:       m.URL,
		Secret:    m.Secret,
		Enabled:   m.Enabled,
		Priority:  m.Priority,
		Position:  m.Position,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}
