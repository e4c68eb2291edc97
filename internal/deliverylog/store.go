package deliverylog

import (
	"context"

	"github.com/kursadbilgin/smshook/internal/domain"
)

// State is the persisted form of the log: records in append order plus the
// next id to hand out.
type State struct {
	Records []domain.DeliveryRecord `json:"records"`
	NextID  int64                   `json:"nextId"`
}

// Store is the primary persistence for the log.
type Store interface {
	Load(ctx context.Context) (State, error)
	Save(ctx context.Context, state State) error
	Clear(ctx context.Context) error
}

// Backup holds full snapshots used when the primary store cannot be read.
type Backup interface {
	Read(ctx context.Context) (State, error)
	Write(ctx context.Context, state State) error
	Remove(ctx context.Context) error
}
