package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/kursadbilgin/smshook/internal/deliverylog"
	"github.com/kursadbilgin/smshook/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

var _ deliverylog.Store = (*LogStore)(nil)

// LogStore persists the delivery log as two entries: the serialized record
// list and the next id counter.
type LogStore struct {
	client     *goredis.Client
	recordsKey string
	nextIDKey  string
}

func NewLogStore(client *goredis.Client, prefix string) (*LogStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &LogStore{
		client:     client,
		recordsKey: key(prefix, "deliveries", "records"),
		nextIDKey:  key(prefix, "deliveries", "next_id"),
	}, nil
}

func (s *LogStore) Load(ctx context.Context) (deliverylog.State, error) {
	var state deliverylog.State

	data, err := s.client.Get(ctx, s.recordsKey).Bytes()
	switch {
	case errors.Is(err, goredis.Nil):
	case err != nil:
		return state, fmt.Errorf("failed to read delivery records: %w", err)
	default:
		var records []domain.DeliveryRecord
		if err := json.Unmarshal(data, &records); err != nil {
			return state, fmt.Errorf("failed to decode delivery records: %w", err)
		}
		state.Records = records
	}

	raw, err := s.client.Get(ctx, s.nextIDKey).Result()
	switch {
	case errors.Is(err, goredis.Nil):
	case err != nil:
		return state, fmt.Errorf("failed to read next delivery id: %w", err)
	default:
		nextID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return state, fmt.Errorf("failed to parse next delivery id %q: %w", raw, err)
		}
		state.NextID = nextID
	}

	return state, nil
}

func (s *LogStore) Save(ctx context.Context, state deliverylog.State) error {
	records := state.Records
	if records == nil {
		records = []domain.DeliveryRecord{}
	}
	data, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to encode delivery records: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.recordsKey, data, 0)
		pipe.Set(ctx, s.nextIDKey, state.NextID, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save delivery log: %w", err)
	}
	return nil
}

func (s *LogStore) Clear(ctx context.Context) error {
	if err := s.client.Del(ctx, s.recordsKey, s.nextIDKey).Err(); err != nil {
		return fmt.Errorf("failed to clear delivery log: %w", err)
	}
	return nil
}
