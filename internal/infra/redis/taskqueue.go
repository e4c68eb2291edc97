package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/kursadbilgin/smshook/internal/scheduler"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// claimScript leases due tasks by pushing their score past the lease deadline.
var claimScript = goredis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
  redis.call("ZADD", KEYS[1], ARGV[2], id)
end
return ids
`)

var _ scheduler.Queue = (*TaskQueue)(nil)

// TaskQueue is the durable scheduler queue: one JSON value per task, a sorted
// set of task ids scored by due time and one set per group.
type TaskQueue struct {
	client *goredis.Client
	prefix string
	dueKey string
	logger *zap.Logger
}

func NewTaskQueue(client *goredis.Client, prefix string, logger *zap.Logger) (*TaskQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TaskQueue{
		client: client,
		prefix: prefix,
		dueKey: key(prefix, "tasks", "due"),
		logger: logger,
	}, nil
}

func (q *TaskQueue) taskKey(id string) string { return key(q.prefix, "tasks", "task", id) }

func (q *TaskQueue) groupKey(group string) string { return key(q.prefix, "tasks", "group", group) }

func (q *TaskQueue) Push(ctx context.Context, task scheduler.Task) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to encode task: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, q.taskKey(task.ID), data, 0)
		pipe.ZAdd(ctx, q.dueKey, goredis.Z{Score: float64(task.DueAt.UnixMilli()), Member: task.ID})
		pipe.SAdd(ctx, q.groupKey(task.Group), task.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to push task: %w", err)
	}
	return nil
}

func (q *TaskQueue) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]scheduler.Task, error) {
	if limit <= 0 {
		return nil, nil
	}

	ids, err := claimScript.Run(ctx, q.client, []string{q.dueKey},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(now.Add(lease).UnixMilli(), 10),
		limit,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to claim tasks: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = q.taskKey(id)
	}
	values, err := q.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load claimed tasks: %w", err)
	}

	tasks := make([]scheduler.Task, 0, len(ids))
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			// payload gone, drop the dangling id
			q.client.ZRem(ctx, q.dueKey, ids[i])
			continue
		}

		var task scheduler.Task
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			q.logger.Error("dropping undecodable task", zap.String("taskId", ids[i]), zap.Error(err))
			q.client.ZRem(ctx, q.dueKey, ids[i])
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

func (q *TaskQueue) Ack(ctx context.Context, task scheduler.Task) error {
	_, err := q.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, q.taskKey(task.ID))
		pipe.ZRem(ctx, q.dueKey, task.ID)
		pipe.SRem(ctx, q.groupKey(task.Group), task.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack task: %w", err)
	}
	return nil
}

func (q *TaskQueue) Pending(ctx context.Context, group string) (int64, error) {
	n, err := q.client.SCard(ctx, q.groupKey(group)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count group tasks: %w", err)
	}
	return n, nil
}
