package taskqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/quitflow/coachplane/coach_plane/observability"
)

// claimScript atomically moves due members from the pending ZSET to the
// in-flight ZSET, scored by their visibility deadline.
const claimScript = `
local due = redis.call('zrangebyscore', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(due) do
    redis.call('zrem', KEYS[1], id)
    redis.call('zadd', KEYS[2], ARGV[3], id)
end
return due
`

// requeueScript returns expired in-flight members to pending.
const requeueScript = `
local expired = redis.call('zrangebyscore', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(expired) do
    redis.call('zrem', KEYS[1], id)
    redis.call('zadd', KEYS[2], ARGV[2], id)
end
return #expired
`

// RedisQueue is the shared Queue backend for multi-replica deployments.
// Pending tasks live in a ZSET scored by ETA; claimed tasks move to an
// in-flight ZSET scored by visibility deadline; bodies are JSON strings.
type RedisQueue struct {
	client     *redis.Client
	visibility time.Duration

	claimSHA   string
	requeueSHA string
}

func NewRedisQueue(addr, password string, db int, visibility time.Duration) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	claimSHA, err := client.ScriptLoad(ctx, claimScript).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to preload claim script: %w", err)
	}
	requeueSHA, err := client.ScriptLoad(ctx, requeueScript).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to preload requeue script: %w", err)
	}

	if visibility <= 0 {
		visibility = defaultVisibility
	}
	return &RedisQueue{
		client:     client,
		visibility: visibility,
		claimSHA:   claimSHA,
		requeueSHA: requeueSHA,
	}, nil
}

func (q *RedisQueue) Schedule(ctx context.Context, task *Task) (string, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(task)
	if err != nil {
		return "", err
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, taskKey(task.ID), body, 0)
	pipe.ZAdd(ctx, pendingKey, redis.Z{Score: float64(task.ETA.Unix()), Member: task.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("failed to schedule task: %w", err)
	}
	return task.ID, nil
}

func (q *RedisQueue) Cancel(ctx context.Context, handle string) (bool, error) {
	removed, err := q.client.ZRem(ctx, pendingKey, handle).Result()
	if err != nil {
		return false, err
	}
	if removed == 0 {
		return false, nil
	}
	q.client.Del(ctx, taskKey(handle))
	return true, nil
}

func (q *RedisQueue) Due(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	start := time.Now()
	defer func() {
		observability.RedisLatency.Observe(time.Since(start).Seconds())
	}()

	if limit <= 0 {
		limit = 100
	}
	deadline := now.Add(q.visibility).Unix()
	res, err := q.client.EvalSha(ctx, q.claimSHA,
		[]string{pendingKey, inflightKey},
		now.Unix(), limit, deadline).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim due tasks: %w", err)
	}

	ids, ok := res.([]interface{})
	if !ok || len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, taskKey(fmt.Sprint(id)))
	}
	bodies, err := q.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load task bodies: %w", err)
	}

	var out []*Task
	for i, body := range bodies {
		if body == nil {
			// Orphaned member without a body; drop the claim.
			q.client.ZRem(ctx, inflightKey, fmt.Sprint(ids[i]))
			continue
		}
		task := &Task{}
		if err := json.Unmarshal([]byte(fmt.Sprint(body)), task); err != nil {
			q.client.ZRem(ctx, inflightKey, fmt.Sprint(ids[i]))
			continue
		}
		out = append(out, task)
	}
	return out, nil
}

func (q *RedisQueue) Ack(ctx context.Context, handle string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, inflightKey, handle)
	pipe.Del(ctx, taskKey(handle))
	_, err := pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) Retry(ctx context.Context, task *Task, eta time.Time) error {
	t := *task
	t.ETA = eta
	body, err := json.Marshal(&t)
	if err != nil {
		return err
	}
	pipe := q.client.TxPipeline()
	pipe.Set(ctx, taskKey(t.ID), body, 0)
	pipe.ZRem(ctx, inflightKey, t.ID)
	pipe.ZAdd(ctx, pendingKey, redis.Z{Score: float64(eta.Unix()), Member: t.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := q.client.EvalSha(ctx, q.requeueSHA,
		[]string{inflightKey, pendingKey},
		now.Unix(), now.Unix()).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to requeue expired claims: %w", err)
	}
	moved, ok := res.(int64)
	if !ok {
		return 0, errors.New("unexpected return type from requeue script")
	}
	return int(moved), nil
}

func (q *RedisQueue) EnsureNewDay(ctx context.Context, eta time.Time) (bool, error) {
	// A tick still in flight counts as existing.
	if err := q.client.ZScore(ctx, inflightKey, NewDayTaskID).Err(); err == nil {
		return false, nil
	} else if !errors.Is(err, redis.Nil) {
		return false, err
	}

	task := NewDayTask(eta)
	body, err := json.Marshal(task)
	if err != nil {
		return false, err
	}
	added, err := q.client.ZAddNX(ctx, pendingKey,
		redis.Z{Score: float64(eta.Unix()), Member: task.ID}).Result()
	if err != nil {
		return false, err
	}
	if added == 0 {
		return false, nil
	}
	if err := q.client.Set(ctx, taskKey(task.ID), body, 0).Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (q *RedisQueue) Depth(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, pendingKey).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
