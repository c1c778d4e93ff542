package queue

// redis.go: cola de jobs sobre Redis.
//
// Claves (prefijo execgate:<name>:):
//   job:<id>  hash con payload, attempts, max_attempts, status
//   wait      lista de IDs listos (LPUSH / RPOPLPUSH)
//   active    lista de IDs reservados por algún worker
//   delayed   sorted set de reintentos, score = unix ms en que vuelven a wait
//
// enqueueScript es el dedup: si job:<id> ya existe no toca nada y devuelve
// el ID existente. Comprobación, LPUSH y hash van en un solo script, así que
// un push fallido no deja un hash huérfano que bloquee reintentos.

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/alejandrodnm/execgate/internal/ports"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

const (
	statusWaiting   = "waiting"
	statusActive    = "active"
	statusDelayed   = "delayed"
	statusCompleted = "completed"
	statusFailed    = "failed"
)

// KEYS: job hash, wait list. ARGV: job id, payload, max attempts, status.
// LPUSH va antes que HSET: Redis no deshace un script que falla a medias.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('LPUSH', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'payload', ARGV[2], 'attempts', 0, 'max_attempts', ARGV[3], 'status', ARGV[4])
return 1
`)

// Redis is a JobQueue backed by Redis lists.
type Redis struct {
	client *redis.Client
	opts   Options
	prefix string
	owned  bool
	now    func() time.Time
}

var _ ports.JobQueue = (*Redis)(nil)

// NewRedis wraps an existing client. The caller keeps ownership of it.
func NewRedis(client *redis.Client, opts Options) *Redis {
	opts = opts.withDefaults()
	return &Redis{
		client: client,
		opts:   opts,
		prefix: "execgate:" + opts.Name + ":",
		now:    time.Now,
	}
}

// DialRedis connects to url (redis://host:port/db) and verifies it with PING.
func DialRedis(ctx context.Context, url string, opts Options) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("queue.DialRedis: parse url: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("queue.DialRedis: ping: %w", err)
	}
	q := NewRedis(client, opts)
	q.owned = true
	return q, nil
}

// Name returns the queue name.
func (q *Redis) Name() string { return q.opts.Name }

func (q *Redis) key(parts ...string) string {
	k := q.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// Enqueue stores the job and pushes it to the wait list. A job ID that was
// already stored is not enqueued again.
func (q *Redis) Enqueue(ctx context.Context, jobID string, payload domain.JobPayload) (string, error) {
	if jobID == "" {
		jobID = uuid.New().String()
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("queue.Redis.Enqueue: marshal payload: %w", err)
	}

	created, err := enqueueScript.Run(ctx, q.client,
		[]string{q.key("job", jobID), q.key("wait")},
		jobID, data, q.opts.Attempts, statusWaiting,
	).Int()
	if err != nil {
		return "", fmt.Errorf("queue.Redis.Enqueue: push %s: %w", jobID, err)
	}
	if created == 0 {
		slog.Debug("queue: duplicate job ignored", "queue", q.opts.Name, "job_id", jobID)
	}
	return jobID, nil
}

// Reserve moves the oldest waiting job to the active list. Idle consumers
// poll every PollInterval; due retries are promoted on each poll.
func (q *Redis) Reserve(ctx context.Context) (domain.Job, error) {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := q.promoteDelayed(ctx); err != nil {
			return domain.Job{}, err
		}

		id, err := q.client.RPopLPush(ctx, q.key("wait"), q.key("active")).Result()
		switch {
		case err == nil:
			job, err := q.load(ctx, id)
			if err != nil {
				return domain.Job{}, err
			}
			q.client.HSet(ctx, q.key("job", id), "status", statusActive)
			return job, nil
		case !errors.Is(err, redis.Nil):
			return domain.Job{}, fmt.Errorf("queue.Redis.Reserve: %w", err)
		}

		select {
		case <-ctx.Done():
			return domain.Job{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Complete removes the job from the active list and marks it completed.
func (q *Redis) Complete(ctx context.Context, job domain.Job) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.key("active"), 1, job.ID)
		pipe.HSet(ctx, q.key("job", job.ID), "status", statusCompleted)
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue.Redis.Complete: %s: %w", job.ID, err)
	}
	return nil
}

// Fail records the attempt and schedules a retry with exponential backoff,
// or marks the job failed when the attempt budget is spent or cause is
// unrecoverable.
func (q *Redis) Fail(ctx context.Context, job domain.Job, cause error) (bool, error) {
	attempts := job.AttemptsMade + 1
	exhausted := isExhausted(job, cause)
	reason := ""
	if cause != nil {
		reason = cause.Error()
	}

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		jobKey := q.key("job", job.ID)
		pipe.LRem(ctx, q.key("active"), 1, job.ID)
		pipe.HSet(ctx, jobKey, "attempts", attempts, "failed_reason", reason)
		if exhausted {
			pipe.HSet(ctx, jobKey, "status", statusFailed)
			return nil
		}
		readyAt := q.now().Add(BackoffDelay(q.opts.Backoff, attempts))
		pipe.HSet(ctx, jobKey, "status", statusDelayed)
		pipe.ZAdd(ctx, q.key("delayed"), &redis.Z{
			Score:  float64(readyAt.UnixMilli()),
			Member: job.ID,
		})
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("queue.Redis.Fail: %s: %w", job.ID, err)
	}
	return exhausted, nil
}

// Status returns the stored status of a job ("" when unknown).
func (q *Redis) Status(ctx context.Context, jobID string) (string, error) {
	st, err := q.client.HGet(ctx, q.key("job", jobID), "status").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("queue.Redis.Status: %s: %w", jobID, err)
	}
	return st, nil
}

// Close closes the client when the queue dialed it.
func (q *Redis) Close() error {
	if !q.owned {
		return nil
	}
	return q.client.Close()
}

// promoteDelayed moves due retries back to the wait list. ZREM decides which
// consumer owns each ID, so concurrent pollers never push it twice.
func (q *Redis) promoteDelayed(ctx context.Context) error {
	due, err := q.client.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("queue.Redis.promoteDelayed: %w", err)
	}
	for _, id := range due {
		removed, err := q.client.ZRem(ctx, q.key("delayed"), id).Result()
		if err != nil {
			return fmt.Errorf("queue.Redis.promoteDelayed: zrem %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.key("wait"), id).Err(); err != nil {
			return fmt.Errorf("queue.Redis.promoteDelayed: push %s: %w", id, err)
		}
		q.client.HSet(ctx, q.key("job", id), "status", statusWaiting)
	}
	return nil
}

func (q *Redis) load(ctx context.Context, id string) (domain.Job, error) {
	fields, err := q.client.HGetAll(ctx, q.key("job", id)).Result()
	if err != nil {
		return domain.Job{}, fmt.Errorf("queue.Redis.load: %s: %w", id, err)
	}

	var payload domain.JobPayload
	if err := json.Unmarshal([]byte(fields["payload"]), &payload); err != nil {
		return domain.Job{}, fmt.Errorf("queue.Redis.load: %s: decode payload: %w", id, err)
	}
	attempts, _ := strconv.Atoi(fields["attempts"])
	maxAttempts, err := strconv.Atoi(fields["max_attempts"])
	if err != nil || maxAttempts <= 0 {
		maxAttempts = q.opts.Attempts
	}

	return domain.Job{
		ID:           id,
		Payload:      payload,
		AttemptsMade: attempts,
		MaxAttempts:  maxAttempts,
	}, nil
}
