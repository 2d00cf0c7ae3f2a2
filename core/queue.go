package core

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// PendingQueueKey holds submission-id nudges for idle judge workers.
// The store row (progress='queued') stays authoritative: workers re-poll the
// store, so a lost nudge never loses work.
const PendingQueueKey = "pending_submissions"

// QueueNotifier wakes judge workers when a submission transitions to queued.
type QueueNotifier interface {
	NotifyQueued(ctx context.Context, submissionID int64)
	PendingCount(ctx context.Context) (int64, error)
}

// RedisQueueNotifier implements QueueNotifier using go-redis.
type RedisQueueNotifier struct {
	client *redis.Client
}

// NewRedisClient returns a configured go-redis client from URL (e.g., redis://localhost:6379/0).
func NewRedisClient(redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		return nil, errors.New("empty redis url")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return client, nil
}

func NewRedisQueueNotifier(client *redis.Client) *RedisQueueNotifier {
	return &RedisQueueNotifier{client: client}
}

// NotifyQueued pushes the submission id to the head of the pending list.
// Failures are logged and swallowed.
func (q *RedisQueueNotifier) NotifyQueued(ctx context.Context, submissionID int64) {
	if err := q.client.LPush(ctx, PendingQueueKey, strconv.FormatInt(submissionID, 10)).Err(); err != nil {
		log.Printf("queue nudge failed for submission %d: %v", submissionID, err)
	}
}

// PendingCount returns the nudge-list depth for health reporting.
func (q *RedisQueueNotifier) PendingCount(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, PendingQueueKey).Result()
}
