package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	jobStream    = "relay:jobs"
	jobGroup     = "workers"
	jobDLQStream = "relay:jobs:dlq"
)

// Job is one retryable unit of work. Handlers are idempotent, so at-least-once
// delivery from the stream is safe.
type Job struct {
	ID     string `json:"id"`
	Kind   string `json:"kind"`   // "sync" or "trigger"
	Source string `json:"source"` // detector source name
}

// Handler executes a job. A returned error leaves the message pending for the
// reclaimer; success acks it.
type Handler func(ctx context.Context, j Job) error

// Queue enqueues jobs and runs the consumer pool. With no Redis configured it
// degrades to an in-process channel so single-binary deployments still work.
type Queue struct {
	rdb     *redis.Client
	local   chan Job
	handler Handler
	onDLQ   func(reason string)
	pending func(n int64)
}

// NewQueue connects to REDIS_ADDR when set, otherwise uses the local channel.
func NewQueue(handler Handler) *Queue {
	q := &Queue{handler: handler}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		q.rdb = redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       0,
		})
	} else {
		q.local = make(chan Job, 256)
	}
	return q
}

// OnDLQ installs a metrics hook for dead-lettered jobs.
func (q *Queue) OnDLQ(f func(reason string)) { q.onDLQ = f }

// OnPending installs a gauge hook for consumer-group pending depth.
func (q *Queue) OnPending(f func(n int64)) { q.pending = f }

// Enqueue submits a job. The local fallback drops with an error when the
// buffer is full rather than blocking the request path.
func (q *Queue) Enqueue(ctx context.Context, j Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if q.rdb == nil {
		select {
		case q.local <- j:
			return nil
		default:
			return fmt.Errorf("worker: local queue full")
		}
	}
	b, _ := json.Marshal(j)
	return q.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: jobStream,
		Values: map[string]any{"payload": string(b)},
	}).Err()
}

// Start launches the worker pool and, on Redis, the reclaimer that re-delivers
// stalled messages and dead-letters them after too many attempts. Blocks until
// ctx is cancelled only in the goroutines it spawns; Start itself returns.
func (q *Queue) Start(ctx context.Context) {
	workers := 2
	if v := os.Getenv("RELAY_QUEUE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			workers = n
		}
	}
	if q.rdb == nil {
		for i := 0; i < workers; i++ {
			go q.runLocal(ctx)
		}
		return
	}
	_ = q.rdb.XGroupCreateMkStream(ctx, jobStream, jobGroup, "$").Err()
	if p, err := q.rdb.XPending(ctx, jobStream, jobGroup).Result(); err == nil && p != nil {
		log.Printf("worker: online, pending=%d", p.Count)
	} else {
		log.Printf("worker: online, pending=unknown (group may be new)")
	}
	for i := 0; i < workers; i++ {
		consumer := fmt.Sprintf("worker-%d-%d", time.Now().UnixNano(), i)
		go q.runRedis(ctx, consumer)
	}
	go q.runReclaimer(ctx)
}

func (q *Queue) runLocal(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-q.local:
			q.execute(ctx, j, 1)
		}
	}
}

func (q *Queue) runRedis(ctx context.Context, consumer string) {
	readCount := 4
	if v := os.Getenv("RELAY_QUEUE_READ_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			readCount = n
		}
	}
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		streams, err := q.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    jobGroup,
			Consumer: consumer,
			Streams:  []string{jobStream, ">"},
			Count:    int64(readCount),
			Block:    5 * time.Second,
		}).Result()
		if err != nil && err != redis.Nil {
			time.Sleep(500 * time.Millisecond)
			continue
		}
		for _, s := range streams {
			for _, msg := range s.Messages {
				if q.processMessage(ctx, msg) {
					_, _ = q.rdb.XAck(ctx, jobStream, jobGroup, msg.ID).Result()
				}
			}
		}
	}
}

// processMessage parses and runs a job; returns true when it should be acked.
// Malformed payloads are dropped, failed jobs stay pending for the reclaimer.
func (q *Queue) processMessage(ctx context.Context, msg redis.XMessage) bool {
	payload, ok := msg.Values["payload"].(string)
	if !ok {
		return true
	}
	var j Job
	if err := json.Unmarshal([]byte(payload), &j); err != nil {
		return true
	}
	return q.execute(ctx, j, 1)
}

func (q *Queue) execute(ctx context.Context, j Job, attempt int) bool {
	if err := q.handler(ctx, j); err != nil {
		log.Printf("worker: job %s (%s/%s) attempt %d failed: %v", j.ID, j.Kind, j.Source, attempt, err)
		return false
	}
	return true
}

func (q *Queue) runReclaimer(ctx context.Context) {
	minIdle := 30 * time.Second
	if v := os.Getenv("RELAY_QUEUE_PENDING_IDLE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			minIdle = time.Duration(ms) * time.Millisecond
		}
	}
	maxDeliveries := 3
	if v := os.Getenv("RELAY_QUEUE_MAX_DELIVERIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			maxDeliveries = n
		}
	}
	scanEvery := 10 * time.Second
	if v := os.Getenv("RELAY_QUEUE_RECLAIM_INTERVAL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			scanEvery = time.Duration(ms) * time.Millisecond
		}
	}
	reclaimer := fmt.Sprintf("reclaimer-%d", time.Now().UnixNano())
	ticker := time.NewTicker(scanEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if p, err := q.rdb.XPending(ctx, jobStream, jobGroup).Result(); err == nil && p != nil && q.pending != nil {
			q.pending(p.Count)
		}
		pendings, err := q.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: jobStream,
			Group:  jobGroup,
			Start:  "-",
			End:    "+",
			Count:  10,
		}).Result()
		if err != nil || len(pendings) == 0 {
			continue
		}
		for _, p := range pendings {
			if p.Idle < minIdle {
				continue
			}
			if int(p.RetryCount) >= maxDeliveries {
				msgs, _ := q.rdb.XRange(ctx, jobStream, p.ID, p.ID).Result()
				var payload any = map[string]any{"error": "missing"}
				if len(msgs) == 1 {
					payload = msgs[0].Values["payload"]
				}
				_, _ = q.rdb.XAdd(ctx, &redis.XAddArgs{
					Stream: jobDLQStream,
					Values: map[string]any{
						"payload":    payload,
						"reason":     fmt.Sprintf("max deliveries %d exceeded", maxDeliveries),
						"deliveries": p.RetryCount,
						"at":         time.Now().Unix(),
					},
				}).Result()
				if q.onDLQ != nil {
					q.onDLQ("max_deliveries_exceeded")
				}
				_, _ = q.rdb.XAck(ctx, jobStream, jobGroup, p.ID).Result()
				continue
			}
			claimed, err := q.rdb.XClaim(ctx, &redis.XClaimArgs{
				Stream:   jobStream,
				Group:    jobGroup,
				Consumer: reclaimer,
				MinIdle:  minIdle,
				Messages: []string{p.ID},
			}).Result()
			if err != nil || len(claimed) == 0 {
				continue
			}
			for _, msg := range claimed {
				if q.processMessage(ctx, msg) {
					_, _ = q.rdb.XAck(ctx, jobStream, jobGroup, msg.ID).Result()
				}
			}
		}
	}
}
