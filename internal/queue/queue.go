package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/bobarin/avatarvideo/internal/models"
)

const (
	// QueueVideoGenerationName is the Redis key prefix of the video queue.
	QueueVideoGenerationName = "queue:ai_influencer_video"

	// JobTypeVideoGeneration is the handler name the worker dispatches on.
	JobTypeVideoGeneration = "video-generation"
)

// BackoffType selects how retry delays grow between attempts.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// JobOptions mirrors the attempt/backoff/retention options of the job queue.
type JobOptions struct {
	Attempts         int     `json:"attempts"`
	Backoff          Backoff `json:"backoff"`
	RemoveOnComplete bool    `json:"remove_on_complete"`
	RemoveOnFail     bool    `json:"remove_on_fail"`
}

// VideoGenerationOptions: two attempts in total, 5s exponential backoff,
// dropped on success and kept for inspection after the final failure.
var VideoGenerationOptions = JobOptions{
	Attempts:         2,
	Backoff:          Backoff{Type: BackoffExponential, Delay: 5 * time.Second},
	RemoveOnComplete: true,
	RemoveOnFail:     false,
}

type Job struct {
	ID           string          `json:"id"`
	Type         string          `json:"type"`
	Data         json.RawMessage `json:"data"`
	Options      JobOptions      `json:"options"`
	AttemptsMade int             `json:"attempts_made"`
	FailedReason string          `json:"failed_reason,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`

	// raw is the exact payload stored in the active list, needed to remove it.
	raw string
}

// Queue is a durable Redis-backed job queue. A job moves
// wait -> active -> (done | delayed -> wait | failed).
type Queue struct {
	client *redis.Client
	name   string
	now    func() time.Time
}

func New(redisURL string) (*Queue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, QueueVideoGenerationName), nil
}

// NewWithClient wraps an existing client; name is the key prefix.
func NewWithClient(client *redis.Client, name string) *Queue {
	return &Queue{client: client, name: name, now: time.Now}
}

func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) waitKey() string      { return q.name + ":wait" }
func (q *Queue) activeKey() string    { return q.name + ":active" }
func (q *Queue) delayedKey() string   { return q.name + ":delayed" }
func (q *Queue) failedKey() string    { return q.name + ":failed" }
func (q *Queue) completedKey() string { return q.name + ":completed" }

// Add enqueues a job of the given type. The job ID defaults to a new UUID.
func (q *Queue) Add(ctx context.Context, jobType, jobID string, payload interface{}, opts JobOptions) (*Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job payload: %w", err)
	}

	if jobID == "" {
		jobID = uuid.NewString()
	}
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}

	job := &Job{
		ID:        jobID,
		Type:      jobType,
		Data:      data,
		Options:   opts,
		CreatedAt: q.now(),
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	if err := q.client.LPush(ctx, q.waitKey(), raw).Err(); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	return job, nil
}

// QueueVideoGeneration enqueues a video generation request with the
// standard retry policy.
func (q *Queue) QueueVideoGeneration(ctx context.Context, req models.VideoGenerationRequest) (*Job, error) {
	return q.Add(ctx, JobTypeVideoGeneration, req.VideoID, req, VideoGenerationOptions)
}

// Dequeue promotes due retries and then blocks up to timeout for the next
// job, moving it atomically into the active list. Returns nil when idle.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Job, error) {
	if _, err := q.PromoteDelayed(ctx); err != nil {
		return nil, err
	}

	raw, err := q.client.BRPopLPush(ctx, q.waitKey(), q.activeKey(), timeout).Result()
	if err == redis.Nil {
		return nil, nil // No job available
	}
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Unreadable payloads would otherwise block the active list forever.
		q.client.LRem(ctx, q.activeKey(), 1, raw)
		q.client.LPush(ctx, q.failedKey(), raw)
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	job.raw = raw

	return &job, nil
}

// Complete acknowledges a successful job.
func (q *Queue) Complete(ctx context.Context, job *Job) error {
	finished := q.now()
	job.FinishedAt = &finished

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 1, job.raw)
	if !job.Options.RemoveOnComplete {
		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		pipe.LPush(ctx, q.completedKey(), data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to complete job %s: %w", job.ID, err)
	}
	return nil
}

// Fail records a failed attempt. The job is rescheduled while attempts
// remain; otherwise it lands in the failed list unless RemoveOnFail is set.
// It reports whether a retry was scheduled.
func (q *Queue) Fail(ctx context.Context, job *Job, cause error) (bool, error) {
	job.AttemptsMade++
	if cause != nil {
		job.FailedReason = cause.Error()
	}

	retry := job.AttemptsMade < job.Options.Attempts

	var next string
	var readyAt time.Time
	if retry {
		readyAt = q.now().Add(job.Options.Backoff.delayFor(job.AttemptsMade))
	} else {
		finished := q.now()
		job.FinishedAt = &finished
	}

	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job: %w", err)
	}
	next = string(data)

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.activeKey(), 1, job.raw)
	switch {
	case retry:
		pipe.ZAdd(ctx, q.delayedKey(), &redis.Z{Score: float64(readyAt.UnixMilli()), Member: next})
	case !job.Options.RemoveOnFail:
		pipe.LPush(ctx, q.failedKey(), next)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("failed to record failure of job %s: %w", job.ID, err)
	}

	if retry {
		log.Info().Str("component", "queue").Str("job_id", job.ID).
			Int("attempt", job.AttemptsMade).Time("retry_at", readyAt).
			Msg("Job scheduled for retry")
	}
	job.raw = next
	return retry, nil
}

// PromoteDelayed moves retries whose backoff has elapsed back to the wait list.
func (q *Queue) PromoteDelayed(ctx context.Context) (int, error) {
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed jobs: %w", err)
	}

	promoted := 0
	for _, raw := range due {
		// Only the consumer that wins the ZREM re-queues the job.
		removed, err := q.client.ZRem(ctx, q.delayedKey(), raw).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to claim delayed job: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, q.waitKey(), raw).Err(); err != nil {
			return promoted, fmt.Errorf("failed to promote delayed job: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// RecoverActive returns jobs left in the active list by a crashed worker to
// the wait list. Call once at startup before consuming.
func (q *Queue) RecoverActive(ctx context.Context) (int, error) {
	recovered := 0
	for {
		_, err := q.client.RPopLPush(ctx, q.activeKey(), q.waitKey()).Result()
		if err == redis.Nil {
			return recovered, nil
		}
		if err != nil {
			return recovered, fmt.Errorf("failed to recover active jobs: %w", err)
		}
		recovered++
	}
}

// FailedJobs lists retained failed jobs, newest first.
func (q *Queue) FailedJobs(ctx context.Context, limit int64) ([]Job, error) {
	raws, err := q.client.LRange(ctx, q.failedKey(), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list failed jobs: %w", err)
	}

	jobs := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Depth returns the number of jobs waiting, active, and scheduled for retry.
func (q *Queue) Depth(ctx context.Context) (waiting, active, delayed int64, err error) {
	if waiting, err = q.client.LLen(ctx, q.waitKey()).Result(); err != nil {
		return
	}
	if active, err = q.client.LLen(ctx, q.activeKey()).Result(); err != nil {
		return
	}
	delayed, err = q.client.ZCard(ctx, q.delayedKey()).Result()
	return
}

// delayFor returns the wait before the retry that follows the given attempt.
func (b Backoff) delayFor(attemptsMade int) time.Duration {
	if b.Delay <= 0 {
		return 0
	}
	if b.Type != BackoffExponential || attemptsMade < 1 {
		return b.Delay
	}
	return time.Duration(float64(b.Delay) * math.Pow(2, float64(attemptsMade-1)))
}
