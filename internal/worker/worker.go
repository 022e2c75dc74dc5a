package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/bobarin/avatarvideo/internal/logging"
	"github.com/bobarin/avatarvideo/internal/metrics"
	"github.com/bobarin/avatarvideo/internal/models"
	"github.com/bobarin/avatarvideo/internal/queue"
)

const (
	dequeueTimeout   = 5 * time.Second
	errorBackoff     = 2 * time.Second
	depthReportEvery = 15 * time.Second
)

// JobQueue is the queue surface the worker consumes.
type JobQueue interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	Complete(ctx context.Context, job *queue.Job) error
	Fail(ctx context.Context, job *queue.Job, cause error) (bool, error)
	RecoverActive(ctx context.Context) (int, error)
	Depth(ctx context.Context) (waiting, active, delayed int64, err error)
}

// VideoProcessor runs one video generation request.
type VideoProcessor interface {
	ProcessVideoGeneration(ctx context.Context, req models.VideoGenerationRequest) error
}

// Handler processes one dequeued job.
type Handler func(ctx context.Context, job *queue.Job) error

type Worker struct {
	queue    JobQueue
	handlers map[string]Handler
	validate *validator.Validate
	logger   zerolog.Logger

	pollTimeout time.Duration
	wg          sync.WaitGroup
	started     bool
	mu          sync.Mutex
}

// New creates a worker with the video-generation handler registered.
func New(q JobQueue, processor VideoProcessor) *Worker {
	w := &Worker{
		queue:       q,
		handlers:    make(map[string]Handler),
		validate:    validator.New(),
		logger:      logging.Component("worker"),
		pollTimeout: dequeueTimeout,
	}
	w.Handle(queue.JobTypeVideoGeneration, w.videoGenerationHandler(processor))
	return w
}

// Handle registers h for jobs of the given type.
func (w *Worker) Handle(jobType string, h Handler) {
	w.handlers[jobType] = h
}

// Start recovers jobs orphaned by a previous process and launches
// concurrency consumers. It returns once they are running; call Wait to
// block until ctx is cancelled and all in-flight jobs have finished.
func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if concurrency < 1 {
		return fmt.Errorf("worker concurrency must be at least 1, got %d", concurrency)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return fmt.Errorf("worker already started")
	}

	recovered, err := w.queue.RecoverActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover orphaned jobs: %w", err)
	}
	if recovered > 0 {
		w.logger.Warn().Int("jobs", recovered).Msg("Re-queued jobs left active by a previous worker")
	}

	w.started = true
	for i := 0; i < concurrency; i++ {
		w.wg.Add(1)
		go func(id int) {
			defer w.wg.Done()
			w.consume(ctx, id)
		}(i)
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.reportDepth(ctx)
	}()

	w.logger.Info().Int("concurrency", concurrency).Msg("Worker started")
	return nil
}

// Wait blocks until every consumer has exited.
func (w *Worker) Wait() {
	w.wg.Wait()
	w.logger.Info().Msg("Worker stopped")
}

func (w *Worker) consume(ctx context.Context, id int) {
	logger := w.logger.With().Int("consumer", id).Logger()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := w.queue.Dequeue(ctx, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("Error dequeuing")
			sleepCtx(ctx, errorBackoff)
			continue
		}
		if job == nil {
			continue // No job available, retry
		}

		w.process(ctx, job, logger)
	}
}

// process runs the handler and reports the outcome to the queue. ctx only
// stops dequeuing: a job that was picked up runs to completion even while
// shutting down.
func (w *Worker) process(ctx context.Context, job *queue.Job, logger zerolog.Logger) {
	logger = logger.With().Str("job_id", job.ID).Str("type", job.Type).Int("attempt", job.AttemptsMade+1).Logger()
	logger.Info().Msg("Processing job")

	jobCtx := context.WithoutCancel(ctx)
	err := w.runHandler(jobCtx, job)

	if err == nil {
		if cerr := w.queue.Complete(jobCtx, job); cerr != nil {
			logger.Error().Err(cerr).Msg("Failed to acknowledge job")
		}
		logger.Info().Msg("Job completed")
		return
	}

	retry, ferr := w.queue.Fail(jobCtx, job, err)
	if ferr != nil {
		logger.Error().Err(ferr).Msg("Failed to record job failure")
		return
	}
	if retry {
		metrics.RecordRetry()
		logger.Warn().Err(err).Msg("Job failed, retry scheduled")
		return
	}
	logger.Error().Err(err).Msg("Job failed permanently")
}

func (w *Worker) runHandler(ctx context.Context, job *queue.Job) (err error) {
	handler, ok := w.handlers[job.Type]
	if !ok {
		return fmt.Errorf("no handler for job type %q", job.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

func (w *Worker) videoGenerationHandler(processor VideoProcessor) Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var req models.VideoGenerationRequest
		if err := json.Unmarshal(job.Data, &req); err != nil {
			return fmt.Errorf("invalid video generation payload: %w", err)
		}
		if err := w.validate.Struct(req); err != nil {
			return fmt.Errorf("invalid video generation payload: %w", err)
		}
		return processor.ProcessVideoGeneration(ctx, req)
	}
}

func (w *Worker) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(depthReportEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			waiting, active, delayed, err := w.queue.Depth(ctx)
			if err != nil {
				w.logger.Warn().Err(err).Msg("Failed to read queue depth")
				continue
			}
			metrics.UpdateQueueDepth(waiting, active, delayed)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
