package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/avatarvideo/internal/models"
	"github.com/bobarin/avatarvideo/internal/queue"
)

type recordingProcessor struct {
	mu   sync.Mutex
	seen []models.VideoGenerationRequest
	err  error
}

func (p *recordingProcessor) ProcessVideoGeneration(ctx context.Context, req models.VideoGenerationRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, req)
	return p.err
}

func (p *recordingProcessor) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seen)
}

func newTestWorker(t *testing.T, processor VideoProcessor) (*Worker, *queue.Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := queue.NewWithClient(client, "test:worker")
	w := New(q, processor)
	w.pollTimeout = 100 * time.Millisecond
	return w, q, mr
}

// runWorker starts w and stops it when the test ends.
func runWorker(t *testing.T, w *Worker, concurrency int) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx, concurrency))
	t.Cleanup(func() {
		cancel()
		w.Wait()
	})
}

func videoRequest(id string) models.VideoGenerationRequest {
	return models.VideoGenerationRequest{
		VideoID:     id,
		TenantID:    "tenant-1",
		CharacterID: "char-1",
		ScriptID:    "script-1",
		Style:       models.StyleTestimonial,
	}
}

func depth(t *testing.T, q *queue.Queue) (int64, int64, int64) {
	t.Helper()
	waiting, active, delayed, err := q.Depth(context.Background())
	require.NoError(t, err)
	return waiting, active, delayed
}

func TestWorkerProcessesVideoJobs(t *testing.T) {
	processor := &recordingProcessor{}
	w, q, _ := newTestWorker(t, processor)
	ctx := context.Background()

	for _, id := range []string{"video-1", "video-2", "video-3"} {
		_, err := q.QueueVideoGeneration(ctx, videoRequest(id))
		require.NoError(t, err)
	}

	runWorker(t, w, 2)

	require.Eventually(t, func() bool { return processor.count() == 3 }, 3*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		waiting, active, delayed := depth(t, q)
		return waiting == 0 && active == 0 && delayed == 0
	}, 3*time.Second, 20*time.Millisecond)

	processor.mu.Lock()
	defer processor.mu.Unlock()
	ids := make([]string, 0, len(processor.seen))
	for _, req := range processor.seen {
		ids = append(ids, req.VideoID)
	}
	assert.ElementsMatch(t, []string{"video-1", "video-2", "video-3"}, ids)
}

func TestWorkerSchedulesRetryOnFailure(t *testing.T) {
	processor := &recordingProcessor{err: errors.New("Audio generation failed: provider down")}
	w, q, _ := newTestWorker(t, processor)

	_, err := q.QueueVideoGeneration(context.Background(), videoRequest("video-1"))
	require.NoError(t, err)

	runWorker(t, w, 1)

	// The first failure is retried after a multi-second backoff, so the job
	// sits in the delayed set for the rest of the test.
	require.Eventually(t, func() bool {
		_, active, delayed := depth(t, q)
		return active == 0 && delayed == 1
	}, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 1, processor.count())
}

func TestWorkerRejectsInvalidPayload(t *testing.T) {
	processor := &recordingProcessor{}
	w, q, _ := newTestWorker(t, processor)

	bad := videoRequest("video-1")
	bad.Style = "vlog"
	_, err := q.Add(context.Background(), queue.JobTypeVideoGeneration, "video-1", bad, queue.JobOptions{Attempts: 1})
	require.NoError(t, err)

	runWorker(t, w, 1)

	require.Eventually(t, func() bool {
		jobs, err := q.FailedJobs(context.Background(), 10)
		return err == nil && len(jobs) == 1
	}, 3*time.Second, 20*time.Millisecond)

	jobs, err := q.FailedJobs(context.Background(), 10)
	require.NoError(t, err)
	assert.Contains(t, jobs[0].FailedReason, "invalid video generation payload")
	assert.Zero(t, processor.count())
}

func TestWorkerFailsUnknownJobType(t *testing.T) {
	w, q, _ := newTestWorker(t, &recordingProcessor{})

	_, err := q.Add(context.Background(), "thumbnail", "", map[string]string{"id": "x"}, queue.JobOptions{Attempts: 1})
	require.NoError(t, err)

	runWorker(t, w, 1)

	require.Eventually(t, func() bool {
		jobs, err := q.FailedJobs(context.Background(), 10)
		return err == nil && len(jobs) == 1
	}, 3*time.Second, 20*time.Millisecond)

	jobs, err := q.FailedJobs(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, `no handler for job type "thumbnail"`, jobs[0].FailedReason)
}

func TestWorkerRecoversFromHandlerPanic(t *testing.T) {
	processor := &recordingProcessor{}
	w, q, _ := newTestWorker(t, processor)
	w.Handle("explode", func(ctx context.Context, job *queue.Job) error {
		panic("boom")
	})

	ctx := context.Background()
	_, err := q.Add(ctx, "explode", "", nil, queue.JobOptions{Attempts: 1})
	require.NoError(t, err)
	_, err = q.QueueVideoGeneration(ctx, videoRequest("video-after-panic"))
	require.NoError(t, err)

	runWorker(t, w, 1)

	require.Eventually(t, func() bool { return processor.count() == 1 }, 3*time.Second, 20*time.Millisecond)

	jobs, err := q.FailedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "handler panic: boom", jobs[0].FailedReason)
}

func TestWorkerShutdownLetsRunningJobFinish(t *testing.T) {
	w, q, _ := newTestWorker(t, &recordingProcessor{})

	started := make(chan struct{})
	release := make(chan struct{})
	handlerErr := make(chan error, 1)
	w.Handle("render", func(ctx context.Context, job *queue.Job) error {
		close(started)
		select {
		case <-ctx.Done():
			handlerErr <- ctx.Err()
			return ctx.Err()
		case <-release:
		}
		handlerErr <- ctx.Err()
		return nil
	})

	_, err := q.Add(context.Background(), "render", "video-1", nil, queue.JobOptions{Attempts: 2})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Start(ctx, 1))

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("job was not picked up")
	}

	cancel()
	time.Sleep(50 * time.Millisecond)
	close(release)
	w.Wait()

	assert.NoError(t, <-handlerErr)

	waiting, active, delayed := depth(t, q)
	assert.Zero(t, waiting)
	assert.Zero(t, active)
	assert.Zero(t, delayed)

	failed, err := q.FailedJobs(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestWorkerStartRecoversActiveJobs(t *testing.T) {
	processor := &recordingProcessor{}
	w, q, mr := newTestWorker(t, processor)

	// Simulate a job stranded by a crashed worker.
	_, err := q.QueueVideoGeneration(context.Background(), videoRequest("video-orphan"))
	require.NoError(t, err)
	raw, err := mr.Lpop("test:worker:wait")
	require.NoError(t, err)
	_, err = mr.Push("test:worker:active", raw)
	require.NoError(t, err)

	runWorker(t, w, 1)

	require.Eventually(t, func() bool { return processor.count() == 1 }, 3*time.Second, 20*time.Millisecond)
}

func TestWorkerStartValidation(t *testing.T) {
	w, _, _ := newTestWorker(t, &recordingProcessor{})

	assert.Error(t, w.Start(context.Background(), 0))

	runWorker(t, w, 1)
	assert.Error(t, w.Start(context.Background(), 1))
}

func TestWorkerStartFailsWhenRedisIsDown(t *testing.T) {
	w, _, mr := newTestWorker(t, &recordingProcessor{})
	mr.Close()

	err := w.Start(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to recover orphaned jobs")
}
