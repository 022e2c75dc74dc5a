package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/avatarvideo/internal/models"
)

func newTestQueue(t *testing.T) (*Queue, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewWithClient(client, "test:queue"), mr
}

func sampleRequest(id string) models.VideoGenerationRequest {
	return models.VideoGenerationRequest{
		VideoID:     id,
		TenantID:    "tenant-1",
		CharacterID: "char-1",
		ScriptID:    "script-1",
		Style:       models.StyleDemo,
	}
}

func TestQueueVideoGenerationOptions(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	job, err := q.QueueVideoGeneration(ctx, sampleRequest("video-1"))
	require.NoError(t, err)

	assert.Equal(t, "video-1", job.ID)
	assert.Equal(t, JobTypeVideoGeneration, job.Type)
	assert.Equal(t, 2, job.Options.Attempts)
	assert.Equal(t, BackoffExponential, job.Options.Backoff.Type)
	assert.Equal(t, 5*time.Second, job.Options.Backoff.Delay)
	assert.True(t, job.Options.RemoveOnComplete)
	assert.False(t, job.Options.RemoveOnFail)

	var req models.VideoGenerationRequest
	require.NoError(t, json.Unmarshal(job.Data, &req))
	assert.Equal(t, "char-1", req.CharacterID)
}

func TestDequeueIsFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.QueueVideoGeneration(ctx, sampleRequest(id))
		require.NoError(t, err)
	}

	for _, want := range []string{"a", "b", "c"} {
		job, err := q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, want, job.ID)
	}

	waiting, active, delayed, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), waiting)
	assert.Equal(t, int64(3), active)
	assert.Equal(t, int64(0), delayed)
}

func TestDequeueEmpty(t *testing.T) {
	q, _ := newTestQueue(t)

	job, err := q.Dequeue(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestCompleteRemovesFromActive(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	_, err := q.QueueVideoGeneration(ctx, sampleRequest("video-1"))
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.Complete(ctx, job))

	_, active, _, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), active)
	assert.False(t, mr.Exists("test:queue:completed"))
}

func TestCompleteArchivesWhenRetained(t *testing.T) {
	q, mr := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "custom", "", map[string]string{"k": "v"}, JobOptions{Attempts: 1})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, job.ID)
	require.NoError(t, q.Complete(ctx, job))

	archived, err := mr.List("test:queue:completed")
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

func TestFailSchedulesRetryThenRetains(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return base }

	_, err := q.QueueVideoGeneration(ctx, sampleRequest("video-1"))
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	retry, err := q.Fail(ctx, job, errors.New("Face detection failed"))
	require.NoError(t, err)
	assert.True(t, retry)

	// Backoff has not elapsed yet.
	q.now = func() time.Time { return base.Add(4 * time.Second) }
	job, err = q.Dequeue(ctx, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)

	q.now = func() time.Time { return base.Add(5 * time.Second) }
	job, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, 1, job.AttemptsMade)
	assert.Equal(t, "Face detection failed", job.FailedReason)

	retry, err = q.Fail(ctx, job, errors.New("Face detection failed"))
	require.NoError(t, err)
	assert.False(t, retry)

	failed, err := q.FailedJobs(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "video-1", failed[0].ID)
	assert.Equal(t, 2, failed[0].AttemptsMade)
	assert.NotNil(t, failed[0].FinishedAt)

	waiting, active, delayed, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Zero(t, waiting+active+delayed)
}

func TestFailDropsWhenRemoveOnFail(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Add(ctx, "custom", "job-1", struct{}{}, JobOptions{Attempts: 1, RemoveOnFail: true})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	retry, err := q.Fail(ctx, job, errors.New("boom"))
	require.NoError(t, err)
	assert.False(t, retry)

	failed, err := q.FailedJobs(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, failed)
}

func TestRecoverActive(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		_, err := q.QueueVideoGeneration(ctx, sampleRequest(id))
		require.NoError(t, err)
		_, err = q.Dequeue(ctx, time.Second)
		require.NoError(t, err)
	}

	n, err := q.RecoverActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	waiting, active, _, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), waiting)
	assert.Equal(t, int64(0), active)
}

func TestBackoffDelay(t *testing.T) {
	exp := Backoff{Type: BackoffExponential, Delay: 5 * time.Second}
	assert.Equal(t, 5*time.Second, exp.delayFor(1))
	assert.Equal(t, 10*time.Second, exp.delayFor(2))
	assert.Equal(t, 20*time.Second, exp.delayFor(3))

	fixed := Backoff{Type: BackoffFixed, Delay: 3 * time.Second}
	assert.Equal(t, 3*time.Second, fixed.delayFor(4))

	assert.Zero(t, Backoff{}.delayFor(2))
}
