package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bobarin/avatarvideo/internal/db"
	"github.com/bobarin/avatarvideo/internal/metrics"
	"github.com/bobarin/avatarvideo/internal/models"
	"github.com/bobarin/avatarvideo/internal/queue"
)

type memoryStore struct {
	mu        sync.Mutex
	records   map[string]*models.VideoJobRecord
	createErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: map[string]*models.VideoJobRecord{}}
}

func (s *memoryStore) CreateVideoJob(ctx context.Context, rec *models.VideoJobRecord) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	rec.CreatedAt, rec.UpdatedAt = now, now
	cp := *rec
	s.records[rec.ID] = &cp
	return nil
}

func (s *memoryStore) GetVideoJob(ctx context.Context, tenantID, id string) (*models.VideoJobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.TenantID != tenantID {
		return nil, fmt.Errorf("video %s: %w", id, db.ErrNotFound)
	}
	cp := *rec
	return &cp, nil
}

func (s *memoryStore) MarkVideoFailed(ctx context.Context, id, errorMessage string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return db.ErrNotFound
	}
	rec.Status = models.VideoStatusFailed
	rec.ErrorMessage = &errorMessage
	return nil
}

type memoryQueue struct {
	jobs []models.VideoGenerationRequest
	err  error
}

func (q *memoryQueue) QueueVideoGeneration(ctx context.Context, req models.VideoGenerationRequest) (*queue.Job, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.jobs = append(q.jobs, req)
	return &queue.Job{ID: req.VideoID, Type: queue.JobTypeVideoGeneration}, nil
}

func newTestServer(t *testing.T, cfg RouterConfig) (*httptest.Server, *memoryStore, *memoryQueue) {
	t.Helper()
	store := newMemoryStore()
	q := &memoryQueue{}
	srv := httptest.NewServer(NewRouter(NewHandler(store, q), cfg))
	t.Cleanup(srv.Close)
	return srv, store, q
}

func post(t *testing.T, url, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body["error"]
}

const validBody = `{"tenant_id":"tenant-1","character_id":"char-1","script_id":"script-1","style":"testimonial","cta":"Shop now"}`

func TestCreateVideoQueuesJob(t *testing.T) {
	srv, store, q := newTestServer(t, RouterConfig{})
	before := testutil.ToFloat64(metrics.JobsEnqueuedTotal.WithLabelValues("testimonial"))

	resp := post(t, srv.URL+"/v1/videos", validBody, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var out models.CreateVideoResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out.VideoID)
	assert.Equal(t, models.VideoStatusQueued, out.Status)

	rec, ok := store.records[out.VideoID]
	require.True(t, ok)
	assert.Equal(t, models.VideoStatusQueued, rec.Status)
	assert.Equal(t, "tenant-1", rec.TenantID)

	require.Len(t, q.jobs, 1)
	assert.Equal(t, models.VideoGenerationRequest{
		VideoID:     out.VideoID,
		TenantID:    "tenant-1",
		CharacterID: "char-1",
		ScriptID:    "script-1",
		Style:       models.StyleTestimonial,
		CTA:         "Shop now",
	}, q.jobs[0])

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.JobsEnqueuedTotal.WithLabelValues("testimonial")))
}

func TestCreateVideoValidation(t *testing.T) {
	srv, store, q := newTestServer(t, RouterConfig{})

	tests := []struct {
		name    string
		body    string
		message string
	}{
		{"malformed", `{"tenant_id":`, "Invalid request body"},
		{"missing tenant", `{"character_id":"c","script_id":"s","style":"demo"}`, "tenant_id is required"},
		{"missing script", `{"tenant_id":"t","character_id":"c","style":"demo"}`, "script_id is required"},
		{"bad style", `{"tenant_id":"t","character_id":"c","script_id":"s","style":"vlog"}`, "style must be one of: testimonial demo problem-solution"},
		{"long cta", `{"tenant_id":"t","character_id":"c","script_id":"s","style":"demo","cta":"` + strings.Repeat("x", 281) + `"}`, "cta is too long"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := post(t, srv.URL+"/v1/videos", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, tt.message, decodeError(t, resp))
		})
	}

	assert.Empty(t, store.records)
	assert.Empty(t, q.jobs)
}

func TestCreateVideoEnqueueFailureMarksRecordFailed(t *testing.T) {
	srv, store, q := newTestServer(t, RouterConfig{})
	q.err = errors.New("redis down")

	resp := post(t, srv.URL+"/v1/videos", validBody, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Failed to enqueue job", decodeError(t, resp))

	require.Len(t, store.records, 1)
	for _, rec := range store.records {
		assert.Equal(t, models.VideoStatusFailed, rec.Status)
		require.NotNil(t, rec.ErrorMessage)
		assert.Equal(t, "Failed to enqueue job", *rec.ErrorMessage)
	}
}

func TestCreateVideoStoreFailure(t *testing.T) {
	srv, store, q := newTestServer(t, RouterConfig{})
	store.createErr = errors.New("connection refused")

	resp := post(t, srv.URL+"/v1/videos", validBody, nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Empty(t, q.jobs)
}

func TestGetVideo(t *testing.T) {
	srv, store, _ := newTestServer(t, RouterConfig{})
	url := "https://cdn.example.com/v.mp4"
	duration := 28
	store.records["video-1"] = &models.VideoJobRecord{
		ID:       "video-1",
		TenantID: "tenant-1",
		Style:    models.StyleDemo,
		Status:   models.VideoStatusReady,
		VideoURL: &url,
		Duration: &duration,
	}

	resp, err := http.Get(srv.URL + "/v1/videos/video-1?tenant_id=tenant-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var rec models.VideoJobRecord
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, models.VideoStatusReady, rec.Status)
	require.NotNil(t, rec.VideoURL)
	assert.Equal(t, url, *rec.VideoURL)
	assert.Equal(t, 28, *rec.Duration)
	assert.Empty(t, resp.Header.Get("Retry-After"))
}

func TestGetVideoPendingSuggestsRetry(t *testing.T) {
	srv, store, _ := newTestServer(t, RouterConfig{})
	store.records["video-2"] = &models.VideoJobRecord{ID: "video-2", TenantID: "tenant-1", Status: models.VideoStatusGenerating}

	resp, err := http.Get(srv.URL + "/v1/videos/video-2?tenant_id=tenant-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "5", resp.Header.Get("Retry-After"))
}

func TestGetVideoErrors(t *testing.T) {
	srv, store, _ := newTestServer(t, RouterConfig{})
	store.records["video-1"] = &models.VideoJobRecord{ID: "video-1", TenantID: "tenant-1"}

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"missing tenant", "/v1/videos/video-1", http.StatusBadRequest},
		{"other tenant", "/v1/videos/video-1?tenant_id=tenant-2", http.StatusNotFound},
		{"unknown id", "/v1/videos/nope?tenant_id=tenant-1", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.status, resp.StatusCode)
		})
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, _, _ := newTestServer(t, RouterConfig{BackendAPIKey: "secret"})

	resp := post(t, srv.URL+"/v1/videos", validBody, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = post(t, srv.URL+"/v1/videos", validBody, map[string]string{"X-API-Key": "wrong"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp = post(t, srv.URL+"/v1/videos", validBody, map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	// Health stays public.
	health, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)
}

func TestMetricsEndpointAndRouteLabels(t *testing.T) {
	srv, store, _ := newTestServer(t, RouterConfig{})
	store.records["video-9"] = &models.VideoJobRecord{ID: "video-9", TenantID: "tenant-1"}

	counter := metrics.HTTPRequestsTotal.WithLabelValues("GET", "/v1/videos/{id}", "200")
	before := testutil.ToFloat64(counter)

	resp, err := http.Get(srv.URL + "/v1/videos/video-9?tenant_id=tenant-1")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, before+1, testutil.ToFloat64(counter))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAllowedOrigins(t *testing.T) {
	assert.Equal(t, []string{"*"}, allowedOrigins(""))
	assert.Equal(t, []string{"*"}, allowedOrigins(" , "))
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, allowedOrigins("https://a.example, https://b.example"))
}
