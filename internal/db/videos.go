package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/bobarin/avatarvideo/internal/models"
)

// VideoResult is the payload of the single ready transition.
type VideoResult struct {
	VideoURL    string
	DriveFileID string
	Duration    int // seconds
	Degraded    bool
}

func (db *DB) CreateVideoJob(ctx context.Context, rec *models.VideoJobRecord) error {
	query := `
		INSERT INTO ai_influencer_videos (
			id, tenant_id, character_id, script_id, style, status
		) VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		rec.ID, rec.TenantID, rec.CharacterID, rec.ScriptID, rec.Style, rec.Status,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
}

func (db *DB) GetVideoJob(ctx context.Context, tenantID, id string) (*models.VideoJobRecord, error) {
	query := `
		SELECT
			id, tenant_id, character_id, script_id, style, status,
			video_url, drive_file_id, duration, error_message, degraded,
			created_at, updated_at, completed_at
		FROM ai_influencer_videos
		WHERE id = $1 AND tenant_id = $2
	`

	rec := &models.VideoJobRecord{}
	err := db.QueryRowContext(ctx, query, id, tenantID).Scan(
		&rec.ID, &rec.TenantID, &rec.CharacterID, &rec.ScriptID, &rec.Style, &rec.Status,
		&rec.VideoURL, &rec.DriveFileID, &rec.Duration, &rec.ErrorMessage, &rec.Degraded,
		&rec.CreatedAt, &rec.UpdatedAt, &rec.CompletedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("video %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get video: %w", err)
	}

	return rec, nil
}

// MarkVideoGenerating moves a job into generating and clears leftovers from a
// previous failed attempt.
func (db *DB) MarkVideoGenerating(ctx context.Context, id string) error {
	query := `
		UPDATE ai_influencer_videos
		SET status = $1, error_message = NULL, degraded = FALSE, updated_at = $2
		WHERE id = $3
	`
	res, err := db.ExecContext(ctx, query, models.VideoStatusGenerating, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark video generating: %w", err)
	}
	return expectOneRow(res, "mark video generating")
}

func (db *DB) MarkVideoReady(ctx context.Context, id string, result VideoResult) error {
	now := time.Now()
	query := `
		UPDATE ai_influencer_videos
		SET status = $1, video_url = $2, drive_file_id = $3, duration = $4,
			degraded = $5, error_message = NULL, completed_at = $6, updated_at = $6
		WHERE id = $7
	`
	res, err := db.ExecContext(ctx, query,
		models.VideoStatusReady, result.VideoURL, result.DriveFileID, result.Duration,
		result.Degraded, now, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark video ready: %w", err)
	}
	return expectOneRow(res, "mark video ready")
}

func (db *DB) MarkVideoFailed(ctx context.Context, id, errorMessage string) error {
	query := `
		UPDATE ai_influencer_videos
		SET status = $1, error_message = $2, updated_at = $3
		WHERE id = $4
	`
	res, err := db.ExecContext(ctx, query, models.VideoStatusFailed, errorMessage, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to mark video failed: %w", err)
	}
	return expectOneRow(res, "mark video failed")
}
