package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/bobarin/avatarvideo/internal/models"
)

func (db *DB) GetCharacter(ctx context.Context, tenantID, id string) (*models.CharacterProfile, error) {
	query := `
		SELECT id, tenant_id, image_url, gender, age_range
		FROM ai_influencer_characters
		WHERE id = $1 AND tenant_id = $2
	`

	c := &models.CharacterProfile{}
	err := db.QueryRowContext(ctx, query, id, tenantID).Scan(
		&c.ID, &c.TenantID, &c.ImageURL, &c.Gender, &c.AgeRange,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("character %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get character: %w", err)
	}

	return c, nil
}

func (db *DB) GetScript(ctx context.Context, tenantID, id string) (*models.Script, error) {
	query := `
		SELECT id, tenant_id, product_name, variations, selected_variation
		FROM ai_influencer_scripts
		WHERE id = $1 AND tenant_id = $2
	`

	var (
		s          models.Script
		variations models.JSONB
		selected   sql.NullInt64
	)
	err := db.QueryRowContext(ctx, query, id, tenantID).Scan(
		&s.ID, &s.TenantID, &s.ProductName, &variations, &selected,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("script %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get script: %w", err)
	}

	if len(variations) > 0 {
		if err := json.Unmarshal(variations, &s.Variations); err != nil {
			return nil, fmt.Errorf("failed to decode script variations: %w", err)
		}
	}
	if selected.Valid {
		idx := int(selected.Int64)
		s.SelectedVariation = &idx
	}

	return &s, nil
}
