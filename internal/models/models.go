package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Enums
type VideoStatus string

const (
	VideoStatusQueued     VideoStatus = "queued"
	VideoStatusGenerating VideoStatus = "generating"
	VideoStatusReady      VideoStatus = "ready"
	VideoStatusFailed     VideoStatus = "failed"
)

// IsTerminal reports whether no further transition is possible.
func (s VideoStatus) IsTerminal() bool {
	return s == VideoStatusReady || s == VideoStatusFailed
}

type Style string

const (
	StyleTestimonial     Style = "testimonial"
	StyleDemo            Style = "demo"
	StyleProblemSolution Style = "problem-solution"
)

type Gender string

const (
	GenderMale   Gender = "male"
	GenderFemale Gender = "female"
	GenderBoth   Gender = "both" // templates only
)

// Age range buckets declared on characters and templates.
const (
	AgeRange18to25 = "18-25"
	AgeRange25to35 = "25-35"
	AgeRange35to45 = "35-45"
	AgeRange45Plus = "45+"
)

// DefaultScriptDuration is used when a script variant declares no duration.
const DefaultScriptDuration = 30

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB json.RawMessage

func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*j = append((*j)[:0], v...)
	case string:
		*j = JSONB(v)
	default:
		return fmt.Errorf("unsupported JSONB source type %T", value)
	}
	return nil
}

// Models

// VideoGenerationRequest is the immutable queue payload for one generation job.
type VideoGenerationRequest struct {
	VideoID     string `json:"videoId" validate:"required"`
	TenantID    string `json:"tenantId" validate:"required"`
	CharacterID string `json:"characterId" validate:"required"`
	ScriptID    string `json:"scriptId" validate:"required"`
	Style       Style  `json:"style" validate:"required,oneof=testimonial demo problem-solution"`
	CTA         string `json:"cta,omitempty"`
}

// VideoJobRecord is the persisted, tenant-scoped state of a generation job.
type VideoJobRecord struct {
	ID           string      `json:"id"`
	TenantID     string      `json:"tenant_id"`
	CharacterID  string      `json:"character_id"`
	ScriptID     string      `json:"script_id"`
	Style        Style       `json:"style"`
	Status       VideoStatus `json:"status"`
	VideoURL     *string     `json:"video_url,omitempty"`
	DriveFileID  *string     `json:"drive_file_id,omitempty"`
	Duration     *int        `json:"duration,omitempty"` // seconds
	ErrorMessage *string     `json:"error_message,omitempty"`
	// Degraded is set when the reduced compositor (template + voice only) produced the video.
	Degraded    bool       `json:"degraded"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

type CharacterProfile struct {
	ID       string  `json:"id"`
	TenantID string  `json:"tenant_id"`
	ImageURL string  `json:"image_url"`
	Gender   *string `json:"gender,omitempty"`
	AgeRange *string `json:"age_range,omitempty"`
}

type ScriptVariant struct {
	Text     string `json:"text"`
	Duration int    `json:"duration,omitempty"` // target seconds
}

// EffectiveDuration returns the declared duration or DefaultScriptDuration.
func (v ScriptVariant) EffectiveDuration() int {
	if v.Duration > 0 {
		return v.Duration
	}
	return DefaultScriptDuration
}

type Script struct {
	ID                string          `json:"id"`
	TenantID          string          `json:"tenant_id"`
	ProductName       *string         `json:"product_name,omitempty"`
	Variations        []ScriptVariant `json:"variations"`
	SelectedVariation *int            `json:"selected_variation,omitempty"`
}

// Selected returns the chosen variant. Without a recorded choice the first
// variant is used; an out-of-range choice yields nil.
func (s *Script) Selected() *ScriptVariant {
	idx := 0
	if s.SelectedVariation != nil {
		idx = *s.SelectedVariation
	}
	if idx < 0 || idx >= len(s.Variations) {
		return nil
	}
	return &s.Variations[idx]
}

type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// FaceRegion is a normalized bounding box; every coordinate is a fraction of
// the image dimensions.
type FaceRegion struct {
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
	Landmarks  []Point `json:"landmarks,omitempty"`
	Confidence float64 `json:"confidence"`
}

func (f FaceRegion) Validate() error {
	for name, v := range map[string]float64{
		"x": f.X, "y": f.Y, "width": f.Width, "height": f.Height, "confidence": f.Confidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("face region %s out of range: %f", name, v)
		}
	}
	for i, p := range f.Landmarks {
		if p.X < 0 || p.X > 1 || p.Y < 0 || p.Y > 1 {
			return fmt.Errorf("landmark %d out of range: (%f, %f)", i, p.X, p.Y)
		}
	}
	return nil
}

// MouthCue is one mouth-shape code held from Start to End (seconds).
type MouthCue struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Shape string  `json:"value"`
}

type MouthShapeSequence struct {
	Cues     []MouthCue `json:"mouthCues"`
	Duration float64    `json:"duration"`
	// Placeholder marks synthetic cues produced without the lip-sync tool.
	Placeholder bool `json:"-"`
}

// Validate checks that cue start times never decrease.
func (m MouthShapeSequence) Validate() error {
	for i := 1; i < len(m.Cues); i++ {
		if m.Cues[i].Start < m.Cues[i-1].Start {
			return fmt.Errorf("mouth cue %d starts at %.3f before previous cue at %.3f", i, m.Cues[i].Start, m.Cues[i-1].Start)
		}
	}
	return nil
}

type VideoTemplate struct {
	ID        string   `json:"id" mapstructure:"id"`
	Style     Style    `json:"style" mapstructure:"style"`
	Name      string   `json:"name" mapstructure:"name"`
	VideoPath string   `json:"video_path" mapstructure:"video_path"`
	Duration  int      `json:"duration" mapstructure:"duration"`
	Gender    Gender   `json:"gender" mapstructure:"gender"`
	AgeRanges []string `json:"age_ranges" mapstructure:"age_ranges"`
}

// HasAgeRange reports whether the template declares the given bucket.
func (t VideoTemplate) HasAgeRange(ageRange string) bool {
	for _, a := range t.AgeRanges {
		if a == ageRange {
			return true
		}
	}
	return false
}

// CompositionResult is the finished video inside the job directory.
type CompositionResult struct {
	Path     string
	Duration float64 // seconds
	// Reduced is true when only template video and narration were combined.
	Reduced bool
}

// DriveFile is what the storage collaborator hands back after an upload.
type DriveFile struct {
	ID   string `json:"id"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// DTOs for API requests/responses

type CreateVideoRequest struct {
	TenantID    string `json:"tenant_id" validate:"required"`
	CharacterID string `json:"character_id" validate:"required"`
	ScriptID    string `json:"script_id" validate:"required"`
	Style       Style  `json:"style" validate:"required,oneof=testimonial demo problem-solution"`
	CTA         string `json:"cta,omitempty" validate:"max=280"`
}

type CreateVideoResponse struct {
	VideoID string      `json:"video_id"`
	Status  VideoStatus `json:"status"`
}
