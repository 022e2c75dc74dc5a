package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/genai"

	"github.com/bobarin/avatarvideo/internal/logging"
	"github.com/bobarin/avatarvideo/internal/models"
)

// FaceLocator finds a face in an image. A nil region means no face was found.
type FaceLocator interface {
	Locate(ctx context.Context, imagePath string) (*models.FaceRegion, error)
}

// ---------------------------------------------------------------------------
// CenteredFaceLocator: fixed geometry, no detection
// ---------------------------------------------------------------------------

// CenteredFaceLocator assumes a portrait shot and returns a centred box for
// every readable image.
type CenteredFaceLocator struct{}

var _ FaceLocator = CenteredFaceLocator{}

func (CenteredFaceLocator) Locate(_ context.Context, imagePath string) (*models.FaceRegion, error) {
	if !fileExists(imagePath) {
		return nil, nil
	}
	return &models.FaceRegion{
		X:          0.3,
		Y:          0.2,
		Width:      0.4,
		Height:     0.5,
		Confidence: 0.5,
	}, nil
}

// ---------------------------------------------------------------------------
// GeminiFaceLocator: bounding box from a multimodal model
// ---------------------------------------------------------------------------

const defaultFaceModel = "gemini-2.5-flash"

const faceLocatePrompt = `Locate the most prominent human face in this image.
Respond with JSON only: {"found": true|false, "box_2d": [ymin, xmin, ymax, xmax], "confidence": 0.0-1.0}
Coordinates are integers normalized to 0-1000.`

// GeminiFaceLocator asks Gemini for a face bounding box.
type GeminiFaceLocator struct {
	apiKey string
	model  string
	logger zerolog.Logger

	// generate is swapped out in tests.
	generate func(ctx context.Context, image []byte, mimeType string) (string, error)
}

var _ FaceLocator = (*GeminiFaceLocator)(nil)

func NewGeminiFaceLocator(apiKey, model string) *GeminiFaceLocator {
	if model == "" {
		model = defaultFaceModel
	}
	l := &GeminiFaceLocator{
		apiKey: apiKey,
		model:  model,
		logger: logging.Component("face"),
	}
	l.generate = l.generateContent
	return l
}

type geminiFaceResponse struct {
	Found      bool      `json:"found"`
	Box2D      []float64 `json:"box_2d"`
	Confidence float64   `json:"confidence"`
}

// Locate returns nil when the image is unreadable, the model finds no face,
// or its answer cannot be used.
func (l *GeminiFaceLocator) Locate(ctx context.Context, imagePath string) (*models.FaceRegion, error) {
	data, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, nil
	}

	text, err := l.generate(ctx, data, http.DetectContentType(data))
	if err != nil {
		l.logger.Warn().Err(err).Str("image", imagePath).Msg("Gemini face location failed")
		return nil, nil
	}

	region, err := parseFaceResponse(text)
	if err != nil {
		l.logger.Warn().Err(err).Str("image", imagePath).Msg("Unusable face location response")
		return nil, nil
	}
	return region, nil
}

func (l *GeminiFaceLocator) generateContent(ctx context.Context, image []byte, mimeType string) (string, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  l.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create genai client: %w", err)
	}

	contents := []*genai.Content{
		genai.NewContentFromParts([]*genai.Part{
			genai.NewPartFromBytes(image, mimeType),
			genai.NewPartFromText(faceLocatePrompt),
		}, genai.RoleUser),
	}

	resp, err := client.Models.GenerateContent(ctx, l.model, contents, &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
	})
	if err != nil {
		return "", fmt.Errorf("gemini request failed: %w", err)
	}
	return resp.Text(), nil
}

func parseFaceResponse(text string) (*models.FaceRegion, error) {
	text = strings.TrimSpace(text)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var resp geminiFaceResponse
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &resp); err != nil {
		return nil, fmt.Errorf("failed to decode face response: %w", err)
	}
	if !resp.Found {
		return nil, nil
	}
	if len(resp.Box2D) != 4 {
		return nil, fmt.Errorf("box_2d must have 4 values, got %d", len(resp.Box2D))
	}

	ymin, xmin, ymax, xmax := resp.Box2D[0]/1000, resp.Box2D[1]/1000, resp.Box2D[2]/1000, resp.Box2D[3]/1000
	if xmax <= xmin || ymax <= ymin {
		return nil, fmt.Errorf("degenerate face box %v", resp.Box2D)
	}

	confidence := resp.Confidence
	if confidence <= 0 {
		confidence = 0.5
	}
	region := &models.FaceRegion{
		X:          xmin,
		Y:          ymin,
		Width:      xmax - xmin,
		Height:     ymax - ymin,
		Confidence: confidence,
	}
	if err := region.Validate(); err != nil {
		return nil, err
	}
	return region, nil
}
