package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/bobarin/avatarvideo/internal/logging"
)

// ---------------------------------------------------------------------------
// ElevenLabs Text-to-Speech Service
// Model: eleven_flash_v2_5, MP3 output.
// ---------------------------------------------------------------------------

const (
	elevenLabsBaseURL      = "https://api.elevenlabs.io"
	elevenLabsDefaultModel = "eleven_flash_v2_5"
	elevenLabsDefaultVoice = "EXAVITQu4vr4xnSDxMaL"
	elevenLabsOutputFormat = "mp3_44100_128"
)

type ElevenLabsService struct {
	apiKey  string
	voiceID string
	modelID string
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

var _ SpeechSynthesizer = (*ElevenLabsService)(nil)

// NewElevenLabsService creates the service; an empty voiceID uses the default voice.
func NewElevenLabsService(apiKey, voiceID string) *ElevenLabsService {
	if voiceID == "" {
		voiceID = elevenLabsDefaultVoice
	}
	return &ElevenLabsService{
		apiKey:  apiKey,
		voiceID: voiceID,
		modelID: elevenLabsDefaultModel,
		baseURL: elevenLabsBaseURL,
		client:  &http.Client{Timeout: 90 * time.Second},
		logger:  logging.Component("tts"),
	}
}

type elevenLabsRequest struct {
	Text          string                   `json:"text"`
	ModelID       string                   `json:"model_id"`
	VoiceSettings *elevenLabsVoiceSettings `json:"voice_settings,omitempty"`
}

type elevenLabsVoiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style,omitempty"`
	UseSpeakerBoost bool    `json:"use_speaker_boost,omitempty"`
}

// AudioExtension reports the MP3 container requested from the API.
func (s *ElevenLabsService) AudioExtension() string {
	return ".mp3"
}

func (s *ElevenLabsService) Synthesize(ctx context.Context, text, outputPath string) error {
	reqBody := elevenLabsRequest{
		Text:    text,
		ModelID: s.modelID,
		VoiceSettings: &elevenLabsVoiceSettings{
			Stability:       0.5,
			SimilarityBoost: 0.75,
			Style:           0.3, // conversational, spokesperson-like delivery
			UseSpeakerBoost: true,
		},
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return fmt.Errorf("failed to marshal ElevenLabs request: %w", err)
	}

	// POST /v1/text-to-speech/{voice_id}?output_format=mp3_44100_128
	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s", s.baseURL, s.voiceID, elevenLabsOutputFormat)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create ElevenLabs request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("xi-api-key", s.apiKey)

	s.logger.Info().Str("provider", "elevenlabs").Str("voice", s.voiceID).Int("text_len", len(text)).Msg("Generating speech")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("ElevenLabs request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ElevenLabs returned status %d: %s", resp.StatusCode, readErrorBody(resp))
	}

	// The response body is the audio file.
	n, err := writeAudio(resp.Body, outputPath)
	if err != nil {
		return err
	}
	s.logger.Info().Str("provider", "elevenlabs").Int64("bytes", n).Msg("Speech audio saved")
	return nil
}
