package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/bobarin/avatarvideo/internal/logging"
)

// HTTPSpeechService calls a text-to-speech endpoint that answers with the
// URL of the rendered audio, then downloads that audio.
type HTTPSpeechService struct {
	endpoint string
	language string
	speed    float64
	client   *http.Client
	logger   zerolog.Logger
}

var _ SpeechSynthesizer = (*HTTPSpeechService)(nil)

func NewHTTPSpeechService(endpoint, language string, speed float64) *HTTPSpeechService {
	if language == "" {
		language = "en"
	}
	if speed <= 0 {
		speed = 1.0
	}
	return &HTTPSpeechService{
		endpoint: endpoint,
		language: language,
		speed:    speed,
		client:   &http.Client{Timeout: 90 * time.Second},
		logger:   logging.Component("tts"),
	}
}

type speechRequest struct {
	Text     string  `json:"text"`
	Language string  `json:"language"`
	Speed    float64 `json:"speed"`
}

type speechResponse struct {
	AudioURL string `json:"audioUrl"`
}

func (s *HTTPSpeechService) Synthesize(ctx context.Context, text, outputPath string) error {
	body, err := json.Marshal(speechRequest{Text: text, Language: s.language, Speed: s.speed})
	if err != nil {
		return fmt.Errorf("failed to marshal speech request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create speech request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	s.logger.Info().Str("endpoint", s.endpoint).Int("text_len", len(text)).Msg("Requesting speech")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("speech request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("speech service returned status %d: %s", resp.StatusCode, readErrorBody(resp))
	}

	var sr speechResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return fmt.Errorf("failed to decode speech response: %w", err)
	}
	if sr.AudioURL == "" {
		return fmt.Errorf("speech service returned no audioUrl")
	}

	audioURL, err := s.resolve(sr.AudioURL)
	if err != nil {
		return err
	}
	return s.download(ctx, audioURL, outputPath)
}

// resolve makes a relative audioUrl absolute against the endpoint.
func (s *HTTPSpeechService) resolve(ref string) (string, error) {
	base, err := url.Parse(s.endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid speech endpoint: %w", err)
	}
	u, err := base.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid audioUrl %q: %w", ref, err)
	}
	return u.String(), nil
}

func (s *HTTPSpeechService) download(ctx context.Context, audioURL, outputPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create audio request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("audio download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("audio download returned status %d", resp.StatusCode)
	}

	n, err := writeAudio(resp.Body, outputPath)
	if err != nil {
		return err
	}
	s.logger.Info().Int64("bytes", n).Msg("Speech audio saved")
	return nil
}
