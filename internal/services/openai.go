package services

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"github.com/bobarin/avatarvideo/internal/logging"
)

const defaultOpenAIVoice = "alloy"

// OpenAISpeechService synthesizes narration with the OpenAI speech endpoint.
type OpenAISpeechService struct {
	client *openai.Client
	voice  string
	speed  float64
	logger zerolog.Logger
}

var _ SpeechSynthesizer = (*OpenAISpeechService)(nil)

func NewOpenAISpeechService(apiKey, voice string, speed float64) *OpenAISpeechService {
	return NewOpenAISpeechServiceWithConfig(openai.DefaultConfig(apiKey), voice, speed)
}

// NewOpenAISpeechServiceWithConfig allows pointing the client at another base URL.
func NewOpenAISpeechServiceWithConfig(cfg openai.ClientConfig, voice string, speed float64) *OpenAISpeechService {
	if voice == "" {
		voice = defaultOpenAIVoice
	}
	if speed <= 0 {
		speed = 1.0
	}
	return &OpenAISpeechService{
		client: openai.NewClientWithConfig(cfg),
		voice:  voice,
		speed:  speed,
		logger: logging.Component("tts"),
	}
}

func (s *OpenAISpeechService) Synthesize(ctx context.Context, text, outputPath string) error {
	s.logger.Info().Str("provider", "openai").Str("voice", s.voice).Int("text_len", len(text)).Msg("Generating speech")

	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.TTSModel1,
		Input:          text,
		Voice:          openai.SpeechVoice(s.voice),
		ResponseFormat: openai.SpeechResponseFormatWav,
		Speed:          s.speed,
	})
	if err != nil {
		return fmt.Errorf("openai speech request failed: %w", err)
	}
	defer resp.Close()

	n, err := writeAudio(resp, outputPath)
	if err != nil {
		return err
	}
	s.logger.Info().Str("provider", "openai").Int64("bytes", n).Msg("Speech audio saved")
	return nil
}
