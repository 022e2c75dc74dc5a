package services

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
)

// ---------------------------------------------------------------------------
// SpeechSynthesizer is the common interface for text-to-speech providers.
// The pipeline writes narration to a file inside the job directory and
// does not care which provider produced it.
// ---------------------------------------------------------------------------

// SpeechSynthesizer converts script text into an audio file at outputPath.
// Any error is fatal to the job.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, text, outputPath string) error
}

// AudioFormat is implemented by providers whose output is not WAV.
type AudioFormat interface {
	AudioExtension() string
}

// AudioExtension returns the file extension, with the dot, that matches
// what s writes. Providers default to WAV.
func AudioExtension(s SpeechSynthesizer) string {
	if f, ok := s.(AudioFormat); ok {
		if ext := f.AudioExtension(); ext != "" {
			return ext
		}
	}
	return ".wav"
}

// maxAudioBytes bounds a single narration download.
const maxAudioBytes = 100 << 20

// writeAudio streams body into outputPath and fails on empty audio.
func writeAudio(body io.Reader, outputPath string) (int64, error) {
	f, err := os.Create(outputPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create audio file: %w", err)
	}

	n, err := io.Copy(f, io.LimitReader(body, maxAudioBytes))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("failed to write audio file: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("speech provider returned empty audio")
	}
	return n, nil
}

func readErrorBody(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	return string(body)
}
