package services

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bobarin/avatarvideo/internal/logging"
	"github.com/bobarin/avatarvideo/internal/models"
)

// Placeholder cue layout used when the lip-sync tool is unavailable.
const (
	placeholderDuration = 5.0
	placeholderInterval = 0.1
)

var placeholderShapes = []string{"A", "B", "C", "D", "E", "F"}

// MouthShapeAnalyzer turns narration audio into mouth-shape cues. It never
// fails; a synthetic sequence stands in when real analysis is impossible.
type MouthShapeAnalyzer interface {
	Analyze(ctx context.Context, audioPath, outputPath string) *models.MouthShapeSequence
}

// DurationProber reports the length of a media file in seconds.
type DurationProber interface {
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

// AudioConverter rewrites an audio file as WAV.
type AudioConverter interface {
	ConvertToWAV(ctx context.Context, inputPath, outputPath string) error
}

// LipSyncService runs Rhubarb Lip Sync as a subprocess.
type LipSyncService struct {
	rhubarbPath string
	timeout     time.Duration
	prober      DurationProber // optional, sizes the placeholder to the audio
	converter   AudioConverter // optional, feeds non-WAV narration to the tool
	logger      zerolog.Logger
}

var _ MouthShapeAnalyzer = (*LipSyncService)(nil)

func NewLipSyncService(rhubarbPath string, timeout time.Duration, prober DurationProber) *LipSyncService {
	if rhubarbPath == "" {
		rhubarbPath = "rhubarb"
	}
	converter, _ := prober.(AudioConverter)
	return &LipSyncService{
		rhubarbPath: rhubarbPath,
		timeout:     timeout,
		prober:      prober,
		converter:   converter,
		logger:      logging.Component("lipsync"),
	}
}

// Binary returns the configured lip-sync executable.
func (s *LipSyncService) Binary() string {
	return s.rhubarbPath
}

// rhubarbDocument is the on-disk JSON shape of the lip-sync tool. Some
// builds nest the cues under metadata, so both locations are read.
type rhubarbDocument struct {
	Metadata struct {
		SoundFile string            `json:"soundFile,omitempty"`
		Duration  float64           `json:"duration"`
		MouthCues []models.MouthCue `json:"mouthCues,omitempty"`
	} `json:"metadata"`
	MouthCues []models.MouthCue `json:"mouthCues"`
}

func (d *rhubarbDocument) cues() []models.MouthCue {
	if len(d.MouthCues) > 0 {
		return d.MouthCues
	}
	return d.Metadata.MouthCues
}

// Analyze produces mouth cues for audioPath. When outputPath is set the
// sequence is also left there in the tool's JSON format, whether it came
// from the tool or from the placeholder.
func (s *LipSyncService) Analyze(ctx context.Context, audioPath, outputPath string) *models.MouthShapeSequence {
	seq, err := s.runRhubarb(ctx, audioPath, outputPath)
	if err == nil {
		s.logger.Info().Int("cues", len(seq.Cues)).Float64("duration", seq.Duration).Msg("Lip-sync analysis complete")
		return seq
	}

	s.logger.Warn().Err(err).Str("audio", audioPath).Msg("Lip-sync tool unavailable, using placeholder cues")

	duration := placeholderDuration
	if s.prober != nil && fileExists(audioPath) {
		if d, perr := s.prober.ProbeDuration(ctx, audioPath); perr == nil && d > 0 {
			duration = d
		}
	}

	seq = PlaceholderMouthShapes(duration)
	if outputPath != "" {
		if werr := writeMouthShapes(outputPath, audioPath, seq); werr != nil {
			s.logger.Warn().Err(werr).Str("path", outputPath).Msg("Failed to persist placeholder cues")
		}
	}
	return seq
}

// toolInput returns a path the tool can read. Rhubarb only decodes WAV and
// Ogg Vorbis, so anything else is converted next to the original first.
func (s *LipSyncService) toolInput(ctx context.Context, audioPath string) (string, error) {
	ext := strings.ToLower(filepath.Ext(audioPath))
	if ext == ".wav" || ext == ".ogg" || s.converter == nil {
		return audioPath, nil
	}

	wavPath := strings.TrimSuffix(audioPath, filepath.Ext(audioPath)) + ".lipsync.wav"
	if err := s.converter.ConvertToWAV(ctx, audioPath, wavPath); err != nil {
		return "", err
	}
	return wavPath, nil
}

func (s *LipSyncService) runRhubarb(ctx context.Context, audioPath, outputPath string) (*models.MouthShapeSequence, error) {
	input, err := s.toolInput(ctx, audioPath)
	if err != nil {
		return nil, err
	}
	if input != audioPath {
		defer os.Remove(input)
	}

	out := outputPath
	if out == "" {
		f, err := os.CreateTemp("", "lipsync-*.json")
		if err != nil {
			return nil, fmt.Errorf("failed to create lip-sync output: %w", err)
		}
		out = f.Name()
		f.Close()
		defer os.Remove(out)
	}

	if _, err := runTool(ctx, s.timeout, s.rhubarbPath, input, "-f", "json", "-o", out); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("failed to read lip-sync output: %w", err)
	}
	return parseMouthShapes(data)
}

func parseMouthShapes(data []byte) (*models.MouthShapeSequence, error) {
	var doc rhubarbDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse lip-sync output: %w", err)
	}

	cues := doc.cues()
	if len(cues) == 0 {
		return nil, fmt.Errorf("lip-sync output has no mouth cues")
	}

	seq := &models.MouthShapeSequence{Cues: cues, Duration: doc.Metadata.Duration}
	if seq.Duration <= 0 {
		seq.Duration = cues[len(cues)-1].End
	}
	if err := seq.Validate(); err != nil {
		return nil, err
	}
	return seq, nil
}

// PlaceholderMouthShapes returns evenly spaced cues cycling through the
// basic shapes for the given duration.
func PlaceholderMouthShapes(duration float64) *models.MouthShapeSequence {
	if duration <= 0 {
		duration = placeholderDuration
	}

	n := int(math.Ceil(math.Round(duration/placeholderInterval*1000) / 1000))
	if n < 1 {
		n = 1
	}

	cues := make([]models.MouthCue, 0, n)
	for i := 0; i < n; i++ {
		start := roundMillis(float64(i) * placeholderInterval)
		end := roundMillis(math.Min(float64(i+1)*placeholderInterval, duration))
		cues = append(cues, models.MouthCue{
			Start: start,
			End:   end,
			Shape: placeholderShapes[i%len(placeholderShapes)],
		})
	}

	return &models.MouthShapeSequence{Cues: cues, Duration: duration, Placeholder: true}
}

func writeMouthShapes(path, audioPath string, seq *models.MouthShapeSequence) error {
	var doc rhubarbDocument
	doc.Metadata.SoundFile = audioPath
	doc.Metadata.Duration = seq.Duration
	doc.MouthCues = seq.Cues

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func roundMillis(v float64) float64 {
	return math.Round(v*1000) / 1000
}
