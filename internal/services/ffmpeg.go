package services

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/bobarin/avatarvideo/internal/logging"
	"github.com/bobarin/avatarvideo/internal/models"
)

// Encoding and layout constants for the composed video.
const (
	faceWidthRatio = 0.4  // face crop width as a fraction of template width
	musicVolume    = 0.12 // background music sits well under the narration
	watermarkInset = 24   // pixels from the bottom-right corner

	videoCodec   = "libx264"
	videoPreset  = "fast"
	videoCRF     = "23"
	audioCodec   = "aac"
	audioBitrate = "128k"
)

// ComposeSpec describes one full composition.
type ComposeSpec struct {
	TemplatePath  string
	FacePath      string
	AudioPath     string
	OutputPath    string
	MusicPath     string             // optional
	WatermarkPath string             // optional
	Face          *models.FaceRegion // optional crop of FacePath
	Duration      float64            // seconds
}

// MediaTool is the narrow surface the pipeline needs from the media toolchain.
type MediaTool interface {
	Compose(ctx context.Context, spec ComposeSpec) error
	ComposeSimple(ctx context.Context, templatePath, audioPath, outputPath string, duration float64) error
	ProbeDuration(ctx context.Context, path string) (float64, error)
}

// ---------------------------------------------------------------------------
// FFmpegService
// ---------------------------------------------------------------------------

type FFmpegService struct {
	ffmpegPath  string
	ffprobePath string
	timeout     time.Duration
	logger      zerolog.Logger
}

var _ MediaTool = (*FFmpegService)(nil)

func NewFFmpegService(ffmpegPath, ffprobePath string, timeout time.Duration) *FFmpegService {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpegService{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		timeout:     timeout,
		logger:      logging.Component("ffmpeg"),
	}
}

// Binaries returns the configured ffmpeg and ffprobe paths.
func (s *FFmpegService) Binaries() []string {
	return []string{s.ffmpegPath, s.ffprobePath}
}

// Compose overlays the face crop centred on the template, replaces the
// template audio with the narration, and optionally mixes music and burns
// in a watermark.
func (s *FFmpegService) Compose(ctx context.Context, spec ComposeSpec) error {
	if spec.Duration <= 0 {
		return fmt.Errorf("compose: duration must be positive, got %.2f", spec.Duration)
	}

	args := buildComposeArgs(spec)
	s.logger.Info().
		Str("template", spec.TemplatePath).
		Bool("music", spec.MusicPath != "").
		Bool("watermark", spec.WatermarkPath != "").
		Float64("duration", spec.Duration).
		Msg("Composing video")

	if _, err := runTool(ctx, s.timeout, s.ffmpegPath, args...); err != nil {
		return fmt.Errorf("ffmpeg compose failed: %w", err)
	}
	return nil
}

// ComposeSimple keeps the template video untouched and attaches the narration,
// ending with the shorter of the two streams.
func (s *FFmpegService) ComposeSimple(ctx context.Context, templatePath, audioPath, outputPath string, duration float64) error {
	args := buildSimpleArgs(templatePath, audioPath, outputPath, duration)
	s.logger.Warn().Str("template", templatePath).Msg("Composing reduced video (template + narration only)")

	if _, err := runTool(ctx, s.timeout, s.ffmpegPath, args...); err != nil {
		return fmt.Errorf("ffmpeg simple compose failed: %w", err)
	}
	return nil
}

// ProbeDuration returns the container duration of a media file in seconds.
func (s *FFmpegService) ProbeDuration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	out, err := runTool(ctx, s.timeout, s.ffprobePath, args...)
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed: %w", err)
	}

	return parseProbeDuration(out)
}

// ConvertToWAV decodes any audio ffmpeg understands into 16 kHz mono PCM.
func (s *FFmpegService) ConvertToWAV(ctx context.Context, inputPath, outputPath string) error {
	args := []string{
		"-y",
		"-i", inputPath,
		"-vn",
		"-ac", "1",
		"-ar", "16000",
		"-c:a", "pcm_s16le",
		outputPath,
	}
	if _, err := runTool(ctx, s.timeout, s.ffmpegPath, args...); err != nil {
		return fmt.Errorf("ffmpeg audio conversion failed: %w", err)
	}
	return nil
}

func parseProbeDuration(out []byte) (float64, error) {
	raw := strings.TrimSpace(string(out))
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse duration %q: %w", raw, err)
	}
	if seconds <= 0 {
		return 0, fmt.Errorf("non-positive duration %q", raw)
	}
	return seconds, nil
}

// buildComposeArgs assembles the ffmpeg invocation for a full composition.
// Inputs: 0 template, 1 face image, 2 narration, then optional music and
// watermark in that order.
func buildComposeArgs(spec ComposeSpec) []string {
	args := []string{
		"-y",
		"-i", spec.TemplatePath,
		"-loop", "1", "-i", spec.FacePath,
		"-i", spec.AudioPath,
	}

	next := 3
	musicIdx, watermarkIdx := -1, -1
	if spec.MusicPath != "" {
		args = append(args, "-stream_loop", "-1", "-i", spec.MusicPath)
		musicIdx = next
		next++
	}
	if spec.WatermarkPath != "" {
		args = append(args, "-i", spec.WatermarkPath)
		watermarkIdx = next
	}

	var graph []string

	face := "[1:v]"
	if spec.Face != nil {
		f := spec.Face
		graph = append(graph, fmt.Sprintf("[1:v]crop=iw*%.4f:ih*%.4f:iw*%.4f:ih*%.4f[crop]", f.Width, f.Height, f.X, f.Y))
		face = "[crop]"
	}
	graph = append(graph,
		fmt.Sprintf("%s[0:v]scale2ref=w=main_w*%.2f:h=ow/a[face][base]", face, faceWidthRatio),
		"[base][face]overlay=(W-w)/2:(H-h)/2:shortest=1[vface]",
	)

	videoOut := "[vface]"
	if watermarkIdx >= 0 {
		graph = append(graph, fmt.Sprintf("[vface][%d:v]overlay=W-w-%d:H-h-%d[vout]", watermarkIdx, watermarkInset, watermarkInset))
		videoOut = "[vout]"
	}

	audioOut := "2:a"
	if musicIdx >= 0 {
		graph = append(graph, fmt.Sprintf(
			"[2:a]volume=1.0[narration];[%d:a]volume=%.2f[music];[narration][music]amix=inputs=2:duration=first:dropout_transition=3[aout]",
			musicIdx, musicVolume))
		audioOut = "[aout]"
	}

	args = append(args,
		"-filter_complex", strings.Join(graph, ";"),
		"-map", videoOut,
		"-map", audioOut,
		"-c:v", videoCodec,
		"-preset", videoPreset,
		"-crf", videoCRF,
		"-pix_fmt", "yuv420p",
		"-c:a", audioCodec,
		"-b:a", audioBitrate,
		"-movflags", "+faststart",
		"-t", formatSeconds(spec.Duration),
		spec.OutputPath,
	)
	return args
}

func buildSimpleArgs(templatePath, audioPath, outputPath string, duration float64) []string {
	args := []string{
		"-y",
		"-i", templatePath,
		"-i", audioPath,
		"-map", "0:v",
		"-map", "1:a",
		"-c:v", "copy",
		"-c:a", audioCodec,
		"-b:a", audioBitrate,
		"-shortest",
	}
	if duration > 0 {
		args = append(args, "-t", formatSeconds(duration))
	}
	return append(args, outputPath)
}

func formatSeconds(d float64) string {
	return strconv.FormatFloat(d, 'f', 3, 64)
}

// fileExists reports whether path names an existing regular file.
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
