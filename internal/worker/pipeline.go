package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/bobarin/avatarvideo/internal/db"
	"github.com/bobarin/avatarvideo/internal/logging"
	"github.com/bobarin/avatarvideo/internal/metrics"
	"github.com/bobarin/avatarvideo/internal/models"
	"github.com/bobarin/avatarvideo/internal/services"
	"github.com/bobarin/avatarvideo/internal/storage"
)

// Failure classes. The persisted message is carried by JobError.
var (
	ErrCharacterOrScriptNotFound = errors.New("character or script not found")
	ErrNoScriptVariant           = errors.New("no script variation selected")
	ErrAssetFetch                = errors.New("character image unavailable")
	ErrFaceNotFound              = errors.New("face detection failed")
	ErrSpeechFailed              = errors.New("speech synthesis failed")
	ErrNoTemplate                = errors.New("no template for style")
	ErrTemplateMissing           = errors.New("template file missing")
	ErrCompositionFailed         = errors.New("composition failed")
	ErrUploadFailed              = errors.New("upload failed")
	ErrInternal                  = errors.New("internal error")
)

// File names inside the job directory.
const (
	characterImageFile = "character-image"
	speechAudioFile    = "speech" // extension follows the speech provider
	lipSyncFile        = "lip-sync.json"
	finalVideoFile     = "final-video.mp4"
)

// JobError is a pipeline failure with the message shown to the user.
type JobError struct {
	Message string
	Kind    error
	Cause   error
}

func (e *JobError) Error() string {
	return e.Message
}

func (e *JobError) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Cause}
}

func jobError(kind error, cause error, format string, args ...interface{}) *JobError {
	return &JobError{Message: fmt.Sprintf(format, args...), Kind: kind, Cause: cause}
}

// recovered wraps fn so a panic comes back as an ErrInternal JobError.
func recovered(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = jobError(ErrInternal, fmt.Errorf("panic: %v", r), "Internal error: %v", r)
			}
		}()
		return fn()
	}
}

// failureMessage is what lands in the job record's error_message.
func failureMessage(err error) string {
	var je *JobError
	if errors.As(err, &je) {
		return je.Message
	}
	return err.Error()
}

// JobStore is the slice of the database the pipeline touches.
type JobStore interface {
	GetCharacter(ctx context.Context, tenantID, id string) (*models.CharacterProfile, error)
	GetScript(ctx context.Context, tenantID, id string) (*models.Script, error)
	MarkVideoGenerating(ctx context.Context, id string) error
	MarkVideoReady(ctx context.Context, id string, result db.VideoResult) error
	MarkVideoFailed(ctx context.Context, id, errorMessage string) error
}

// TemplatePicker chooses and resolves template clips.
type TemplatePicker interface {
	Select(style models.Style, gender models.Gender, ageRange string) *models.VideoTemplate
	Lookup(style models.Style, gender models.Gender, ageRange string) *models.VideoTemplate
	Path(t models.VideoTemplate) string
}

// PipelineConfig holds filesystem settings for the pipeline.
type PipelineConfig struct {
	WorkDir             string
	BackgroundMusicPath string
	WatermarkPath       string
}

// Deps are the collaborators of the pipeline.
type Deps struct {
	Store     JobStore
	Images    services.ImageFetcher
	Faces     services.FaceLocator
	Speech    services.SpeechSynthesizer
	Mouths    services.MouthShapeAnalyzer
	Templates TemplatePicker
	Media     services.MediaTool
	Drive     storage.Drive
}

// Pipeline turns a VideoGenerationRequest into a finished, uploaded video.
type Pipeline struct {
	Deps
	cfg    PipelineConfig
	logger zerolog.Logger
	now    func() time.Time
}

func NewPipeline(deps Deps, cfg PipelineConfig) *Pipeline {
	if cfg.WorkDir == "" {
		cfg.WorkDir = os.TempDir()
	}
	return &Pipeline{
		Deps:   deps,
		cfg:    cfg,
		logger: logging.Component("pipeline"),
		now:    time.Now,
	}
}

// ProcessVideoGeneration runs one job to a terminal state. The record is
// set to generating first and ends as ready or failed; a failure is also
// returned so the queue can apply its retry policy.
func (p *Pipeline) ProcessVideoGeneration(ctx context.Context, req models.VideoGenerationRequest) error {
	started := p.now()
	logger := p.logger.With().Str("video_id", req.VideoID).Str("tenant_id", req.TenantID).Logger()

	if err := p.Store.MarkVideoGenerating(ctx, req.VideoID); err != nil {
		return fmt.Errorf("failed to mark video %s generating: %w", req.VideoID, err)
	}
	logger.Info().Str("style", string(req.Style)).Msg("Video generation started")

	metrics.JobsInProgress.Inc()
	defer metrics.JobsInProgress.Dec()

	err := recovered(func() error { return p.run(ctx, req, logger) })()
	elapsed := p.now().Sub(started).Seconds()

	if err != nil {
		msg := failureMessage(err)
		logger.Error().Err(err).Str("error_message", msg).Msg("Video generation failed")

		// Record the failure even if the job context is already done.
		if merr := p.Store.MarkVideoFailed(context.WithoutCancel(ctx), req.VideoID, msg); merr != nil {
			logger.Error().Err(merr).Msg("Failed to record video failure")
		}
		metrics.RecordJobFinished(string(models.VideoStatusFailed), elapsed)
		return err
	}

	metrics.RecordJobFinished(string(models.VideoStatusReady), elapsed)
	logger.Info().Float64("elapsed_s", elapsed).Msg("Video generation complete")
	return nil
}

func (p *Pipeline) run(ctx context.Context, req models.VideoGenerationRequest, logger zerolog.Logger) error {
	character, script, err := p.loadInputs(ctx, req)
	if err != nil {
		return err
	}

	variant := script.Selected()
	if variant == nil || strings.TrimSpace(variant.Text) == "" {
		return jobError(ErrNoScriptVariant, nil, "No script variation selected")
	}

	jobDir, err := p.makeJobDir(req)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := os.RemoveAll(jobDir); rerr != nil {
			logger.Warn().Err(rerr).Str("dir", jobDir).Msg("Failed to remove job directory")
		}
	}()

	// Character image and face
	imagePath := filepath.Join(jobDir, characterImageFile)
	err = p.phase("asset", func() error {
		return p.Images.FetchImage(ctx, character.ImageURL, imagePath)
	})
	if err != nil {
		return jobError(ErrAssetFetch, err, "Failed to load character image: %v", err)
	}

	var face *models.FaceRegion
	err = p.phase("face", func() error {
		var lerr error
		face, lerr = p.Faces.Locate(ctx, imagePath)
		return lerr
	})
	if err != nil || face == nil {
		return jobError(ErrFaceNotFound, err, "Face detection failed")
	}

	// Narration and template have no dependency on each other.
	gender := models.GenderFemale
	if character.Gender != nil && *character.Gender != "" {
		gender = models.Gender(*character.Gender)
	}
	ageRange := ""
	if character.AgeRange != nil {
		ageRange = *character.AgeRange
	}

	audioPath := filepath.Join(jobDir, speechAudioFile+services.AudioExtension(p.Speech))
	var templatePath string

	g, gctx := errgroup.WithContext(ctx)
	g.Go(recovered(func() error {
		return p.phase("speech", func() error {
			if err := p.Speech.Synthesize(gctx, variant.Text, audioPath); err != nil {
				return jobError(ErrSpeechFailed, err, "Audio generation failed: %v", err)
			}
			return nil
		})
	}))
	g.Go(recovered(func() error {
		path, err := p.pickTemplate(req.Style, gender, ageRange)
		templatePath = path
		return err
	}))
	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info().Str("template", templatePath).Msg("Narration and template ready")

	// Mouth shapes never fail; placeholder cues count as a fallback. The
	// phase callback always returns nil, so its result carries nothing.
	var mouths *models.MouthShapeSequence
	_ = p.phase("lipsync", func() error {
		mouths = p.Mouths.Analyze(ctx, audioPath, filepath.Join(jobDir, lipSyncFile))
		return nil
	})
	if mouths == nil || mouths.Placeholder {
		metrics.RecordFallback(metrics.FallbackLipSync)
	}

	// Composition with a single reduced fallback
	spec := services.ComposeSpec{
		TemplatePath:  templatePath,
		FacePath:      imagePath,
		AudioPath:     audioPath,
		OutputPath:    filepath.Join(jobDir, finalVideoFile),
		MusicPath:     optionalFile(p.cfg.BackgroundMusicPath),
		WatermarkPath: optionalFile(p.cfg.WatermarkPath),
		Face:          face,
		Duration:      float64(variant.EffectiveDuration()),
	}
	video, err := p.compose(ctx, spec, logger)
	if err != nil {
		return err
	}

	// Upload
	data, err := os.ReadFile(video.Path)
	if err != nil {
		return jobError(ErrCompositionFailed, err, "Composed video is missing: %v", err)
	}

	var file *models.DriveFile
	err = p.phase("upload", func() error {
		var uerr error
		file, uerr = p.Drive.UploadVideo(ctx, data, req.TenantID, displayName(script), req.VideoID)
		return uerr
	})
	if err != nil {
		return jobError(ErrUploadFailed, err, "Video upload failed: %v", err)
	}

	result := db.VideoResult{
		VideoURL:    file.URL,
		DriveFileID: file.ID,
		Duration:    int(math.Round(video.Duration)),
		Degraded:    video.Reduced,
	}
	if err := p.Store.MarkVideoReady(ctx, req.VideoID, result); err != nil {
		return fmt.Errorf("failed to mark video ready: %w", err)
	}
	return nil
}

// compose renders spec.OutputPath, falling back once to the template with
// narration only. The result's duration is measured from the output, or
// spec.Duration when that is not possible.
func (p *Pipeline) compose(ctx context.Context, spec services.ComposeSpec, logger zerolog.Logger) (*models.CompositionResult, error) {
	result := &models.CompositionResult{Path: spec.OutputPath}

	err := p.phase("compose", func() error { return p.Media.Compose(ctx, spec) })
	if err != nil {
		logger.Warn().Err(err).Msg("Full composition failed, falling back to template and narration only")
		metrics.RecordFallback(metrics.FallbackComposition)
		result.Reduced = true

		ferr := p.phase("compose_simple", func() error {
			return p.Media.ComposeSimple(ctx, spec.TemplatePath, spec.AudioPath, spec.OutputPath, spec.Duration)
		})
		if ferr != nil {
			return nil, jobError(ErrCompositionFailed, errors.Join(err, ferr),
				"Video composition failed: %v; fallback composition failed: %v", err, ferr)
		}
	}

	duration, err := p.Media.ProbeDuration(ctx, result.Path)
	if err != nil {
		logger.Warn().Err(err).Float64("default_s", spec.Duration).Msg("Duration measurement failed, using script duration")
		metrics.RecordFallback(metrics.FallbackDuration)
		duration = spec.Duration
	}
	result.Duration = duration
	return result, nil
}

// loadInputs resolves character and script concurrently.
func (p *Pipeline) loadInputs(ctx context.Context, req models.VideoGenerationRequest) (*models.CharacterProfile, *models.Script, error) {
	var character *models.CharacterProfile
	var script *models.Script

	g, gctx := errgroup.WithContext(ctx)
	g.Go(recovered(func() error {
		var err error
		character, err = p.Store.GetCharacter(gctx, req.TenantID, req.CharacterID)
		return err
	}))
	g.Go(recovered(func() error {
		var err error
		script, err = p.Store.GetScript(gctx, req.TenantID, req.ScriptID)
		return err
	}))

	if err := g.Wait(); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, nil, jobError(ErrCharacterOrScriptNotFound, err, "Character or script not found")
		}
		return nil, nil, fmt.Errorf("failed to load character or script: %w", err)
	}
	if character == nil || script == nil {
		return nil, nil, jobError(ErrCharacterOrScriptNotFound, nil, "Character or script not found")
	}
	return character, script, nil
}

// pickTemplate returns the on-disk path of a template for the request. When
// the catalog has a match but none of its files exist, the error names the
// file that was expected.
func (p *Pipeline) pickTemplate(style models.Style, gender models.Gender, ageRange string) (string, error) {
	if t := p.Templates.Select(style, gender, ageRange); t != nil {
		return p.Templates.Path(*t), nil
	}

	t := p.Templates.Lookup(style, gender, ageRange)
	if t == nil {
		return "", jobError(ErrNoTemplate, nil, "No template found for style: %s", style)
	}
	return "", jobError(ErrTemplateMissing, nil, "Template file not found: %s", p.Templates.Path(*t))
}

// makeJobDir creates a directory owned by this job alone.
func (p *Pipeline) makeJobDir(req models.VideoGenerationRequest) (string, error) {
	tenantDir := filepath.Join(p.cfg.WorkDir, filepath.Base(req.TenantID), "ai-influencer", "videos")
	if err := os.MkdirAll(tenantDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create work directory: %w", err)
	}
	dir, err := os.MkdirTemp(tenantDir, filepath.Base(req.VideoID)+"-*")
	if err != nil {
		return "", fmt.Errorf("failed to create job directory: %w", err)
	}
	return dir, nil
}

func (p *Pipeline) phase(name string, fn func() error) error {
	start := p.now()
	err := fn()
	metrics.RecordPhase(name, p.now().Sub(start).Seconds())
	return err
}

// displayName is the human-readable name of the uploaded file.
func displayName(script *models.Script) string {
	product := "Video"
	if script.ProductName != nil && *script.ProductName != "" {
		product = *script.ProductName
	}
	return "AI Influencer Video - " + product
}

// optionalFile returns path when it names an existing file, else "".
func optionalFile(path string) string {
	if path == "" {
		return ""
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return ""
	}
	return path
}
