package services

import (
	"fmt"
	"math/rand"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/bobarin/avatarvideo/internal/models"
)

// DefaultTemplates is the built-in catalog. Paths are relative to the
// template directory.
var DefaultTemplates = []models.VideoTemplate{
	{ID: "testimonial-female-1", Style: models.StyleTestimonial, Name: "Kitchen Testimonial", VideoPath: "templates/testimonial/testimonial-female-1.mp4", Duration: 30, Gender: models.GenderFemale, AgeRanges: []string{models.AgeRange18to25, models.AgeRange25to35}},
	{ID: "testimonial-female-2", Style: models.StyleTestimonial, Name: "Living Room Testimonial", VideoPath: "templates/testimonial/testimonial-female-2.mp4", Duration: 30, Gender: models.GenderFemale, AgeRanges: []string{models.AgeRange35to45, models.AgeRange45Plus}},
	{ID: "testimonial-male-1", Style: models.StyleTestimonial, Name: "Office Testimonial", VideoPath: "templates/testimonial/testimonial-male-1.mp4", Duration: 30, Gender: models.GenderMale, AgeRanges: []string{models.AgeRange25to35, models.AgeRange35to45}},
	{ID: "demo-female-1", Style: models.StyleDemo, Name: "Vanity Product Demo", VideoPath: "templates/demo/demo-female-1.mp4", Duration: 30, Gender: models.GenderFemale, AgeRanges: []string{models.AgeRange18to25, models.AgeRange25to35}},
	{ID: "demo-female-2", Style: models.StyleDemo, Name: "Studio Product Demo", VideoPath: "templates/demo/demo-female-2.mp4", Duration: 30, Gender: models.GenderFemale, AgeRanges: []string{models.AgeRange25to35, models.AgeRange35to45}},
	{ID: "demo-male-1", Style: models.StyleDemo, Name: "Desk Product Demo", VideoPath: "templates/demo/demo-male-1.mp4", Duration: 30, Gender: models.GenderMale, AgeRanges: []string{models.AgeRange18to25, models.AgeRange25to35, models.AgeRange35to45}},
	{ID: "demo-both-1", Style: models.StyleDemo, Name: "Tabletop Hands Demo", VideoPath: "templates/demo/demo-both-1.mp4", Duration: 30, Gender: models.GenderBoth, AgeRanges: []string{models.AgeRange45Plus}},
	{ID: "problem-solution-female-1", Style: models.StyleProblemSolution, Name: "Before and After", VideoPath: "templates/problem-solution/problem-solution-female-1.mp4", Duration: 30, Gender: models.GenderFemale, AgeRanges: []string{models.AgeRange18to25, models.AgeRange25to35, models.AgeRange35to45}},
	{ID: "problem-solution-male-1", Style: models.StyleProblemSolution, Name: "Garage Fix", VideoPath: "templates/problem-solution/problem-solution-male-1.mp4", Duration: 30, Gender: models.GenderMale, AgeRanges: []string{models.AgeRange25to35, models.AgeRange35to45, models.AgeRange45Plus}},
	{ID: "problem-solution-both-1", Style: models.StyleProblemSolution, Name: "Street Interview", VideoPath: "templates/problem-solution/problem-solution-both-1.mp4", Duration: 30, Gender: models.GenderBoth, AgeRanges: []string{models.AgeRange18to25, models.AgeRange45Plus}},
}

type catalogEntry struct {
	ID        string   `mapstructure:"id" validate:"required"`
	Style     string   `mapstructure:"style" validate:"required,oneof=testimonial demo problem-solution"`
	Name      string   `mapstructure:"name"`
	VideoPath string   `mapstructure:"video_path" validate:"required"`
	Duration  int      `mapstructure:"duration" validate:"gte=0"`
	Gender    string   `mapstructure:"gender" validate:"required,oneof=male female both"`
	AgeRanges []string `mapstructure:"age_ranges" validate:"dive,oneof=18-25 25-35 35-45 45+"`
}

// LoadTemplateCatalog reads a YAML or JSON catalog with a top-level
// "templates" list. An empty path yields the built-in catalog.
func LoadTemplateCatalog(path string) ([]models.VideoTemplate, error) {
	if path == "" {
		return DefaultTemplates, nil
	}

	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read template catalog %s: %w", path, err)
	}

	var doc struct {
		Templates []catalogEntry `mapstructure:"templates"`
	}
	if err := v.Unmarshal(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode template catalog %s: %w", path, err)
	}
	if len(doc.Templates) == 0 {
		return nil, fmt.Errorf("template catalog %s has no templates", path)
	}

	validate := validator.New()
	seen := make(map[string]bool, len(doc.Templates))
	templates := make([]models.VideoTemplate, 0, len(doc.Templates))
	for i, e := range doc.Templates {
		if err := validate.Struct(e); err != nil {
			return nil, fmt.Errorf("template catalog entry %d: %w", i, err)
		}
		if seen[e.ID] {
			return nil, fmt.Errorf("template catalog has duplicate id %q", e.ID)
		}
		seen[e.ID] = true

		templates = append(templates, models.VideoTemplate{
			ID:        e.ID,
			Style:     models.Style(e.Style),
			Name:      e.Name,
			VideoPath: e.VideoPath,
			Duration:  e.Duration,
			Gender:    models.Gender(e.Gender),
			AgeRanges: e.AgeRanges,
		})
	}
	return templates, nil
}

// TemplateSelector picks a background clip for a style, gender and optional
// age range among catalog entries whose files are present on disk.
type TemplateSelector struct {
	templates []models.VideoTemplate
	baseDir   string

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewTemplateSelector(templates []models.VideoTemplate, baseDir string) *TemplateSelector {
	return &TemplateSelector{
		templates: templates,
		baseDir:   baseDir,
		rnd:       rand.New(rand.NewSource(rand.Int63())),
	}
}

// Path resolves the template file location.
func (s *TemplateSelector) Path(t models.VideoTemplate) string {
	if filepath.IsAbs(t.VideoPath) {
		return t.VideoPath
	}
	return filepath.Join(s.baseDir, strings.TrimPrefix(t.VideoPath, "/"))
}

// candidates applies the catalog filters without checking the filesystem.
// Style always wins: when nothing matches the gender the gender constraint
// is dropped, and the age range only narrows a non-empty set.
func (s *TemplateSelector) candidates(style models.Style, gender models.Gender, ageRange string) []models.VideoTemplate {
	var byStyle, matched []models.VideoTemplate
	for _, t := range s.templates {
		if t.Style != style {
			continue
		}
		byStyle = append(byStyle, t)
		if t.Gender == gender || t.Gender == models.GenderBoth {
			matched = append(matched, t)
		}
	}
	if len(matched) == 0 {
		matched = byStyle
	}
	if len(matched) == 0 || ageRange == "" {
		return matched
	}

	var byAge []models.VideoTemplate
	for _, t := range matched {
		if t.HasAgeRange(ageRange) {
			byAge = append(byAge, t)
		}
	}
	if len(byAge) > 0 {
		return byAge
	}
	return matched
}

// Lookup returns the first catalog candidate ignoring file presence, or nil
// when the style has no entry at all. It lets callers name the missing file
// when Select comes back empty.
func (s *TemplateSelector) Lookup(style models.Style, gender models.Gender, ageRange string) *models.VideoTemplate {
	c := s.candidates(style, gender, ageRange)
	if len(c) == 0 {
		return nil
	}
	t := c[0]
	return &t
}

// Eligible returns the candidates whose file exists right now.
func (s *TemplateSelector) Eligible(style models.Style, gender models.Gender, ageRange string) []models.VideoTemplate {
	var present []models.VideoTemplate
	for _, t := range s.candidates(style, gender, ageRange) {
		if fileExists(s.Path(t)) {
			present = append(present, t)
		}
	}
	return present
}

// Select picks uniformly at random among the eligible templates.
func (s *TemplateSelector) Select(style models.Style, gender models.Gender, ageRange string) *models.VideoTemplate {
	eligible := s.Eligible(style, gender, ageRange)
	if len(eligible) == 0 {
		return nil
	}

	s.mu.Lock()
	i := s.rnd.Intn(len(eligible))
	s.mu.Unlock()

	t := eligible[i]
	return &t
}

// PresentCount reports how many catalog files exist on disk.
func (s *TemplateSelector) PresentCount() (present, total int) {
	for _, t := range s.templates {
		if fileExists(s.Path(t)) {
			present++
		}
	}
	return present, len(s.templates)
}
