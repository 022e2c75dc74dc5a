package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONBScan(t *testing.T) {
	var j JSONB
	require.NoError(t, j.Scan([]byte(`[{"text": "hi", "duration": 20}]`)))
	assert.JSONEq(t, `[{"text": "hi", "duration": 20}]`, string(j))

	require.NoError(t, j.Scan(nil))
	assert.Nil(t, j)

	assert.Error(t, j.Scan(42))
}

func TestJSONBValue(t *testing.T) {
	v, err := JSONB(`{"a":1}`).Value()
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), v)

	v, err = JSONB(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestVideoStatusIsTerminal(t *testing.T) {
	assert.False(t, VideoStatusQueued.IsTerminal())
	assert.False(t, VideoStatusGenerating.IsTerminal())
	assert.True(t, VideoStatusReady.IsTerminal())
	assert.True(t, VideoStatusFailed.IsTerminal())
}

func TestScriptSelected(t *testing.T) {
	variants := []ScriptVariant{{Text: "first"}, {Text: "second", Duration: 45}}
	idx := func(i int) *int { return &i }

	tests := []struct {
		name     string
		script   Script
		wantText string
		wantNil  bool
	}{
		{name: "no selection uses first", script: Script{Variations: variants}, wantText: "first"},
		{name: "explicit selection", script: Script{Variations: variants, SelectedVariation: idx(1)}, wantText: "second"},
		{name: "out of range", script: Script{Variations: variants, SelectedVariation: idx(5)}, wantNil: true},
		{name: "negative index", script: Script{Variations: variants, SelectedVariation: idx(-1)}, wantNil: true},
		{name: "no variants", script: Script{}, wantNil: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.script.Selected()
			if tt.wantNil {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.wantText, got.Text)
		})
	}
}

func TestScriptVariantEffectiveDuration(t *testing.T) {
	assert.Equal(t, DefaultScriptDuration, ScriptVariant{}.EffectiveDuration())
	assert.Equal(t, 45, ScriptVariant{Duration: 45}.EffectiveDuration())
}

func TestFaceRegionValidate(t *testing.T) {
	ok := FaceRegion{X: 0.3, Y: 0.2, Width: 0.4, Height: 0.5, Confidence: 0.5}
	assert.NoError(t, ok.Validate())

	bad := ok
	bad.Width = 1.2
	assert.Error(t, bad.Validate())

	badLandmark := ok
	badLandmark.Landmarks = []Point{{X: 0.5, Y: -0.1}}
	assert.Error(t, badLandmark.Validate())
}

func TestMouthShapeSequenceValidate(t *testing.T) {
	seq := MouthShapeSequence{Cues: []MouthCue{
		{Start: 0, End: 0.1, Shape: "A"},
		{Start: 0.1, End: 0.1, Shape: "B"},
		{Start: 0.1, End: 0.3, Shape: "C"},
	}}
	assert.NoError(t, seq.Validate())

	seq.Cues = append(seq.Cues, MouthCue{Start: 0.2, End: 0.4, Shape: "D"})
	assert.Error(t, seq.Validate())
}

func TestVideoTemplateHasAgeRange(t *testing.T) {
	tpl := VideoTemplate{AgeRanges: []string{AgeRange18to25, AgeRange25to35}}
	assert.True(t, tpl.HasAgeRange(AgeRange25to35))
	assert.False(t, tpl.HasAgeRange(AgeRange45Plus))
}
