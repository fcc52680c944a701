package audio

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/audio-forge/internal/apierr"
	"github.com/yourusername/audio-forge/internal/runner"
	"github.com/yourusername/audio-forge/internal/storage"
)

var source = storage.File{ID: "id", Name: "My Song.flac", Path: "/data/uploads/id.flac"}

func TestPlanPresets(t *testing.T) {
	tests := []struct {
		name   string
		opts   Options
		filter string
	}{
		{"nightcore", Options{Preset: PresetNightcore}, "asetrate=44100*1.25,aresample=44100"},
		{"slowed adds reverb", Options{Preset: PresetSlowed}, "asetrate=44100*0.85,aresample=44100,aecho=0.8:0.88:60:0.4"},
		{"daycore", Options{Preset: PresetDaycore}, "asetrate=44100*0.8,aresample=44100"},
		{"bassboost default gain", Options{Preset: PresetBassBoost}, "bass=g=10"},
		{"bassboost custom gain", Options{Preset: PresetBassBoost, BassGain: 6.5}, "bass=g=6.5"},
		{"case insensitive", Options{Preset: "NightCore", Reverb: true}, "asetrate=44100*1.25,aresample=44100,aecho=0.8:0.88:60:0.4"},
		{"custom identity", Options{Preset: PresetCustom}, "anull"},
		{"custom speed", Options{Preset: PresetCustom, Speed: 1.5}, "atempo=1.5"},
		{"custom pitch keeps tempo", Options{Preset: PresetCustom, Pitch: 12}, "asetrate=44100*2,aresample=44100,atempo=0.5"},
		{"custom bass", Options{Preset: PresetCustom, Speed: 0.75, BassGain: 4}, "atempo=0.75,bass=g=4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := Presets{}.Plan(source, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.filter, plan.Filter)
			assert.Equal(t, outputMimeType, plan.MimeType)
		})
	}
}

func TestPlanRejectsInvalidOptions(t *testing.T) {
	for _, opts := range []Options{
		{Preset: "vaporwave"},
		{Preset: ""},
		{Preset: PresetCustom, Speed: 3},
		{Preset: PresetCustom, Speed: 0.1},
		{Preset: PresetCustom, Pitch: -13},
		{Preset: PresetCustom, BassGain: 25},
		{Preset: PresetBassBoost, BassGain: -1},
	} {
		_, err := Presets{}.Plan(source, opts)
		assert.True(t, errors.Is(err, apierr.ErrInvalidInput), "opts=%+v", opts)
	}
}

func TestPlanArgs(t *testing.T) {
	plan, err := Presets{ProgressFormat: runner.FormatClock}.Plan(source, Options{Preset: PresetNightcore})
	require.NoError(t, err)
	assert.Equal(t, "My Song_nightcore.mp3", plan.OutputName)
	assert.Equal(t, []string{
		"-hide_banner", "-y",
		"-i", "/in.flac",
		"-af", "asetrate=44100*1.25,aresample=44100",
		"-vn", "-c:a", "libmp3lame", "-b:a", "192k",
		"/out.mp3",
	}, plan.Args("/in.flac", "/out.mp3"))

	plan, err = Presets{ProgressFormat: runner.FormatMicros}.Plan(source, Options{Preset: PresetNightcore})
	require.NoError(t, err)
	args := plan.Args("/in.flac", "/out.mp3")
	assert.Equal(t, []string{"-progress", "pipe:1", "-nostats", "/out.mp3"}, args[len(args)-4:])
}

func TestAtempoSplitsOutOfRange(t *testing.T) {
	assert.Equal(t, []string{"atempo=2", "atempo=1.5"}, atempo(3))
	assert.Equal(t, []string{"atempo=0.5", "atempo=0.8"}, atempo(0.4))
	assert.Nil(t, atempo(1))
}

func TestOutputName(t *testing.T) {
	assert.Equal(t, "track_slowed.mp3", OutputName("track.wav", PresetSlowed))
	assert.Equal(t, "archive.tar_custom.mp3", OutputName("archive.tar.gz", PresetCustom))
	assert.Equal(t, "audio_daycore.mp3", OutputName("", PresetDaycore))
	assert.Equal(t, "x_bassboost.mp3", OutputName("../../x.mp3", PresetBassBoost))
}
