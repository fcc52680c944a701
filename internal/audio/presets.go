// Package audio はプリセット名と調整値から ffmpeg の引数を組み立てます。
package audio

import (
	"fmt"
	"math"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/yourusername/audio-forge/internal/apierr"
	"github.com/yourusername/audio-forge/internal/runner"
	"github.com/yourusername/audio-forge/internal/storage"
)

// Preset は加工の種類です。
type Preset string

const (
	PresetNightcore Preset = "nightcore"
	PresetSlowed    Preset = "slowed"
	PresetDaycore   Preset = "daycore"
	PresetBassBoost Preset = "bassboost"
	PresetCustom    Preset = "custom"
)

const (
	sampleRate       = 44100
	outputExt        = ".mp3"
	outputMimeType   = "audio/mpeg"
	outputBitrate    = "192k"
	defaultBassGain  = 10.0
	reverbFilter     = "aecho=0.8:0.88:60:0.4"
	minSpeed         = 0.5
	maxSpeed         = 2.0
	maxPitchSemitone = 12.0
	maxBassGain      = 20.0
)

// Options はクライアントから受け取る加工条件です。
// Speed/Pitch は custom のみ、BassGain は bassboost と custom、Reverb は全プリセットで有効です。
type Options struct {
	Preset   Preset  `json:"preset"`
	Speed    float64 `json:"speed,omitempty"`
	Pitch    float64 `json:"pitch,omitempty"`
	BassGain float64 `json:"bassGain,omitempty"`
	Reverb   bool    `json:"reverb,omitempty"`
}

// Plan は 1 件の変換内容です。
type Plan struct {
	Preset     Preset
	Filter     string
	OutputName string
	MimeType   string
	progress   bool
}

// Presets は引数の組み立て設定です。
type Presets struct {
	// ProgressFormat が FormatMicros の場合は -progress pipe:1 を付けます。
	ProgressFormat runner.Format
}

// Names は利用可能なプリセット名を返します。
func Names() []Preset {
	return []Preset{PresetNightcore, PresetSlowed, PresetDaycore, PresetBassBoost, PresetCustom}
}

// Plan は入力ファイルと条件から変換内容を決めます。
func (p Presets) Plan(source storage.File, opts Options) (Plan, error) {
	preset, err := normalizePreset(opts.Preset)
	if err != nil {
		return Plan{}, err
	}
	filter, err := filterChain(preset, opts)
	if err != nil {
		return Plan{}, err
	}
	return Plan{
		Preset:     preset,
		Filter:     filter,
		OutputName: OutputName(source.Name, preset),
		MimeType:   outputMimeType,
		progress:   p.ProgressFormat == runner.FormatMicros,
	}, nil
}

// Args は ffmpeg に渡す引数を返します。
func (pl Plan) Args(inputPath, outputPath string) []string {
	args := []string{
		"-hide_banner",
		"-y",
		"-i", inputPath,
		"-af", pl.Filter,
		"-vn",
		"-c:a", "libmp3lame",
		"-b:a", outputBitrate,
	}
	if pl.progress {
		args = append(args, "-progress", "pipe:1", "-nostats")
	}
	return append(args, outputPath)
}

// OutputName は "<元の名前>_<プリセット>.mp3" を返します。
func OutputName(sourceName string, preset Preset) string {
	name := storage.DisplayName(sourceName)
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if base == "" {
		base = "audio"
	}
	return fmt.Sprintf("%s_%s%s", base, preset, outputExt)
}

func normalizePreset(p Preset) (Preset, error) {
	normalized := Preset(strings.ToLower(strings.TrimSpace(string(p))))
	for _, known := range Names() {
		if normalized == known {
			return known, nil
		}
	}
	return "", apierr.Invalid(fmt.Sprintf("preset には nightcore / slowed / daycore / bassboost / custom のいずれかを指定してください (received: %s)", p))
}

func filterChain(preset Preset, opts Options) (string, error) {
	var filters []string
	switch preset {
	case PresetNightcore:
		filters = resample(1.25)
	case PresetSlowed:
		filters = resample(0.85)
	case PresetDaycore:
		filters = resample(0.8)
	case PresetBassBoost:
		gain := opts.BassGain
		if gain == 0 {
			gain = defaultBassGain
		}
		if gain < 0 || gain > maxBassGain {
			return "", apierr.Invalid(fmt.Sprintf("bassGain は 0〜%g の範囲で指定してください。", maxBassGain))
		}
		filters = []string{bass(gain)}
	case PresetCustom:
		custom, err := customFilters(opts)
		if err != nil {
			return "", err
		}
		filters = custom
	}

	if opts.Reverb || preset == PresetSlowed {
		filters = append(filters, reverbFilter)
	}
	if len(filters) == 0 {
		// 何も指定されていない custom はそのまま再エンコードする
		filters = []string{"anull"}
	}
	return strings.Join(filters, ","), nil
}

func customFilters(opts Options) ([]string, error) {
	speed := opts.Speed
	if speed == 0 {
		speed = 1
	}
	if speed < minSpeed || speed > maxSpeed {
		return nil, apierr.Invalid(fmt.Sprintf("speed は %g〜%g の範囲で指定してください。", minSpeed, maxSpeed))
	}
	if math.Abs(opts.Pitch) > maxPitchSemitone {
		return nil, apierr.Invalid(fmt.Sprintf("pitch は -%g〜%g の範囲で指定してください。", maxPitchSemitone, maxPitchSemitone))
	}
	if opts.BassGain < 0 || opts.BassGain > maxBassGain {
		return nil, apierr.Invalid(fmt.Sprintf("bassGain は 0〜%g の範囲で指定してください。", maxBassGain))
	}

	var filters []string
	tempo := speed
	if opts.Pitch != 0 {
		// サンプルレート変更でピッチを動かし、速度のずれは atempo で打ち消す
		factor := math.Pow(2, opts.Pitch/12)
		filters = append(filters, resample(factor)...)
		tempo = speed / factor
	}
	filters = append(filters, atempo(tempo)...)
	if opts.BassGain > 0 {
		filters = append(filters, bass(opts.BassGain))
	}
	return filters, nil
}

// resample は再生速度とピッチを同時に factor 倍にします。
func resample(factor float64) []string {
	return []string{
		"asetrate=" + strconv.Itoa(sampleRate) + "*" + formatFloat(factor),
		"aresample=" + strconv.Itoa(sampleRate),
	}
}

// atempo は 1 段あたり 0.5〜2.0 の制約に合わせて段数を分けます。
func atempo(tempo float64) []string {
	if math.Abs(tempo-1) < 1e-4 {
		return nil
	}
	var filters []string
	for tempo > maxSpeed {
		filters = append(filters, "atempo="+formatFloat(maxSpeed))
		tempo /= maxSpeed
	}
	for tempo < minSpeed {
		filters = append(filters, "atempo="+formatFloat(minSpeed))
		tempo /= minSpeed
	}
	return append(filters, "atempo="+formatFloat(tempo))
}

func bass(gain float64) string {
	return "bass=g=" + formatFloat(gain)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(math.Round(v*1e4)/1e4, 'f', -1, 64)
}
