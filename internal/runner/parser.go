package runner

import (
	"bytes"
	"math"
	"regexp"
	"strconv"
)

// Format は進捗位置の出力形式です。
type Format string

const (
	// FormatClock は stderr の統計行 "time=HH:MM:SS.xx" から位置を読みます。
	FormatClock Format = "clock"
	// FormatMicros は -progress 出力の "out_time_us=<マイクロ秒>" から位置を読みます。
	FormatMicros Format = "micros"
)

// maxCarry を超えて改行が来ない場合は途中のデータを捨てます。
const maxCarry = 64 << 10

var (
	durationPattern = regexp.MustCompile(`Duration:\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	clockPattern    = regexp.MustCompile(`time=\s*(\d+):(\d{2}):(\d{2}(?:\.\d+)?)`)
	microsPattern   = regexp.MustCompile(`out_time_us=(\d+)`)
)

// ProgressParser は外部ツールの出力から進捗率を推定します。
//
// 総再生時間は最初に見つかった値を採用し、それまでは進捗を報告しません。
// 報告値は round(100*位置/総時間) を 99 で頭打ちにしたもので、前回より大きい場合のみ返します。
// 並行利用には対応していません。
type ProgressParser struct {
	format   Format
	duration float64
	last     int
	carry    []byte
}

// NewProgressParser は指定形式のパーサーを作成します。未知の形式は FormatClock とみなします。
func NewProgressParser(format Format) *ProgressParser {
	if format != FormatMicros {
		format = FormatClock
	}
	return &ProgressParser{format: format}
}

// Feed は新しく届いた出力を渡し、更新された進捗値を出現順にすべて返します。
// 更新が無ければ nil です。行の途中で区切られたチャンクは次回の Feed に持ち越されます。
func (p *ProgressParser) Feed(chunk []byte) []int {
	p.carry = append(p.carry, chunk...)

	var updates []int
	for {
		i := bytes.IndexAny(p.carry, "\r\n")
		if i < 0 {
			break
		}
		if v, updated := p.line(p.carry[:i]); updated {
			updates = append(updates, v)
		}
		p.carry = p.carry[i+1:]
	}

	if len(p.carry) == 0 || len(p.carry) > maxCarry {
		p.carry = nil
	}
	return updates
}

// Duration は検出済みの総再生時間（秒）を返します。未検出の場合は 0 です。
func (p *ProgressParser) Duration() float64 {
	return p.duration
}

func (p *ProgressParser) line(line []byte) (int, bool) {
	if p.duration == 0 {
		if m := durationPattern.FindSubmatch(line); m != nil {
			p.duration = clockSeconds(m[1], m[2], m[3])
		}
	}

	pos, found := p.position(line)
	if !found || p.duration <= 0 {
		return 0, false
	}

	pct := int(math.Round(100 * pos / p.duration))
	pct = min(max(pct, 0), 99)
	if pct <= p.last {
		return 0, false
	}
	p.last = pct
	return pct, true
}

func (p *ProgressParser) position(line []byte) (float64, bool) {
	switch p.format {
	case FormatMicros:
		m := microsPattern.FindSubmatch(line)
		if m == nil {
			return 0, false
		}
		us, err := strconv.ParseInt(string(m[1]), 10, 64)
		if err != nil {
			return 0, false
		}
		return float64(us) / 1e6, true
	default:
		m := clockPattern.FindSubmatch(line)
		if m == nil {
			return 0, false
		}
		return clockSeconds(m[1], m[2], m[3]), true
	}
}

func clockSeconds(h, m, s []byte) float64 {
	hours, _ := strconv.Atoi(string(h))
	minutes, _ := strconv.Atoi(string(m))
	seconds, _ := strconv.ParseFloat(string(s), 64)
	return float64(hours)*3600 + float64(minutes)*60 + seconds
}
