package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

const clockOutput = "Input #0, mp3, from 'in.mp3':\n" +
	"  Duration: 00:01:40.00, start: 0.025057, bitrate: 320 kb/s\n" +
	"size=     256kB time=00:00:10.00 bitrate= 209.7kbits/s speed=20x\r" +
	"size=     512kB time=00:00:25.49 bitrate= 164.5kbits/s speed=21x\r" +
	"size=     512kB time=00:00:25.40 bitrate= 164.5kbits/s speed=21x\r" +
	"size=    1024kB time=00:01:40.00 bitrate= 83.9kbits/s speed=22x\n"

func collect(p *ProgressParser, chunks ...string) []int {
	var got []int
	for _, c := range chunks {
		got = append(got, p.Feed([]byte(c))...)
	}
	return got
}

func TestParserClockFormat(t *testing.T) {
	p := NewProgressParser(FormatClock)
	var got []int
	for _, line := range []string{
		"  Duration: 00:01:40.00, start: 0.0\n",
		"size= 256kB time=00:00:10.00 bitrate=1\r",
		"size= 512kB time=00:00:25.49 bitrate=1\r",
		"size= 512kB time=00:00:25.40 bitrate=1\r",
		"size= 1024kB time=00:01:40.00 bitrate=1\n",
	} {
		got = append(got, p.Feed([]byte(line))...)
	}
	// 25.40 は 25 に丸まり前回値以下なので報告されない
	assert.Equal(t, []int{10, 25, 99}, got)
	assert.Equal(t, 100.0, p.Duration())
}

func TestParserIsChunkBoundaryIndependent(t *testing.T) {
	whole := collect(NewProgressParser(FormatClock), clockOutput)

	p := NewProgressParser(FormatClock)
	var bytewise []int
	for i := 0; i < len(clockOutput); i++ {
		bytewise = append(bytewise, p.Feed([]byte{clockOutput[i]})...)
	}

	odd := collect(NewProgressParser(FormatClock), clockOutput[:7], clockOutput[7:53], clockOutput[53:140], clockOutput[140:])

	assert.Equal(t, []int{10, 25, 99}, whole)
	// 1 回の Feed に複数行あっても途中の値を落とさない
	assert.Equal(t, []int{10, 25, 99}, NewProgressParser(FormatClock).Feed([]byte(clockOutput)))
	assert.Equal(t, whole, bytewise)
	assert.Equal(t, whole, odd)
}

func TestParserNoProgressWithoutDuration(t *testing.T) {
	p := NewProgressParser(FormatClock)
	got := collect(p,
		"size= 256kB time=00:00:10.00 bitrate=1\n",
		"size= 512kB time=00:00:50.00 bitrate=1\n",
	)
	assert.Empty(t, got)
	assert.Zero(t, p.Duration())

	// 総時間が判明した後の位置から報告が始まる
	got = collect(p, "Duration: 00:01:00.00\n", "time=00:00:30.00\n")
	assert.Equal(t, []int{50}, got)
}

func TestParserFirstDurationWins(t *testing.T) {
	p := NewProgressParser(FormatClock)
	got := collect(p,
		"Duration: 00:00:10.00\n",
		"Duration: 00:10:00.00\n",
		"time=00:00:05.00\n",
	)
	assert.Equal(t, []int{50}, got)
	assert.Equal(t, 10.0, p.Duration())
}

func TestParserMicrosFormat(t *testing.T) {
	p := NewProgressParser(FormatMicros)
	got := collect(p,
		"  Duration: 00:00:20.00, start: 0.0\n",
		"out_time_us=5000000\nout_time=00:00:05.000000\nprogress=continue\n",
		// clock 形式の位置は無視される
		"size= 1kB time=00:00:15.00 bitrate=1\n",
		"out_time_us=10000000\nprogress=continue\n",
		"out_time_us=20000000\nprogress=end\n",
	)
	assert.Equal(t, []int{25, 50, 99}, got)
}

func TestParserUnknownFormatFallsBackToClock(t *testing.T) {
	p := NewProgressParser(Format("bogus"))
	got := collect(p, "Duration: 00:00:04.00\ntime=00:00:01.00\n")
	assert.Equal(t, []int{25}, got)
}

func TestParserDropsOversizedCarry(t *testing.T) {
	p := NewProgressParser(FormatClock)
	junk := make([]byte, maxCarry+1)
	for i := range junk {
		junk[i] = 'x'
	}
	assert.Empty(t, p.Feed(junk))
	assert.Empty(t, p.carry)

	got := collect(p, "Duration: 00:00:10.00\n", "time=00:00:02.00\n")
	assert.Equal(t, []int{20}, got)
}
