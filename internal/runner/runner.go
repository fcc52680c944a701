// Package runner は外部変換ツールをサブプロセスとして起動し、
// その出力から進捗を読み取りながら終了を待ちます。
package runner

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	stderrTailLines = 20
	maxLineSize     = 1 << 20
	defaultKillWait = 3 * time.Second
	// プロセス終了後、孫プロセスがパイプを握ったままでも読み取りを打ち切るまでの猶予です。
	readGrace = 2 * time.Second
)

var (
	// ErrLaunchFailed はツールを起動できなかったことを表します。
	ErrLaunchFailed = errors.New("failed to launch tool")
	// ErrCanceled はキャンセルにより終了したことを表します。
	ErrCanceled = errors.New("processing cancelled")
)

// ToolError はツールが 0 以外の終了コードで終了したことを表します。
type ToolError struct {
	ExitCode int
	Stderr   []string
}

func (e *ToolError) Error() string {
	if len(e.Stderr) > 0 {
		return fmt.Sprintf("tool exited with code %d: %s", e.ExitCode, e.Stderr[len(e.Stderr)-1])
	}
	return fmt.Sprintf("tool exited with code %d", e.ExitCode)
}

// Runner は外部ツールの起動設定です。
type Runner struct {
	Binary string
	Format Format
	// KillWait は中断シグナル送信後に強制終了するまでの待ち時間です。
	KillWait time.Duration
	Logger   zerolog.Logger
}

// Request は 1 回の起動内容です。
type Request struct {
	Args []string
	// JobID はログ出力用です。
	JobID string
}

// Handle は起動済みプロセスへの参照です。
type Handle struct {
	cancel   context.CancelFunc
	canceled atomic.Bool
	done     chan struct{}
	err      error
	pid      int
}

// Start はツールを起動してすぐに戻ります。
// onProgress は出力を読む goroutine から呼ばれ、値は呼び出しごとに単調増加します。
func (r *Runner) Start(ctx context.Context, req Request, onProgress func(int)) (*Handle, error) {
	if strings.TrimSpace(r.Binary) == "" {
		return nil, fmt.Errorf("%w: binary is not configured", ErrLaunchFailed)
	}

	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, r.Binary, req.Args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = r.KillWait
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultKillWait
	}

	outR, outW, err := os.Pipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		cancel()
		closeAll(outR, outW)
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	cmd.Stdout = outW
	cmd.Stderr = errW

	if err := cmd.Start(); err != nil {
		cancel()
		closeAll(outR, outW, errR, errW)
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	// 書き込み側は子プロセスだけが持つ
	closeAll(outW, errW)

	h := &Handle{
		cancel: cancel,
		done:   make(chan struct{}),
		pid:    cmd.Process.Pid,
	}
	logger := r.Logger.With().Str("job_id", req.JobID).Int("pid", h.pid).Logger()
	logger.Debug().Str("binary", r.Binary).Strs("args", req.Args).Msg("tool started")

	go h.supervise(runCtx, cmd, outR, errR, NewProgressParser(r.Format), onProgress, logger)
	return h, nil
}

func (h *Handle) supervise(ctx context.Context, cmd *exec.Cmd, outR, errR *os.File, parser *ProgressParser, onProgress func(int), logger zerolog.Logger) {
	defer close(h.done)
	defer h.cancel()

	var (
		mu   sync.Mutex
		tail = newLineRing(stderrTailLines)
	)
	feed := func(line []byte) {
		mu.Lock()
		defer mu.Unlock()
		chunk := make([]byte, 0, len(line)+1)
		chunk = append(append(chunk, line...), '\n')
		if onProgress == nil {
			parser.Feed(chunk)
			return
		}
		for _, v := range parser.Feed(chunk) {
			onProgress(v)
		}
	}

	var g errgroup.Group
	g.Go(func() error {
		return scanLines(outR, feed)
	})
	g.Go(func() error {
		return scanLines(errR, func(line []byte) {
			feed(line)
			if isStatsLine(line) {
				return
			}
			mu.Lock()
			tail.push(string(bytes.TrimSpace(line)))
			mu.Unlock()
		})
	})

	waitErr := cmd.Wait()
	timer := time.AfterFunc(readGrace, func() {
		closeAll(outR, errR)
	})
	readErr := g.Wait()
	timer.Stop()
	closeAll(outR, errR)
	if readErr != nil && !errors.Is(readErr, os.ErrClosed) {
		logger.Warn().Err(readErr).Msg("failed to read tool output")
	}

	h.err = h.classify(ctx, waitErr, tail.lines())
	switch {
	case h.err == nil:
		logger.Debug().Msg("tool finished")
	case errors.Is(h.err, ErrCanceled):
		logger.Info().Msg("tool cancelled")
	default:
		logger.Warn().Err(h.err).Msg("tool failed")
	}
}

func (h *Handle) classify(ctx context.Context, waitErr error, stderr []string) error {
	// キャンセル後は終了コードに関わらずキャンセル扱い
	if h.canceled.Load() || ctx.Err() != nil {
		return ErrCanceled
	}
	if waitErr == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return &ToolError{ExitCode: exitErr.ExitCode(), Stderr: stderr}
	}
	return fmt.Errorf("failed to wait for tool: %w", waitErr)
}

// Cancel はプロセスに終了を要求します。終了済みの場合は何もしません。
func (h *Handle) Cancel() {
	select {
	case <-h.done:
		return
	default:
	}
	h.canceled.Store(true)
	h.cancel()
}

// Done はプロセス終了と出力の読み取り完了後に閉じられます。
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait は終了を待ち、結果を返します。
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// PID はプロセス ID を返します。
func (h *Handle) PID() int {
	return h.pid
}

// scanLines は CR または LF で区切られた行ごとに fn を呼びます。
func scanLines(r io.Reader, fn func([]byte)) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	scanner.Split(scanLinesWithCR)
	for scanner.Scan() {
		if line := scanner.Bytes(); len(line) > 0 {
			fn(line)
		}
	}
	if err := scanner.Err(); err != nil {
		// 子プロセスがパイプ詰まりで止まらないよう残りを読み捨てる
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}

// scanLinesWithCR は bufio.ScanLines に加えて CR も行末として扱います。
// ffmpeg は統計行を CR で上書き出力します。
func scanLinesWithCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func isStatsLine(line []byte) bool {
	trimmed := bytes.TrimSpace(line)
	return bytes.HasPrefix(trimmed, []byte("size=")) || bytes.HasPrefix(trimmed, []byte("frame="))
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

type lineRing struct {
	buf  []string
	next int
	full bool
}

func newLineRing(n int) *lineRing {
	return &lineRing{buf: make([]string, n)}
}

func (r *lineRing) push(line string) {
	if line == "" {
		return
	}
	r.buf[r.next] = line
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *lineRing) lines() []string {
	if !r.full {
		return append([]string(nil), r.buf[:r.next]...)
	}
	out := make([]string, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
