// Package jobs は変換ジョブの受付・実行・進捗配信を提供します。
package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/yourusername/audio-forge/internal/apierr"
	"github.com/yourusername/audio-forge/internal/audio"
	"github.com/yourusername/audio-forge/internal/metrics"
	"github.com/yourusername/audio-forge/internal/runner"
	"github.com/yourusername/audio-forge/internal/storage"
)

const (
	mirrorTimeout      = 2 * time.Second
	mirrorProgressStep = 10

	msgCancelled   = "処理がキャンセルされました。"
	msgExpired     = "ジョブの保持期間を過ぎたため中断しました。"
	msgShutdown    = "サーバー停止のため処理を中断しました。"
	msgInterrupted = "サーバー再起動により処理が中断されました。"
	msgLaunch      = "変換ツールを起動できませんでした。"
	msgNoSource    = "入力ファイルが見つかりません。"
	msgInternal    = "変換結果の保存に失敗しました。"
)

// FileStore はジョブが使うファイルストアです。
type FileStore interface {
	Lookup(kind storage.Kind, id string) (storage.File, error)
	Reserve(kind storage.Kind, name string) (storage.File, error)
	Commit(kind storage.Kind, file storage.File) (storage.File, error)
}

// ToolRunner は外部ツールの起動を担います。
type ToolRunner interface {
	Start(ctx context.Context, req runner.Request, onProgress func(int)) (*runner.Handle, error)
}

// Options は Scheduler の依存関係です。Mirror は省略できます。
type Options struct {
	Files      FileStore
	Presets    audio.Presets
	Runner     ToolRunner
	Dispatcher Dispatcher
	Mirror     Mirror
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Scheduler はジョブのレジストリを持ち、受付から終了までを管理します。
type Scheduler struct {
	files      FileStore
	presets    audio.Presets
	runner     ToolRunner
	dispatcher Dispatcher
	mirror     Mirror
	logger     zerolog.Logger
	now        func() time.Time

	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewScheduler は Scheduler を作成し、Dispatcher を起動します。
func NewScheduler(opts Options) (*Scheduler, error) {
	if opts.Files == nil {
		return nil, errors.New("file store is nil")
	}
	if opts.Runner == nil {
		return nil, errors.New("runner is nil")
	}
	if opts.Dispatcher == nil {
		return nil, errors.New("dispatcher is nil")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Scheduler{
		files:      opts.Files,
		presets:    opts.Presets,
		runner:     opts.Runner,
		dispatcher: opts.Dispatcher,
		mirror:     opts.Mirror,
		logger:     opts.Logger.With().Str("component", "jobs").Logger(),
		now:        opts.Now,
		jobs:       make(map[string]*Job),
	}
	if err := s.dispatcher.Start(s.execute); err != nil {
		return nil, err
	}
	return s, nil
}

// StartJob はジョブを作成して実行待ちに入れ、ジョブ ID を返します。
// 入力ファイルが無い場合や条件が不正な場合のみエラーを返し、実行時の失敗はイベントで通知します。
func (s *Scheduler) StartJob(ctx context.Context, fileID string, opts audio.Options) (string, error) {
	source, err := s.files.Lookup(storage.KindUpload, fileID)
	if err != nil {
		if errors.Is(err, apierr.ErrFileNotFound) {
			return "", apierr.ErrUploadNotFound
		}
		return "", err
	}
	plan, err := s.presets.Plan(source, opts)
	if err != nil {
		return "", err
	}

	job := newJob(storage.NewID(), source.ID, plan, s.now)
	s.mu.Lock()
	s.jobs[job.id] = job
	s.mu.Unlock()
	metrics.JobsStarted.Inc()
	s.mirrorSave(job)

	if err := s.dispatcher.Dispatch(ctx, job.id); err != nil {
		s.remove(job.id)
		return "", fmt.Errorf("failed to dispatch job: %w", err)
	}

	s.logger.Info().
		Str("job_id", job.id).
		Str("file_id", source.ID).
		Str("preset", string(plan.Preset)).
		Msg("job accepted")
	return job.id, nil
}

// GetJob はジョブの状態を返します。
// メモリに無い場合はミラーを参照し、未終了のまま残っていたものは中断扱いにします。
func (s *Scheduler) GetJob(ctx context.Context, jobID string) (Snapshot, error) {
	if job := s.lookup(jobID); job != nil {
		return job.Snapshot(), nil
	}
	if s.mirror == nil {
		return Snapshot{}, apierr.ErrJobNotFound
	}

	mctx, cancel := context.WithTimeout(ctx, mirrorTimeout)
	defer cancel()
	snap, err := s.mirror.Load(mctx, jobID)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to load job from mirror")
		return Snapshot{}, apierr.ErrJobNotFound
	}
	if snap == nil {
		return Snapshot{}, apierr.ErrJobNotFound
	}
	if !snap.Status.Terminal() {
		snap.Status = StatusError
		snap.Error = msgInterrupted
	}
	return *snap, nil
}

// Subscribe はジョブのイベント購読を開始します。
func (s *Scheduler) Subscribe(jobID string) (*Subscription, error) {
	job := s.lookup(jobID)
	if job == nil {
		return nil, apierr.ErrJobNotFound
	}
	return job.Subscribe(), nil
}

// CancelJob はジョブのキャンセルを要求します。終了済みのジョブでは何もしません。
func (s *Scheduler) CancelJob(jobID string) error {
	job := s.lookup(jobID)
	if job == nil {
		return apierr.ErrJobNotFound
	}
	s.cancel(job, msgCancelled)
	return nil
}

// ReapOld は maxAge より古いジョブをレジストリから取り除き、件数を返します。
// 実行中のジョブはプロセスを停止させ、購読者には終了イベントが届きます。
func (s *Scheduler) ReapOld(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)

	s.mu.Lock()
	var reaped []*Job
	for id, job := range s.jobs {
		if job.createdAt.Before(cutoff) {
			reaped = append(reaped, job)
			delete(s.jobs, id)
		}
	}
	s.mu.Unlock()

	for _, job := range reaped {
		// 実行中のジョブは終了時に再保存しようとするため、先に印を付ける
		job.evict()
		s.cancel(job, msgExpired)
		s.mirrorDelete(job.id)
	}
	if len(reaped) > 0 {
		s.logger.Info().Int("count", len(reaped)).Msg("old jobs reaped")
	}
	return len(reaped)
}

// Shutdown は全ジョブを停止させ、Dispatcher の終了を待ちます。
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	all := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		all = append(all, job)
	}
	s.mu.RUnlock()

	for _, job := range all {
		s.cancel(job, msgShutdown)
	}
	return s.dispatcher.Shutdown(ctx)
}

func (s *Scheduler) cancel(job *Job, message string) {
	if job.requestCancel(message) {
		s.finished(job, StatusError)
	}
}

// execute はジョブを 1 件実行します。Dispatcher から呼ばれます。
func (s *Scheduler) execute(ctx context.Context, jobID string) {
	job := s.lookup(jobID)
	if job == nil {
		s.logger.Debug().Str("job_id", jobID).Msg("job vanished before execution")
		return
	}
	if !job.begin() {
		return
	}
	s.mirrorSave(job)
	logger := s.logger.With().Str("job_id", jobID).Logger()

	source, err := s.files.Lookup(storage.KindUpload, job.fileID)
	if err != nil {
		logger.Warn().Err(err).Msg("source file disappeared")
		s.failJob(job, msgNoSource)
		return
	}
	out, err := s.files.Reserve(storage.KindOutput, job.plan.OutputName)
	if err != nil {
		logger.Error().Err(err).Msg("failed to reserve output")
		s.failJob(job, msgInternal)
		return
	}

	started := time.Now()
	mirrored := 0
	handle, err := s.runner.Start(ctx, runner.Request{
		Args:  job.plan.Args(source.Path, out.Path),
		JobID: jobID,
	}, func(p int) {
		if job.setProgress(p) && p/mirrorProgressStep > mirrored/mirrorProgressStep {
			mirrored = p
			s.mirrorProgress(jobID, p)
		}
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to start tool")
		s.failJob(job, msgLaunch)
		return
	}
	if !job.attach(handle) {
		handle.Cancel()
	}

	err = handle.Wait()
	metrics.JobDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		removeQuietly(out.Path)
		message := failureMessage(err)
		if reason := job.cancelMessage(); reason != "" && errors.Is(err, runner.ErrCanceled) {
			message = reason
		}
		s.failJob(job, message)
		return
	}

	out.MimeType = job.plan.MimeType
	stored, err := s.files.Commit(storage.KindOutput, out)
	if err != nil {
		logger.Error().Err(err).Msg("failed to commit output")
		removeQuietly(out.Path)
		s.failJob(job, msgInternal)
		return
	}

	if job.complete(Result{FileID: stored.ID, FileName: stored.Name}) {
		s.finished(job, StatusComplete)
		logger.Info().Str("output_id", stored.ID).Str("name", stored.Name).Msg("job complete")
	}
}

func (s *Scheduler) failJob(job *Job, message string) {
	if job.fail(message) {
		s.finished(job, StatusError)
	}
}

func (s *Scheduler) finished(job *Job, status Status) {
	metrics.JobsFinished.WithLabelValues(string(status)).Inc()
	s.mirrorSave(job)
	if status == StatusError {
		s.logger.Info().Str("job_id", job.id).Str("error", job.Snapshot().Error).Msg("job failed")
	}
}

func (s *Scheduler) mirrorSave(job *Job) {
	if s.mirror == nil || job.isEvicted() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := s.mirror.Save(ctx, job.Snapshot()); err != nil {
		s.logger.Warn().Err(err).Str("job_id", job.id).Msg("failed to mirror job")
	}
	// 保存と回収が重なった場合は書き戻した分を消す
	if job.isEvicted() {
		s.mirrorDelete(job.id)
	}
}

func (s *Scheduler) mirrorDelete(jobID string) {
	if s.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := s.mirror.Delete(ctx, jobID); err != nil {
		s.logger.Warn().Err(err).Str("job_id", jobID).Msg("failed to delete job from mirror")
	}
}

func (s *Scheduler) mirrorProgress(jobID string, progress int) {
	if s.mirror == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := s.mirror.UpdateProgress(ctx, jobID, progress); err != nil {
		s.logger.Debug().Err(err).Str("job_id", jobID).Msg("failed to mirror progress")
	}
}

func (s *Scheduler) lookup(jobID string) *Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.jobs[jobID]
}

func (s *Scheduler) remove(jobID string) {
	s.mu.Lock()
	delete(s.jobs, jobID)
	s.mu.Unlock()
}

func failureMessage(err error) string {
	var toolErr *runner.ToolError
	switch {
	case errors.Is(err, runner.ErrCanceled):
		return msgCancelled
	case errors.As(err, &toolErr):
		return fmt.Sprintf("変換処理に失敗しました (exit code %d)。", toolErr.ExitCode)
	default:
		return "変換処理に失敗しました。"
	}
}

func removeQuietly(path string) {
	_ = os.Remove(path)
}
