// Package cleanup は保持期間を過ぎたファイル・ジョブ・アップロードセッションを定期的に削除します。
package cleanup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/audio-forge/internal/metrics"
	"github.com/yourusername/audio-forge/internal/storage"
)

// BlobSweeper は保存ファイルの掃除を担います。
type BlobSweeper interface {
	Sweep(ctx context.Context, kind storage.Kind, cutoff time.Time) (int, error)
}

// JobReaper は古いジョブを取り除きます。
type JobReaper interface {
	ReapOld(maxAge time.Duration) int
}

// SessionReaper は古いアップロードセッションを取り除きます。
type SessionReaper interface {
	ReapStale(maxAge time.Duration) int
}

// Options は Sweeper の設定です。Jobs と Sessions は省略できます。
type Options struct {
	Blobs     BlobSweeper
	Jobs      JobReaper
	Sessions  SessionReaper
	Retention time.Duration
	Interval  time.Duration
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Report は 1 回分の掃除結果です。
type Report struct {
	Uploads  int
	Outputs  int
	Jobs     int
	Sessions int
	Errors   []error
}

// Sweeper は掃除を実行します。
type Sweeper struct {
	opts   Options
	logger zerolog.Logger
	// RunOnce の同時実行を防ぐ
	mu sync.Mutex
}

// New は Sweeper を作成します。
func New(opts Options) (*Sweeper, error) {
	if opts.Blobs == nil {
		return nil, errors.New("blob sweeper is nil")
	}
	if opts.Retention <= 0 {
		return nil, errors.New("retention must be positive")
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Minute
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Sweeper{
		opts:   opts,
		logger: opts.Logger.With().Str("component", "cleanup").Logger(),
	}, nil
}

// Run は起動直後に 1 回掃除し、その後 ctx が終わるまで一定間隔で繰り返します。
func (s *Sweeper) Run(ctx context.Context) {
	s.RunOnce(ctx)

	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce は 1 回分の掃除を行います。個々の失敗は記録して処理を続けます。
func (s *Sweeper) RunOnce(ctx context.Context) Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.opts.Now().Add(-s.opts.Retention)
	var (
		report Report
		errMu  sync.Mutex
	)
	record := func(err error) {
		errMu.Lock()
		report.Errors = append(report.Errors, err)
		errMu.Unlock()
	}

	var g errgroup.Group
	for _, target := range []struct {
		kind  storage.Kind
		count *int
	}{
		{storage.KindUpload, &report.Uploads},
		{storage.KindOutput, &report.Outputs},
	} {
		g.Go(func() error {
			removed, err := s.opts.Blobs.Sweep(ctx, target.kind, cutoff)
			*target.count = removed
			metrics.CleanupRemoved.WithLabelValues(string(target.kind)).Add(float64(removed))
			if err != nil {
				record(err)
			}
			return nil
		})
	}
	_ = g.Wait()

	if s.opts.Jobs != nil {
		report.Jobs = s.opts.Jobs.ReapOld(s.opts.Retention)
		metrics.CleanupRemoved.WithLabelValues("jobs").Add(float64(report.Jobs))
	}
	if s.opts.Sessions != nil {
		report.Sessions = s.opts.Sessions.ReapStale(s.opts.Retention)
		metrics.CleanupRemoved.WithLabelValues("sessions").Add(float64(report.Sessions))
	}

	for _, err := range report.Errors {
		metrics.CleanupErrors.Inc()
		s.logger.Warn().Err(err).Msg("cleanup error")
	}

	event := s.logger.Debug()
	if report.Uploads+report.Outputs+report.Jobs+report.Sessions > 0 {
		event = s.logger.Info()
	}
	event.
		Int("uploads", report.Uploads).
		Int("outputs", report.Outputs).
		Int("jobs", report.Jobs).
		Int("sessions", report.Sessions).
		Int("errors", len(report.Errors)).
		Msg("cleanup finished")
	return report
}
