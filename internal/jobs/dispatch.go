package jobs

import (
	"context"
	"errors"
	"sync"
)

// RunFunc はジョブ 1 件を最後まで実行します。
type RunFunc func(ctx context.Context, jobID string)

// Dispatcher はジョブの実行タイミングと同時実行数を決めます。
type Dispatcher interface {
	// Start は実行関数を登録して受付を開始します。
	Start(run RunFunc) error
	// Dispatch はジョブを実行待ちに入れます。実行を待たずに戻ります。
	Dispatch(ctx context.Context, jobID string) error
	// Shutdown は新規受付を止め、実行中のジョブの終了を待ちます。
	Shutdown(ctx context.Context) error
}

var errDispatcherNotStarted = errors.New("dispatcher is not started")

// LocalDispatcher はプロセス内の goroutine でジョブを実行します。
// 同時実行数はセマフォで制限し、空きを待つ間ジョブは pending のままです。
type LocalDispatcher struct {
	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu  sync.RWMutex
	run RunFunc
}

// NewLocalDispatcher は LocalDispatcher を作成します。concurrency が 0 以下なら 1 とします。
func NewLocalDispatcher(concurrency int) *LocalDispatcher {
	if concurrency <= 0 {
		concurrency = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalDispatcher{
		sem:    make(chan struct{}, concurrency),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (d *LocalDispatcher) Start(run RunFunc) error {
	if run == nil {
		return errors.New("run func is nil")
	}
	d.mu.Lock()
	d.run = run
	d.mu.Unlock()
	return nil
}

func (d *LocalDispatcher) Dispatch(_ context.Context, jobID string) error {
	d.mu.RLock()
	run := d.run
	d.mu.RUnlock()
	if run == nil {
		return errDispatcherNotStarted
	}
	if err := d.ctx.Err(); err != nil {
		return err
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case d.sem <- struct{}{}:
		case <-d.ctx.Done():
			return
		}
		defer func() { <-d.sem }()
		run(d.ctx, jobID)
	}()
	return nil
}

func (d *LocalDispatcher) Shutdown(ctx context.Context) error {
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
