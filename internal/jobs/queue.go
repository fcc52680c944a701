package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/yourusername/audio-forge/internal/storage"
)

const (
	taskTypeAudio = "audio:process"
	queuePrefix   = "audio-"
	taskTimeout   = 2 * time.Hour
)

// TaskPayload はキューに積むタスクの内容です。
type TaskPayload struct {
	JobID string `json:"jobId"`
}

// QueueDispatcher は Asynq (Redis) 経由でジョブを実行します。
// ジョブの状態はプロセス内にあるため、キュー名をプロセスごとに分け、
// Redis を共有する別インスタンスがタスクを取らないようにします。
type QueueDispatcher struct {
	queue  string
	client *asynq.Client
	server *asynq.Server
	mux    *asynq.ServeMux
	logger zerolog.Logger

	mu  sync.RWMutex
	run RunFunc
}

// NewQueueDispatcher は QueueDispatcher を初期化します。
func NewQueueDispatcher(redisURL string, concurrency int, logger zerolog.Logger) (*QueueDispatcher, error) {
	opt, err := asynq.ParseRedisURI(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	queue := queuePrefix + storage.NewID()
	logger = logger.With().Str("component", "queue").Str("queue", queue).Logger()
	server := asynq.NewServer(
		opt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				queue: 1,
			},
			Logger:   asynqLogger{logger},
			LogLevel: asynq.WarnLevel,
		},
	)

	d := &QueueDispatcher{
		queue:  queue,
		client: asynq.NewClient(opt),
		server: server,
		mux:    asynq.NewServeMux(),
		logger: logger,
	}
	d.mux.HandleFunc(taskTypeAudio, d.handleAudioTask)
	return d, nil
}

// Queue はこのプロセス専用のキュー名を返します。
func (d *QueueDispatcher) Queue() string {
	return d.queue
}

// Start はワーカーをバックグラウンドで起動します。
func (d *QueueDispatcher) Start(run RunFunc) error {
	if run == nil {
		return errors.New("run func is nil")
	}
	d.mu.Lock()
	d.run = run
	d.mu.Unlock()

	if err := d.server.Start(d.mux); err != nil {
		return fmt.Errorf("failed to start queue worker: %w", err)
	}
	return nil
}

// Dispatch はタスクをキューに投入します。
func (d *QueueDispatcher) Dispatch(ctx context.Context, jobID string) error {
	if jobID == "" {
		return errors.New("jobID is required")
	}
	body, err := json.Marshal(&TaskPayload{JobID: jobID})
	if err != nil {
		return err
	}

	task := asynq.NewTask(taskTypeAudio, body, asynq.Queue(d.queue))
	info, err := d.client.EnqueueContext(ctx, task, asynq.MaxRetry(0), asynq.Timeout(taskTimeout))
	if err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	d.logger.Debug().Str("job_id", jobID).Str("task_id", info.ID).Msg("job enqueued")
	return nil
}

// Shutdown はワーカーとクライアントを閉じます。実行中のタスクは完了まで待ちます。
func (d *QueueDispatcher) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.server.Shutdown()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if cerr := d.client.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (d *QueueDispatcher) handleAudioTask(ctx context.Context, task *asynq.Task) error {
	var payload TaskPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("invalid payload: %v: %w", err, asynq.SkipRetry)
	}
	if payload.JobID == "" {
		return fmt.Errorf("missing jobId in payload: %w", asynq.SkipRetry)
	}

	d.mu.RLock()
	run := d.run
	d.mu.RUnlock()
	if run == nil {
		return errDispatcherNotStarted
	}

	// 失敗はジョブ側に記録済みなので、タスクとしては常に成功扱いにする
	run(ctx, payload.JobID)
	return nil
}

// asynqLogger は asynq のログを zerolog に流します。
type asynqLogger struct {
	zl zerolog.Logger
}

func (l asynqLogger) Debug(args ...any) { l.zl.Debug().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...any)  { l.zl.Info().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...any)  { l.zl.Warn().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...any) { l.zl.Error().Msg(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...any) { l.zl.Fatal().Msg(fmt.Sprint(args...)) }
