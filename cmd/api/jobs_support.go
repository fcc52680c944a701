package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yourusername/audio-forge/internal/apierr"
	"github.com/yourusername/audio-forge/internal/audio"
	"github.com/yourusername/audio-forge/internal/config"
	"github.com/yourusername/audio-forge/internal/jobs"
	"github.com/yourusername/audio-forge/internal/runner"
	"github.com/yourusername/audio-forge/internal/storage"
)

const redisPingTimeout = 3 * time.Second

// setupJobs はスケジューラーを組み立てます。
// QUEUE_REDIS_URL が設定されていれば Asynq 経由で実行し、状態を Redis にも保存します。
// tool が nil の場合は設定の ffmpeg を使います。
func setupJobs(cfg *config.Config, files *storage.Local, tool jobs.ToolRunner, logger zerolog.Logger) (*jobs.Scheduler, *redis.Client, error) {
	format := runner.Format(cfg.ProgressFormat)
	if tool == nil {
		tool = &runner.Runner{
			Binary: cfg.FFmpegPath,
			Format: format,
			Logger: logger,
		}
	}

	opts := jobs.Options{
		Files:   files,
		Presets: audio.Presets{ProgressFormat: format},
		Runner:  tool,
		Logger:  logger,
	}

	var redisClient *redis.Client
	if cfg.QueueRedisURL == "" {
		opts.Dispatcher = jobs.NewLocalDispatcher(cfg.JobConcurrency)
	} else {
		opt, err := redis.ParseURL(cfg.QueueRedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to parse QUEUE_REDIS_URL: %w", err)
		}
		redisClient = redis.NewClient(opt)

		ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
		defer cancel()
		if err := redisClient.Ping(ctx).Err(); err != nil {
			_ = redisClient.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}

		dispatcher, err := jobs.NewQueueDispatcher(cfg.QueueRedisURL, cfg.JobConcurrency, logger)
		if err != nil {
			_ = redisClient.Close()
			return nil, nil, err
		}
		opts.Dispatcher = dispatcher
		opts.Mirror = jobs.NewRedisMirror(redisClient, cfg.Retention())
	}

	scheduler, err := jobs.NewScheduler(opts)
	if err != nil {
		if redisClient != nil {
			_ = redisClient.Close()
		}
		return nil, nil, err
	}
	return scheduler, redisClient, nil
}

func jobStatusHandler(scheduler *jobs.Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("jobId")
		if strings.TrimSpace(jobID) == "" {
			apierr.Respond(c, apierr.Invalid("jobId を指定してください。"))
			return
		}

		snap, err := scheduler.GetJob(c.Request.Context(), jobID)
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, snap)
	}
}

// downloadHandler は変換結果（無ければアップロード済みファイル）を返します。
func downloadHandler(files *storage.Local) gin.HandlerFunc {
	return func(c *gin.Context) {
		fileID := c.Param("id")
		if strings.TrimSpace(fileID) == "" {
			apierr.Respond(c, apierr.Invalid("ファイル ID を指定してください。"))
			return
		}

		kind := storage.KindOutput
		file, err := files.Lookup(kind, fileID)
		if errors.Is(err, apierr.ErrFileNotFound) {
			kind = storage.KindUpload
			file, err = files.Lookup(kind, fileID)
		}
		if err != nil {
			apierr.Respond(c, err)
			return
		}

		f, err := os.Open(file.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				apierr.Respond(c, apierr.ErrFileNotFound)
				return
			}
			apierr.Respond(c, err)
			return
		}
		defer f.Close()
		info, err := f.Stat()
		if err != nil {
			apierr.Respond(c, err)
			return
		}

		contentType := file.MimeType
		if contentType == "" {
			contentType = "application/octet-stream"
			if kind == storage.KindOutput {
				contentType = "audio/mpeg"
			}
		}

		encodedName := url.PathEscape(file.Name)
		c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"; filename*=UTF-8''%s", asciiFallback(file.Name), encodedName))
		c.Header("Cache-Control", "no-store")
		c.DataFromReader(http.StatusOK, info.Size(), contentType, f, nil)
	}
}

// asciiFallback は filename= に入れられない文字を '_' に置き換えます。
func asciiFallback(name string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 || r > 0x7e || r == '"' || r == '\\' {
			return '_'
		}
		return r
	}, name)
}
