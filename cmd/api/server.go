package main

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/yourusername/audio-forge/internal/cleanup"
	"github.com/yourusername/audio-forge/internal/config"
	"github.com/yourusername/audio-forge/internal/jobs"
	"github.com/yourusername/audio-forge/internal/logging"
	"github.com/yourusername/audio-forge/internal/metrics"
	"github.com/yourusername/audio-forge/internal/storage"
	"github.com/yourusername/audio-forge/internal/upload"
)

// app はサーバーが使うコンポーネント一式です。
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	files   *storage.Local
	uploads *upload.Manager
	jobs    *jobs.Scheduler
	sweeper *cleanup.Sweeper
	redis   *redis.Client
}

func newApp(cfg *config.Config, logger zerolog.Logger, tool jobs.ToolRunner) (*app, error) {
	files, err := storage.NewLocal(cfg.UploadDir, cfg.OutputDir, logger)
	if err != nil {
		return nil, err
	}

	uploads, err := upload.NewManager(upload.Options{
		TempDir:       cfg.TempDir,
		ChunkSize:     cfg.ChunkSize,
		MaxFileSize:   cfg.MaxFileSize,
		SimpleMaxSize: cfg.SimpleUploadMaxSize,
		Logger:        logger,
	}, files)
	if err != nil {
		return nil, err
	}

	scheduler, redisClient, err := setupJobs(cfg, files, tool, logger)
	if err != nil {
		return nil, err
	}

	sweeper, err := cleanup.New(cleanup.Options{
		Blobs:     files,
		Jobs:      scheduler,
		Sessions:  uploads,
		Retention: cfg.Retention(),
		Interval:  cfg.CleanupInterval(),
		Logger:    logger,
	})
	if err != nil {
		_ = scheduler.Shutdown(context.Background())
		return nil, err
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		files:   files,
		uploads: uploads,
		jobs:    scheduler,
		sweeper: sweeper,
		redis:   redisClient,
	}, nil
}

// router は Gin ルーターを組み立てます。
func (a *app) router(stream jobs.StreamConfig) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), logging.Middleware(a.logger))

	corsConfig := cors.DefaultConfig()
	// CORS許可オリジンを設定（カンマ区切りの文字列を配列に変換）
	var origins []string
	for _, origin := range strings.Split(a.cfg.CORSAllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	if len(origins) == 1 && origins[0] == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Accept"}
	// ダウンロード時にファイル名を読めるように公開
	corsConfig.ExposeHeaders = []string{"Content-Disposition"}
	router.Use(cors.New(corsConfig))

	router.GET("/health", handleHealth)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	upload.RegisterRoutes(router, a.uploads)
	jobs.RegisterRoutes(router, a.jobs, stream)
	router.GET("/process/status/:jobId", jobStatusHandler(a.jobs))
	router.GET("/download/:id", downloadHandler(a.files))
	return router
}

// Close はジョブを停止させ、外部接続を閉じます。
func (a *app) Close(ctx context.Context) error {
	err := a.jobs.Shutdown(ctx)
	if a.redis != nil {
		err = errors.Join(err, a.redis.Close())
	}
	return err
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "audio-forge-api",
		"version": "0.1.0",
	})
}
