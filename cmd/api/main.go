// Package main はAPIサーバーのエントリーポイントです。
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/audio-forge/internal/cleanup"
	"github.com/yourusername/audio-forge/internal/config"
	"github.com/yourusername/audio-forge/internal/jobs"
	"github.com/yourusername/audio-forge/internal/logging"
	"github.com/yourusername/audio-forge/internal/storage"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfg  *config.Config
		port string
	)

	rootCmd := &cobra.Command{
		Use:          "audio-forge-api",
		Short:        "Audio conversion API server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// 設定の読み込み
			loaded, err := config.Load()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if port != "" {
				loaded.Port = port
			}
			cfg = loaded
			return nil
		},
	}
	rootCmd.PersistentFlags().StringVarP(&port, "port", "p", "", "Listen port (overrides PORT)")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), cfg)
		},
	}
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired uploads and outputs once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context(), cfg)
		},
	}

	// サブコマンド無しでもサーバーを起動する
	rootCmd.RunE = serveCmd.RunE
	rootCmd.AddCommand(serveCmd, sweepCmd)
	return rootCmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	// Ginのモードを設定
	gin.SetMode(cfg.GinMode)
	logger := logging.New(cfg.LogLevel, cfg.GinMode)

	a, err := newApp(cfg, logger, nil)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize")
		return err
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           a.router(jobs.DefaultStreamConfig),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		logger.Info().
			Str("addr", srv.Addr).
			Str("mode", cfg.GinMode).
			Str("max_file_size", humanize.IBytes(uint64(cfg.MaxFileSize))).
			Bool("queue", cfg.QueueRedisURL != "").
			Msg("starting API server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// 先にジョブを止めて進捗ストリームを閉じさせる
		closeErr := a.Close(shutdownCtx)
		return errors.Join(closeErr, srv.Shutdown(shutdownCtx))
	})

	err = g.Wait()
	if err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
	}
	return err
}

func runSweep(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(cfg.LogLevel, cfg.GinMode)

	files, err := storage.NewLocal(cfg.UploadDir, cfg.OutputDir, logger)
	if err != nil {
		return err
	}
	report, err := sweepOnce(ctx, files, cfg.Retention(), logger)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d upload entries and %d output entries\n", report.Uploads, report.Outputs)
	return errors.Join(report.Errors...)
}

// sweepOnce はプロセス外から保存ファイルだけを 1 回掃除します。
func sweepOnce(ctx context.Context, files cleanup.BlobSweeper, retention time.Duration, logger zerolog.Logger) (cleanup.Report, error) {
	sweeper, err := cleanup.New(cleanup.Options{
		Blobs:     files,
		Retention: retention,
		Logger:    logger,
	})
	if err != nil {
		return cleanup.Report{}, err
	}
	return sweeper.RunOnce(ctx), nil
}
