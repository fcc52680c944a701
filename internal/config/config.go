// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// 進捗の読み取り形式です。
const (
	ProgressFormatClock  = "clock"
	ProgressFormatMicros = "micros"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// サーバー設定
	Port     string // APIサーバーのポート番号
	GinMode  string // Ginの実行モード (debug, release, test)
	LogLevel string // zerolog のログレベル

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// アップロード設定
	MaxFileSize         int64 // 単一ファイルの最大サイズ（バイト）
	ChunkSize           int64 // チャンクサイズ（バイト）
	SimpleUploadMaxSize int64 // 一括アップロードを受け付ける最大サイズ（バイト）

	// 保存先
	UploadDir string // アップロードファイルの保存先
	OutputDir string // 変換結果の保存先
	TempDir   string // チャンク一時保存先

	// 後片付け設定
	RetentionMinutes       int // ファイル・ジョブの保持期間（分）
	CleanupIntervalSeconds int // 掃除の実行間隔（秒）

	// ジョブ/キュー設定
	FFmpegPath     string // ffmpeg 実行ファイルのパス
	ProgressFormat string // 進捗の読み取り形式 (clock, micros)
	JobConcurrency int    // 同時に実行する変換プロセス数
	QueueRedisURL  string // Asynq用Redis接続URL（空ならプロセス内で実行）
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	chunkSize := getEnvAsInt64("CHUNK_SIZE", 5*1024*1024) // 5MiB

	config := &Config{
		// サーバー設定
		Port:     getEnv("PORT", "8080"),
		GinMode:  getEnv("GIN_MODE", "debug"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// アップロード設定
		MaxFileSize:         getEnvAsInt64("MAX_FILE_SIZE", 500*1024*1024), // 500MiB
		ChunkSize:           chunkSize,
		SimpleUploadMaxSize: getEnvAsInt64("SIMPLE_UPLOAD_MAX_SIZE", chunkSize),

		// 保存先
		UploadDir: getEnv("UPLOAD_DIR", "./uploads"),
		OutputDir: getEnv("OUTPUT_DIR", "./output"),
		TempDir:   getEnv("TEMP_DIR", filepath.Join(os.TempDir(), "audio-forge")),

		// 後片付け設定
		RetentionMinutes:       getEnvAsInt("RETENTION_MINUTES", 15),
		CleanupIntervalSeconds: getEnvAsInt("CLEANUP_INTERVAL_SECONDS", 60),

		// ジョブ/キュー設定
		FFmpegPath:     getEnv("FFMPEG_PATH", "ffmpeg"),
		ProgressFormat: getEnv("PROGRESS_FORMAT", ProgressFormatClock),
		JobConcurrency: getEnvAsInt("JOB_CONCURRENCY", 2),
		QueueRedisURL:  getEnv("QUEUE_REDIS_URL", ""),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive")
	}
	if c.MaxFileSize < c.ChunkSize {
		return fmt.Errorf("MAX_FILE_SIZE must be >= CHUNK_SIZE")
	}
	if c.SimpleUploadMaxSize <= 0 {
		return fmt.Errorf("SIMPLE_UPLOAD_MAX_SIZE must be positive")
	}
	if c.RetentionMinutes <= 0 {
		return fmt.Errorf("RETENTION_MINUTES must be positive")
	}
	if c.CleanupIntervalSeconds <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL_SECONDS must be positive")
	}
	if c.FFmpegPath == "" {
		return fmt.Errorf("FFMPEG_PATH is required")
	}
	switch c.ProgressFormat {
	case ProgressFormatClock, ProgressFormatMicros:
	default:
		return fmt.Errorf("PROGRESS_FORMAT must be %q or %q", ProgressFormatClock, ProgressFormatMicros)
	}
	if c.JobConcurrency <= 0 {
		return fmt.Errorf("JOB_CONCURRENCY must be positive")
	}

	// 本番環境では保存先を明示させる
	if c.GinMode == "release" {
		if os.Getenv("UPLOAD_DIR") == "" {
			return fmt.Errorf("UPLOAD_DIR is required in release mode")
		}
		if os.Getenv("OUTPUT_DIR") == "" {
			return fmt.Errorf("OUTPUT_DIR is required in release mode")
		}
	}

	return nil
}

// Retention は保持期間を返します。
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionMinutes) * time.Minute
}

// CleanupInterval は掃除の実行間隔を返します。
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSeconds) * time.Second
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsInt64 は環境変数を64ビット整数として取得します。
func getEnvAsInt64(key string, defaultValue int64) int64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseInt(valueStr, 10, 64)
	if err != nil {
		return defaultValue
	}
	return value
}
