package jobs

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/audio-forge/internal/apierr"
	"github.com/yourusername/audio-forge/internal/audio"
)

// StreamConfig は進捗ストリームの待ち時間です。
type StreamConfig struct {
	// CloseDelay は終了イベント送信後に接続を閉じるまでの時間です。
	CloseDelay time.Duration
	// KeepAlive はコメント行を送る間隔です。0 以下なら送りません。
	KeepAlive time.Duration
}

// DefaultStreamConfig は既定のストリーム設定です。
var DefaultStreamConfig = StreamConfig{
	CloseDelay: 100 * time.Millisecond,
	KeepAlive:  15 * time.Second,
}

type processRequest struct {
	FileID string `json:"fileId"`
	audio.Options
}

// RegisterRoutes は /process 配下のルートを登録します。
func RegisterRoutes(r gin.IRouter, s *Scheduler, stream StreamConfig) {
	group := r.Group("/process")
	group.POST("", ProcessHandler(s))
	group.GET("/progress/:jobId", ProgressHandler(s, stream))
	group.POST("/cancel/:jobId", CancelHandler(s))
}

// ProcessHandler は POST /process のハンドラーを返します。ジョブの完了は待ちません。
func ProcessHandler(s *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req processRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apierr.Respond(c, apierr.Invalid("fileId と preset を JSON で送ってください。"))
			return
		}
		if strings.TrimSpace(req.FileID) == "" {
			apierr.Respond(c, apierr.Invalid("fileId を指定してください。"))
			return
		}

		jobID, err := s.StartJob(c.Request.Context(), strings.TrimSpace(req.FileID), req.Options)
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"jobId": jobID})
	}
}

// ProgressHandler は GET /process/progress/:jobId のハンドラーを返します。
// 1 イベントを "data: <JSON>\n\n" として送り、終了イベントの CloseDelay 後に閉じます。
func ProgressHandler(s *Scheduler, cfg StreamConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		jobID := c.Param("jobId")
		sub, err := s.Subscribe(jobID)
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		defer sub.Close()

		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)

		var keepAlive <-chan time.Time
		if cfg.KeepAlive > 0 {
			ticker := time.NewTicker(cfg.KeepAlive)
			defer ticker.Stop()
			keepAlive = ticker.C
		}

		ctx := c.Request.Context()
		sentTerminal := false
		c.Stream(func(w io.Writer) bool {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					// バッファ溢れで終了イベントを落とした購読者にも結果を届ける
					if !sentTerminal {
						if snap, err := s.GetJob(ctx, jobID); err == nil && snap.Status.Terminal() {
							_ = writeEvent(w, snap.Event())
						}
					}
					return false
				}
				if err := writeEvent(w, ev); err != nil {
					return false
				}
				if ev.Terminal() {
					sentTerminal = true
					c.Writer.Flush()
					select {
					case <-time.After(cfg.CloseDelay):
					case <-ctx.Done():
					}
					return false
				}
				return true
			case <-keepAlive:
				_, err := io.WriteString(w, ": keep-alive\n\n")
				return err == nil
			case <-ctx.Done():
				return false
			}
		})
	}
}

// CancelHandler は POST /process/cancel/:jobId のハンドラーを返します。
func CancelHandler(s *Scheduler) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.CancelJob(c.Param("jobId")); err != nil {
			apierr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"cancelled": true})
	}
}

func writeEvent(w io.Writer, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}
