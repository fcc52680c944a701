package upload

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/audio-forge/internal/apierr"
)

const (
	// multipart のヘッダーや他フィールド分の余裕です。
	formOverhead    = 1 << 20
	multipartMemory = 8 << 20
)

type initRequest struct {
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
}

type sessionRequest struct {
	UploadID string `json:"uploadId"`
}

// RegisterRoutes は /upload 配下のルートを登録します。
func RegisterRoutes(r gin.IRouter, m *Manager) {
	group := r.Group("/upload")
	group.GET("/config", ConfigHandler(m))
	group.POST("/init", InitHandler(m))
	group.POST("/chunk", ChunkHandler(m))
	group.POST("/finalize", FinalizeHandler(m))
	group.POST("/cancel", CancelHandler(m))
	group.GET("/status/:id", StatusHandler(m))
	r.POST("/upload", SimpleHandler(m))
}

// ConfigHandler は GET /upload/config のハンドラーを返します。
func ConfigHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"maxFileSize":  m.MaxFileSize(),
			"chunkSize":    m.ChunkSize(),
			"allowedTypes": AllowedTypes,
		})
	}
}

// InitHandler は POST /upload/init のハンドラーを返します。
func InitHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req initRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			apierr.Respond(c, apierr.Invalid("fileName と fileSize を JSON で送ってください。"))
			return
		}

		result, err := m.Init(c.Request.Context(), req.FileName, req.FileSize, req.MimeType)
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// ChunkHandler は POST /upload/chunk のハンドラーを返します。
func ChunkHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, m.ChunkSize()+formOverhead)
		if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
			apierr.Respond(c, formError(err))
			return
		}

		uploadID := strings.TrimSpace(c.PostForm("uploadId"))
		if uploadID == "" {
			apierr.Respond(c, apierr.Invalid("uploadId を指定してください。"))
			return
		}
		index, err := strconv.Atoi(strings.TrimSpace(c.PostForm("chunkIndex")))
		if err != nil {
			apierr.Respond(c, apierr.Invalid("chunkIndex は整数で指定してください。"))
			return
		}

		header, err := c.FormFile("chunk")
		if err != nil {
			apierr.Respond(c, apierr.Invalid("chunk が見つかりません。"))
			return
		}
		chunk, err := header.Open()
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		defer chunk.Close()

		result, err := m.WriteChunk(c.Request.Context(), uploadID, index, chunk)
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, result)
	}
}

// FinalizeHandler は POST /upload/finalize のハンドラーを返します。
func FinalizeHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		uploadID, ok := bindUploadID(c)
		if !ok {
			return
		}

		file, err := m.Finalize(c.Request.Context(), uploadID)
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"fileId":   file.ID,
			"fileName": file.Name,
			"filePath": file.Path,
		})
	}
}

// CancelHandler は POST /upload/cancel のハンドラーを返します。
func CancelHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		uploadID, ok := bindUploadID(c)
		if !ok {
			return
		}
		m.Cancel(uploadID)
		c.JSON(http.StatusOK, gin.H{"cancelled": true})
	}
}

// StatusHandler は GET /upload/status/:id のハンドラーを返します。
func StatusHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, m.Status(c.Param("id")))
	}
}

// SimpleHandler は POST /upload（一括アップロード）のハンドラーを返します。
func SimpleHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, m.opts.SimpleMaxSize+formOverhead)
		if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
			apierr.Respond(c, formError(err))
			return
		}

		header, err := c.FormFile("file")
		if err != nil {
			apierr.Respond(c, apierr.Invalid("file が見つかりません。"))
			return
		}
		src, err := header.Open()
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		defer src.Close()

		file, err := m.StoreSimple(c.Request.Context(), header.Filename, header.Size, src)
		if err != nil {
			apierr.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"fileId":   file.ID,
			"fileName": file.Name,
		})
	}
}

func bindUploadID(c *gin.Context) (string, bool) {
	var req sessionRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.UploadID) == "" {
		apierr.Respond(c, apierr.Invalid("uploadId を指定してください。"))
		return "", false
	}
	return strings.TrimSpace(req.UploadID), true
}

// formError はフォーム解析の失敗をサイズ超過とそれ以外に分けます。
func formError(err error) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return apierr.ErrPayloadTooLarge
	}
	return apierr.Invalid("multipart/form-data で送信してください。")
}
