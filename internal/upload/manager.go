// Package upload はチャンク分割アップロードの受付と再構成を提供します。
package upload

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/yourusername/audio-forge/internal/apierr"
	"github.com/yourusername/audio-forge/internal/metrics"
	"github.com/yourusername/audio-forge/internal/storage"
)

const chunkNameFormat = "chunk_%06d"

// FileStore はアップロード結果の保存先です。
type FileStore interface {
	Reserve(kind storage.Kind, name string) (storage.File, error)
	Commit(kind storage.Kind, file storage.File) (storage.File, error)
	Save(ctx context.Context, kind storage.Kind, name string, r io.Reader) (storage.File, error)
}

// Options は Manager の設定です。
type Options struct {
	TempDir       string
	ChunkSize     int64
	MaxFileSize   int64
	SimpleMaxSize int64
	Logger        zerolog.Logger
	Now           func() time.Time
}

// InitResult は Init の戻り値です。
type InitResult struct {
	SessionID   string `json:"uploadId"`
	ChunkSize   int64  `json:"chunkSize"`
	TotalChunks int    `json:"totalChunks"`
}

// ChunkResult は WriteChunk の戻り値です。
type ChunkResult struct {
	Received int  `json:"received"`
	Total    int  `json:"total"`
	Complete bool `json:"complete"`
}

// StatusResult は Status の戻り値です。
type StatusResult struct {
	Exists   bool `json:"exists"`
	Received int  `json:"received,omitempty"`
	Total    int  `json:"total,omitempty"`
	Complete bool `json:"complete,omitempty"`
}

// session は進行中のチャンクアップロード1件分の状態です。
//
// lock はチャンク書き込み同士では共有、Finalize/Cancel/掃除では排他で取得します。
// received は書き込み同士の競合を避けるため setMu で別途保護します。
type session struct {
	id          string
	fileName    string
	fileSize    int64
	mimeType    string
	totalChunks int
	dir         string
	createdAt   time.Time

	lock     sync.RWMutex
	closed   bool
	setMu    sync.Mutex
	received map[int]struct{}
}

func (s *session) snapshot() (int, bool) {
	s.setMu.Lock()
	defer s.setMu.Unlock()
	return len(s.received), len(s.received) == s.totalChunks
}

// Manager はアップロードセッションを管理します。
type Manager struct {
	opts  Options
	files FileStore

	mu       sync.Mutex
	sessions map[string]*session
	logger   zerolog.Logger
}

// NewManager は Manager を初期化します。
func NewManager(opts Options, files FileStore) (*Manager, error) {
	if files == nil {
		return nil, errors.New("file store is nil")
	}
	if opts.ChunkSize <= 0 {
		return nil, errors.New("chunk size must be positive")
	}
	if opts.TempDir == "" {
		return nil, errors.New("temp dir is required")
	}
	if opts.SimpleMaxSize <= 0 {
		opts.SimpleMaxSize = opts.ChunkSize
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(opts.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	return &Manager{
		opts:     opts,
		files:    files,
		sessions: make(map[string]*session),
		logger:   opts.Logger.With().Str("component", "upload").Logger(),
	}, nil
}

// ChunkSize はチャンクサイズを返します。
func (m *Manager) ChunkSize() int64 {
	return m.opts.ChunkSize
}

// MaxFileSize は最大ファイルサイズを返します。
func (m *Manager) MaxFileSize() int64 {
	return m.opts.MaxFileSize
}

// Init は新しいアップロードセッションを作成します。
func (m *Manager) Init(ctx context.Context, fileName string, fileSize int64, mimeType string) (*InitResult, error) {
	fileName = strings.TrimSpace(fileName)
	if fileName == "" {
		return nil, apierr.Invalid("fileName を指定してください。")
	}
	if fileSize <= 0 {
		return nil, apierr.Invalid("fileSize には正の整数を指定してください。")
	}
	if m.opts.MaxFileSize > 0 && fileSize > m.opts.MaxFileSize {
		return nil, apierr.New(apierr.CodePayloadTooLarge,
			fmt.Sprintf("ファイルサイズが上限 (%s) を超えています。", humanize.IBytes(uint64(m.opts.MaxFileSize))), nil)
	}
	if mimeType != "" && !IsAudioMIME(mimeType) {
		return nil, apierr.ErrUnsupportedMedia
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := storage.NewID()
	dir, err := os.MkdirTemp(m.opts.TempDir, "session-"+id+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}

	total := int(math.Ceil(float64(fileSize) / float64(m.opts.ChunkSize)))
	sess := &session{
		id:          id,
		fileName:    storage.DisplayName(fileName),
		fileSize:    fileSize,
		mimeType:    mimeType,
		totalChunks: total,
		dir:         dir,
		createdAt:   m.opts.Now(),
		received:    make(map[int]struct{}, total),
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()
	metrics.UploadSessionsActive.Inc()

	m.logger.Info().
		Str("upload_id", id).
		Str("size", humanize.IBytes(uint64(fileSize))).
		Int("chunks", total).
		Msg("upload session initialized")

	return &InitResult{
		SessionID:   id,
		ChunkSize:   m.opts.ChunkSize,
		TotalChunks: total,
	}, nil
}

// WriteChunk はチャンクを保存します。同じ index の再送は上書きになります。
func (m *Manager) WriteChunk(ctx context.Context, sessionID string, index int, r io.Reader) (*ChunkResult, error) {
	sess := m.lookup(sessionID)
	if sess == nil {
		return nil, apierr.ErrSessionNotFound
	}
	if index < 0 || index >= sess.totalChunks {
		return nil, apierr.Invalid(fmt.Sprintf("chunkIndex は 0 以上 %d 未満で指定してください。", sess.totalChunks))
	}

	sess.lock.RLock()
	defer sess.lock.RUnlock()
	if sess.closed {
		return nil, apierr.ErrSessionNotFound
	}

	if err := m.writeChunkFile(ctx, sess, index, r); err != nil {
		return nil, err
	}

	sess.setMu.Lock()
	sess.received[index] = struct{}{}
	received := len(sess.received)
	sess.setMu.Unlock()
	metrics.UploadChunksReceived.Inc()

	return &ChunkResult{
		Received: received,
		Total:    sess.totalChunks,
		Complete: received == sess.totalChunks,
	}, nil
}

func (m *Manager) writeChunkFile(ctx context.Context, sess *session, index int, r io.Reader) error {
	tmp, err := os.CreateTemp(sess.dir, ".incoming-*")
	if err != nil {
		return fmt.Errorf("failed to create chunk file: %w", err)
	}
	tmpPath := tmp.Name()

	limit := m.opts.ChunkSize
	written, copyErr := io.Copy(tmp, io.LimitReader(&ctxReader{ctx: ctx, r: r}, limit+1))
	closeErr := tmp.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write chunk: %w", copyErr)
	}
	if written > limit {
		_ = os.Remove(tmpPath)
		return apierr.New(apierr.CodePayloadTooLarge,
			fmt.Sprintf("チャンクサイズが上限 (%s) を超えています。", humanize.IBytes(uint64(limit))), nil)
	}

	if err := os.Rename(tmpPath, filepath.Join(sess.dir, chunkName(index))); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to store chunk: %w", err)
	}
	return nil
}

// Finalize はチャンクを順番に連結してファイルとして保存し、セッションを破棄します。
func (m *Manager) Finalize(ctx context.Context, sessionID string) (storage.File, error) {
	sess := m.lookup(sessionID)
	if sess == nil {
		return storage.File{}, apierr.ErrSessionNotFound
	}

	sess.lock.Lock()
	defer sess.lock.Unlock()
	if sess.closed {
		return storage.File{}, apierr.ErrSessionNotFound
	}

	received, complete := sess.snapshot()
	if !complete {
		return storage.File{}, apierr.New(apierr.CodeIncompleteUpload,
			fmt.Sprintf("すべてのチャンクが揃っていません (%d/%d)。", received, sess.totalChunks), nil)
	}

	file, err := m.files.Reserve(storage.KindUpload, sess.fileName)
	if err != nil {
		return storage.File{}, err
	}
	if err := assemble(ctx, sess, file.Path); err != nil {
		_ = os.Remove(file.Path)
		return storage.File{}, err
	}
	stored, err := m.files.Commit(storage.KindUpload, file)
	if err != nil {
		_ = os.Remove(file.Path)
		return storage.File{}, err
	}

	m.closeLocked(sess)
	metrics.UploadBytes.WithLabelValues("chunked").Add(float64(stored.Size))

	m.logger.Info().
		Str("upload_id", sess.id).
		Str("file_id", stored.ID).
		Str("size", humanize.IBytes(uint64(stored.Size))).
		Msg("upload finalized")
	return stored, nil
}

func assemble(ctx context.Context, sess *session, outputPath string) error {
	out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}

	for i := 0; i < sess.totalChunks; i++ {
		if err := ctx.Err(); err != nil {
			out.Close()
			return err
		}
		if err := appendFile(out, filepath.Join(sess.dir, chunkName(i))); err != nil {
			out.Close()
			return fmt.Errorf("failed to append chunk %d: %w", i, err)
		}
	}
	return out.Close()
}

func appendFile(dst io.Writer, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()
	_, err = io.Copy(dst, src)
	return err
}

// Cancel はセッションを破棄します。存在しない場合は何もしません。
func (m *Manager) Cancel(sessionID string) {
	sess := m.lookup(sessionID)
	if sess == nil {
		return
	}
	sess.lock.Lock()
	defer sess.lock.Unlock()
	if sess.closed {
		return
	}
	m.closeLocked(sess)
	m.logger.Info().Str("upload_id", sess.id).Msg("upload cancelled")
}

// Status はセッションの状態を返します。
func (m *Manager) Status(sessionID string) StatusResult {
	sess := m.lookup(sessionID)
	if sess == nil {
		return StatusResult{Exists: false}
	}
	received, complete := sess.snapshot()
	return StatusResult{
		Exists:   true,
		Received: received,
		Total:    sess.totalChunks,
		Complete: complete,
	}
}

// ReapStale は maxAge より古いセッションを削除し、削除件数を返します。
func (m *Manager) ReapStale(maxAge time.Duration) int {
	cutoff := m.opts.Now().Add(-maxAge)

	m.mu.Lock()
	stale := make([]*session, 0)
	for _, sess := range m.sessions {
		if sess.createdAt.Before(cutoff) {
			stale = append(stale, sess)
		}
	}
	m.mu.Unlock()

	reaped := 0
	for _, sess := range stale {
		sess.lock.Lock()
		if !sess.closed {
			m.closeLocked(sess)
			reaped++
		}
		sess.lock.Unlock()
	}
	if reaped > 0 {
		m.logger.Info().Int("count", reaped).Msg("stale upload sessions reaped")
	}
	return reaped
}

// StoreSimple は小さなファイルをセッションを使わずに保存します。
func (m *Manager) StoreSimple(ctx context.Context, fileName string, size int64, r io.Reader) (storage.File, error) {
	fileName = strings.TrimSpace(fileName)
	if fileName == "" {
		return storage.File{}, apierr.Invalid("ファイル名が空です。")
	}
	if size > m.opts.SimpleMaxSize {
		return storage.File{}, apierr.New(apierr.CodePayloadTooLarge,
			fmt.Sprintf("%s を超えるファイルはチャンクアップロードを利用してください。", humanize.IBytes(uint64(m.opts.SimpleMaxSize))), nil)
	}

	head := make([]byte, 3072)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return storage.File{}, fmt.Errorf("failed to read upload: %w", err)
	}
	head = head[:n]
	if !IsMediaMIME(mimetype.Detect(head).String()) {
		return storage.File{}, apierr.ErrUnsupportedMedia
	}

	body := io.LimitReader(io.MultiReader(bytes.NewReader(head), r), m.opts.SimpleMaxSize+1)
	file, err := m.files.Save(ctx, storage.KindUpload, fileName, body)
	if err != nil {
		return storage.File{}, err
	}
	if file.Size > m.opts.SimpleMaxSize {
		_ = os.Remove(file.Path)
		return storage.File{}, apierr.New(apierr.CodePayloadTooLarge,
			fmt.Sprintf("%s を超えるファイルはチャンクアップロードを利用してください。", humanize.IBytes(uint64(m.opts.SimpleMaxSize))), nil)
	}
	metrics.UploadBytes.WithLabelValues("simple").Add(float64(file.Size))
	return file, nil
}

func (m *Manager) lookup(id string) *session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

// closeLocked は sess.lock を排他取得した状態で呼び出します。
func (m *Manager) closeLocked(sess *session) {
	sess.closed = true
	if err := os.RemoveAll(sess.dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logger.Warn().Err(err).Str("upload_id", sess.id).Msg("failed to remove session dir")
	}

	m.mu.Lock()
	if cur, ok := m.sessions[sess.id]; ok && cur == sess {
		delete(m.sessions, sess.id)
		metrics.UploadSessionsActive.Dec()
	}
	m.mu.Unlock()
}

func chunkName(index int) string {
	return fmt.Sprintf(chunkNameFormat, index)
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
