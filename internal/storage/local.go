// Package storage はアップロード・変換結果ファイルのローカル保存と、
// その表示名を保持する JSON サイドカーを管理します。
//
// 保存レイアウト:
//
//	<dir>/<id><ext>   本体
//	<dir>/<id>.json   {"name": "<元のファイル名>", "mimeType": "..."}
//
// 参照はメモリ上のレジストリを優先し、見つからない場合はサイドカーを読み直します。
// プロセス再起動後もサイドカーが残っている間は表示名を復元できます。
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yourusername/audio-forge/internal/apierr"
)

// Kind はファイルの役割（入力/出力）を表します。
type Kind string

const (
	KindUpload Kind = "uploads"
	KindOutput Kind = "output"
)

const sidecarExt = ".json"

// File は保存済みファイルのメタデータです。
type File struct {
	ID        string    `json:"fileId"`
	Name      string    `json:"fileName"`
	Path      string    `json:"filePath"`
	MimeType  string    `json:"mimeType,omitempty"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"createdAt"`
}

type sidecar struct {
	Name     string `json:"name"`
	MimeType string `json:"mimeType,omitempty"`
}

// Local はローカルディスク上のファイルストアです。
type Local struct {
	dirs   map[Kind]string
	mu     sync.RWMutex
	files  map[Kind]map[string]File
	logger zerolog.Logger
}

// NewLocal は保存先ディレクトリを作成し Local を返します。
func NewLocal(uploadDir, outputDir string, logger zerolog.Logger) (*Local, error) {
	dirs := map[Kind]string{}
	for kind, dir := range map[Kind]string{KindUpload: uploadDir, KindOutput: outputDir} {
		if strings.TrimSpace(dir) == "" {
			return nil, fmt.Errorf("%s directory is required", kind)
		}
		abs, err := filepath.Abs(dir)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %s directory: %w", kind, err)
		}
		if err := os.MkdirAll(abs, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s directory: %w", kind, err)
		}
		dirs[kind] = abs
	}
	return &Local{
		dirs: dirs,
		files: map[Kind]map[string]File{
			KindUpload: {},
			KindOutput: {},
		},
		logger: logger.With().Str("component", "storage").Logger(),
	}, nil
}

// Dir は種別ごとの保存先ディレクトリを返します。
func (s *Local) Dir(kind Kind) string {
	return s.dirs[kind]
}

// NewID は作成時刻を含む識別子を生成します。
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// CreatedAt は識別子に埋め込まれた作成時刻を取り出します。
func CreatedAt(id string) (time.Time, bool) {
	parsed, err := uuid.Parse(id)
	if err != nil || parsed.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := parsed.Time().UnixTime()
	return time.Unix(sec, nsec), true
}

// Reserve は新しいファイルの識別子と保存パスを払い出します。
// Commit するまでレジストリには登録されません。
func (s *Local) Reserve(kind Kind, name string) (File, error) {
	dir, ok := s.dirs[kind]
	if !ok {
		return File{}, fmt.Errorf("unknown storage kind: %s", kind)
	}
	id := NewID()
	created, _ := CreatedAt(id)
	return File{
		ID:        id,
		Name:      DisplayName(name),
		Path:      filepath.Join(dir, id+extFor(name)),
		CreatedAt: created,
	}, nil
}

// Commit は Reserve したパスに書き込まれた内容を確定させ、サイドカーを保存して登録します。
// MimeType が空の場合は内容から判定します。
func (s *Local) Commit(kind Kind, file File) (File, error) {
	info, err := os.Stat(file.Path)
	if err != nil {
		return File{}, fmt.Errorf("failed to stat stored file: %w", err)
	}
	file.Size = info.Size()
	if file.MimeType == "" {
		if mt, err := mimetype.DetectFile(file.Path); err == nil {
			file.MimeType = mt.String()
		}
	}

	if err := writeSidecar(s.sidecarPath(kind, file.ID), sidecar{Name: file.Name, MimeType: file.MimeType}); err != nil {
		return File{}, err
	}

	s.mu.Lock()
	s.files[kind][file.ID] = file
	s.mu.Unlock()

	s.logger.Debug().
		Str("kind", string(kind)).
		Str("file_id", file.ID).
		Str("name", file.Name).
		Int64("size", file.Size).
		Msg("file stored")
	return file, nil
}

// Save は r の内容を新しいファイルとして保存します。
func (s *Local) Save(ctx context.Context, kind Kind, name string, r io.Reader) (File, error) {
	file, err := s.Reserve(kind, name)
	if err != nil {
		return File{}, err
	}

	dst, err := os.OpenFile(file.Path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o640)
	if err != nil {
		return File{}, fmt.Errorf("failed to create file: %w", err)
	}
	_, copyErr := io.Copy(dst, readerWithContext(ctx, r))
	closeErr := dst.Close()
	if copyErr == nil {
		copyErr = closeErr
	}
	if copyErr != nil {
		_ = os.Remove(file.Path)
		return File{}, fmt.Errorf("failed to write file: %w", copyErr)
	}

	stored, err := s.Commit(kind, file)
	if err != nil {
		_ = os.Remove(file.Path)
		return File{}, err
	}
	return stored, nil
}

// Lookup は識別子からファイルを探します。
// メモリに無い場合はサイドカーから復元してキャッシュします。
func (s *Local) Lookup(kind Kind, id string) (File, error) {
	if _, err := uuid.Parse(id); err != nil {
		return File{}, apierr.ErrFileNotFound
	}

	s.mu.RLock()
	file, ok := s.files[kind][id]
	s.mu.RUnlock()
	if ok {
		if _, err := os.Stat(file.Path); err == nil {
			return file, nil
		}
		s.forget(kind, id)
		return File{}, apierr.ErrFileNotFound
	}

	file, err := s.recover(kind, id)
	if err != nil {
		return File{}, err
	}

	s.mu.Lock()
	s.files[kind][id] = file
	s.mu.Unlock()

	s.logger.Debug().Str("kind", string(kind)).Str("file_id", id).Msg("file recovered from sidecar")
	return file, nil
}

// Remove はファイルとサイドカーを削除します。存在しない場合は何もしません。
func (s *Local) Remove(kind Kind, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return nil
	}
	s.forget(kind, id)

	var errs []error
	matches, _ := filepath.Glob(filepath.Join(s.dirs[kind], id+".*"))
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Sweep は cutoff より古いエントリをディレクトリとレジストリから削除します。
// 削除に失敗したエントリがあっても残りの処理は続行し、失敗はまとめて返します。
func (s *Local) Sweep(ctx context.Context, kind Kind, cutoff time.Time) (int, error) {
	dir, ok := s.dirs[kind]
	if !ok {
		return 0, fmt.Errorf("unknown storage kind: %s", kind)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read %s directory: %w", kind, err)
	}

	var (
		removed int
		errs    []error
	)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		info, err := entry.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				errs = append(errs, err)
			}
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, fmt.Errorf("failed to remove %s: %w", path, err))
			continue
		}
		removed++
	}

	s.mu.Lock()
	for id, file := range s.files[kind] {
		if file.CreatedAt.Before(cutoff) {
			delete(s.files[kind], id)
		}
	}
	s.mu.Unlock()

	return removed, errors.Join(errs...)
}

func (s *Local) recover(kind Kind, id string) (File, error) {
	data, err := os.ReadFile(s.sidecarPath(kind, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return File{}, apierr.ErrFileNotFound
		}
		return File{}, fmt.Errorf("failed to read sidecar: %w", err)
	}
	var meta sidecar
	if err := json.Unmarshal(data, &meta); err != nil {
		return File{}, fmt.Errorf("failed to parse sidecar: %w", err)
	}

	matches, err := filepath.Glob(filepath.Join(s.dirs[kind], id+".*"))
	if err != nil {
		return File{}, err
	}
	for _, path := range matches {
		if filepath.Ext(path) == sidecarExt {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		created, _ := CreatedAt(id)
		return File{
			ID:        id,
			Name:      meta.Name,
			Path:      path,
			MimeType:  meta.MimeType,
			Size:      info.Size(),
			CreatedAt: created,
		}, nil
	}
	return File{}, apierr.ErrFileNotFound
}

func (s *Local) forget(kind Kind, id string) {
	s.mu.Lock()
	delete(s.files[kind], id)
	s.mu.Unlock()
}

func (s *Local) sidecarPath(kind Kind, id string) string {
	return filepath.Join(s.dirs[kind], id+sidecarExt)
}

func writeSidecar(path string, meta sidecar) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o640); err != nil {
		return fmt.Errorf("failed to write sidecar: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write sidecar: %w", err)
	}
	return nil
}

// DisplayName はパス要素を取り除いた表示用のファイル名を返します。
func DisplayName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = strings.TrimSpace(filepath.Base(name))
	if name == "" || name == "." || name == "/" {
		return "audio"
	}
	return name
}

// extFor は保存用の拡張子を返します。サイドカーと衝突する拡張子や不正な文字は .bin にします。
func extFor(name string) string {
	ext := strings.ToLower(filepath.Ext(DisplayName(name)))
	if ext == "" || ext == sidecarExt || len(ext) > 10 {
		return ".bin"
	}
	for _, r := range ext[1:] {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return ".bin"
		}
	}
	return ext
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

func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	if ctx == nil {
		return r
	}
	return &ctxReader{ctx: ctx, r: r}
}
