// Package storage は従業員プロフィール画像の保存を提供する。
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// MaxImageBytes は保存できる画像の最大サイズ。
const MaxImageBytes = 5 << 20

// RefPrefix は保存した画像の参照に付く接頭辞。/uploads/以下で配信される。
const RefPrefix = "uploads/"

var (
	// ErrImageTooLarge は画像がMaxImageBytesを超える場合に返される。
	ErrImageTooLarge = errors.New("storage: image too large")
	// ErrNotImage は内容が画像として判定できない場合に返される。
	ErrNotImage = errors.New("storage: content is not an image")
)

// ImageStore は画像を保存し、参照文字列を返す。
type ImageStore interface {
	Store(ctx context.Context, name string, r io.Reader) (string, error)
}

// LocalImageStore はローカルディスクに画像を保存するImageStore。
// ファイル名は "<UnixNano>-<元のファイル名>" とする。
type LocalImageStore struct {
	dir string
	now func() time.Time
}

// NewLocalImageStore はLocalImageStoreを生成し、保存先ディレクトリを作成する。
func NewLocalImageStore(dir string) (*LocalImageStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create upload directory: %w", err)
	}
	return &LocalImageStore{dir: dir, now: time.Now}, nil
}

// Dir は保存先ディレクトリを返す。
func (s *LocalImageStore) Dir() string {
	return s.dir
}

// Store は画像を保存し "uploads/<ファイル名>" 形式の参照を返す。
// MaxImageBytesを超えるもの、画像でないものは保存しない。
func (s *LocalImageStore) Store(ctx context.Context, name string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := io.ReadAll(io.LimitReader(r, MaxImageBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read image: %w", err)
	}
	if len(data) > MaxImageBytes {
		return "", ErrImageTooLarge
	}
	if !strings.HasPrefix(http.DetectContentType(data), "image/") {
		return "", ErrNotImage
	}

	filename := fmt.Sprintf("%d-%s", s.now().UnixNano(), safeBaseName(name))
	f, err := os.OpenFile(filepath.Join(s.dir, filename), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create image file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return "", fmt.Errorf("failed to write image: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close image file: %w", err)
	}

	return path.Join(RefPrefix, filename), nil
}

// safeBaseName はパス区切りを除き、英数字と一部記号のみのファイル名に変換する。
func safeBaseName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "/" || base == "." {
		return "image"
	}
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "image"
	}
	if len(out) > 100 {
		out = out[len(out)-100:]
	}
	return out
}
