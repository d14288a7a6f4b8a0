// Package media stores uploaded images on disk and resolves the URLs they
// are served from.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
)

// imageDir mirrors the upload prefix of the stored keys.
const imageDir = "chat_images"

// ErrInvalidKey is returned for keys that escape the media root.
var ErrInvalidKey = errors.New("invalid media key")

var extensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/jpg":  ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",
}

// Config locates the media root and its public URL prefix. BaseURL may be an
// absolute URL or a path such as "/media".
type Config struct {
	Dir     string `mapstructure:"dir"`
	BaseURL string `mapstructure:"base_url"`
}

// DiskStore keeps objects under a root directory.
type DiskStore struct {
	dir     string
	baseURL string
}

// NewDiskStore creates the root directory if needed.
func NewDiskStore(cfg Config) (*DiskStore, error) {
	if cfg.Dir == "" {
		return nil, errors.New("media directory is empty")
	}
	if err := os.MkdirAll(filepath.Join(cfg.Dir, imageDir), 0o750); err != nil {
		return nil, fmt.Errorf("failed to create media directory: %w", err)
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = "/media"
	}
	return &DiskStore{dir: cfg.Dir, baseURL: base}, nil
}

// Dir returns the media root, for static file serving.
func (s *DiskStore) Dir() string {
	return s.dir
}

// Put writes r under a new unique key and returns the key.
func (s *DiskStore) Put(ctx context.Context, contentType string, r io.Reader) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	ext, ok := extensions[contentType]
	if !ok {
		ext = ".bin"
	}
	key := path.Join(imageDir, ulid.Make().String()+ext)
	full := filepath.Join(s.dir, filepath.FromSlash(key))

	f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", key, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(full)
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(full)
		return "", fmt.Errorf("failed to close %s: %w", key, err)
	}
	return key, nil
}

// Delete removes a stored object. Missing objects are not an error.
func (s *DiskStore) Delete(key string) error {
	full, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// URL returns where key is served from. The result is relative when BaseURL
// is a path.
func (s *DiskStore) URL(key string) string {
	return s.baseURL + "/" + strings.TrimLeft(key, "/")
}

func (s *DiskStore) resolve(key string) (string, error) {
	clean := path.Clean("/" + key)
	if clean == "/" || strings.Contains(key, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.dir, filepath.FromSlash(strings.TrimPrefix(clean, "/"))), nil
}
