// Package storage keeps uploaded screenshots and generated audio on local
// disk and names the URLs they are served under.
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrBadName rejects names that would escape the directory.
var ErrBadName = errors.New("storage: invalid file name")

// Dir is one served directory.
type Dir struct {
	root      string
	urlPrefix string
}

// NewDir creates root if needed. urlPrefix is the public path of the
// directory, e.g. "/screenshots".
func NewDir(root, urlPrefix string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create %s: %w", root, err)
	}
	return &Dir{root: root, urlPrefix: "/" + strings.Trim(urlPrefix, "/")}, nil
}

// Root returns the directory path.
func (d *Dir) Root() string { return d.root }

// NewName builds a unique file name such as screenshot_20250101_120000_ab12cd34.png.
func NewName(prefix, ext string) string {
	ext = strings.ToLower(ext)
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	id := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%s_%s%s", prefix, time.Now().Format("20060102_150405"), id, ext)
}

// Path resolves name inside the directory.
func (d *Dir) Path(name string) (string, error) {
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") || strings.ContainsAny(name, `/\`) {
		return "", ErrBadName
	}
	return filepath.Join(d.root, name), nil
}

// URL returns the public path of name.
func (d *Dir) URL(name string) string {
	return d.urlPrefix + "/" + name
}

// Save writes data under name and returns its URL. The write is atomic.
func (d *Dir) Save(name string, data []byte) (string, error) {
	path, err := d.Path(name)
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(d.root, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("rename %s: %w", name, err)
	}
	return d.URL(name), nil
}

// Read returns the content of name.
func (d *Dir) Read(name string) ([]byte, error) {
	path, err := d.Path(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// TempFile creates a scratch file for an upload. The caller removes it.
func (d *Dir) TempFile(pattern string) (*os.File, error) {
	return os.CreateTemp(d.root, pattern)
}
