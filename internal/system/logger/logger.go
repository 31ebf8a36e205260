// Package logger manages the gateway log files: one text file per day with
// size based rotation, optional stderr tee and age based cleanup. The raw
// files stay readable even when the gateway cannot start.
package logger

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const filePrefix = "sightline-"

// Config configures the manager.
type Config struct {
	Dir        string
	Level      slog.Level
	MaxAgeDays int // 0 keeps everything
	MaxSizeMB  int // a file at this size is rotated
	// Stderr, when set, receives a copy of every line.
	Stderr io.Writer
}

// Manager owns the current log file.
type Manager struct {
	cfg     Config
	mu      sync.Mutex
	file    *os.File
	curDate string
}

// DefaultConfig returns the log settings used without a config file.
func DefaultConfig() Config {
	return Config{
		Dir:        defaultLogDir(),
		Level:      slog.LevelInfo,
		MaxAgeDays: 7,
		MaxSizeMB:  50,
		Stderr:     os.Stderr,
	}
}

func defaultLogDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".sightline", "logs")
	}
	return filepath.Join(home, ".sightline", "logs")
}

// ParseLevel maps debug, info, warn and error to a level. Anything else is info.
func ParseLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo
	}
	return l
}

// New creates the log directory and opens today's file.
func New(cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		cfg.Dir = defaultLogDir()
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 50
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	m := &Manager{cfg: cfg}
	if err := m.rotateIfNeeded(); err != nil {
		return nil, err
	}
	return m, nil
}

// NewSlogHandler returns a text handler writing to the managed file.
func (m *Manager) NewSlogHandler() slog.Handler {
	return slog.NewTextHandler(m, &slog.HandlerOptions{
		Level: m.cfg.Level,
	})
}

// NewLogger returns a logger writing to the file and to every extra handler.
func (m *Manager) NewLogger(extra ...slog.Handler) *slog.Logger {
	if len(extra) == 0 {
		return slog.New(m.NewSlogHandler())
	}
	return slog.New(Fanout(append([]slog.Handler{m.NewSlogHandler()}, extra...)...))
}

// Write rotates when needed and tees to stderr.
func (m *Manager) Write(p []byte) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_ = m.rotateIfNeededLocked()

	if m.file != nil {
		n, err = m.file.Write(p)
	}
	if m.cfg.Stderr != nil {
		_, _ = m.cfg.Stderr.Write(p)
	}
	return n, err
}

// Close closes the current file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file != nil {
		err := m.file.Close()
		m.file = nil
		return err
	}
	return nil
}

// LogDir returns the log directory.
func (m *Manager) LogDir() string {
	return m.cfg.Dir
}

// CurrentLogFile returns the path being written.
func (m *Manager) CurrentLogFile() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file != nil {
		return m.file.Name()
	}
	return logFileName(m.cfg.Dir, todayDate())
}

func (m *Manager) rotateIfNeeded() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rotateIfNeededLocked()
}

func (m *Manager) rotateIfNeededLocked() error {
	today := todayDate()
	limit := int64(m.cfg.MaxSizeMB) * 1024 * 1024
	needRotate := m.file == nil || m.curDate != today
	if !needRotate {
		if info, err := m.file.Stat(); err == nil && info.Size() >= limit {
			needRotate = true
		}
	}
	if !needRotate {
		return nil
	}

	if m.file != nil {
		_ = m.file.Close()
		m.file = nil
	}

	path := logFileName(m.cfg.Dir, today)
	if info, err := os.Stat(path); err == nil && info.Size() >= limit {
		for seq := 1; seq < 100; seq++ {
			candidate := filepath.Join(m.cfg.Dir, fmt.Sprintf("%s%s.%d.log", filePrefix, today, seq))
			info, err := os.Stat(candidate)
			if os.IsNotExist(err) || (err == nil && info.Size() < limit) {
				path = candidate
				break
			}
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	m.file = f
	m.curDate = today
	return nil
}

// Cleanup removes log files older than MaxAgeDays.
func (m *Manager) Cleanup() (int, error) {
	if m.cfg.MaxAgeDays <= 0 {
		return 0, nil
	}
	files, err := ListLogFiles(m.cfg.Dir)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().AddDate(0, 0, -m.cfg.MaxAgeDays)
	current := m.CurrentLogFile()
	removed := 0
	for _, f := range files {
		if f.Path == current || !f.ModTime.Before(cutoff) {
			continue
		}
		if err := os.Remove(f.Path); err == nil {
			removed++
		}
	}
	return removed, nil
}

// LogFileInfo describes one log file.
type LogFileInfo struct {
	Name    string
	Path    string
	Size    int64
	ModTime time.Time
}

// ListLogFiles lists the log files in dir, newest first.
func ListLogFiles(dir string) ([]LogFileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []LogFileInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), filePrefix) || !strings.HasSuffix(entry.Name(), ".log") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, LogFileInfo{
			Name:    entry.Name(),
			Path:    filepath.Join(dir, entry.Name()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].ModTime.After(files[j].ModTime)
	})
	return files, nil
}

// TailFile returns the last n non-empty lines of path.
func TailFile(path string, n int) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = 200
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// QueryFile returns the lines of path containing pattern, case-insensitively.
func QueryFile(path, pattern string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	q := strings.ToLower(pattern)
	var matches []string
	for _, line := range strings.Split(string(data), "\n") {
		if line != "" && strings.Contains(strings.ToLower(line), q) {
			matches = append(matches, line)
		}
	}
	return matches, nil
}

// FollowFile copies what is appended to path into w until ctx is done.
func FollowFile(ctx context.Context, path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	buf := make([]byte, 4096)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			_, _ = w.Write(buf[:n])
		}
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			return readErr
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(500 * time.Millisecond):
			}
		}
	}
}

func todayDate() string {
	return time.Now().Format("2006-01-02")
}

func logFileName(dir, date string) string {
	return filepath.Join(dir, fmt.Sprintf("%s%s.log", filePrefix, date))
}
