package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LogAppender receives fully formatted log lines.
type LogAppender interface {
	Write(p []byte) (int, error)
	// Refresh flushes buffered output and re-applies rotation settings.
	Refresh()
}

// ConsoleAppender writes to stdout.
type ConsoleAppender struct {
	mu sync.Mutex
}

func NewConsoleAppender() *ConsoleAppender {
	return &ConsoleAppender{}
}

func (c *ConsoleAppender) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return os.Stdout.Write(p)
}

func (c *ConsoleAppender) Refresh() {}

// FileAppender writes to a file and rotates it once it grows past splitMB.
// Rotated files keep the original name with a timestamp suffix.
type FileAppender struct {
	mu      sync.Mutex
	path    string
	splitMB int
	file    *os.File
	size    int64
}

func NewFileAppender(cfg *LogCfg) *FileAppender {
	return &FileAppender{
		path:    cfg.LogPath,
		splitMB: cfg.FileSplitMB,
	}
}

func (f *FileAppender) open() error {
	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	st, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return err
	}
	f.file = file
	f.size = st.Size()
	return nil
}

func (f *FileAppender) rotate() error {
	if f.file != nil {
		_ = f.file.Close()
		f.file = nil
	}
	rotated := fmt.Sprintf("%s.%s", f.path, time.Now().Format("20060102-150405.000"))
	if err := os.Rename(f.path, rotated); err != nil && !os.IsNotExist(err) {
		return err
	}
	return f.open()
}

func (f *FileAppender) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		if err := f.open(); err != nil {
			return 0, err
		}
	}
	if f.splitMB > 0 && f.size+int64(len(p)) > int64(f.splitMB)<<20 && f.size > 0 {
		if err := f.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := f.file.Write(p)
	f.size += int64(n)
	return n, err
}

func (f *FileAppender) Refresh() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file != nil {
		_ = f.file.Sync()
	}
}

// OnConfigChanged picks up a new path or rotation size.
func (f *FileAppender) OnConfigChanged(cfg *LogCfg) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.splitMB = cfg.FileSplitMB
	if cfg.LogPath != f.path {
		if f.file != nil {
			_ = f.file.Close()
			f.file = nil
		}
		f.path = cfg.LogPath
	}
}

// Close releases the file handle. Later writes reopen it.
func (f *FileAppender) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.file == nil {
		return nil
	}
	err := f.file.Close()
	f.file = nil
	return err
}
