package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
)

// FileConfig configures a FileShipper. With MaxSizeMB set, the file is
// rotated to Path.1 once it grows past that size, keeping MaxBackups files.
type FileConfig struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
}

// FileShipper appends entries to a JSON-lines file.
type FileShipper struct {
	cfg FileConfig

	mu   sync.Mutex
	f    *os.File
	size int64
}

// NewFileShipper opens (or creates) cfg.Path for appending.
func NewFileShipper(cfg *FileConfig) (*FileShipper, error) {
	fs := &FileShipper{cfg: *cfg}
	if err := fs.open(); err != nil {
		return nil, err
	}
	return fs, nil
}

func (fs *FileShipper) open() error {
	f, err := os.OpenFile(fs.cfg.Path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat audit file: %w", err)
	}
	fs.f, fs.size = f, info.Size()
	return nil
}

func (fs *FileShipper) backup(n int) string {
	return fmt.Sprintf("%s.%d", fs.cfg.Path, n)
}

// rotate shifts path.N to path.N+1 and reopens an empty file. fs.mu is held.
func (fs *FileShipper) rotate() error {
	if err := fs.f.Close(); err != nil {
		return err
	}
	keep := max(fs.cfg.MaxBackups, 1)
	_ = os.Remove(fs.backup(keep))
	for n := keep - 1; n >= 1; n-- {
		_ = os.Rename(fs.backup(n), fs.backup(n+1))
	}
	if err := os.Rename(fs.cfg.Path, fs.backup(1)); err != nil {
		return err
	}
	return fs.open()
}

// Ship appends entry as one line.
func (fs *FileShipper) Ship(_ context.Context, entry *LogEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode audit entry: %w", err)
	}
	line = append(line, '\n')

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if limit := int64(fs.cfg.MaxSizeMB) << 20; limit > 0 && fs.size > limit {
		if err := fs.rotate(); err != nil {
			slog.Error("audit file rotation failed", "path", fs.cfg.Path, "error", err)
			if err := fs.open(); err != nil {
				return err
			}
		}
	}

	n, err := fs.f.Write(line)
	fs.size += int64(n)
	if err != nil {
		return fmt.Errorf("failed to write audit entry: %w", err)
	}
	return nil
}

// Close closes the file.
func (fs *FileShipper) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.f.Close()
}
