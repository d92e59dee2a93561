package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sark-gateway/sark/pkg/audit"
)

// FileConfig configures the local file destination.
type FileConfig struct {
	// ID names this destination; defaults to file.
	ID string

	// Path is the log file to append to.
	Path string

	// MaxFileBytes rolls the file by renaming it aside once it grows past
	// this size. Zero disables rolling.
	MaxFileBytes int64
}

// FileAdapter appends newline-delimited JSON events to a rolling local file.
// It serves as a last-resort destination for later replay.
type FileAdapter struct {
	cfg FileConfig

	mu   sync.Mutex
	size int64
}

// NewFileAdapter creates a file adapter, creating parent directories as
// needed.
func NewFileAdapter(cfg FileConfig) (*FileAdapter, error) {
	if cfg.ID == "" {
		cfg.ID = "file"
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	a := &FileAdapter{cfg: cfg}
	if info, err := os.Stat(cfg.Path); err == nil {
		a.size = info.Size()
	}
	return a, nil
}

// ID identifies the destination.
func (a *FileAdapter) ID() string {
	return a.cfg.ID
}

// SendBatch appends the batch as NDJSON, rolling the file when it exceeds
// the size bound.
func (a *FileAdapter) SendBatch(_ context.Context, events []*audit.Event) error {
	if len(events) == 0 {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cfg.MaxFileBytes > 0 && a.size > a.cfg.MaxFileBytes {
		if err := a.rollLocked(); err != nil {
			return err
		}
	}

	f, err := os.OpenFile(a.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) // #nosec G304
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	for _, event := range events {
		if err := enc.Encode(event); err != nil {
			return fmt.Errorf("failed to append event: %w", err)
		}
	}

	if info, err := f.Stat(); err == nil {
		a.size = info.Size()
	}
	return nil
}

// rollLocked renames the current file aside with a numeric suffix.
func (a *FileAdapter) rollLocked() error {
	for i := 1; ; i++ {
		rolled := fmt.Sprintf("%s.%d", a.cfg.Path, i)
		if _, err := os.Stat(rolled); os.IsNotExist(err) {
			if err := os.Rename(a.cfg.Path, rolled); err != nil {
				return fmt.Errorf("failed to roll log file: %w", err)
			}
			a.size = 0
			return nil
		}
	}
}

// HealthCheck verifies the log file is writable.
func (a *FileAdapter) HealthCheck(_ context.Context) error {
	f, err := os.OpenFile(a.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) // #nosec G304
	if err != nil {
		return fmt.Errorf("log file not writable: %w", err)
	}
	return f.Close()
}
