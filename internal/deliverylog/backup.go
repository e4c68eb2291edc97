package deliverylog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
)

// FileBackup keeps the latest snapshot in a single JSON file. Writes go to a
// temporary file first and are renamed into place.
type FileBackup struct {
	path string
}

func NewFileBackup(path string) (*FileBackup, error) {
	if path == "" {
		return nil, fmt.Errorf("backup path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &FileBackup{path: path}, nil
}

func (b *FileBackup) Path() string { return b.path }

func (b *FileBackup) Read(_ context.Context) (State, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return State{}, fmt.Errorf("failed to read backup: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return State{}, fmt.Errorf("failed to decode backup: %w", err)
	}
	return state, nil
}

func (b *FileBackup) Write(_ context.Context, state State) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode backup: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(b.path), filepath.Base(b.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp backup: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp backup: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp backup: %w", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace backup: %w", err)
	}
	return nil
}

func (b *FileBackup) Remove(_ context.Context) error {
	if err := os.Remove(b.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove backup: %w", err)
	}
	return nil
}
