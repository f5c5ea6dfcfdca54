package settings

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"
)

// FileStore persists the settings document as a JSON file. A missing file
// reads as empty settings.
type FileStore struct {
	path string
	mu   sync.Mutex
}

func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

func (f *FileStore) Load(_ context.Context) (Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.read()
}

func (f *FileStore) Update(_ context.Context, u Update) (Settings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	current, err := f.read()
	if err != nil {
		return Settings{}, err
	}

	merged := current.Merge(u)
	if err := f.write(merged); err != nil {
		return Settings{}, err
	}
	return merged, nil
}

func (f *FileStore) read() (Settings, error) {
	var s Settings

	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, errors.Wrap(err, "read settings file")
	}

	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, errors.Wrap(err, "decode settings file")
	}
	return s, nil
}

func (f *FileStore) write(s Settings) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode settings")
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return errors.Wrap(err, "create settings dir")
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".settings-*.json")
	if err != nil {
		return errors.Wrap(err, "create temp settings file")
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "write settings file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close settings file")
	}

	return errors.Wrap(os.Rename(tmp.Name(), f.path), "replace settings file")
}
