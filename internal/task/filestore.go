package task

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"fable/internal/logging"
)

// FileStore persists one JSON document per task under a base directory. It is
// the durable key-value slot the machine writes on every mutation and reads
// back at startup.
type FileStore struct {
	baseDir string
	logger  logging.Logger
}

// NewFileStore creates the base directory when missing. A leading "~/" is
// expanded against the user's home directory.
func NewFileStore(baseDir string, logger logging.Logger) (*FileStore, error) {
	if strings.HasPrefix(baseDir, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home directory: %w", err)
		}
		baseDir = filepath.Join(home, baseDir[2:])
	}
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create task store directory: %w", err)
	}
	return &FileStore{baseDir: baseDir, logger: logging.OrNop(logger)}, nil
}

func (s *FileStore) path(taskID string) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("%s.json", taskID))
}

// Save writes the task snapshot.
func (s *FileStore) Save(t *Task) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("encode task %s: %w", t.ID, err)
	}
	if err := os.WriteFile(s.path(t.ID), data, 0644); err != nil {
		return fmt.Errorf("write task %s: %w", t.ID, err)
	}
	return nil
}

// Delete removes the snapshot. Missing files are not an error.
func (s *FileStore) Delete(taskID string) error {
	err := os.Remove(s.path(taskID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	return nil
}

// LoadAll reads every snapshot in the directory. Corrupt files are logged and
// skipped so a single bad record cannot block startup.
func (s *FileStore) LoadAll() ([]*Task, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("read task store directory: %w", err)
	}

	var tasks []*Task
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(s.baseDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("failed to read snapshot %s: %v", path, err)
			continue
		}
		var t Task
		if err := json.Unmarshal(data, &t); err != nil {
			s.logger.Warn("skipping corrupt snapshot %s: %v", path, err)
			continue
		}
		if t.ID == "" {
			s.logger.Warn("skipping snapshot %s with empty id", path)
			continue
		}
		tasks = append(tasks, &t)
	}
	return tasks, nil
}
