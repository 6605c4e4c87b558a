package run

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/compose-updater/internal/config"
	"github.com/oshokin/compose-updater/internal/domain/update"
)

// Repository defines persistence operations for the last run.
type Repository interface {
	Load(ctx context.Context) (*update.Run, error)
	Save(ctx context.Context, run *update.Run) error
}

// FileRepository persists the last run to a YAML file on disk.
type FileRepository struct {
	// path is the filesystem location of the state file.
	path string
	// mu protects concurrent access to the state file.
	mu sync.Mutex
}

var (
	// ErrNotFound is returned when the state file does not exist yet.
	ErrNotFound = errors.New("run not found")
	// ErrUnfinishedRun is returned when asked to save a run without an end time.
	ErrUnfinishedRun = errors.New("run is not finished")
)

// document is the on-disk layout; the version allows future migrations.
type document struct {
	Version int         `yaml:"version"`
	LastRun *update.Run `yaml:"last_run"`
}

// documentVersion is the current layout version.
const documentVersion = 1

// NewFileRepository creates a repository that reads/writes YAML at the provided path.
func NewFileRepository(path string) *FileRepository {
	return &FileRepository{
		path: filepath.Clean(path),
	}
}

// Load reads the last run from disk.
func (r *FileRepository) Load(_ context.Context) (*update.Run, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	contents, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}

		return nil, fmt.Errorf("read state file: %w", err)
	}

	var doc document
	if err = yaml.Unmarshal(contents, &doc); err != nil {
		return nil, fmt.Errorf("decode state file: %w", err)
	}

	if doc.LastRun == nil {
		return nil, ErrNotFound
	}

	return doc.LastRun, nil
}

// Save writes the run to disk, replacing the previous one atomically.
func (r *FileRepository) Save(_ context.Context, run *update.Run) error {
	if !run.Finished() {
		return ErrUnfinishedRun
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := yaml.Marshal(&document{
		Version: documentVersion,
		LastRun: run,
	})
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}

	// Write next to the target and rename so a crash never leaves half a file.
	tmp, err := os.CreateTemp(filepath.Dir(r.path), filepath.Base(r.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temporary state file: %w", err)
	}

	tmpName := tmp.Name()

	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("write state file: %w", err)
	}

	if err = tmp.Chmod(config.DefaultFilePermissions); err != nil {
		_ = tmp.Close()

		return fmt.Errorf("chmod state file: %w", err)
	}

	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close state file: %w", err)
	}

	if err = os.Rename(tmpName, r.path); err != nil {
		return fmt.Errorf("replace state file: %w", err)
	}

	return nil
}
