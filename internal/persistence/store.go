package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const recordExt = ".json"

var ErrInvalidID = errors.New("invalid task id")

// Store persists tasks as one JSON file per task in a single directory.
// Writes for the same id are serialised by a per-id lock; writes for
// different ids run independently.
type Store struct {
	dir    string
	schema *jsonschema.Schema
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Open prepares dir for use, creating it if needed and removing temp files
// left behind by an interrupted write.
func Open(dir string, logger *slog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("task store: empty data directory")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	schema, err := compileTaskSchema()
	if err != nil {
		return nil, err
	}
	s := &Store{
		dir:    dir,
		schema: schema,
		logger: logger.With("component", "task_store"),
		locks:  make(map[string]*sync.Mutex),
	}
	if stale, _ := filepath.Glob(filepath.Join(dir, ".*.tmp")); len(stale) > 0 {
		for _, p := range stale {
			_ = os.Remove(p)
		}
		s.logger.Warn("removed interrupted writes", "count", len(stale))
	}
	return s, nil
}

func (s *Store) Dir() string {
	return s.dir
}

// Path returns the record file for id.
func (s *Store) Path(id string) string {
	return filepath.Join(s.dir, id+recordExt)
}

// lockFor returns the mutex guarding id. Locks are created on first use and
// kept for the life of the process.
func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Save writes task atomically (temp file then rename). Errors are returned
// so callers never diverge silently from disk.
func (s *Store) Save(task Task) error {
	if !ValidID(task.ID) {
		return fmt.Errorf("save task %q: %w", task.ID, ErrInvalidID)
	}
	rec := task.Clone()
	rec.CreatedAt = rec.CreatedAt.UTC()
	if rec.LastHeartbeatAt != nil {
		ts := rec.LastHeartbeatAt.UTC()
		rec.LastHeartbeatAt = &ts
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}

	l := s.lockFor(task.ID)
	l.Lock()
	defer l.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+task.ID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.ID, err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("save task %s: write: %w", task.ID, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("save task %s: sync: %w", task.ID, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("save task %s: close: %w", task.ID, err)
	}
	if err := os.Rename(tmpName, s.Path(task.ID)); err != nil {
		cleanup()
		return fmt.Errorf("save task %s: rename: %w", task.ID, err)
	}
	return nil
}

// Delete removes the record for id. A missing record is not an error.
func (s *Store) Delete(id string) error {
	if !ValidID(id) {
		return fmt.Errorf("delete task %q: %w", id, ErrInvalidID)
	}
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(s.Path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// Exists reports whether a record for id is on disk.
func (s *Store) Exists(id string) bool {
	_, err := os.Stat(s.Path(id))
	return err == nil
}

// LoadAll reads every record in the directory, oldest first. Records that
// cannot be read, parsed or validated are skipped and counted. Only failure
// to list the directory is returned as an error.
func (s *Store) LoadAll() ([]Task, int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, 0, fmt.Errorf("list data directory: %w", err)
	}
	var (
		tasks   []Task
		skipped int
	)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, recordExt) {
			continue
		}
		task, err := s.load(name)
		if err != nil {
			skipped++
			s.logger.Warn("skipping task record", "file", name, "error", err)
			continue
		}
		tasks = append(tasks, task)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, skipped, nil
}

func (s *Store) load(name string) (Task, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return Task{}, err
	}
	if err := s.validateRecord(raw); err != nil {
		return Task{}, err
	}
	var task Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return Task{}, fmt.Errorf("decode record: %w", err)
	}
	if want := strings.TrimSuffix(name, recordExt); task.ID != want {
		return Task{}, fmt.Errorf("record id %q does not match file name", task.ID)
	}
	return task, nil
}
