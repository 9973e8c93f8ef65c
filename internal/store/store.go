// Package store persists the orchestrator state document and, optionally,
// archives terminal jobs to Postgres.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/iamcos/labrunner/internal/models"
)

// SchemaVersion of the on-disk state document. Documents with a different
// major version are treated as corrupt.
const SchemaVersion = 2

// ErrCorruptState marks a state document that cannot be decoded. Callers are
// expected to fall back to an empty state rather than abort startup.
var ErrCorruptState = errors.New("corrupt state document")

// document is the wire shape of the persisted state file.
type document struct {
	SchemaVersion int                 `json:"schema_version"`
	SavedAt       time.Time           `json:"saved_at"`
	Jobs          []*models.Job       `json:"jobs"`
	Pending       map[string][]string `json:"pending"`
	Running       map[string][]string `json:"running"`
	Completed     []string            `json:"completed"`
	Failed        []string            `json:"failed"`
}

// State is the in-memory registry reconstructed from the document.
type State struct {
	Jobs      map[string]*models.Job
	Pending   map[string][]string
	Running   map[string][]string
	Completed []string
	Failed    []string
}

// Empty returns a fresh zero-job state.
func Empty() *State {
	return &State{
		Jobs:    make(map[string]*models.Job),
		Pending: make(map[string][]string),
		Running: make(map[string][]string),
	}
}

// FileStore reads and writes one state document. A single orchestration
// process is the only writer; writes are atomic via temp-file rename.
type FileStore struct {
	path string
	log  *zap.Logger
}

// NewFileStore builds a store for the given path.
func NewFileStore(path string, log *zap.Logger) *FileStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &FileStore{path: path, log: log.Named("store")}
}

// Load reads the state document. A missing file yields an empty state; a
// structurally unreadable or wrong-version document yields ErrCorruptState.
// Individually malformed job records are skipped with a warning.
func (s *FileStore) Load() (*State, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Empty(), nil
		}
		return nil, fmt.Errorf("read state %s: %w", s.path, err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrCorruptState, s.path, err)
	}
	if doc.SchemaVersion != SchemaVersion {
		return nil, fmt.Errorf("%w: schema version %d, want %d", ErrCorruptState, doc.SchemaVersion, SchemaVersion)
	}

	st := Empty()
	for _, j := range doc.Jobs {
		if j == nil || j.ID == "" {
			s.log.Warn("skipping job record without id")
			continue
		}
		if !knownStatus(j.Status) {
			s.log.Warn("skipping job with unknown status",
				zap.String("job_id", j.ID), zap.String("status", string(j.Status)))
			continue
		}
		st.Jobs[j.ID] = j
	}
	for server, ids := range doc.Pending {
		st.Pending[server] = pruneUnknown(ids, st.Jobs)
	}
	for server, ids := range doc.Running {
		st.Running[server] = pruneUnknown(ids, st.Jobs)
	}
	st.Completed = append(st.Completed, doc.Completed...)
	st.Failed = append(st.Failed, doc.Failed...)
	return st, nil
}

// Save writes the state document atomically. The in-memory state is never
// mutated here; a failed save is retried by the caller on the next cycle.
func (s *FileStore) Save(st *State) error {
	doc := document{
		SchemaVersion: SchemaVersion,
		SavedAt:       time.Now().UTC(),
		Pending:       st.Pending,
		Running:       st.Running,
		Completed:     st.Completed,
		Failed:        st.Failed,
	}
	doc.Jobs = make([]*models.Job, 0, len(st.Jobs))
	for _, j := range st.Jobs {
		doc.Jobs = append(doc.Jobs, j)
	}

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".labrunner_state_*")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

func knownStatus(s models.Status) bool {
	switch s {
	case models.StatusPending, models.StatusRunning, models.StatusCompleted,
		models.StatusFailed, models.StatusCancelled, models.StatusTimeout:
		return true
	}
	return false
}

func pruneUnknown(ids []string, jobs map[string]*models.Job) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := jobs[id]; ok {
			out = append(out, id)
		}
	}
	return out
}
