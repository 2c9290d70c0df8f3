// Package planstore is the Plan Manager (spec.md §4.8): the sole owner
// and mutator of Plan state, grounded on scheduler's MinerScheduler being
// the sole mutator of its own decision state, generalized from an
// in-memory map to a FileStore-backed store with the same
// temp-file+rename atomicity discipline mpc_persistence.go gets from a
// Postgres transaction.
package planstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/oig-battery-planner/planner/types"
)

// FileStore persists plans/active.json, plans/<id>.json and
// balancing.json under dir (spec.md §6), writing each atomically via a
// temp file in the same directory followed by os.Rename, so a crash
// mid-write never leaves a torn file the way a direct os.WriteFile would.
type FileStore struct {
	dir      string
	plansDir string
}

// BalancingPersist is the on-disk shape of balancing.json.
type BalancingPersist struct {
	LastBalancingTS time.Time     `json:"last_balancing_ts"`
	ActiveIntent    *types.Intent `json:"active_intent,omitempty"`
}

// NewFileStore ensures dir/plans exists and returns a FileStore rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	plansDir := filepath.Join(dir, "plans")
	if err := os.MkdirAll(plansDir, 0o755); err != nil {
		return nil, fmt.Errorf("planstore: create plans dir: %w", err)
	}
	return &FileStore{dir: dir, plansDir: plansDir}, nil
}

func atomicWriteJSON(path string, v interface{}) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("planstore: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		tmp.Close()
		return fmt.Errorf("planstore: encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("planstore: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("planstore: rename into place: %w", err)
	}
	return nil
}

func readJSON(path string, v interface{}) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("planstore: open %s: %w", path, err)
	}
	defer f.Close()
	if err := json.NewDecoder(f).Decode(v); err != nil {
		return false, fmt.Errorf("planstore: decode %s: %w", path, err)
	}
	return true, nil
}

func (s *FileStore) activePath() string        { return filepath.Join(s.plansDir, "active.json") }
func (s *FileStore) planPath(id string) string  { return filepath.Join(s.plansDir, id+".json") }
func (s *FileStore) balancingPath() string      { return filepath.Join(s.dir, "balancing.json") }

// WriteActive persists plan as the current active Plan.
func (s *FileStore) WriteActive(plan types.Plan) error {
	return atomicWriteJSON(s.activePath(), plan)
}

// ReadActive loads the persisted active Plan, if any. A missing file is
// the expected "no state yet" case and returns (nil, nil), not an error —
// unlike scheduler/config.go's LoadConfig, where a missing file is fatal.
func (s *FileStore) ReadActive() (*types.Plan, error) {
	var plan types.Plan
	found, err := readJSON(s.activePath(), &plan)
	if err != nil || !found {
		return nil, err
	}
	return &plan, nil
}

// WritePlan persists plan under plans/<id>.json.
func (s *FileStore) WritePlan(plan types.Plan) error {
	return atomicWriteJSON(s.planPath(plan.ID), plan)
}

// DeletePlan removes plans/<id>.json; a missing file is not an error.
func (s *FileStore) DeletePlan(id string) error {
	if err := os.Remove(s.planPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("planstore: delete plan %s: %w", id, err)
	}
	return nil
}

// WriteBalancing persists the Balancing Coordinator's durable state.
func (s *FileStore) WriteBalancing(state BalancingPersist) error {
	return atomicWriteJSON(s.balancingPath(), state)
}

// ReadBalancing loads balancing.json; a missing file returns the zero
// value with found=false rather than an error.
func (s *FileStore) ReadBalancing() (BalancingPersist, bool, error) {
	var state BalancingPersist
	found, err := readJSON(s.balancingPath(), &state)
	return state, found, err
}
